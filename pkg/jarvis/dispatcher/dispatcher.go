// Package dispatcher routes inbound events to units. Commands resolve by
// exact name, free text by pattern; text that matches nothing is offered
// to the intent classifier, which may start the add/update pipeline.
// Every handler runs behind a recover and timeout boundary, so a faulty
// unit produces a failure reply instead of taking the process down.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/channels"
	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/generator"
	"github.com/jholhewres/jarvis/pkg/jarvis/gitsync"
	"github.com/jholhewres/jarvis/pkg/jarvis/intent"
	"github.com/jholhewres/jarvis/pkg/jarvis/pipeline"
	"github.com/jholhewres/jarvis/pkg/jarvis/registry"
	"github.com/jholhewres/jarvis/pkg/jarvis/scheduler"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
	"github.com/jholhewres/jarvis/pkg/jarvis/voice"
)

// DefaultHandlerTimeout bounds a single handler invocation.
const DefaultHandlerTimeout = 30 * time.Second

// NotUnderstoodReply answers text nothing could handle.
const NotUnderstoodReply = "Sorry Sir, I did not understand. Use /help."

// EventKind identifies what triggered a dispatch.
type EventKind int

const (
	EventCommand EventKind = iota
	EventText
	EventVoice
	EventTick
)

func (k EventKind) String() string {
	switch k {
	case EventCommand:
		return "command"
	case EventText:
		return "text"
	case EventVoice:
		return "voice"
	case EventTick:
		return "tick"
	default:
		return "unknown"
	}
}

// Event is one inbound occurrence.
type Event struct {
	Kind EventKind

	Channel   string
	ChatID    string
	Sender    string
	MessageID string

	// Command is the normalized command name and Args its argument text
	// (EventCommand).
	Command string
	Args    string

	// Text is the message text (EventText), or the transcription once a
	// voice event has been transcribed.
	Text string

	// Audio is the voice note payload (EventVoice).
	Audio     []byte
	AudioMIME string

	// Handler is the schedule handler to run (EventTick).
	Handler *units.Handler
}

// ParseMessage builds a command or text event from message text.
func ParseMessage(channel, chatID, sender, text string) Event {
	ev := Event{Channel: channel, ChatID: chatID, Sender: sender}
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "/") && len(text) > 1 {
		head, rest, _ := strings.Cut(text, " ")
		ev.Kind = EventCommand
		ev.Command = registry.CommandName(head)
		ev.Args = strings.TrimSpace(rest)
		return ev
	}
	ev.Kind = EventText
	ev.Text = text
	return ev
}

// FromMessage converts a channel message into an event. Voice notes carry
// no audio yet; the caller fills Audio after downloading it.
func FromMessage(msg *channels.IncomingMessage) Event {
	if msg.IsVoice() {
		return Event{
			Kind:      EventVoice,
			Channel:   msg.Channel,
			ChatID:    msg.ChatID,
			Sender:    msg.FromName,
			MessageID: msg.ID,
			AudioMIME: msg.Media.MimeType,
		}
	}
	ev := ParseMessage(msg.Channel, msg.ChatID, msg.FromName, msg.Content)
	ev.MessageID = msg.ID
	return ev
}

// OutcomeKind classifies a dispatch result.
type OutcomeKind int

const (
	Handled OutcomeKind = iota
	NotUnderstood
	Ambiguous
	Failed
	Generated
)

func (k OutcomeKind) String() string {
	switch k {
	case Handled:
		return "handled"
	case NotUnderstood:
		return "not_understood"
	case Ambiguous:
		return "ambiguous"
	case Failed:
		return "failed"
	case Generated:
		return "generated"
	default:
		return "unknown"
	}
}

// Outcome is the result of Handle. Reply is what the user should see.
type Outcome struct {
	Kind  OutcomeKind
	Unit  string
	Reply string

	// Candidates lists the tied units of an Ambiguous outcome.
	Candidates []string

	// Err is the underlying failure of a Failed outcome.
	Err error
}

// Sink delivers a message to a chat (scheduled replies).
type Sink func(ctx context.Context, channel, chatID, message string) error

// Notifier sends an interim message while a long operation runs.
type Notifier func(ctx context.Context, ev Event, text string)

// HealthReporter reports channel health for /status.
type HealthReporter interface {
	HealthAll() map[string]channels.HealthStatus
}

// GitReporter reports the work tree for /status.
type GitReporter interface {
	Status(ctx context.Context) (*gitsync.Status, error)
}

// Syncer publishes the unit directory after a reload.
type Syncer interface {
	Sync(ctx context.Context, rec gitsync.Record) (gitsync.Result, error)
}

// Options configure a Dispatcher.
type Options struct {
	// Name is the assistant name used in greetings.
	Name string

	Registry *registry.Registry
	Source   registry.Source
	Pipeline *pipeline.Pipeline

	// Classifier recognizes create/update requests in free text. Optional.
	Classifier intent.Classifier

	// Transcriber handles voice events. Optional.
	Transcriber voice.Transcriber

	// Runtime is what unit actions run against.
	Runtime *units.Runtime

	HandlerTimeout time.Duration

	Sink     Sink
	Notifier Notifier

	Health HealthReporter
	Git    GitReporter

	// Syncer and SyncPaths enable sync after /reload.
	Syncer    Syncer
	SyncPaths []string

	Logger *slog.Logger
}

// Dispatcher is safe for concurrent use; it holds no lock of its own.
type Dispatcher struct {
	opts    Options
	logger  *slog.Logger
	started time.Time
}

// New creates a dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}
	if opts.Runtime == nil {
		opts.Runtime = &units.Runtime{}
	}
	if opts.Name == "" {
		opts.Name = "Jarvis"
	}
	return &Dispatcher{
		opts:    opts,
		logger:  opts.Logger.With("component", "dispatcher"),
		started: time.Now(),
	}
}

// SetSink replaces the delivery function for scheduled replies.
func (d *Dispatcher) SetSink(s Sink) { d.opts.Sink = s }

// Handle routes one event and returns the outcome. It never panics.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) Outcome {
	start := time.Now()
	out := d.route(ctx, ev)

	attrs := []any{
		"kind", ev.Kind.String(),
		"channel", ev.Channel,
		"chat_id", ev.ChatID,
		"outcome", out.Kind.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if out.Unit != "" {
		attrs = append(attrs, "unit", out.Unit)
	}
	if out.Err != nil {
		attrs = append(attrs, "error", out.Err)
		d.logger.Warn("event handled with failure", attrs...)
	} else {
		d.logger.Info("event handled", attrs...)
	}
	return out
}

func (d *Dispatcher) route(ctx context.Context, ev Event) Outcome {
	switch ev.Kind {
	case EventCommand:
		return d.handleCommand(ctx, ev)
	case EventText:
		return d.handleText(ctx, ev)
	case EventVoice:
		return d.handleVoice(ctx, ev)
	case EventTick:
		if ev.Handler == nil {
			return Outcome{Kind: Failed, Err: errors.New("tick without handler")}
		}
		return d.invoke(ctx, ev, ev.Handler, units.Invocation{})
	default:
		return Outcome{Kind: NotUnderstood, Reply: NotUnderstoodReply}
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, ev Event) Outcome {
	if out, ok := d.core(ctx, ev); ok {
		return out
	}

	res := d.opts.Registry.Resolve(registry.Query{Command: ev.Command})
	if res.Status != registry.Matched {
		return Outcome{
			Kind:  NotUnderstood,
			Reply: fmt.Sprintf("Unknown command /%s. Use /help to see what I can do.", ev.Command),
		}
	}
	return d.invoke(ctx, ev, res.Handler, units.Invocation{Args: ev.Args, Text: ev.Args})
}

func (d *Dispatcher) handleText(ctx context.Context, ev Event) Outcome {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return Outcome{Kind: NotUnderstood, Reply: NotUnderstoodReply}
	}

	res := d.opts.Registry.Resolve(registry.Query{Text: text})
	switch res.Status {
	case registry.Matched:
		args := res.Captures["rest"]
		return d.invoke(ctx, ev, res.Handler, units.Invocation{Args: args, Text: text, Match: res.Captures})
	case registry.Ambiguous:
		return Outcome{
			Kind:       Ambiguous,
			Candidates: res.Candidates,
			Reply: fmt.Sprintf("That matches several units (%s). Please use a command instead.",
				strings.Join(res.Candidates, ", ")),
		}
	}

	if d.opts.Classifier != nil {
		in, err := d.opts.Classifier.Classify(ctx, text)
		if err != nil {
			d.logger.Warn("intent classification failed", "error", err)
		}
		if in.Kind != intent.None {
			mode := generator.Create
			if in.Kind == intent.Update {
				mode = generator.Update
			}
			return d.generate(ctx, ev, generator.Request{
				Intent:      text,
				Name:        in.Name,
				Description: in.Description,
				Mode:        mode,
			})
		}
	}
	return Outcome{Kind: NotUnderstood, Reply: NotUnderstoodReply}
}

func (d *Dispatcher) handleVoice(ctx context.Context, ev Event) Outcome {
	if d.opts.Transcriber == nil {
		return Outcome{Kind: NotUnderstood, Reply: "Voice messages are not enabled."}
	}
	if len(ev.Audio) == 0 {
		return Outcome{Kind: Failed, Reply: "I could not download that voice message.", Err: errors.New("voice event without audio")}
	}

	text, err := d.opts.Transcriber.Transcribe(ctx, ev.Audio, ev.AudioMIME)
	if errors.Is(err, voice.ErrEmptyTranscript) {
		return Outcome{Kind: NotUnderstood, Reply: "Sorry, I couldn't understand your voice clearly."}
	}
	if err != nil {
		return Outcome{Kind: Failed, Reply: "Voice processing failed. Please try again.", Err: err}
	}

	who := ev.Sender
	if who == "" {
		who = "Sir"
	}
	d.notify(ctx, ev, fmt.Sprintf("%s, you said: %s", who, text))

	// Spoken text is routed as free text, never as a command.
	next := ev
	next.Kind = EventText
	next.Text = text
	next.Audio = nil
	return d.handleText(ctx, next)
}

// generate runs the add/update pipeline and turns its result into a reply.
func (d *Dispatcher) generate(ctx context.Context, ev Event, req generator.Request) Outcome {
	name := units.NormalizeName(req.Name)
	if d.opts.Pipeline == nil {
		return Outcome{Kind: Failed, Unit: name, Reply: "⚠️ Unit generation is not configured.",
			Err: faults.Transport("dispatcher.generate", faults.Unavailable, errors.New("no pipeline configured"))}
	}
	if d.opts.Registry.IsReserved(name) {
		return Outcome{Kind: Failed, Unit: name, Reply: fmt.Sprintf("❌ %q is a built-in command name.", name),
			Err: faults.Conflict("dispatcher.generate", name, "reserved name")}
	}

	verb := "add"
	if req.Mode == generator.Update {
		verb = "update"
	}
	d.notify(ctx, ev, fmt.Sprintf("⚙️ Attempting to %s unit %s...", verb, name))

	res, err := d.opts.Pipeline.Generate(ctx, req)
	if err != nil {
		return Outcome{Kind: Failed, Unit: name, Reply: generationFailure(name, err), Err: err}
	}
	return Outcome{Kind: Generated, Unit: res.Unit, Reply: deployedReply(res)}
}

// invoke runs h behind the isolation boundary. A handler that outlives
// the timeout is abandoned; its late result is discarded.
func (d *Dispatcher) invoke(ctx context.Context, ev Event, h *units.Handler, inv units.Invocation) Outcome {
	inv.Event = units.EventInfo{
		Kind:    ev.Kind.String(),
		Channel: ev.Channel,
		ChatID:  ev.ChatID,
		Sender:  ev.Sender,
	}

	reply, err := d.run(ctx, h, inv)
	if err != nil {
		return Outcome{
			Kind:  Failed,
			Unit:  h.Unit,
			Reply: fmt.Sprintf("⚠️ Sorry, %s ran into a problem. Please try again later.", h.Unit),
			Err:   err,
		}
	}
	return Outcome{Kind: Handled, Unit: h.Unit, Reply: reply}
}

type runResult struct {
	reply string
	err   error
}

func (d *Dispatcher) run(ctx context.Context, h *units.Handler, inv units.Invocation) (string, error) {
	const op = "dispatcher.invoke"
	ctx, cancel := context.WithTimeout(ctx, d.opts.HandlerTimeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("unit handler panicked", "unit", h.Unit, "trigger", h.Trigger.TableKey(), "panic", r)
				done <- runResult{err: faults.Runtime(op, h.Unit, fmt.Errorf("panic: %v", r))}
			}
		}()
		reply, err := h.Run(ctx, d.opts.Runtime, inv)
		done <- runResult{reply: reply, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && !faults.IsRuntime(r.err) {
			return "", faults.Runtime(op, h.Unit, r.err)
		}
		return r.reply, r.err
	case <-ctx.Done():
		return "", faults.Runtime(op, h.Unit, fmt.Errorf("handler timed out: %w", ctx.Err()))
	}
}

// RunScheduled runs a recurring unit job and delivers its reply to the
// schedule's chat. It is the scheduler's Runner.
func (d *Dispatcher) RunScheduled(ctx context.Context, job *scheduler.Job) error {
	h := job.Handler
	out := d.Handle(ctx, Event{Kind: EventTick, Channel: h.Channel, ChatID: h.ChatID, Handler: h})
	if out.Kind == Failed {
		return out.Err
	}
	if strings.TrimSpace(out.Reply) == "" || h.Channel == "" || h.ChatID == "" {
		return nil
	}
	if d.opts.Sink == nil {
		return errors.New("no sink configured for scheduled replies")
	}
	return d.opts.Sink(ctx, h.Channel, h.ChatID, out.Reply)
}

func (d *Dispatcher) notify(ctx context.Context, ev Event, text string) {
	if d.opts.Notifier != nil {
		d.opts.Notifier(ctx, ev, text)
	}
}

func generationFailure(name string, err error) string {
	reason := faults.Reason(err)
	switch {
	case faults.IsTimeout(err):
		return "⌛ The unit generator timed out. Please try again."
	case faults.IsTransport(err):
		return "⚠️ The unit generator is unavailable right now: " + reason
	case faults.IsConflict(err):
		return fmt.Sprintf("⏳ Cannot change unit %s: %s", name, reason)
	case faults.IsValidation(err):
		return fmt.Sprintf("❌ Unit %s was rejected: %s", name, reason)
	case faults.IsPersistence(err):
		return fmt.Sprintf("❌ Could not save unit %s: %s", name, reason)
	default:
		return fmt.Sprintf("❌ Failed to deploy unit %s: %s", name, reason)
	}
}

func deployedReply(res pipeline.Outcome) string {
	var b strings.Builder
	verb := "created"
	if res.Mode == generator.Update {
		verb = "updated"
	}
	fmt.Fprintf(&b, "✅ Unit %s %s and active (%s).", res.Unit, verb, res.Ref.SourceRef().Short())
	if res.Descriptor.Description != "" {
		fmt.Fprintf(&b, "\n%s", res.Descriptor.Description)
	}
	for _, u := range res.Descriptor.Usages {
		fmt.Fprintf(&b, "\n• %s", u)
	}
	switch {
	case res.SyncErr != nil:
		fmt.Fprintf(&b, "\n⚠️ Sync failed: %s", faults.Reason(res.SyncErr))
	case res.Synced:
		b.WriteString("\n🔄 Synced to git.")
	}
	return b.String()
}
