// Package assistant wires Jarvis together: configuration, the unit store,
// registry, scheduler, pipeline, dispatcher and channels.
// Message flow: receive → voice download → dispatch → reply.
package assistant

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/channels"
	"github.com/jholhewres/jarvis/pkg/jarvis/channels/discord"
	"github.com/jholhewres/jarvis/pkg/jarvis/channels/telegram"
	"github.com/jholhewres/jarvis/pkg/jarvis/config"
	"github.com/jholhewres/jarvis/pkg/jarvis/database"
	"github.com/jholhewres/jarvis/pkg/jarvis/dispatcher"
	"github.com/jholhewres/jarvis/pkg/jarvis/generator"
	"github.com/jholhewres/jarvis/pkg/jarvis/gitsync"
	"github.com/jholhewres/jarvis/pkg/jarvis/intent"
	"github.com/jholhewres/jarvis/pkg/jarvis/llm"
	"github.com/jholhewres/jarvis/pkg/jarvis/notes"
	"github.com/jholhewres/jarvis/pkg/jarvis/pipeline"
	"github.com/jholhewres/jarvis/pkg/jarvis/registry"
	"github.com/jholhewres/jarvis/pkg/jarvis/scheduler"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
	"github.com/jholhewres/jarvis/pkg/jarvis/unitstore"
	"github.com/jholhewres/jarvis/pkg/jarvis/voice"
)

// Option customizes New.
type Option func(*options)

type options struct {
	gateway     generator.Gateway
	classifier  intent.Classifier
	transcriber voice.Transcriber
}

// WithGenerator replaces the LLM-backed unit generator.
func WithGenerator(g generator.Gateway) Option {
	return func(o *options) { o.gateway = g }
}

// WithClassifier replaces the intent classifier chain.
func WithClassifier(c intent.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithTranscriber replaces the Whisper transcriber.
func WithTranscriber(t voice.Transcriber) Option {
	return func(o *options) { o.transcriber = t }
}

// Assistant owns every long-lived component.
type Assistant struct {
	cfg *config.Config

	db         *sql.DB
	store      *unitstore.FileStore
	registry   *registry.Registry
	scheduler  *scheduler.Scheduler
	pipeline   *pipeline.Pipeline
	dispatcher *dispatcher.Dispatcher
	channelMgr *channels.Manager
	git        *gitsync.Git

	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// New builds every component from cfg. Nothing is started and no unit is
// loaded until Start or LoadUnits.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Assistant, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	store, err := unitstore.NewFileStore(cfg.Units.Dir)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &Assistant{
		cfg:        cfg,
		db:         db,
		store:      store,
		channelMgr: channels.NewManager(logger.With("component", "channels")),
		logger:     logger,
	}

	a.scheduler = scheduler.New(scheduler.NewSQLiteTaskStorage(db), a.channelMgr.SendText, scheduler.Options{
		TickSpec:   cfg.Scheduler.Tick,
		JobTimeout: cfg.Scheduler.JobTimeout,
	}, logger)

	services := cfg.UnitServices()
	a.registry = registry.New(registry.Options{
		Services:  services,
		Scheduler: a.scheduler,
		Disabled:  cfg.Units.Disabled,
		Logger:    logger,
	})

	if cfg.Sync.Enabled {
		a.git = gitsync.New(cfg.Sync.Config, logger)
	}

	var client *llm.Client
	if cfg.LLM.APIKey != "" {
		client = llm.NewClient(cfg.LLM, logger)
	}
	gateway := o.gateway
	if gateway == nil && client != nil {
		gateway = generator.NewLLMGateway(client, cfg.Generator.Timeout, logger)
	}
	classifier := o.classifier
	if classifier == nil {
		chain := []intent.Classifier{intent.Regex{}}
		if cfg.Generator.Classifier && client != nil {
			chain = append(chain, intent.NewLLM(client))
		}
		classifier = intent.NewChain(logger, chain...)
	}
	transcriber := o.transcriber
	if transcriber == nil && cfg.Voice.Enabled {
		transcriber = voice.NewWhisper(cfg.Voice, logger)
	}

	popts := pipeline.Options{
		Registry:  a.registry,
		Store:     store,
		Generator: gateway,
		Logger:    logger,
	}
	if a.git != nil {
		popts.Syncer = a.git
		popts.SyncTimeout = cfg.Sync.Timeout
	}
	a.pipeline = pipeline.New(popts)

	dopts := dispatcher.Options{
		Name:           cfg.Name,
		Registry:       a.registry,
		Source:         store,
		Pipeline:       a.pipeline,
		Classifier:     classifier,
		Transcriber:    transcriber,
		HandlerTimeout: cfg.Units.HandlerTimeout,
		Sink:           a.channelMgr.SendText,
		Notifier:       a.notify,
		Health:         a.channelMgr,
		Runtime: &units.Runtime{
			Services:  services,
			Notes:     notes.NewSQLiteStore(db),
			Reminders: a.scheduler,
			Logger:    logger.With("component", "units"),
		},
		Logger: logger,
	}
	if a.git != nil {
		dopts.Git = a.git
		if cfg.Sync.AutoSyncOnReload {
			dopts.Syncer = a.git
			dopts.SyncPaths = []string{cfg.Units.Dir}
		}
	}
	a.dispatcher = dispatcher.New(dopts)
	a.scheduler.SetRunner(a.dispatcher.RunScheduled)

	return a, nil
}

// RegisterConfiguredChannels registers every enabled channel from config.
func (a *Assistant) RegisterConfiguredChannels() error {
	if tg := a.cfg.Channels.Telegram; tg.Enabled && tg.Token != "" {
		if err := a.channelMgr.Register(telegram.New(tg, a.logger)); err != nil {
			return err
		}
	}
	if dc := a.cfg.Channels.Discord; dc.Enabled && dc.Token != "" {
		if err := a.channelMgr.Register(discord.New(dc, a.logger)); err != nil {
			return err
		}
	}
	return nil
}

// LoadUnits seeds the default units when configured and (re)loads every
// stored unit.
func (a *Assistant) LoadUnits(ctx context.Context) (registry.LoadReport, error) {
	if a.cfg.Units.Seed {
		if _, err := unitstore.Seed(ctx, a.store, a.logger); err != nil {
			a.logger.Warn("seeding default units failed", "error", err)
		}
	}
	report, err := a.registry.LoadAll(ctx, a.store)
	if err != nil {
		return report, err
	}
	for _, name := range report.Failed {
		a.logger.Warn("unit failed to load", "unit", name, "reason", report.Reasons[name])
	}
	a.logger.Info("units loaded",
		"loaded", len(report.Loaded),
		"failed", len(report.Failed),
		"disabled", len(report.Disabled),
	)
	return report, nil
}

// Start pulls the unit repository when configured, loads units, connects
// channels and starts the scheduler and the message loop.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.logger.Info("starting Jarvis",
		"name", a.cfg.Name,
		"units_dir", a.cfg.Units.Dir,
		"channels", a.channelMgr.Names(),
		"services", a.cfg.UnitServices(),
	)

	// 1. Pull before loading so the units on disk are current.
	if a.git != nil && a.cfg.Sync.PullOnStart {
		if !a.git.Available(a.ctx) {
			a.logger.Warn("sync enabled but directory is not a git work tree", "dir", a.cfg.Sync.Dir)
		} else if err := a.git.Pull(a.ctx); err != nil {
			a.logger.Warn("git pull failed, continuing with local units", "error", err)
		}
	}

	// 2. Load units.
	if _, err := a.LoadUnits(a.ctx); err != nil {
		return fmt.Errorf("loading units: %w", err)
	}

	// 3. Connect channels.
	if err := a.channelMgr.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}

	// 4. Start the timer path.
	if err := a.scheduler.Start(a.ctx); err != nil {
		a.channelMgr.Stop()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// 5. Start main message processing loop.
	a.started = true
	a.wg.Add(1)
	go a.messageLoop()

	a.logger.Info("Jarvis started successfully")
	return nil
}

// Stop shuts everything down in reverse order and closes the database.
// It is safe to call more than once and without a prior Start.
func (a *Assistant) Stop() {
	a.stopOnce.Do(func() {
		if a.started {
			a.logger.Info("stopping Jarvis...")
		}
		if a.cancel != nil {
			a.cancel()
		}
		if a.started {
			a.scheduler.Stop()
			a.channelMgr.Stop()
			a.wg.Wait()
		}
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing database", "error", err)
		}
		if a.started {
			a.logger.Info("Jarvis stopped")
		}
	})
}

// Config returns the active configuration.
func (a *Assistant) Config() *config.Config { return a.cfg }

// ChannelManager returns the channel manager for external registration.
func (a *Assistant) ChannelManager() *channels.Manager { return a.channelMgr }

// Registry returns the unit registry.
func (a *Assistant) Registry() *registry.Registry { return a.registry }

// Store returns the unit store.
func (a *Assistant) Store() *unitstore.FileStore { return a.store }

// Pipeline returns the add/update pipeline.
func (a *Assistant) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Dispatcher returns the event dispatcher.
func (a *Assistant) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Scheduler returns the reminder and recurring job scheduler.
func (a *Assistant) Scheduler() *scheduler.Scheduler { return a.scheduler }

func (a *Assistant) messageLoop() {
	defer a.wg.Done()
	for msg := range a.channelMgr.Messages() {
		a.wg.Add(1)
		go a.handleMessage(msg)
	}
}

func (a *Assistant) handleMessage(msg *channels.IncomingMessage) {
	defer a.wg.Done()
	start := time.Now()

	logger := a.logger.With(
		"channel", msg.Channel,
		"chat_id", msg.ChatID,
		"from", msg.From,
		"msg_id", msg.ID,
	)
	logger.Debug("message received", "type", msg.Type)

	ev := dispatcher.FromMessage(msg)
	if ev.Kind == dispatcher.EventVoice {
		data, mime, err := a.channelMgr.DownloadMedia(a.ctx, msg)
		if err != nil {
			logger.Warn("voice download failed", "error", err)
		} else {
			ev.Audio = data
			if mime != "" {
				ev.AudioMIME = mime
			}
		}
	}

	out := a.dispatcher.Handle(a.ctx, ev)
	if out.Reply != "" {
		a.sendReply(msg, out.Reply)
	}
	logger.Debug("message processed", "outcome", out.Kind.String(), "duration_ms", time.Since(start).Milliseconds())
}

func (a *Assistant) sendReply(original *channels.IncomingMessage, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outMsg := &channels.OutgoingMessage{
		Content: content,
		ReplyTo: original.ID,
	}
	if err := a.channelMgr.Send(ctx, original.Channel, original.ChatID, outMsg); err != nil {
		a.logger.Error("failed to send reply",
			"channel", original.Channel,
			"chat_id", original.ChatID,
			"error", err,
		)
	}
}

// notify sends an interim progress message to the event's chat.
func (a *Assistant) notify(ctx context.Context, ev dispatcher.Event, text string) {
	if ev.Channel == "" || ev.ChatID == "" {
		return
	}
	if err := a.channelMgr.SendText(ctx, ev.Channel, ev.ChatID, text); err != nil {
		a.logger.Warn("failed to send progress message", "channel", ev.Channel, "error", err)
	}
}
