// Package mcpserver exposes Jarvis dispatch and unit management as Model
// Context Protocol tools, so an IDE or agent can drive the assistant over
// stdio.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jholhewres/jarvis/pkg/jarvis/dispatcher"
	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/generator"
	"github.com/jholhewres/jarvis/pkg/jarvis/pipeline"
	"github.com/jholhewres/jarvis/pkg/jarvis/registry"
	"github.com/jholhewres/jarvis/pkg/jarvis/timespec"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

// ChannelName is the channel recorded on events sent through MCP.
const ChannelName = "mcp"

// Deps are the components the tools operate on.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Registry   *registry.Registry
	Pipeline   *pipeline.Pipeline
	Reminders  units.ReminderScheduler

	// Now overrides the clock for reminder due times.
	Now    func() time.Time
	Logger *slog.Logger
}

// New builds an MCP server with every Jarvis tool registered.
func New(deps Deps, version string) *server.MCPServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	t := &tools{deps: deps, logger: deps.Logger.With("component", "mcp")}

	s := server.NewMCPServer(
		"jarvis",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Jarvis is a chat assistant built from hot-loadable units. "+
			"Use jarvis_send to talk to it, unit_* tools to inspect and change units."),
	)
	t.register(s)
	return s
}

type tools struct {
	deps   Deps
	logger *slog.Logger
}

// SendArgs are the jarvis_send arguments.
type SendArgs struct {
	Text   string `json:"text" jsonschema:"required,description=Message or /command to send to Jarvis"`
	ChatID string `json:"chat_id" jsonschema:"description=Conversation id (default: mcp)"`
	Sender string `json:"sender" jsonschema:"description=Display name of the sender"`
}

// UnitNameArgs select a unit.
type UnitNameArgs struct {
	Name string `json:"name" jsonschema:"required,description=Unit name"`
}

// UnitChangeArgs describe an add or update. Either Source or Description
// must be given; a description is turned into source by the generator.
type UnitChangeArgs struct {
	Name        string `json:"name" jsonschema:"required,description=Unit name"`
	Source      string `json:"source" jsonschema:"description=Complete HCL unit source"`
	Description string `json:"description" jsonschema:"description=What the unit should do (used when source is empty)"`
}

// ReminderArgs schedule a one-shot reminder.
type ReminderArgs struct {
	When    string `json:"when" jsonschema:"required,description=When to deliver: 'in 10 minutes' or '18:30' or an RFC3339 time"`
	Message string `json:"message" jsonschema:"required,description=Reminder text"`
	Channel string `json:"channel" jsonschema:"required,description=Delivery channel (telegram or discord)"`
	ChatID  string `json:"chat_id" jsonschema:"required,description=Chat to deliver to"`
}

func (t *tools) register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("jarvis_send",
		mcp.WithDescription("Send a message or /command to Jarvis and return its reply."),
		mcp.WithInputSchema[SendArgs](),
	), t.send)

	s.AddTool(mcp.NewTool("unit_list",
		mcp.WithDescription("List every known unit with its status, version and commands."),
	), t.list)

	s.AddTool(mcp.NewTool("unit_show",
		mcp.WithDescription("Show a unit's descriptor and source."),
		mcp.WithInputSchema[UnitNameArgs](),
	), t.show)

	s.AddTool(mcp.NewTool("unit_add",
		mcp.WithDescription("Create a new unit from HCL source or from a description."),
		mcp.WithInputSchema[UnitChangeArgs](),
	), t.change(generator.Create))

	s.AddTool(mcp.NewTool("unit_update",
		mcp.WithDescription("Replace an existing unit with new HCL source or regenerate it from a description of the change."),
		mcp.WithInputSchema[UnitChangeArgs](),
	), t.change(generator.Update))

	s.AddTool(mcp.NewTool("reminder_schedule",
		mcp.WithDescription("Schedule a one-shot reminder delivered to a chat."),
		mcp.WithInputSchema[ReminderArgs](),
	), t.remind)
}

func (t *tools) send(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args SendArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if strings.TrimSpace(args.Text) == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	chatID := args.ChatID
	if chatID == "" {
		chatID = ChannelName
	}

	ev := dispatcher.ParseMessage(ChannelName, chatID, args.Sender, args.Text)
	out := t.deps.Dispatcher.Handle(ctx, ev)
	if out.Kind == dispatcher.Failed {
		return mcp.NewToolResultError(out.Reply), nil
	}
	return mcp.NewToolResultText(out.Reply), nil
}

func (t *tools) list(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	descs := t.deps.Registry.Units()
	if len(descs) == 0 {
		return mcp.NewToolResultText("No units known."), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d units\n", len(descs))
	for _, d := range descs {
		fmt.Fprintf(&sb, "- %s [%s]", d.Name, d.Status)
		if d.Description != "" {
			fmt.Fprintf(&sb, " %s", d.Description)
		}
		if cmds := d.Commands(); len(cmds) > 0 {
			fmt.Fprintf(&sb, " (/%s)", strings.Join(cmds, ", /"))
		}
		if d.Reason != "" {
			fmt.Fprintf(&sb, " error: %s", d.Reason)
		}
		sb.WriteByte('\n')
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (t *tools) show(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args UnitNameArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	d, ok := t.deps.Registry.Get(args.Name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("no unit named %q", args.Name)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "name: %s\nstatus: %s\n", d.Name, d.Status)
	if d.Version != "" {
		fmt.Fprintf(&sb, "version: %s\n", d.Version)
	}
	if d.Source.Digest != "" {
		fmt.Fprintf(&sb, "digest: %s\n", d.Source.Short())
	}
	if d.Description != "" {
		fmt.Fprintf(&sb, "description: %s\n", d.Description)
	}
	for _, tr := range d.Triggers {
		fmt.Fprintf(&sb, "trigger: %s\n", tr.TableKey())
	}
	if d.Reason != "" {
		fmt.Fprintf(&sb, "reason: %s\n", d.Reason)
	}
	if src, ok := t.deps.Registry.Source(d.Name); ok {
		fmt.Fprintf(&sb, "\n```hcl\n%s\n```\n", strings.TrimRight(string(src), "\n"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (t *tools) change(mode generator.Mode) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args UnitChangeArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		if strings.TrimSpace(args.Source) == "" && strings.TrimSpace(args.Description) == "" {
			return mcp.NewToolResultError("either source or description is required"), nil
		}

		var (
			out pipeline.Outcome
			err error
		)
		if strings.TrimSpace(args.Source) != "" {
			out, err = t.deps.Pipeline.Apply(ctx, args.Name, []byte(args.Source), mode)
		} else {
			out, err = t.deps.Pipeline.Generate(ctx, generator.Request{
				Name:        args.Name,
				Description: args.Description,
				Mode:        mode,
			})
		}
		if err != nil {
			t.logger.Warn("unit change failed", "unit", args.Name, "mode", mode.String(), "error", err)
			return mcp.NewToolResultError(fmt.Sprintf("%s failed (%s): %s", mode, faults.KindOf(err), faults.Reason(err))), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "unit %s %s, active (%s)", out.Unit, past(mode), out.Ref.SourceRef().Short())
		switch {
		case out.SyncErr != nil:
			fmt.Fprintf(&sb, "\nsync failed: %s", faults.Reason(out.SyncErr))
		case out.Synced:
			sb.WriteString("\nsynced to git")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func past(mode generator.Mode) string {
	if mode == generator.Update {
		return "updated"
	}
	return "created"
}

func (t *tools) remind(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args ReminderArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if t.deps.Reminders == nil {
		return mcp.NewToolResultError("reminders are not available"), nil
	}
	if args.Message == "" || args.Channel == "" || args.ChatID == "" {
		return mcp.NewToolResultError("message, channel and chat_id are required"), nil
	}

	now := t.deps.Now()
	due, err := timespec.Due(args.When, now)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cannot parse when: %v", err)), nil
	}
	id, err := t.deps.Reminders.ScheduleReminder(ctx, due, args.Channel, args.ChatID, args.Message)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scheduling failed: %s", faults.Reason(err))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("reminder %s scheduled for %s (in %s)",
		id, due.Format(time.RFC3339), timespec.Humanize(due.Sub(now)))), nil
}
