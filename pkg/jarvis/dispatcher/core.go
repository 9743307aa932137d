package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/generator"
	"github.com/jholhewres/jarvis/pkg/jarvis/gitsync"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

// core answers the built-in commands. ok is false for anything else.
func (d *Dispatcher) core(ctx context.Context, ev Event) (Outcome, bool) {
	switch ev.Command {
	case "start":
		return d.cmdStart(), true
	case "help":
		return d.cmdHelp(), true
	case "status":
		return d.cmdStatus(ctx), true
	case "reload":
		return d.cmdReload(ctx, ev), true
	case "units":
		return d.cmdUnits(), true
	case "unload":
		return d.cmdUnload(ev), true
	case "add_unit", "addmodule":
		return d.cmdGenerate(ctx, ev, generator.Create), true
	case "update_unit", "updatemodule":
		return d.cmdGenerate(ctx, ev, generator.Update), true
	}
	return Outcome{}, false
}

func (d *Dispatcher) cmdStart() Outcome {
	return Outcome{
		Kind:  Handled,
		Reply: fmt.Sprintf("Hello Sir, %s online. Use /help to see units.", d.opts.Name),
	}
}

func (d *Dispatcher) cmdHelp() Outcome {
	var b strings.Builder
	b.WriteString("🤖 Available units:\n")
	active := 0
	for _, desc := range d.opts.Registry.Units() {
		if desc.Status != units.StatusActive {
			continue
		}
		active++
		fmt.Fprintf(&b, "\n• %s", desc.Name)
		if desc.Description != "" {
			fmt.Fprintf(&b, ": %s", desc.Description)
		}
		for _, u := range desc.Usages {
			fmt.Fprintf(&b, "\n    %s", u)
		}
	}
	if active == 0 {
		b.WriteString("\n(none loaded)")
	}
	b.WriteString("\n\nBuilt-in: /status /reload /units /unload <name>" +
		" /add_unit <name> <description> /update_unit <name> <change>")
	b.WriteString("\n💡 Ask me to \"create a unit <name> that ...\" to teach me something new.")
	return Outcome{Kind: Handled, Reply: b.String()}
}

func (d *Dispatcher) cmdStatus(ctx context.Context) Outcome {
	active, failed := d.opts.Registry.Counts()
	disabled := 0
	for _, desc := range d.opts.Registry.Units() {
		if desc.Status == units.StatusDisabled {
			disabled++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s status\n", d.opts.Name)
	fmt.Fprintf(&b, "Uptime: %s\n", time.Since(d.started).Round(time.Second))
	fmt.Fprintf(&b, "Units: %d active, %d failed, %d disabled\n", active, failed, disabled)

	flags := d.opts.Runtime.Services.Flags()
	keys := make([]string, 0, len(flags))
	for k := range flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, mark(flags[k]))
	}

	if d.opts.Health != nil {
		health := d.opts.Health.HealthAll()
		names := make([]string, 0, len(health))
		for n := range health {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintf(&b, "Channel %s: %s\n", n, mark(health[n].Connected))
		}
	}

	if d.opts.Git != nil {
		st, err := d.opts.Git.Status(ctx)
		switch {
		case err != nil:
			fmt.Fprintf(&b, "Git: error (%s)", faults.Reason(err))
		default:
			fmt.Fprintf(&b, "Git: %s", st.Summary())
			for _, f := range st.Unstaged {
				fmt.Fprintf(&b, "\n  M %s", f)
			}
			for _, f := range st.Untracked {
				fmt.Fprintf(&b, "\n  ? %s", f)
			}
		}
	}
	return Outcome{Kind: Handled, Reply: strings.TrimRight(b.String(), "\n")}
}

func mark(ok bool) string {
	if ok {
		return "✅"
	}
	return "❌"
}

func (d *Dispatcher) cmdReload(ctx context.Context, ev Event) Outcome {
	if d.opts.Source == nil {
		return Outcome{Kind: Failed, Reply: "⚠️ No unit source configured.",
			Err: faults.Runtime("dispatcher.reload", "", fmt.Errorf("no unit source"))}
	}
	d.notify(ctx, ev, "♻️ Reloading units...")

	report, err := d.opts.Registry.LoadAll(ctx, d.opts.Source)
	if err != nil {
		reply := "❌ Reload failed: " + faults.Reason(err)
		if faults.IsConflict(err) {
			reply = "⏳ A unit change is in progress; try /reload again shortly."
		}
		return Outcome{Kind: Failed, Reply: reply, Err: err}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✅ Reloaded %d units successfully.", len(report.Loaded))
	for _, name := range report.Failed {
		fmt.Fprintf(&b, "\n❌ %s: %s", name, report.Reasons[name])
	}
	if len(report.Disabled) > 0 {
		fmt.Fprintf(&b, "\n⏸ Disabled: %s", strings.Join(report.Disabled, ", "))
	}

	if d.opts.Syncer != nil {
		res, err := d.opts.Syncer.Sync(ctx, gitsync.Record{
			Paths:   d.opts.SyncPaths,
			Message: fmt.Sprintf("Auto-sync: Reloaded %d units", len(report.Loaded)),
		})
		switch {
		case err != nil:
			d.logger.Warn("auto-sync after reload failed", "error", err)
			fmt.Fprintf(&b, "\n⚠️ Sync failed: %s", faults.Reason(err))
		case res.Committed:
			b.WriteString("\n🔄 Synced to git.")
		}
	}
	return Outcome{Kind: Handled, Reply: b.String()}
}

func (d *Dispatcher) cmdUnits() Outcome {
	descs := d.opts.Registry.Units()
	if len(descs) == 0 {
		return Outcome{Kind: Handled, Reply: "No units known."}
	}
	var b strings.Builder
	for i, desc := range descs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %s", desc.Name, desc.Status)
		if desc.Version != "" {
			fmt.Fprintf(&b, " v%s", desc.Version)
		}
		if desc.Source.Digest != "" {
			fmt.Fprintf(&b, " (%s)", desc.Source.Short())
		}
		if cmds := desc.Commands(); len(cmds) > 0 {
			fmt.Fprintf(&b, " /%s", strings.Join(cmds, " /"))
		}
		if desc.Reason != "" {
			fmt.Fprintf(&b, ": %s", desc.Reason)
		}
	}
	return Outcome{Kind: Handled, Reply: b.String()}
}

func (d *Dispatcher) cmdUnload(ev Event) Outcome {
	name := units.NormalizeName(ev.Args)
	if name == "" {
		return Outcome{Kind: Handled, Reply: "Usage: /unload <name>"}
	}
	if err := d.opts.Registry.Unload(name); err != nil {
		return Outcome{Kind: Failed, Unit: name, Reply: fmt.Sprintf("❌ Cannot unload %s: %s", name, faults.Reason(err)), Err: err}
	}
	return Outcome{Kind: Handled, Unit: name, Reply: fmt.Sprintf("⏏️ Unit %s unloaded until the next /reload.", name)}
}

func (d *Dispatcher) cmdGenerate(ctx context.Context, ev Event, mode generator.Mode) Outcome {
	name, desc, _ := strings.Cut(strings.TrimSpace(ev.Args), " ")
	desc = strings.TrimSpace(desc)
	if name == "" || desc == "" {
		usage := "Usage: /add_unit <name> <description>"
		if mode == generator.Update {
			usage = "Usage: /update_unit <name> <what to change>"
		}
		return Outcome{Kind: Handled, Reply: usage}
	}
	return d.generate(ctx, ev, generator.Request{Name: name, Description: desc, Mode: mode})
}
