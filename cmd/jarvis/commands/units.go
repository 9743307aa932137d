package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/generator"
	"github.com/jholhewres/jarvis/pkg/jarvis/pipeline"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
	"github.com/spf13/cobra"
)

// newUnitsCmd creates the `jarvis units` command group.
func newUnitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "units",
		Aliases: []string{"unit"},
		Short:   "Inspect and manage units",
		Long: `Inspect and manage the units in the unit directory. Changes made here
are written to disk; a running 'jarvis serve' picks them up on /reload.

Examples:
  jarvis units list
  jarvis units show weather
  jarvis units validate ./stocks.hcl
  jarvis units reload
  jarvis units add stocks --file ./stocks.hcl
  jarvis units update weather --describe "use celsius and show humidity"`,
	}

	cmd.AddCommand(
		newUnitsListCmd(),
		newUnitsShowCmd(),
		newUnitsValidateCmd(),
		newUnitsReloadCmd(),
		newUnitsChangeCmd(generator.Create),
		newUnitsChangeCmd(generator.Update),
	)
	return cmd
}

func newUnitsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Load every unit and list its status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openAssistant(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			if _, err := a.LoadUnits(cmd.Context()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			descs := a.Registry().Units()
			if len(descs) == 0 {
				fmt.Fprintf(out, "No units in %s\n", a.Config().Units.Dir)
				return nil
			}
			for _, d := range descs {
				fmt.Fprintf(out, "%-16s %-8s %-8s %s\n", d.Name, d.Status, d.Source.Short(), d.Description)
				if d.Reason != "" {
					fmt.Fprintf(out, "%-16s ↳ %s\n", "", d.Reason)
				}
			}

			if showTriggers, _ := cmd.Flags().GetBool("triggers"); showTriggers {
				fmt.Fprintln(out)
				for _, line := range a.Registry().Triggers() {
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
	cmd.Flags().Bool("triggers", false, "also print the trigger table")
	return cmd
}

func newUnitsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a unit's descriptor and source",
		Args:  cobra.ExactArgs(1),

		ValidArgsFunction: completeUnitNames,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAssistant(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			if _, err := a.LoadUnits(cmd.Context()); err != nil {
				return err
			}
			d, ok := a.Registry().Get(args[0])
			if !ok {
				return fmt.Errorf("no unit named %q", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:        %s\n", d.Name)
			fmt.Fprintf(out, "Status:      %s\n", d.Status)
			fmt.Fprintf(out, "Version:     %s\n", d.Version)
			fmt.Fprintf(out, "Digest:      %s\n", d.Source.Short())
			fmt.Fprintf(out, "Description: %s\n", d.Description)
			for _, t := range d.Triggers {
				fmt.Fprintf(out, "Trigger:     %s\n", t.TableKey())
			}
			if d.Reason != "" {
				fmt.Fprintf(out, "Reason:      %s\n", d.Reason)
			}

			src, err := a.Store().Read(cmd.Context(), d.Name)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s", src)
			return nil
		},
	}
}

func newUnitsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check unit files without installing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				src, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
				u, err := units.Parse(name, src)
				if err != nil {
					failed++
					fmt.Fprintf(out, "✗ %s: %s\n", path, faults.Reason(err))
					continue
				}
				fmt.Fprintf(out, "✓ %s: %s, %d triggers\n", path, u.Name, len(u.Triggers()))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d units invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newUnitsReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Load the unit directory the way /reload does and report the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openAssistant(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			report, err := a.LoadUnits(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Reloaded %d units.\n", len(report.Loaded))
			for _, name := range report.Failed {
				fmt.Fprintf(out, "✗ %s: %s\n", name, report.Reasons[name])
			}
			for _, name := range report.Disabled {
				fmt.Fprintf(out, "- %s: disabled\n", name)
			}
			if len(report.Failed) > 0 {
				return fmt.Errorf("%d units failed to load", len(report.Failed))
			}
			return nil
		},
	}
}

func newUnitsChangeCmd(mode generator.Mode) *cobra.Command {
	use, short := "add <name>", "Create a unit from a file or a description"
	if mode == generator.Update {
		use, short = "update <name>", "Replace a unit from a file or regenerate it from a description"
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
	}
	if mode == generator.Update {
		cmd.ValidArgsFunction = completeUnitNames
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		describe, _ := cmd.Flags().GetString("describe")
		if (file == "") == (describe == "") {
			return fmt.Errorf("exactly one of --file or --describe is required")
		}

		a, err := openAssistant(cmd)
		if err != nil {
			return err
		}
		defer a.Stop()

		ctx := cmd.Context()
		if _, err := a.LoadUnits(ctx); err != nil {
			return err
		}

		var res pipeline.Outcome
		if file != "" {
			src, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			res, err = a.Pipeline().Apply(ctx, args[0], src, mode)
			if err != nil {
				return err
			}
		} else {
			res, err = a.Pipeline().Generate(ctx, generator.Request{
				Name:        args[0],
				Description: describe,
				Mode:        mode,
			})
			if err != nil {
				return err
			}
		}

		verb := "created"
		if mode == generator.Update {
			verb = "updated"
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Unit %s %s (%s) at %s\n", res.Unit, verb, res.Ref.SourceRef().Short(), res.Ref.Path)
		switch {
		case res.SyncErr != nil:
			fmt.Fprintf(out, "Sync failed: %s\n", faults.Reason(res.SyncErr))
		case res.Synced:
			fmt.Fprintln(out, "Synced to git.")
		}
		return nil
	}
	cmd.Flags().StringP("file", "f", "", "HCL unit source to install")
	cmd.Flags().StringP("describe", "d", "", "description to generate the unit from")
	return cmd
}
