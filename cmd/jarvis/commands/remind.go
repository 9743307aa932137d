package commands

import (
	"fmt"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/timespec"
	"github.com/spf13/cobra"
)

// newRemindCmd creates the `jarvis remind` command for one-shot reminders.
func newRemindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Manage one-shot reminders",
		Long: `Schedule and list reminders. Reminders are stored in the database and
delivered by a running 'jarvis serve'.

Examples:
  jarvis remind add "in 10 minutes" "stretch" --channel telegram --chat-id 42
  jarvis remind add 18:30 "call mom" --channel discord --chat-id 1234567890
  jarvis remind list`,
	}

	cmd.AddCommand(
		newRemindAddCmd(),
		newRemindListCmd(),
	)
	return cmd
}

func newRemindAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <when> <message>",
		Short: "Schedule a reminder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, _ := cmd.Flags().GetString("channel")
			chatID, _ := cmd.Flags().GetString("chat-id")
			if chatID == "" {
				return fmt.Errorf("--chat-id is required")
			}

			now := time.Now()
			due, err := timespec.Due(args[0], now)
			if err != nil {
				return err
			}

			a, err := openAssistant(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			id, err := a.Scheduler().ScheduleReminder(cmd.Context(), due, channel, chatID, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reminder %s scheduled for %s (in %s)\n",
				id, due.Local().Format("2006-01-02 15:04"), timespec.Humanize(due.Sub(now)))
			return nil
		},
	}
	cmd.Flags().String("channel", "telegram", "channel to deliver to")
	cmd.Flags().String("chat-id", "", "chat to deliver to")
	return cmd
}

func newRemindListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending reminders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openAssistant(cmd)
			if err != nil {
				return err
			}
			defer a.Stop()

			tasks, err := a.Scheduler().Pending(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No pending reminders.")
				return nil
			}
			for _, t := range tasks {
				line := fmt.Sprintf("%s  %s  %s:%s  %s", t.ID[:8], t.DueAt.Local().Format("2006-01-02 15:04"),
					t.Payload.Channel, t.Payload.ChatID, t.Payload.Message)
				if t.Attempts > 0 {
					line += fmt.Sprintf("  (%d failed attempts: %s)", t.Attempts, t.LastError)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}
