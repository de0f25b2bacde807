package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Marketen/duties-notifier/internal/application/domain"
	"github.com/Marketen/duties-notifier/internal/application/services"
	"github.com/Marketen/duties-notifier/internal/config"
)

func validatorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validators",
		Short: "Manage tracked validators",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <index|pubkey>...",
		Short: "Track one or more validators",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			if len(args) > 1 {
				summary := env.app.ImportValidators(cmd.Context(), strings.Join(args, ","))
				fmt.Fprintln(cmd.OutOrStdout(), summary.String())
				return nil
			}
			v, err := env.app.AddValidator(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added validator %s\n", v.ID())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <index>",
		Short: "Stop tracking a validator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()
			return env.app.RemoveValidator(args[0])
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tracked validators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tLABEL\tSTATUS\tPUBKEY")
			for _, v := range env.app.Registry.Validators() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID(), v.Label, v.Status, domain.TruncateID(v.Pubkey))
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "label <index> [text]",
		Short: "Set a custom label; an empty text restores the default",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()
			if _, ok := env.app.Registry.Get(args[0]); !ok {
				return fmt.Errorf("%w: %s", domain.ErrValidatorNotTracked, args[0])
			}
			return env.app.Registry.SetLabel(args[0], strings.Join(args[1:], " "))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file|->",
		Short: "Import an export document or a separated list of validators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			var summary services.ImportSummary
			if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "{") {
				var doc services.ExportDocument
				if err := json.Unmarshal(raw, &doc); err != nil {
					return fmt.Errorf("invalid export document: %w", err)
				}
				if summary, err = env.app.Import(cmd.Context(), doc); err != nil {
					return err
				}
			} else {
				summary = env.app.ImportValidators(cmd.Context(), trimmed)
			}
			fmt.Fprintln(cmd.OutOrStdout(), summary.String())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export [file]",
		Short: "Write settings and validators as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			out, err := json.MarshalIndent(env.app.Export(time.Now()), "", "  ")
			if err != nil {
				return err
			}
			if len(args) == 0 || args[0] == "-" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return err
			}
			return os.WriteFile(args[0], out, 0o600)
		},
	})

	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func cacheCmd() *cobra.Command {
	var ledger bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the cached duties (and optionally the notified-duty ledger)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			if err := env.app.Cache.Clear(); err != nil {
				return err
			}
			if ledger {
				if err := env.app.Cache.ClearLedger(); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared")
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&ledger, "ledger", false, "also forget which duties were already notified")

	cmd := &cobra.Command{Use: "cache", Short: "Manage the duties cache"}
	cmd.AddCommand(clearCmd)
	return cmd
}

func settingsCmd() *cobra.Command {
	var (
		proposer, attester, sync, missed bool
		lead                             int
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change notification settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.Close()

			flags := cmd.Flags()
			updated, err := env.app.Settings.Update(func(s *domain.NotificationSettings) {
				if flags.Changed("proposer") {
					s.Proposer = proposer
				}
				if flags.Changed("attester") {
					s.Attester = attester
				}
				if flags.Changed("sync") {
					s.Sync = sync
				}
				if flags.Changed("missed") {
					s.Missed = missed
				}
				if flags.Changed("minutes-before") {
					s.LeadMinutes = lead
				}
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "proposer=%t attester=%t sync=%t missed=%t minutes-before=%d\n",
				updated.Proposer, updated.Attester, updated.Sync, updated.Missed, updated.LeadMinutes)
			return nil
		},
	}
	set.Flags().BoolVar(&proposer, "proposer", true, "notify proposer duties")
	set.Flags().BoolVar(&attester, "attester", true, "notify attester duties")
	set.Flags().BoolVar(&sync, "sync", true, "notify sync committee duties")
	set.Flags().BoolVar(&missed, "missed", false, "notify missed attestations")
	set.Flags().IntVar(&lead, "minutes-before", 10, "lead time in minutes")

	cmd := &cobra.Command{Use: "settings", Short: "Manage notification settings"}
	cmd.AddCommand(set)
	return cmd
}

func beaconCmd() *cobra.Command {
	setURL := &cobra.Command{
		Use:   "set-url <url>",
		Short: "Persist the beacon node URL used from the next start on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := strings.TrimRight(strings.TrimSpace(args[0]), "/")
			if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
				return fmt.Errorf("invalid beacon URL %q", args[0])
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			return services.SaveBeaconURL(store, url)
		},
	}

	cmd := &cobra.Command{Use: "beacon", Short: "Beacon node settings"}
	cmd.AddCommand(setURL)
	return cmd
}
