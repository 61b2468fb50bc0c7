package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drblury/waflow/internal/runtime/config"
	"github.com/drblury/waflow/internal/runtime/deadletter"
	"github.com/drblury/waflow/internal/runtime/jsoncodec"
)

var errBackendUnsupported = errors.New("dead-letter backend does not support this operation")

func (a *app) deadLettersCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect the configured dead-letter store",
		Long:  "Read or purge dead-letter entries. Listing and purging need the sqlite or postgres backend.",
	}
	cmd.PersistentFlags().StringVar(&reason, "reason", "", "only entries with this reason (publish_failed, invalid_command, send_failed)")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "Print entries as JSON lines, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDeadLetters(cmd.Context(), func(store deadletter.Store) error {
				lister, ok := store.(deadletter.Lister)
				if !ok {
					return errBackendUnsupported
				}
				entries, err := lister.List(cmd.Context(), deadletter.Reason(reason), limit)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					if err := jsoncodec.Encode(cmd.OutOrStdout(), entry); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")

	count := &cobra.Command{
		Use:   "count",
		Short: "Print the number of entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDeadLetters(cmd.Context(), func(store deadletter.Store) error {
				lister, ok := store.(deadletter.Lister)
				if !ok {
					return errBackendUnsupported
				}
				n, err := lister.Count(cmd.Context(), deadletter.Reason(reason))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withDeadLetters(cmd.Context(), func(store deadletter.Store) error {
				purger, ok := store.(deadletter.Purger)
				if !ok {
					return errBackendUnsupported
				}
				n, err := purger.Purge(cmd.Context(), deadletter.Reason(reason))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(list, count, purge)
	return cmd
}

func (a *app) withDeadLetters(ctx context.Context, fn func(deadletter.Store) error) error {
	conf, err := config.LoadFrom(a.environ)
	if err != nil {
		return err
	}
	if conf.DeadLetterBackend == "" {
		return errors.New("no dead-letter backend configured (WAFLOW_DEAD_LETTER_BACKEND)")
	}
	store, err := deadletter.Open(ctx, deadletter.Options{
		Backend: conf.DeadLetterBackend,
		Path:    conf.DeadLetterPath,
		DSN:     conf.DeadLetterDSN,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	if err := fn(store); err != nil {
		return fmt.Errorf("%s: %w", conf.DeadLetterBackend, err)
	}
	return nil
}
