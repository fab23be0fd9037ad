package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nuetzliches/ingestq/internal/queue"
)

func newCheckpointCommand(cc *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Read or write source checkpoints",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print the stored cursor for a source",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := queue.NormalizeName(args[0])
			if err != nil {
				return usageError{err}
			}
			m, err := cc.openManager()
			if err != nil {
				return err
			}
			value, found, err := m.Store().ReadCheckpoint(cmd.Context(), key)
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]any{"key": key, "value": value, "found": found})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Overwrite the cursor for a source",
		Long:  "Overwrite the cursor for a source. Setting an older value makes the next scan re-fetch; already seen items are still skipped.",
		Args:  usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := queue.NormalizeName(args[0])
			if err != nil {
				return usageError{err}
			}
			m, err := cc.openManager()
			if err != nil {
				return err
			}
			if err := m.Store().WriteCheckpoint(cmd.Context(), key, args[1]); err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]any{"key": key, "value": args[1]})
		},
	})
	return cmd
}

func newItemCommand(cc *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Inspect the deduplication ledger",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Print a ledger item",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := cc.openManager()
			if err != nil {
				return err
			}
			item, err := m.Store().GetItem(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("item %s: %w", args[0], err)
			}
			v := newEntryView(queue.Entry{ID: item.ID, Payload: item.Payload})
			return writeJSONLine(cmd.OutOrStdout(), map[string]any{
				"id":          v.ID,
				"payload":     v.Payload,
				"payload_b64": v.PayloadB64,
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "exists <id>",
		Short: "Report whether an identifier has been seen",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := cc.openManager()
			if err != nil {
				return err
			}
			ok, err := m.Store().ItemExists(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]any{"id": args[0], "exists": ok})
		},
	})
	return cmd
}
