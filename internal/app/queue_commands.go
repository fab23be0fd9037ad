package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nuetzliches/ingestq/internal/ingest"
	"github.com/nuetzliches/ingestq/internal/queue"
)

func newQueueCommand(cc *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manipulate queues",
	}

	queueCmd.AddCommand(newQueueEnqueueCommand(cc))
	queueCmd.AddCommand(newQueueDequeueCommand(cc))
	queueCmd.AddCommand(newQueuePeekCommand(cc))
	queueCmd.AddCommand(newQueuePurgeCommand(cc))
	queueCmd.AddCommand(newQueueStatusCommand(cc))
	queueCmd.AddCommand(newQueueListCommand(cc))
	queueCmd.AddCommand(newQueueDeadLetterCommand(cc))
	return queueCmd
}

type payloadFlags struct {
	payload     string
	payloadFile string
}

func (p *payloadFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.payload, "payload", "", "payload text")
	cmd.Flags().StringVar(&p.payloadFile, "payload-file", "", "read the payload from a file ('-' for stdin)")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")
}

func (p *payloadFlags) read(stdin io.Reader) ([]byte, error) {
	switch {
	case p.payloadFile == "-":
		return io.ReadAll(stdin)
	case p.payloadFile != "":
		b, err := os.ReadFile(p.payloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return b, nil
	default:
		return []byte(p.payload), nil
	}
}

func newQueueEnqueueCommand(cc *commandContext) *cobra.Command {
	var queueName, id string
	var fromItems []string
	var payload payloadFlags

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Append an entry to a queue",
		Long: "Append an entry to a queue. With --from-item the payload is taken from the item\n" +
			"ledger and the item is enqueued into --queue, or into every ingest.fan_out queue.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(fromItems) > 0 {
				if id != "" || cmd.Flags().Changed("payload") || cmd.Flags().Changed("payload-file") {
					return usageError{errors.New("--from-item cannot be combined with --id or a payload")}
				}
				return requeueItems(cmd, cc, queueName, fromItems)
			}
			if id == "" {
				return usageError{errors.New("--id is required")}
			}

			name, err := cc.queueName(queueName)
			if err != nil {
				return err
			}
			body, err := payload.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			m, err := cc.openManager()
			if err != nil {
				return err
			}
			enqueued, err := m.Enqueue(cmd.Context(), name, id, body)
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]any{"queue": name, "id": id, "enqueued": enqueued})
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue name (default queues.default)")
	cmd.Flags().StringVar(&id, "id", "", "entry identifier")
	cmd.Flags().StringSliceVar(&fromItems, "from-item", nil, "re-enqueue ledger items by identifier (repeatable)")
	payload.register(cmd)
	return cmd
}

func requeueItems(cmd *cobra.Command, cc *commandContext, queueName string, ids []string) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	targets := cfg.Ingest.FanOut
	if strings.TrimSpace(queueName) != "" {
		targets = []string{queueName}
	}
	m, err := cc.openManager()
	if err != nil {
		return err
	}
	d := &ingest.Driver{
		Items:      m.Store(),
		Queues:     m,
		QueueNames: targets,
		Logger:     cc.logger,
	}
	n, err := d.Requeue(cmd.Context(), ids...)
	if err != nil {
		if errors.Is(err, ingest.ErrNoQueues) {
			return usageError{errors.New("no target queue: pass --queue or set ingest.fan_out")}
		}
		return err
	}
	return writeJSONLine(cmd.OutOrStdout(), map[string]any{"items": len(ids), "queues": targets, "enqueued": n})
}

func newQueueDequeueCommand(cc *commandContext) *cobra.Command {
	var queueName string
	var batch int

	cmd := &cobra.Command{
		Use:   "dequeue",
		Short: "Remove and print the oldest entries of a queue",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := cc.queueName(queueName)
			if err != nil {
				return err
			}
			m, err := cc.openManager()
			if err != nil {
				return err
			}
			entries, err := m.DequeueBatch(cmd.Context(), name, batch)
			// Removed entries are printed even when a later dequeue failed.
			if werr := writeEntries(cmd.OutOrStdout(), entries); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue name (default queues.default)")
	cmd.Flags().IntVarP(&batch, "batch", "n", 1, "maximum number of entries to dequeue")
	return cmd
}

func newQueuePeekCommand(cc *commandContext) *cobra.Command {
	var queueName string

	cmd := &cobra.Command{
		Use:   "peek",
		Short: "Print the next entry without removing it",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := cc.queueName(queueName)
			if err != nil {
				return err
			}
			m, err := cc.openManager()
			if err != nil {
				return err
			}
			entry, ok, err := m.Peek(cmd.Context(), name)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			return writeEntries(cmd.OutOrStdout(), []queue.Entry{entry})
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue name (default queues.default)")
	return cmd
}

func newQueuePurgeCommand(cc *commandContext) *cobra.Command {
	var queueName string
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every entry of a queue",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return usageError{errors.New("purge deletes every entry; pass --yes to confirm")}
			}
			name, err := cc.queueName(queueName)
			if err != nil {
				return err
			}
			m, err := cc.openManager()
			if err != nil {
				return err
			}
			n, err := m.Purge(cmd.Context(), name)
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]any{"queue": name, "purged": n})
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue name (default queues.default)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}

func newQueueStatusCommand(cc *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [queue...]",
		Short: "Show depth and dead-letter depth of queues",
		Long:  "Show queue status. Without arguments the default queue and every ingest.fan_out queue are shown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = statusTargets(cfg.Queues.Default, cfg.Ingest.FanOut)
			}
			if len(names) == 0 {
				return usageError{errors.New("no queue given and none configured")}
			}
			m, err := cc.openManager()
			if err != nil {
				return err
			}
			statuses := make([]queue.Status, 0, len(names))
			for _, name := range names {
				st, err := m.Status(cmd.Context(), name)
				if err != nil {
					return err
				}
				statuses = append(statuses, st)
			}
			return writeStatuses(cmd.OutOrStdout(), statuses)
		},
	}
}

func statusTargets(def string, fanOut []string) []string {
	out := make([]string, 0, len(fanOut)+1)
	seen := make(map[string]struct{}, len(fanOut)+1)
	for _, name := range append([]string{def}, fanOut...) {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func newQueueListCommand(cc *commandContext) *cobra.Command {
	var queueName string
	var limit int
	var deadLetters bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entries in dequeue order without removing them",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := cc.queueName(queueName)
			if err != nil {
				return err
			}
			m, err := cc.openManager()
			if err != nil {
				return err
			}
			if !deadLetters {
				entries, err := m.List(cmd.Context(), name, limit)
				if err != nil {
					return err
				}
				return writeEntries(cmd.OutOrStdout(), entries)
			}

			entries, err := m.List(cmd.Context(), m.DeadLetterQueue(name), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				dl, err := queue.DecodeDeadLetter(e.Payload)
				if err != nil {
					return fmt.Errorf("entry %s: %w", e.ID, err)
				}
				if err := writeJSONLine(cmd.OutOrStdout(), dl); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue name (default queues.default)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of entries")
	cmd.Flags().BoolVar(&deadLetters, "dead-letters", false, "list the queue's dead-letter entries, decoded")
	return cmd
}

func newQueueDeadLetterCommand(cc *commandContext) *cobra.Command {
	var queueName, id, reason string
	var sequence int64
	var payload payloadFlags

	cmd := &cobra.Command{
		Use:   "dead-letter",
		Short: "Record a failed entry in a queue's dead-letter queue",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return usageError{errors.New("--id is required")}
			}
			name, err := cc.queueName(queueName)
			if err != nil {
				return err
			}
			body, err := payload.read(cmd.InOrStdin())
			if err != nil {
				return err
			}
			m, err := cc.openManager()
			if err != nil {
				return err
			}
			moved, err := m.MoveToDeadLetter(cmd.Context(), queue.Entry{
				QueueName: name,
				ID:        id,
				Sequence:  sequence,
				Payload:   body,
			}, reason)
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), map[string]any{
				"queue":       name,
				"dead_letter": m.DeadLetterQueue(name),
				"id":          id,
				"moved":       moved,
			})
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "original queue name (default queues.default)")
	cmd.Flags().StringVar(&id, "id", "", "entry identifier")
	cmd.Flags().Int64Var(&sequence, "sequence", 0, "original sequence number")
	cmd.Flags().StringVar(&reason, "reason", "", "failure description")
	payload.register(cmd)
	return cmd
}
