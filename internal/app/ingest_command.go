package app

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nuetzliches/ingestq/internal/config"
	"github.com/nuetzliches/ingestq/internal/ingest"
	"github.com/nuetzliches/ingestq/internal/queue"
	"github.com/nuetzliches/ingestq/internal/source/jsonl"
)

type scanView struct {
	ScanID         string   `json:"scan_id"`
	Source         string   `json:"source"`
	Fetched        int      `json:"fetched"`
	New            int      `json:"new"`
	Duplicates     int      `json:"duplicates"`
	Enqueued       int      `json:"enqueued"`
	PreviousCursor string   `json:"previous_cursor"`
	Cursor         string   `json:"cursor"`
	Advanced       bool     `json:"advanced"`
	Unqueued       []string `json:"unqueued,omitempty"`
	Error          string   `json:"error,omitempty"`
}

func newIngestCommand(cc *commandContext) *cobra.Command {
	var sourceName, path string
	var queues []string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run one incremental scan of the JSONL source",
		Long: "Run one incremental scan: read the source checkpoint, fetch newer records,\n" +
			"skip identifiers already in the item ledger, enqueue the rest into every\n" +
			"target queue and advance the checkpoint.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			ic := cfg.Ingest
			if cmd.Flags().Changed("source") {
				ic.SourceName = sourceName
			}
			if cmd.Flags().Changed("path") {
				ic.JSONLPath = path
			}
			if cmd.Flags().Changed("queue") {
				ic.FanOut = queues
			}
			if strings.TrimSpace(ic.JSONLPath) == "" {
				return usageError{errors.New("no source file: pass --path or set ingest.jsonl_path")}
			}
			if len(ic.FanOut) == 0 {
				return usageError{errors.New("no target queue: pass --queue or set ingest.fan_out")}
			}

			m, err := cc.openManager()
			if err != nil {
				return err
			}
			res, err := runScan(cmd, cc, m, ic)
			view := scanView{
				ScanID:         res.ScanID,
				Source:         res.Source,
				Fetched:        res.Fetched,
				New:            res.New,
				Duplicates:     res.Duplicates,
				Enqueued:       res.Enqueued,
				PreviousCursor: res.PreviousCursor,
				Cursor:         res.Cursor,
				Advanced:       res.Advanced,
			}
			var scanErr *ingest.ScanError
			if errors.As(err, &scanErr) {
				view.Unqueued = scanErr.Unqueued
				view.Error = scanErr.Err.Error()
				if werr := writeJSONLine(cmd.OutOrStdout(), view); werr != nil {
					return werr
				}
				return err
			}
			if err != nil {
				return err
			}
			return writeJSONLine(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().StringVar(&sourceName, "source", "", "source name, also the checkpoint key (default ingest.source_name)")
	cmd.Flags().StringVar(&path, "path", "", "JSONL file to scan (default ingest.jsonl_path)")
	cmd.Flags().StringSliceVarP(&queues, "queue", "q", nil, "target queue (repeatable, default ingest.fan_out)")
	return cmd
}

func runScan(cmd *cobra.Command, cc *commandContext, m *queue.Manager, ic config.Ingest) (ingest.ScanResult, error) {
	src, err := jsonl.New(ic.SourceName, ic.JSONLPath)
	if err != nil {
		return ingest.ScanResult{}, usageError{err}
	}
	d := newDriver(m, ic, cc.logger)
	res, err := d.Scan(cmd.Context(), src)
	if errors.Is(err, ingest.ErrScanInProgress) {
		cc.logger.Warn("scan_skipped", slog.String("source", ic.SourceName), slog.Any("err", err))
	}
	return res, err
}

func newDriver(m *queue.Manager, ic config.Ingest, logger *slog.Logger) *ingest.Driver {
	return &ingest.Driver{
		Items:         m.Store(),
		Checkpoints:   m.Store(),
		Queues:        m,
		QueueNames:    ic.FanOut,
		DefaultCursor: ic.DefaultCursor,
		LockDir:       ic.LockDir,
		Logger:        logger,
	}
}
