package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	"github.com/spf13/cobra"

	"github.com/nuetzliches/ingestq/internal/consume"
	"github.com/nuetzliches/ingestq/internal/queue"
)

const maxExecStderr = 4 << 10

func newDrainCommand(cc *commandContext) *cobra.Command {
	var queueName, execCmd string
	var follow, noDeadLetter bool

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Consume a queue until it is empty",
		Long: "Consume a queue. Each entry is printed as a JSON line, or with --exec passed on\n" +
			"stdin to a shell command (INGESTQ_QUEUE, INGESTQ_ID and INGESTQ_SEQUENCE are set).\n" +
			"A failing command sends the entry to the dead-letter queue unless --no-dead-letter\n" +
			"is given. With --follow the queue is polled until interrupted.",
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cc.ensureConfig()
			if err != nil {
				return err
			}
			name, err := cc.queueName(queueName)
			if err != nil {
				return err
			}
			m, err := cc.openManager()
			if err != nil {
				return err
			}

			var handler consume.Handler = printHandler(cmd.OutOrStdout())
			if execCmd != "" {
				handler = execHandler(execCmd, cmd.ErrOrStderr())
			}
			c := &consume.Consumer{
				Queue:           m,
				QueueName:       name,
				Handler:         handler,
				PollInterval:    cfg.Consume.PollInterval.Duration,
				MaxPollInterval: cfg.Consume.MaxPollInterval.Duration,
				DeadLetter:      cfg.Consume.DeadLetter && !noDeadLetter,
				Logger:          cc.logger,
			}

			if follow {
				return c.Run(cmd.Context())
			}
			res, err := c.Drain(cmd.Context())
			fmt.Fprintf(cmd.ErrOrStderr(), "drained %s: handled=%d failed=%d dead_lettered=%d\n",
				name, res.Handled, res.Failed, res.DeadLettered)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&queueName, "queue", "q", "", "queue name (default queues.default)")
	cmd.Flags().StringVar(&execCmd, "exec", "", "shell command run once per entry with the payload on stdin")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling after the queue is empty")
	cmd.Flags().BoolVar(&noDeadLetter, "no-dead-letter", false, "drop failed entries instead of dead-lettering them")
	return cmd
}

func printHandler(w io.Writer) consume.HandlerFunc {
	var mu sync.Mutex
	return func(_ context.Context, e queue.Entry) error {
		mu.Lock()
		defer mu.Unlock()
		return writeJSONLine(w, newEntryView(e))
	}
}

func execHandler(command string, stderr io.Writer) consume.HandlerFunc {
	return func(ctx context.Context, e queue.Entry) error {
		c := shellCommand(ctx, command)
		c.Stdin = bytes.NewReader(e.Payload)
		c.Stdout = stderr
		var errBuf bytes.Buffer
		c.Stderr = io.MultiWriter(stderr, &limitedBuffer{buf: &errBuf, max: maxExecStderr})
		c.Env = append(os.Environ(),
			"INGESTQ_QUEUE="+e.QueueName,
			"INGESTQ_ID="+e.ID,
			"INGESTQ_SEQUENCE="+strconv.FormatInt(e.Sequence, 10),
		)
		if err := c.Run(); err != nil {
			if msg := bytes.TrimSpace(errBuf.Bytes()); len(msg) > 0 {
				return fmt.Errorf("%w: %s", err, msg)
			}
			return err
		}
		return nil
	}
}

// limitedBuffer keeps the first max bytes written to it and discards the
// rest without reporting an error.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}
