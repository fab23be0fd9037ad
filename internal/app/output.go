package app

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/nuetzliches/ingestq/internal/queue"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// isTerminal reports whether w is an interactive terminal. Tables are
// rendered only for terminals; everything else gets JSON lines.
func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	columnConfigs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		columnConfigs = append(columnConfigs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(columnConfigs)

	return tw.Render() + "\n"
}

func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// entryView is the printed form of a queue entry. Payloads that are valid
// UTF-8 are shown as text, anything else as base64.
type entryView struct {
	Queue      string `json:"queue"`
	ID         string `json:"id"`
	Sequence   int64  `json:"sequence"`
	Payload    string `json:"payload,omitempty"`
	PayloadB64 string `json:"payload_b64,omitempty"`
}

func newEntryView(e queue.Entry) entryView {
	v := entryView{Queue: e.QueueName, ID: e.ID, Sequence: e.Sequence}
	if utf8.Valid(e.Payload) {
		v.Payload = string(e.Payload)
	} else {
		v.PayloadB64 = base64.StdEncoding.EncodeToString(e.Payload)
	}
	return v
}

func writeEntries(w io.Writer, entries []queue.Entry) error {
	if isTerminal(w) {
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			v := newEntryView(e)
			payload := v.Payload
			if payload == "" && v.PayloadB64 != "" {
				payload = "base64:" + v.PayloadB64
			}
			rows = append(rows, []string{strconv.FormatInt(e.Sequence, 10), e.ID, truncate(payload, 60)})
		}
		_, err := io.WriteString(w, renderTable([]string{"Seq", "ID", "Payload"}, rows, []columnAlignment{alignRight, alignLeft, alignLeft}))
		return err
	}
	for _, e := range entries {
		if err := writeJSONLine(w, newEntryView(e)); err != nil {
			return err
		}
	}
	return nil
}

func writeStatuses(w io.Writer, statuses []queue.Status) error {
	if isTerminal(w) {
		rows := make([][]string, 0, len(statuses))
		for _, st := range statuses {
			rows = append(rows, []string{
				st.QueueName,
				strconv.Itoa(st.Depth),
				strconv.Itoa(st.DeadLetterDepth),
				strconv.FormatInt(st.LastSequence, 10),
			})
		}
		_, err := io.WriteString(w, renderTable(
			[]string{"Queue", "Depth", "Dead letters", "Last seq"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
		))
		return err
	}
	for _, st := range statuses {
		if err := writeJSONLine(w, statusView{
			Queue:             st.QueueName,
			Depth:             st.Depth,
			DeadLetterDepth:   st.DeadLetterDepth,
			LastSequence:      st.LastSequence,
			HasMessages:       st.HasMessages,
			HasFailedMessages: st.HasFailedMessages,
		}); err != nil {
			return err
		}
	}
	return nil
}

type statusView struct {
	Queue             string `json:"queue"`
	Depth             int    `json:"depth"`
	DeadLetterDepth   int    `json:"dead_letter_depth"`
	LastSequence      int64  `json:"last_sequence"`
	HasMessages       bool   `json:"has_messages"`
	HasFailedMessages bool   `json:"has_failed_messages"`
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
