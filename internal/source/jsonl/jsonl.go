// Package jsonl reads upstream items from a newline-delimited JSON file.
// Each line is {"id": "...", "timestamp": "<RFC 3339>", "payload": <any JSON>}.
package jsonl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nuetzliches/ingestq/internal/ingest"
)

const maxLineBytes = 4 << 20

var ErrMalformedRecord = errors.New("malformed record")

type record struct {
	ID        string          `json:"id"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Source returns every record at or after the cursor. The cursor is the
// RFC 3339 timestamp of the newest record seen, so consecutive scans overlap
// by that instant.
type Source struct {
	name string
	path string
}

var (
	_ ingest.Source         = (*Source)(nil)
	_ ingest.CursorComparer = (*Source)(nil)
)

func New(name, path string) (*Source, error) {
	name = strings.TrimSpace(name)
	path = strings.TrimSpace(path)
	if name == "" {
		return nil, errors.New("jsonl: empty source name")
	}
	if path == "" {
		return nil, errors.New("jsonl: empty path")
	}
	return &Source{name: name, path: path}, nil
}

func (s *Source) Name() string { return s.name }

func (s *Source) Fetch(ctx context.Context, cursor string) (ingest.Batch, error) {
	var since time.Time
	if strings.TrimSpace(cursor) != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return ingest.Batch{}, fmt.Errorf("jsonl: cursor %q: %w", cursor, err)
		}
		since = t
	}

	f, err := os.Open(s.path)
	if err != nil {
		return ingest.Batch{}, fmt.Errorf("jsonl: %w", err)
	}
	defer f.Close()

	batch := ingest.Batch{Cursor: cursor}
	newest := since
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return ingest.Batch{}, err
			}
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		rec, ts, err := parseRecord(raw)
		if err != nil {
			return ingest.Batch{}, fmt.Errorf("jsonl: %s line %d: %w", s.path, line, err)
		}
		// Records at the cursor instant are fetched again; the item ledger
		// drops the ones already seen.
		if ts.Before(since) {
			continue
		}
		payload := []byte(rec.Payload)
		if len(payload) == 0 {
			payload = []byte("null")
		}
		batch.Items = append(batch.Items, ingest.Candidate{ID: rec.ID, Payload: payload})
		if ts.After(newest) {
			newest = ts
			batch.Cursor = rec.Timestamp
		}
	}
	if err := sc.Err(); err != nil {
		return ingest.Batch{}, fmt.Errorf("jsonl: read %s: %w", s.path, err)
	}
	return batch, nil
}

// CompareCursor orders cursors by the instant they name, so offsets and
// fractional seconds compare correctly.
func (s *Source) CompareCursor(a, b string) int {
	ta, errA := time.Parse(time.RFC3339Nano, a)
	tb, errB := time.Parse(time.RFC3339Nano, b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return ta.Compare(tb)
}

func parseRecord(raw []byte) (record, time.Time, error) {
	var rec record
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return record{}, time.Time{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if strings.TrimSpace(rec.ID) == "" {
		return record{}, time.Time{}, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp)
	if err != nil {
		return record{}, time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformedRecord, rec.Timestamp, err)
	}
	return rec, ts, nil
}
