package ingest

import (
	"context"
	"strings"
)

// Candidate is one upstream item offered to the driver.
type Candidate struct {
	ID      string
	Payload []byte
}

// Batch is the result of one Fetch. Cursor is where the next fetch should
// resume; an empty Cursor leaves the checkpoint unchanged.
type Batch struct {
	Items  []Candidate
	Cursor string
}

// Source is an upstream system that can list items newer than a cursor.
type Source interface {
	Name() string
	Fetch(ctx context.Context, cursor string) (Batch, error)
}

// CursorComparer is implemented by sources whose cursors do not order
// lexically. CompareCursor returns -1, 0 or +1 like strings.Compare.
type CursorComparer interface {
	CompareCursor(a, b string) int
}

func compareCursor(src Source, a, b string) int {
	if c, ok := src.(CursorComparer); ok {
		return c.CompareCursor(a, b)
	}
	return strings.Compare(a, b)
}

// SourceFunc adapts a plain function into a Source.
type SourceFunc struct {
	SourceName string
	FetchFunc  func(ctx context.Context, cursor string) (Batch, error)
}

func (f SourceFunc) Name() string { return f.SourceName }

func (f SourceFunc) Fetch(ctx context.Context, cursor string) (Batch, error) {
	return f.FetchFunc(ctx, cursor)
}
