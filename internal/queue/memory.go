package queue

import (
	"context"
	"sync"
)

// MemoryStore keeps all four logical tables in process memory. Every
// operation runs under one mutex, which makes insert-with-counter and
// select-and-delete trivially atomic.
type MemoryStore struct {
	mu          sync.Mutex
	closed      bool
	items       map[string][]byte
	checkpoints map[string]string
	counters    map[string]int64
	queues      map[string]*memoryQueue
}

type memoryQueue struct {
	// entries stays sorted by sequence because sequences are issued under
	// the same lock that appends.
	entries []Entry
	ids     map[string]struct{}
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:       make(map[string][]byte),
		checkpoints: make(map[string]string),
		counters:    make(map[string]int64),
		queues:      make(map[string]*memoryQueue),
	}
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) ItemExists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	_, ok := s.items[id]
	return ok, nil
}

func (s *MemoryStore) PutItemIfAbsent(_ context.Context, id string, payload []byte) (bool, error) {
	if err := validateIdentifier(id); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	if _, ok := s.items[id]; ok {
		return false, nil
	}
	s.items[id] = cloneBytes(payload)
	return true, nil
}

func (s *MemoryStore) GetItem(_ context.Context, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Item{}, ErrStoreClosed
	}
	payload, ok := s.items[id]
	if !ok {
		return Item{}, ErrItemNotFound
	}
	return Item{ID: id, Payload: cloneBytes(payload)}, nil
}

func (s *MemoryStore) ReadCheckpoint(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", false, ErrStoreClosed
	}
	v, ok := s.checkpoints[key]
	return v, ok, nil
}

func (s *MemoryStore) WriteCheckpoint(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.checkpoints[key] = value
	return nil
}

func (s *MemoryStore) IncrementCounter(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	s.counters[key]++
	return s.counters[key], nil
}

func (s *MemoryStore) ReadCounter(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	return s.counters[key], nil
}

func (s *MemoryStore) InsertEntry(_ context.Context, queueName, id string, payload []byte) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false, ErrStoreClosed
	}

	q := s.queues[queueName]
	if q == nil {
		q = &memoryQueue{ids: make(map[string]struct{})}
		s.queues[queueName] = q
	}
	if _, ok := q.ids[id]; ok {
		return Entry{}, false, nil
	}
	s.counters[queueName]++
	seq := s.counters[queueName]
	entry := Entry{QueueName: queueName, ID: id, Sequence: seq, Payload: cloneBytes(payload)}
	q.entries = append(q.entries, entry)
	q.ids[id] = struct{}{}
	return cloneEntry(entry), true, nil
}

func (s *MemoryStore) TakeFirst(_ context.Context, queueName string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false, ErrStoreClosed
	}
	q := s.queues[queueName]
	if q == nil || len(q.entries) == 0 {
		return Entry{}, false, nil
	}
	entry := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	delete(q.ids, entry.ID)
	if len(q.entries) == 0 {
		delete(s.queues, queueName)
	}
	return entry, true, nil
}

func (s *MemoryStore) First(_ context.Context, queueName string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false, ErrStoreClosed
	}
	q := s.queues[queueName]
	if q == nil || len(q.entries) == 0 {
		return Entry{}, false, nil
	}
	return cloneEntry(q.entries[0]), true, nil
}

func (s *MemoryStore) DeleteEntries(_ context.Context, queueName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	q := s.queues[queueName]
	if q == nil {
		return 0, nil
	}
	n := len(q.entries)
	delete(s.queues, queueName)
	return n, nil
}

func (s *MemoryStore) CountEntries(_ context.Context, queueName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	q := s.queues[queueName]
	if q == nil {
		return 0, nil
	}
	return len(q.entries), nil
}

func (s *MemoryStore) ListEntries(_ context.Context, queueName string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	q := s.queues[queueName]
	if q == nil {
		return nil, nil
	}
	limit = clampListLimit(limit)
	n := len(q.entries)
	if n > limit {
		n = limit
	}
	out := make([]Entry, 0, n)
	for _, e := range q.entries[:n] {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func cloneEntry(e Entry) Entry {
	e.Payload = cloneBytes(e.Payload)
	return e
}
