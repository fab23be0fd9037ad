package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	i/<id>                        item payload
//	c/<key>                       checkpoint value
//	n/<key>                       counter, 8 bytes big-endian
//	q/<queue>/<seq:8 BE>/<id>     entry payload, ordered by sequence
//	x/<queue>/<id>                membership index, 8 byte sequence
//
// Queue names never contain '/', so q/<queue>/ is an exact prefix.
const (
	pebbleItemPrefix       = "i/"
	pebbleCheckpointPrefix = "c/"
	pebbleCounterPrefix    = "n/"
	pebbleEntryPrefix      = "q/"
	pebbleIndexPrefix      = "x/"
)

type PebbleOption func(*PebbleStore)

// WithPebbleOptions replaces the pebble.Options used to open the database.
func WithPebbleOptions(opts *pebble.Options) PebbleOption {
	return func(s *PebbleStore) {
		if opts != nil {
			s.opts = opts
		}
	}
}

// WithPebbleNoSync commits batches without waiting for the WAL fsync.
func WithPebbleNoSync() PebbleOption {
	return func(s *PebbleStore) {
		s.writeOpts = pebble.NoSync
	}
}

// PebbleStore keeps every table in one embedded Pebble key space. Pebble has
// no transactions, so read-modify-write sequences hold mu exclusively and
// land as one batch. Pebble holds an exclusive lock on dir while open, so a
// second process (say, a separate drain next to serve) fails to open it.
type PebbleStore struct {
	mu        sync.RWMutex
	db        *pebble.DB
	opts      *pebble.Options
	writeOpts *pebble.WriteOptions
	closed    bool
}

var _ Store = (*PebbleStore)(nil)

func NewPebbleStore(dir string, opts ...PebbleOption) (*PebbleStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("empty pebble dir")
	}
	s := &PebbleStore{
		opts:      &pebble.Options{},
		writeOpts: pebble.Sync,
	}
	for _, opt := range opts {
		opt(s)
	}
	db, err := pebble.Open(dir, s.opts)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", dir, err)
	}
	s.db = db
	return s, nil
}

func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *PebbleStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *PebbleStore) ItemExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	_, found, err := s.get(pebbleItemKey(id))
	if err != nil {
		return false, wrapStorage("item exists", err)
	}
	return found, nil
}

func (s *PebbleStore) PutItemIfAbsent(_ context.Context, id string, payload []byte) (bool, error) {
	if err := validateIdentifier(id); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	key := pebbleItemKey(id)
	_, found, err := s.get(key)
	if err != nil {
		return false, wrapStorage("put item", err)
	}
	if found {
		return false, nil
	}
	if err := s.db.Set(key, cloneBytes(payload), s.writeOpts); err != nil {
		return false, wrapStorage("put item", err)
	}
	return true, nil
}

func (s *PebbleStore) GetItem(_ context.Context, id string) (Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Item{}, ErrStoreClosed
	}
	val, found, err := s.get(pebbleItemKey(id))
	if err != nil {
		return Item{}, wrapStorage("get item", err)
	}
	if !found {
		return Item{}, ErrItemNotFound
	}
	return Item{ID: id, Payload: val}, nil
}

func (s *PebbleStore) ReadCheckpoint(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrStoreClosed
	}
	val, found, err := s.get([]byte(pebbleCheckpointPrefix + key))
	if err != nil {
		return "", false, wrapStorage("read checkpoint", err)
	}
	return string(val), found, nil
}

func (s *PebbleStore) WriteCheckpoint(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return wrapStorage("write checkpoint", s.db.Set([]byte(pebbleCheckpointPrefix+key), []byte(value), s.writeOpts))
}

func (s *PebbleStore) IncrementCounter(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	next, err := s.readCounter(key)
	if err != nil {
		return 0, wrapStorage("increment counter", err)
	}
	next++
	if err := s.db.Set(pebbleCounterKey(key), encodeSeq(next), s.writeOpts); err != nil {
		return 0, wrapStorage("increment counter", err)
	}
	return next, nil
}

func (s *PebbleStore) ReadCounter(_ context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	v, err := s.readCounter(key)
	if err != nil {
		return 0, wrapStorage("read counter", err)
	}
	return v, nil
}

func (s *PebbleStore) readCounter(key string) (int64, error) {
	val, found, err := s.get(pebbleCounterKey(key))
	if err != nil || !found {
		return 0, err
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("pebble: counter %q has %d bytes, want 8", key, len(val))
	}
	return int64(binary.BigEndian.Uint64(val)), nil
}

func (s *PebbleStore) InsertEntry(_ context.Context, queueName, id string, payload []byte) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false, ErrStoreClosed
	}

	indexKey := pebbleIndexKey(queueName, id)
	_, found, err := s.get(indexKey)
	if err != nil {
		return Entry{}, false, wrapStorage("insert entry", err)
	}
	if found {
		return Entry{}, false, nil
	}
	seq, err := s.readCounter(queueName)
	if err != nil {
		return Entry{}, false, wrapStorage("insert entry", err)
	}
	seq++

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(pebbleCounterKey(queueName), encodeSeq(seq), nil); err != nil {
		return Entry{}, false, wrapStorage("insert entry", err)
	}
	if err := b.Set(pebbleEntryKey(queueName, seq, id), cloneBytes(payload), nil); err != nil {
		return Entry{}, false, wrapStorage("insert entry", err)
	}
	if err := b.Set(indexKey, encodeSeq(seq), nil); err != nil {
		return Entry{}, false, wrapStorage("insert entry", err)
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return Entry{}, false, wrapStorage("insert entry", err)
	}
	return Entry{QueueName: queueName, ID: id, Sequence: seq, Payload: cloneBytes(payload)}, true, nil
}

func (s *PebbleStore) TakeFirst(_ context.Context, queueName string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, false, ErrStoreClosed
	}
	entry, key, found, err := s.first(queueName)
	if err != nil {
		return Entry{}, false, wrapStorage("take first", err)
	}
	if !found {
		return Entry{}, false, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return Entry{}, false, wrapStorage("take first", err)
	}
	if err := b.Delete(pebbleIndexKey(queueName, entry.ID), nil); err != nil {
		return Entry{}, false, wrapStorage("take first", err)
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return Entry{}, false, wrapStorage("take first", err)
	}
	return entry, true, nil
}

func (s *PebbleStore) First(_ context.Context, queueName string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Entry{}, false, ErrStoreClosed
	}
	entry, _, found, err := s.first(queueName)
	if err != nil {
		return Entry{}, false, wrapStorage("first", err)
	}
	return entry, found, nil
}

func (s *PebbleStore) first(queueName string) (Entry, []byte, bool, error) {
	entries, keys, err := s.scanEntries(queueName, 1)
	if err != nil || len(entries) == 0 {
		return Entry{}, nil, false, err
	}
	return entries[0], keys[0], true, nil
}

func (s *PebbleStore) DeleteEntries(_ context.Context, queueName string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n, err := s.countPrefix(pebbleEntryQueuePrefix(queueName))
	if err != nil {
		return 0, wrapStorage("delete entries", err)
	}
	if n == 0 {
		return 0, nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	for _, prefix := range [][]byte{pebbleEntryQueuePrefix(queueName), pebbleIndexQueuePrefix(queueName)} {
		if err := b.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
			return 0, wrapStorage("delete entries", err)
		}
	}
	if err := b.Commit(s.writeOpts); err != nil {
		return 0, wrapStorage("delete entries", err)
	}
	return n, nil
}

func (s *PebbleStore) CountEntries(_ context.Context, queueName string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n, err := s.countPrefix(pebbleIndexQueuePrefix(queueName))
	if err != nil {
		return 0, wrapStorage("count entries", err)
	}
	return n, nil
}

func (s *PebbleStore) ListEntries(_ context.Context, queueName string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	entries, _, err := s.scanEntries(queueName, clampListLimit(limit))
	if err != nil {
		return nil, wrapStorage("list entries", err)
	}
	return entries, nil
}

func (s *PebbleStore) scanEntries(queueName string, limit int) ([]Entry, [][]byte, error) {
	prefix := pebbleEntryQueuePrefix(queueName)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	var (
		entries []Entry
		keys    [][]byte
	)
	for ok := iter.First(); ok && len(entries) < limit; ok = iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		seq, id, err := decodeEntryKey(key[len(prefix):])
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, Entry{
			QueueName: queueName,
			ID:        id,
			Sequence:  seq,
			Payload:   cloneBytes(iter.Value()),
		})
		keys = append(keys, key)
	}
	if err := iter.Error(); err != nil {
		return nil, nil, err
	}
	return entries, keys, nil
}

func (s *PebbleStore) countPrefix(prefix []byte) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for ok := iter.First(); ok; ok = iter.Next() {
		n++
	}
	return n, iter.Error()
}

// get copies the value for key. A missing key is reported through found.
func (s *PebbleStore) get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return cloneBytes(val), true, nil
}

func pebbleItemKey(id string) []byte {
	return []byte(pebbleItemPrefix + id)
}

func pebbleCounterKey(key string) []byte {
	return []byte(pebbleCounterPrefix + key)
}

func pebbleEntryQueuePrefix(queueName string) []byte {
	return []byte(pebbleEntryPrefix + queueName + "/")
}

func pebbleIndexQueuePrefix(queueName string) []byte {
	return []byte(pebbleIndexPrefix + queueName + "/")
}

func pebbleIndexKey(queueName, id string) []byte {
	return append(pebbleIndexQueuePrefix(queueName), id...)
}

func pebbleEntryKey(queueName string, seq int64, id string) []byte {
	key := pebbleEntryQueuePrefix(queueName)
	key = append(key, encodeSeq(seq)...)
	key = append(key, '/')
	return append(key, id...)
}

func decodeEntryKey(suffix []byte) (int64, string, error) {
	if len(suffix) < 9 || suffix[8] != '/' {
		return 0, "", fmt.Errorf("pebble: malformed entry key suffix %x", suffix)
	}
	return int64(binary.BigEndian.Uint64(suffix[:8])), string(suffix[9:]), nil
}

func encodeSeq(seq int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	return buf
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
