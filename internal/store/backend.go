package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lvonguyen/threatmesh/internal/model"
)

// Kind describes why a log entry was written.
type Kind string

const (
	KindObserved     Kind = "observed"
	KindDecayed      Kind = "decayed"
	KindSuppressed   Kind = "suppressed"
	KindUnsuppressed Kind = "unsuppressed"
)

// Record is one entry of the append-only log. Event holds the full folded
// state of its fingerprint as of this entry.
type Record struct {
	Sequence   uint64            `json:"seq"`
	Kind       Kind              `json:"kind"`
	AppendedAt time.Time         `json:"appended_at"`
	Event      model.ThreatEvent `json:"event"`
}

// Backend persists the log and the fingerprint index. Append is only ever
// called with Sequence == Head()+1.
type Backend interface {
	Append(ctx context.Context, rec Record) error
	ReadRange(ctx context.Context, after uint64, limit int) ([]Record, error)
	Latest(ctx context.Context, fingerprint string) (Record, bool, error)
	Head(ctx context.Context) (uint64, error)
	ScanLatest(ctx context.Context, fn func(Record) error) error
	CountFingerprints(ctx context.Context) (int64, error)
	Close() error
}

var (
	// ErrSequenceGap is returned when an append does not extend the log by one.
	ErrSequenceGap = errors.New("store: sequence gap")

	// ErrClosed is returned by a closed backend.
	ErrClosed = errors.New("store: backend closed")
)

// MemoryBackend keeps the log in an arena indexed by sequence number.
type MemoryBackend struct {
	mu     sync.RWMutex
	arena  []Record // arena[seq-1]
	index  map[string]uint64
	closed bool
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty in-memory log.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{index: make(map[string]uint64)}
}

func (m *MemoryBackend) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if rec.Sequence != uint64(len(m.arena))+1 {
		return fmt.Errorf("%w: have %d, got %d", ErrSequenceGap, len(m.arena), rec.Sequence)
	}
	m.arena = append(m.arena, rec)
	m.index[rec.Event.Fingerprint] = rec.Sequence
	return nil
}

func (m *MemoryBackend) ReadRange(ctx context.Context, after uint64, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if after >= uint64(len(m.arena)) {
		return nil, nil
	}
	end := uint64(len(m.arena))
	if limit > 0 && after+uint64(limit) < end {
		end = after + uint64(limit)
	}
	out := make([]Record, end-after)
	copy(out, m.arena[after:end])
	return out, nil
}

func (m *MemoryBackend) Latest(ctx context.Context, fingerprint string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, false, ErrClosed
	}
	seq, ok := m.index[fingerprint]
	if !ok {
		return Record{}, false, nil
	}
	return m.arena[seq-1], true, nil
}

func (m *MemoryBackend) Head(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.arena)), nil
}

// ScanLatest visits the latest record of every fingerprint. fn runs without
// the backend lock held.
func (m *MemoryBackend) ScanLatest(ctx context.Context, fn func(Record) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	latest := make([]Record, 0, len(m.index))
	for _, seq := range m.index {
		latest = append(latest, m.arena[seq-1])
	}
	m.mu.RUnlock()

	for _, rec := range latest {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) CountFingerprints(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.index)), nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
