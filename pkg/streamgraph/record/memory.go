package record

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in memory.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	closed bool
}

type memoryRun struct {
	seq     int
	streams map[string][]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*memoryRun)}
}

// Append implements Store.
func (m *MemoryStore) Append(rec Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	run, ok := m.runs[rec.RunID]
	if !ok {
		run = &memoryRun{streams: make(map[string][]Record)}
		m.runs[rec.RunID] = run
	}
	run.seq++
	rec.Sequence = run.seq
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	// Copy the payload to avoid retaining the caller's slice
	rec.Payload = append([]byte(nil), rec.Payload...)
	run.streams[rec.Stream] = append(run.streams[rec.Stream], rec)
	return rec.Sequence, nil
}

// List implements Store.
func (m *MemoryStore) List(runID, stream string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	run, ok := m.runs[runID]
	if !ok {
		return []Record{}, nil
	}
	recs := run.streams[stream]
	out := make([]Record, len(recs))
	for i, r := range recs {
		r.Payload = append([]byte(nil), r.Payload...)
		out[i] = r
	}
	return out, nil
}

// Streams implements Store.
func (m *MemoryStore) Streams(runID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	run, ok := m.runs[runID]
	if !ok {
		return []string{}, nil
	}
	names := make([]string, 0, len(run.streams))
	for name := range run.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteRun implements Store.
func (m *MemoryStore) DeleteRun(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	delete(m.runs, runID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.runs = nil
	return nil
}

// Len returns the total number of records across all runs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, run := range m.runs {
		for _, recs := range run.streams {
			n += len(recs)
		}
	}
	return n
}
