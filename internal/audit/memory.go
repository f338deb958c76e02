package audit

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
)

// ErrInjected is returned by MemorySink while failures are injected.
var ErrInjected = errors.New("memory sink: injected failure")

// MemorySink keeps records in a map. It is used in tests and when no audit
// backend is configured.
type MemorySink struct {
	mu       sync.Mutex
	records  map[string]dispatch.Record
	appends  int
	failNext int
	failAll  bool
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]dispatch.Record)}
}

func (s *MemorySink) Append(ctx context.Context, rec dispatch.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appends++
	if s.failAll {
		return ErrInjected
	}
	if s.failNext > 0 {
		s.failNext--
		return ErrInjected
	}

	if existing, ok := s.records[rec.NotificationID]; ok {
		rec = merge(existing, rec)
	}
	s.records[rec.NotificationID] = rec
	return nil
}

func (s *MemorySink) Get(_ context.Context, id string) (dispatch.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return dispatch.Record{}, ErrNotFound
	}
	return rec, nil
}

// FailNext makes the next n Append calls fail.
func (s *MemorySink) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// SetUnavailable makes every Append fail until called with false.
func (s *MemorySink) SetUnavailable(down bool) {
	s.mu.Lock()
	s.failAll = down
	s.mu.Unlock()
}

// Len returns the number of distinct records.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Appends returns the number of Append calls, successful or not.
func (s *MemorySink) Appends() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

// Records returns all records ordered by id.
func (s *MemorySink) Records() []dispatch.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatch.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotificationID < out[j].NotificationID })
	return out
}
