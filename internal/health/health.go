// Package health derives the service health from partition consumer states
// and the overflow log size.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of one partition consumer.
type State string

const (
	StateSubscribed   State = "subscribed"
	StateFetching     State = "fetching"
	StateProcessing   State = "processing"
	StateCommitting   State = "committing"
	StateErrorBackoff State = "error-backoff"
	StateFatal        State = "fatal"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Status is the body of the health endpoint.
type Status struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Reasons   []string  `json:"reasons"`
}

// Healthy reports whether s is healthy.
func (s Status) Healthy() bool { return s.Status == StatusHealthy }

// OverflowCounter reports how many records wait in the overflow log.
type OverflowCounter interface {
	Count(ctx context.Context) (int, error)
}

// Reporter collects partition states. It is safe for concurrent use.
type Reporter struct {
	overflow  OverflowCounter
	threshold int

	mu     sync.RWMutex
	states map[string]State
	now    func() time.Time
}

// NewReporter creates a Reporter. The service is degraded when the overflow
// log holds more than threshold records. overflow may be nil.
func NewReporter(overflow OverflowCounter, threshold int) *Reporter {
	if threshold < 0 {
		threshold = 0
	}
	return &Reporter{
		overflow:  overflow,
		threshold: threshold,
		states:    make(map[string]State),
		now:       time.Now,
	}
}

// SetState records the state of partition name ("topic/partition"), or of a
// group-wide entry such as "consumer-group".
func (r *Reporter) SetState(name string, s State) {
	r.mu.Lock()
	r.states[name] = s
	r.mu.Unlock()
}

// Forget drops a partition that is no longer assigned. A fatal partition is
// kept so the condition survives a rebalance.
func (r *Reporter) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[name] != StateFatal {
		delete(r.states, name)
	}
}

// States returns a copy of the partition states.
func (r *Reporter) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out
}

// Fatal reports whether any partition gave up.
func (r *Reporter) Fatal() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.states {
		if s == StateFatal {
			return true
		}
	}
	return false
}

// Status evaluates the current health.
func (r *Reporter) Status(ctx context.Context) Status {
	reasons := []string{}

	r.mu.RLock()
	names := make([]string, 0, len(r.states))
	for name := range r.states {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch s := r.states[name]; s {
		case StateErrorBackoff, StateFatal:
			if strings.Contains(name, "/") {
				reasons = append(reasons, fmt.Sprintf("partition %s is %s", name, s))
			} else {
				reasons = append(reasons, fmt.Sprintf("%s is %s", name, s))
			}
		}
	}
	r.mu.RUnlock()

	if r.overflow != nil {
		n, err := r.overflow.Count(ctx)
		switch {
		case err != nil:
			reasons = append(reasons, fmt.Sprintf("overflow log unreadable: %v", err))
		case n > r.threshold:
			reasons = append(reasons, fmt.Sprintf("overflow log holds %d records", n))
		}
	}

	st := Status{Status: StatusHealthy, Timestamp: r.now().UTC(), Reasons: reasons}
	if len(reasons) > 0 {
		st.Status = StatusDegraded
	}
	return st
}
