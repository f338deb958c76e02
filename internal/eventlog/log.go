// Package eventlog abstracts a partitioned, append-only log consumed as a
// member of a consumer group. Offsets are committed explicitly by the caller.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned once the log has been closed.
	ErrClosed = errors.New("event log is closed")
	// ErrInjected is returned by MemoryLog while failures are injected.
	ErrInjected = errors.New("event log: injected failure")
)

// Message is one record read from a partition.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
}

// Claim is a partition assigned to this member for one generation. A claim is
// used by a single goroutine.
type Claim interface {
	Topic() string
	Partition() int
	// Fetch blocks until at least one message is available, then keeps
	// collecting until max messages or wait has elapsed.
	Fetch(ctx context.Context, max int, wait time.Duration) ([]Message, error)
	// Commit records next as the offset to resume from.
	Commit(ctx context.Context, next int64) error
}

// Generation is one group membership epoch with its partition assignments.
type Generation interface {
	Claims() []Claim
	// Run calls fn for every claim in its own goroutine and returns when all
	// of them have returned. The ctx passed to fn is cancelled when either
	// ctx or the generation ends.
	Run(ctx context.Context, fn func(ctx context.Context, c Claim))
}

// Log hands out generations until it is closed.
type Log interface {
	Next(ctx context.Context) (Generation, error)
	Close() error
}

// ClaimName is "topic/partition", used in logs and health reasons.
func ClaimName(c Claim) string {
	return fmt.Sprintf("%s/%d", c.Topic(), c.Partition())
}
