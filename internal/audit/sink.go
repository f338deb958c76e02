// Package audit stores Dispatch Records. Every Sink is idempotent on the
// notification id: appending a record twice leaves one entry.
//
// Status is last-write-wins with one exception: a sent record is never
// downgraded to failed by a later attempt with the same id.
package audit

import (
	"context"
	"errors"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("dispatch record not found")

// Sink is durable storage for Dispatch Records. Append must be safe for
// concurrent calls with distinct ids and must report every failure.
type Sink interface {
	Append(ctx context.Context, rec dispatch.Record) error
	Get(ctx context.Context, id string) (dispatch.Record, error)
}

// merge applies the write rule shared by all sinks.
func merge(existing dispatch.Record, incoming dispatch.Record) dispatch.Record {
	if existing.Status == dispatch.StatusSent && incoming.Status != dispatch.StatusSent {
		return existing
	}
	return incoming
}
