package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoSuchChannel is recorded when no sender is configured for an intent's
// channel. It is never reported as a success.
var ErrNoSuchChannel = errors.New("no such channel")

// Sender delivers an intent through one channel.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, in Intent) error
}

// ExecutorMetrics is incremented exactly once per Execute call.
type ExecutorMetrics interface {
	NotificationAttempted(ch Channel, status Status)
}

// Executor performs one send per Execute call and captures the outcome in a
// Record. It never returns an error; failures become failed records.
type Executor struct {
	senders map[Channel]Sender
	timeout time.Duration
	metrics ExecutorMetrics
	log     zerolog.Logger
	now     func() time.Time
}

// NewExecutor creates an Executor. A later sender for the same channel
// replaces an earlier one. A zero timeout defaults to 10s.
func NewExecutor(senders []Sender, timeout time.Duration, metrics ExecutorMetrics, log zerolog.Logger) *Executor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	m := make(map[Channel]Sender, len(senders))
	for _, s := range senders {
		if s != nil {
			m[s.Channel()] = s
		}
	}
	return &Executor{
		senders: m,
		timeout: timeout,
		metrics: metrics,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Channels lists the channels that have a sender.
func (e *Executor) Channels() []Channel {
	out := make([]Channel, 0, len(e.senders))
	for ch := range e.senders {
		out = append(out, ch)
	}
	return out
}

// Execute sends in once and returns the resulting record.
func (e *Executor) Execute(ctx context.Context, in Intent) (rec Record) {
	rec = newRecord(in, e.now())
	defer func() {
		if e.metrics != nil {
			e.metrics.NotificationAttempted(rec.Channel, rec.Status)
		}
	}()

	sender, ok := e.senders[in.Channel]
	if !ok {
		rec.Status = StatusFailed
		rec.ErrorDetail = fmt.Sprintf("%v: %s", ErrNoSuchChannel, in.Channel)
		e.log.Warn().Str("notification_id", rec.NotificationID).Str("channel", string(in.Channel)).Msg("no sender configured for channel")
		return rec
	}

	if err := e.send(ctx, sender, in); err != nil {
		rec.Status = StatusFailed
		rec.ErrorDetail = err.Error()
		e.log.Warn().Err(err).
			Str("notification_id", rec.NotificationID).
			Str("channel", string(in.Channel)).
			Str("recipient", in.Recipient).
			Msg("send failed")
		return rec
	}

	rec.Status = StatusSent
	e.log.Info().
		Str("notification_id", rec.NotificationID).
		Str("channel", string(in.Channel)).
		Str("recipient", in.Recipient).
		Msg("notification sent")
	return rec
}

// send runs the sender on its own goroutine so that a sender ignoring its
// context still cannot hold the caller past the timeout.
func (e *Executor) send(ctx context.Context, s Sender, in Intent) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("sender %s panicked: %v", s.Channel(), r)
			}
		}()
		done <- s.Send(ctx, in)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send %s: %w", in.Channel, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send %s: %w", in.Channel, ctx.Err())
	}
}
