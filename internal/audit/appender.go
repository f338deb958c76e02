package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
)

// ErrOverflowFailed is returned when neither the sink nor the overflow log
// accepted a record. The caller must not commit past it.
var ErrOverflowFailed = errors.New("record not durable: sink and overflow log both failed")

// Overflow is the local fallback for records the sink would not take.
type Overflow interface {
	Put(ctx context.Context, rec dispatch.Record) error
}

// AppenderMetrics receives one call per append attempt outcome.
type AppenderMetrics interface {
	RecordAppended(result string)
}

// Outcome tells the caller where a record ended up.
type Outcome int

const (
	Appended Outcome = iota
	Overflowed
)

func (o Outcome) String() string {
	if o == Overflowed {
		return "overflowed"
	}
	return "appended"
}

// AppenderConfig bounds the retry of one append.
type AppenderConfig struct {
	MaxAttempts    int           // attempts against the sink before overflowing (default 3)
	Timeout        time.Duration // per attempt (default 5s)
	InitialBackoff time.Duration // default 100ms
	MaxBackoff     time.Duration // default 2s
}

func (c *AppenderConfig) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
}

// Appender makes a record durable: it retries the sink with exponential
// backoff and falls back to the overflow log rather than dropping the record.
type Appender struct {
	sink     Sink
	overflow Overflow
	cfg      AppenderConfig
	metrics  AppenderMetrics
	log      zerolog.Logger
}

// NewAppender creates an Appender. overflow may be nil, in which case a
// record the sink rejects is reported as ErrOverflowFailed.
func NewAppender(sink Sink, overflow Overflow, cfg AppenderConfig, metrics AppenderMetrics, log zerolog.Logger) *Appender {
	cfg.defaults()
	return &Appender{sink: sink, overflow: overflow, cfg: cfg, metrics: metrics, log: log}
}

// Append stores rec in the sink or, after MaxAttempts failures, in the
// overflow log. Cancelling ctx stops the retries but the overflow write still
// happens on a detached context bounded by the per-attempt timeout.
func (a *Appender) Append(ctx context.Context, rec dispatch.Record) (Outcome, error) {
	if err := rec.Validate(); err != nil {
		return Appended, err
	}

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		if err := a.sink.Append(actx, rec); err != nil {
			if attempt < a.cfg.MaxAttempts {
				a.report("retried")
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.InitialBackoff
	b.MaxInterval = a.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(a.cfg.MaxAttempts)),
	)
	if err == nil {
		a.report("appended")
		return Appended, nil
	}

	a.log.Warn().Err(err).
		Str("notification_id", rec.NotificationID).
		Int("attempts", attempt).
		Msg("audit append failed, writing to overflow log")

	if a.overflow == nil {
		a.report("failed")
		return Overflowed, fmt.Errorf("%w: %s: %v", ErrOverflowFailed, rec.NotificationID, err)
	}

	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Timeout)
	defer cancel()
	if oerr := a.overflow.Put(octx, rec); oerr != nil {
		a.report("failed")
		a.log.Error().Err(oerr).Str("notification_id", rec.NotificationID).Msg("overflow write failed")
		return Overflowed, fmt.Errorf("%w: %s: sink: %v, overflow: %v", ErrOverflowFailed, rec.NotificationID, err, oerr)
	}

	a.report("overflowed")
	return Overflowed, nil
}

func (a *Appender) report(result string) {
	if a.metrics != nil {
		a.metrics.RecordAppended(result)
	}
}
