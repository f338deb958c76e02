// Package consumer runs one sequential loop per assigned partition: fetch a
// batch, route and dispatch it through a shared worker pool, make every
// record durable, then commit past the batch.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/darkden-lab/dispatchd/internal/audit"
	"github.com/darkden-lab/dispatchd/internal/dispatch"
	"github.com/darkden-lab/dispatchd/internal/eventlog"
	"github.com/darkden-lab/dispatchd/internal/events"
	"github.com/darkden-lab/dispatchd/internal/health"
	"github.com/darkden-lab/dispatchd/internal/sentcache"
)

// Router turns an envelope into intents.
type Router interface {
	Route(env events.Envelope) []dispatch.Intent
}

// Executor performs one send attempt.
type Executor interface {
	Execute(ctx context.Context, in dispatch.Intent) dispatch.Record
}

// Appender makes a record durable.
type Appender interface {
	Append(ctx context.Context, rec dispatch.Record) (audit.Outcome, error)
}

// Metrics is the subset of the metrics registry the consumer reports to.
type Metrics interface {
	EnvelopeMalformed(logTopic string)
	OffsetCommitted(logTopic string)
	FetchFailed(logTopic string)
	SendStarted()
	SendFinished()
}

// StateReporter receives partition state transitions.
type StateReporter interface {
	SetState(name string, s health.State)
	Forget(name string)
}

// Deps are the collaborators of a Consumer. Cache, Metrics and Health may be
// nil.
type Deps struct {
	Router   Router
	Executor Executor
	Appender Appender
	Cache    sentcache.Cache
	Metrics  Metrics
	Health   StateReporter
}

// Config tunes batching, concurrency and failure handling.
type Config struct {
	BatchSize              int           // messages per batch (default 100)
	BatchWait              time.Duration // how long to gather a batch (default 200ms)
	MaxInFlight            int           // concurrent sends across all partitions (default 16)
	SendMaxAttempts        int           // executor attempts per intent (default 3)
	SendBackoff            time.Duration // first delay between send attempts (default 200ms)
	BackoffInitial         time.Duration // first error-backoff delay (default 500ms)
	BackoffMax             time.Duration // error-backoff cap (default 30s)
	MaxConsecutiveFailures int           // failures before a partition is fatal (default 10)
	ShutdownGrace          time.Duration // drain time for the in-flight batch (0 abandons it)
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchWait <= 0 {
		c.BatchWait = 200 * time.Millisecond
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 16
	}
	if c.SendMaxAttempts <= 0 {
		c.SendMaxAttempts = 3
	}
	if c.SendBackoff <= 0 {
		c.SendBackoff = 200 * time.Millisecond
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 10
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
}

// Consumer consumes an event log as a member of its consumer group.
type Consumer struct {
	log  eventlog.Log
	deps Deps
	cfg  Config
	lg   zerolog.Logger
	now  func() time.Time

	// slots bounds in-flight sends across all partitions.
	slots chan struct{}
}

// New creates a Consumer. The zero ShutdownGrace means an in-flight batch is
// abandoned as soon as Run's context is cancelled.
func New(log eventlog.Log, deps Deps, cfg Config, lg zerolog.Logger) *Consumer {
	cfg.defaults()
	if deps.Cache == nil {
		deps.Cache = sentcache.Nop{}
	}
	return &Consumer{
		log:   log,
		deps:  deps,
		cfg:   cfg,
		lg:    lg,
		now:   time.Now,
		slots: make(chan struct{}, cfg.MaxInFlight),
	}
}

// Run consumes generation after generation until ctx is cancelled or the log
// is closed. Cancelling ctx stops fetching at once; batches already fetched
// get ShutdownGrace to finish and commit.
//
// Failing to join the group is reported under GroupHealthName: error-backoff
// while retrying, fatal after MaxConsecutiveFailures. Run keeps retrying when
// fatal and clears the entry once a generation starts.
func (c *Consumer) Run(ctx context.Context) error {
	b := c.newBackoff(c.cfg.BackoffInitial)
	failures := 0
	for {
		gen, err := c.log.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, eventlog.ErrClosed) {
				return nil
			}
			failures++
			d := b.NextBackOff()
			if failures >= c.cfg.MaxConsecutiveFailures {
				c.setGroupState(health.StateFatal)
				c.lg.Error().Err(err).Int("failures", failures).Dur("retry_in", d).Msg("event log unreachable")
			} else {
				c.setGroupState(health.StateErrorBackoff)
				c.lg.Warn().Err(err).Int("failures", failures).Dur("retry_in", d).Msg("join consumer group failed")
			}
			if !sleep(ctx, d) {
				return nil
			}
			continue
		}
		b.Reset()
		if failures > 0 {
			c.lg.Info().Int("failures", failures).Msg("consumer group joined again")
			failures = 0
		}
		c.clearGroupState()

		c.lg.Info().Int("partitions", len(gen.Claims())).Msg("consumer group generation started")
		gen.Run(ctx, c.consumePartition)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) consumePartition(ctx context.Context, claim eventlog.Claim) {
	p := &partition{
		c:     c,
		claim: claim,
		name:  eventlog.ClaimName(claim),
		retry: c.newBackoff(c.cfg.BackoffInitial),
	}
	p.lg = c.lg.With().Str("partition", p.name).Logger()
	defer c.forget(p.name)

	p.setState(health.StateSubscribed)
	p.lg.Info().Msg("partition assigned")
	p.run(ctx)
}

func (c *Consumer) newBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = c.cfg.BackoffMax
	return b
}

// GroupHealthName is the health entry of the consumer group membership.
const GroupHealthName = "consumer-group"

func (c *Consumer) setGroupState(s health.State) {
	if c.deps.Health != nil {
		c.deps.Health.SetState(GroupHealthName, s)
	}
}

// clearGroupState drops the group entry, fatal included.
func (c *Consumer) clearGroupState() {
	if c.deps.Health != nil {
		c.deps.Health.SetState(GroupHealthName, health.StateSubscribed)
		c.deps.Health.Forget(GroupHealthName)
	}
}

func (c *Consumer) forget(name string) {
	if c.deps.Health != nil {
		c.deps.Health.Forget(name)
	}
}

// acquire takes a worker slot, or fails once ctx is done.
func (c *Consumer) acquire(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
		if c.deps.Metrics != nil {
			c.deps.Metrics.SendStarted()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) release() {
	if c.deps.Metrics != nil {
		c.deps.Metrics.SendFinished()
	}
	<-c.slots
}

// drainContext returns a context that outlives ctx by grace.
func drainContext(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-work.Done():
		}
	})
	return work, func() {
		stop()
		cancel()
	}
}

// sleep waits d or until ctx is done. It reports whether the full d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func toRaw(m eventlog.Message) events.Raw {
	return events.Raw{
		Position: events.Position{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset},
		Key:      m.Key,
		Value:    m.Value,
	}
}

var errFatal = errors.New("partition gave up after consecutive failures")
