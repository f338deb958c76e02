package consumer

import (
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
	"github.com/darkden-lab/dispatchd/internal/eventlog"
	"github.com/darkden-lab/dispatchd/internal/events"
	"github.com/darkden-lab/dispatchd/internal/health"
	"github.com/darkden-lab/dispatchd/internal/sentcache"
)

// partition is the state owned by one partition loop. Nothing in it is
// shared with other partitions.
type partition struct {
	c     *Consumer
	claim eventlog.Claim
	name  string
	lg    zerolog.Logger

	retry    *backoff.ExponentialBackOff
	failures int
}

func (p *partition) setState(s health.State) {
	if p.c.deps.Health != nil {
		p.c.deps.Health.SetState(p.name, s)
	}
}

func (p *partition) run(ctx context.Context) {
	for ctx.Err() == nil {
		p.setState(health.StateFetching)
		msgs, err := p.claim.Fetch(ctx, p.c.cfg.BatchSize, p.c.cfg.BatchWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if p.c.deps.Metrics != nil {
				p.c.deps.Metrics.FetchFailed(p.claim.Topic())
			}
			p.lg.Warn().Err(err).Msg("fetch failed")
			if !p.backoff(ctx) {
				return
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		if !p.handle(ctx, msgs) {
			return
		}
	}
}

// handle processes one batch and commits it. It returns false when the loop
// must stop.
func (p *partition) handle(ctx context.Context, msgs []eventlog.Message) bool {
	work, done := drainContext(ctx, p.c.cfg.ShutdownGrace)
	defer done()

	p.setState(health.StateProcessing)
	pending, err := p.process(work, msgs)
	for err != nil {
		if work.Err() != nil {
			p.lg.Warn().Int("messages", len(msgs)).Msg("shutdown grace expired, batch left uncommitted")
			return false
		}
		p.lg.Error().Err(err).Int("pending", len(pending)).Msg("batch not durable, retrying appends")
		if !p.backoff(work) {
			return false
		}
		p.setState(health.StateProcessing)
		pending, err = p.appendAll(work, pending)
	}

	if work.Err() != nil {
		p.lg.Warn().Int("messages", len(msgs)).Msg("shutdown grace expired, batch left uncommitted")
		return false
	}

	next := msgs[len(msgs)-1].Offset + 1
	for {
		p.setState(health.StateCommitting)
		err := p.claim.Commit(work, next)
		if err == nil {
			break
		}
		if work.Err() != nil {
			p.lg.Warn().Int64("offset", next).Msg("shutdown grace expired before commit")
			return false
		}
		if p.c.deps.Metrics != nil {
			p.c.deps.Metrics.FetchFailed(p.claim.Topic())
		}
		p.lg.Warn().Err(err).Int64("offset", next).Msg("commit failed")
		if !p.backoff(work) {
			return false
		}
	}

	if p.c.deps.Metrics != nil {
		p.c.deps.Metrics.OffsetCommitted(p.claim.Topic())
	}
	p.lg.Debug().Int64("offset", next).Int("messages", len(msgs)).Msg("batch committed")
	p.failures = 0
	p.retry.Reset()
	return ctx.Err() == nil
}

// backoff records a failure and waits. It returns false when the partition
// turned fatal or ctx ended during the wait.
func (p *partition) backoff(ctx context.Context) bool {
	p.failures++
	if p.failures >= p.c.cfg.MaxConsecutiveFailures {
		p.setState(health.StateFatal)
		p.lg.Error().Err(errFatal).Int("failures", p.failures).Msg("partition consumer stopped")
		return false
	}
	p.setState(health.StateErrorBackoff)
	return sleep(ctx, p.retry.NextBackOff())
}

type outcome struct {
	rec dispatch.Record
	err error
}

// process decodes and routes msgs in log order, submits their intents to the
// worker pool in that order and waits for every record to be appended. It
// returns the records that are not durable yet.
func (p *partition) process(ctx context.Context, msgs []eventlog.Message) ([]dispatch.Record, error) {
	receivedAt := p.c.now().UTC()

	var intents []dispatch.Intent
	for _, m := range msgs {
		env, err := events.Decode(toRaw(m), receivedAt)
		if err != nil {
			if p.c.deps.Metrics != nil {
				p.c.deps.Metrics.EnvelopeMalformed(m.Topic)
			}
			p.lg.Warn().Err(err).Int64("offset", m.Offset).Msg("skipping malformed event")
			continue
		}
		intents = append(intents, p.c.deps.Router.Route(env)...)
	}

	results := make([]outcome, len(intents))
	var wg sync.WaitGroup
	var submitErr error
	for i, in := range intents {
		if err := p.c.acquire(ctx); err != nil {
			submitErr = err
			break
		}
		wg.Add(1)
		go func(i int, in dispatch.Intent) {
			defer wg.Done()
			results[i] = p.dispatch(ctx, in)
		}(i, in)
	}
	wg.Wait()
	if submitErr != nil {
		return nil, submitErr
	}

	var pending []dispatch.Record
	var firstErr error
	for _, r := range results {
		if r.err != nil {
			pending = append(pending, r.rec)
			if firstErr == nil {
				firstErr = r.err
			}
		}
	}
	return pending, firstErr
}

// dispatch starts on a worker slot taken by process. It sends (unless already
// sent) and appends the record. The slot is released before the append.
func (p *partition) dispatch(ctx context.Context, in dispatch.Intent) outcome {
	rec, cached := p.cachedSent(ctx, in.CorrelationID)
	if cached {
		p.c.release()
	} else {
		rec = p.send(ctx, in)
	}

	if !cached && rec.Status == dispatch.StatusSent {
		if err := p.c.deps.Cache.Put(ctx, rec); err != nil {
			p.lg.Warn().Err(err).Str("notification_id", rec.NotificationID).Msg("sent cache write failed")
		}
	}

	if _, err := p.c.deps.Appender.Append(ctx, rec); err != nil {
		return outcome{rec: rec, err: err}
	}
	return outcome{rec: rec}
}

func (p *partition) cachedSent(ctx context.Context, id string) (dispatch.Record, bool) {
	rec, err := p.c.deps.Cache.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, sentcache.ErrMiss) {
			p.lg.Warn().Err(err).Str("notification_id", id).Msg("sent cache read failed")
		}
		return dispatch.Record{}, false
	}
	if rec.Status != dispatch.StatusSent {
		return dispatch.Record{}, false
	}
	p.lg.Debug().Str("notification_id", id).Msg("already sent, re-appending without sending")
	return rec, true
}

// send calls the executor up to SendMaxAttempts times and returns the last
// record with Attempts set. It is entered holding a worker slot and returns
// without one. The slot is held only while an attempt runs, never during the
// delay between attempts.
func (p *partition) send(ctx context.Context, in dispatch.Intent) dispatch.Record {
	var last dispatch.Record
	attempt := 0
	op := func() (dispatch.Record, error) {
		if attempt > 0 {
			if err := p.c.acquire(ctx); err != nil {
				return last, backoff.Permanent(err)
			}
		}
		attempt++
		last = p.c.deps.Executor.Execute(ctx, in)
		p.c.release()
		last.Attempts = attempt
		if last.Status != dispatch.StatusSent {
			return last, errors.New(last.ErrorDetail)
		}
		return last, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.c.cfg.SendBackoff
	b.MaxInterval = p.c.cfg.BackoffMax

	_, _ = backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.c.cfg.SendMaxAttempts)),
	)
	return last
}

// appendAll retries the appends of records that were not durable.
func (p *partition) appendAll(ctx context.Context, recs []dispatch.Record) ([]dispatch.Record, error) {
	var pending []dispatch.Record
	var firstErr error
	for _, rec := range recs {
		if _, err := p.c.deps.Appender.Append(ctx, rec); err != nil {
			pending = append(pending, rec)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return pending, firstErr
}
