package overflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/darkden-lab/dispatchd/internal/audit"
)

// Store is what the Replayer needs from an overflow log.
type Store interface {
	Entries(ctx context.Context, limit int) ([]Entry, error)
	Remove(ctx context.Context, e Entry) (bool, error)
	MarkAttempt(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// Gauge receives the overflow size after every replay run.
type Gauge interface {
	SetOverflowPending(n int)
}

// ReplayerConfig tunes a Replayer.
type ReplayerConfig struct {
	Schedule  string        // cron spec, default "@every 30s"
	BatchSize int           // records per run, default 100
	Timeout   time.Duration // per sink append, default 5s
}

// Replayer periodically moves overflowed records back into the audit sink.
// A record leaves the overflow log only after the sink accepted it.
type Replayer struct {
	store Store
	sink  audit.Sink
	cfg   ReplayerConfig
	gauge Gauge
	log   zerolog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReplayer creates a Replayer. Call Start to schedule it.
func NewReplayer(store Store, sink audit.Sink, cfg ReplayerConfig, gauge Gauge, log zerolog.Logger) *Replayer {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Replayer{store: store, sink: sink, cfg: cfg, gauge: gauge, log: log}
}

// Start schedules replay runs. Overlapping runs are skipped.
func (r *Replayer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("replayer already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.ReplayOnce(ctx); err != nil {
			r.log.Warn().Err(err).Msg("overflow replay failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid replay schedule %q: %w", r.cfg.Schedule, err)
	}
	c.Start()
	r.cron = c
	r.log.Info().Str("schedule", r.cfg.Schedule).Msg("overflow replayer started")
	return nil
}

// Stop unschedules the replayer and waits for a running replay to finish or
// for ctx to expire.
func (r *Replayer) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// ReplayOnce moves one batch from the overflow log into the sink and returns
// how many records were moved. It stops at the first sink failure; the sink
// is most likely still down and the remaining records wait for the next run.
func (r *Replayer) ReplayOnce(ctx context.Context) (int, error) {
	defer r.publishCount(ctx)

	entries, err := r.store.Entries(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("read overflow log: %w", err)
	}

	moved := 0
	for _, e := range entries {
		id := e.Record.NotificationID
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		err := r.sink.Append(actx, e.Record)
		cancel()
		if err != nil {
			_ = r.store.MarkAttempt(ctx, id)
			return moved, fmt.Errorf("replay %s: %w", id, err)
		}
		removed, err := r.store.Remove(ctx, e)
		if err != nil {
			return moved, fmt.Errorf("remove replayed %s: %w", id, err)
		}
		if !removed {
			r.log.Debug().Str("notification_id", id).Msg("overflow record replaced during replay, kept for the next run")
			continue
		}
		moved++
	}

	if moved > 0 {
		r.log.Info().Int("replayed", moved).Msg("overflow records replayed into audit sink")
	}
	return moved, nil
}

func (r *Replayer) publishCount(ctx context.Context) {
	if r.gauge == nil {
		return
	}
	if n, err := r.store.Count(ctx); err == nil {
		r.gauge.SetOverflowPending(n)
	}
}
