package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedCounter struct {
	n   int
	err error
}

func (c fixedCounter) Count(context.Context) (int, error) { return c.n, c.err }

func TestReporter_HealthyByDefault(t *testing.T) {
	r := NewReporter(fixedCounter{}, 0)
	r.SetState("user-events/0", StateFetching)

	st := r.Status(context.Background())
	assert.True(t, st.Healthy())
	assert.Empty(t, st.Reasons)
	assert.NotNil(t, st.Reasons)
	assert.False(t, st.Timestamp.IsZero())
}

func TestReporter_DegradedOnOverflow(t *testing.T) {
	st := NewReporter(fixedCounter{n: 1}, 0).Status(context.Background())
	assert.Equal(t, StatusDegraded, st.Status)
	require.Len(t, st.Reasons, 1)
	assert.Contains(t, st.Reasons[0], "overflow log holds 1 records")

	st = NewReporter(fixedCounter{n: 5}, 10).Status(context.Background())
	assert.True(t, st.Healthy())

	st = NewReporter(fixedCounter{err: errors.New("disk I/O error")}, 0).Status(context.Background())
	assert.False(t, st.Healthy())
}

func TestReporter_DegradedOnPartitionState(t *testing.T) {
	r := NewReporter(nil, 0)
	r.SetState("payment-events/1", StateErrorBackoff)
	r.SetState("payment-events/0", StateFatal)

	st := r.Status(context.Background())
	assert.Equal(t, StatusDegraded, st.Status)
	assert.Equal(t, []string{
		"partition payment-events/0 is fatal",
		"partition payment-events/1 is error-backoff",
	}, st.Reasons)
	assert.True(t, r.Fatal())

	r.SetState("payment-events/1", StateFetching)
	r.Forget("payment-events/1")
	r.Forget("payment-events/0")
	assert.Equal(t, map[string]State{"payment-events/0": StateFatal}, r.States())
}

func TestReporter_GroupEntryReason(t *testing.T) {
	r := NewReporter(nil, 0)
	r.SetState("consumer-group", StateErrorBackoff)

	st := r.Status(context.Background())
	assert.Equal(t, StatusDegraded, st.Status)
	assert.Equal(t, []string{"consumer-group is error-backoff"}, st.Reasons)
}

func TestNotifier_WatchdogWithheldWhileFatal(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	n := &Notifier{log: zerolog.Nop(), notify: func(s string) (bool, error) {
		mu.Lock()
		sent = append(sent, s)
		mu.Unlock()
		return true, nil
	}}
	r := NewReporter(nil, 0)
	r.SetState("user-events/0", StateFatal)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n.Ready()
	n.watchdog(ctx, r, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{daemon.SdNotifyReady}, sent)
}

func TestNotifier_WatchdogPingsWhileHealthy(t *testing.T) {
	var mu sync.Mutex
	pings := 0
	n := &Notifier{log: zerolog.Nop(), notify: func(s string) (bool, error) {
		mu.Lock()
		if s == daemon.SdNotifyWatchdog {
			pings++
		}
		mu.Unlock()
		return false, nil
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	n.watchdog(ctx, NewReporter(nil, 0), 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, pings, 0)
}
