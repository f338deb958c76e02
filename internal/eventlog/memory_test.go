package eventlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claimFor(t *testing.T, gen Generation, topic string, partition int) Claim {
	t.Helper()
	for _, c := range gen.Claims() {
		if c.Topic() == topic && c.Partition() == partition {
			return c
		}
	}
	t.Fatalf("no claim for %s/%d", topic, partition)
	return nil
}

func TestMemoryLog_FetchBatchesUpToMax(t *testing.T) {
	l := NewMemoryLog(1, "user-events")
	for i := 0; i < 5; i++ {
		l.Append("user-events", 0, nil, []byte(`{}`))
	}
	gen, err := l.Next(context.Background())
	require.NoError(t, err)
	c := claimFor(t, gen, "user-events", 0)

	msgs, err := c.Fetch(context.Background(), 3, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(0), msgs[0].Offset)
	assert.Equal(t, int64(2), msgs[2].Offset)

	msgs, err = c.Fetch(context.Background(), 3, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[1].Offset)
}

func TestMemoryLog_FetchWaitsForFirstMessage(t *testing.T) {
	l := NewMemoryLog(1, "payment-events")
	gen, err := l.Next(context.Background())
	require.NoError(t, err)
	c := claimFor(t, gen, "payment-events", 0)

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Append("payment-events", 0, []byte("k"), []byte(`{"event_type":"payment_completed"}`))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := c.Fetch(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("k"), msgs[0].Key)
}

func TestMemoryLog_FetchHonoursContext(t *testing.T) {
	l := NewMemoryLog(1, "user-events")
	gen, err := l.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = gen.Claims()[0].Fetch(ctx, 1, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryLog_RedeliversFromCommittedOffset(t *testing.T) {
	l := NewMemoryLog(1, "appointment-events")
	for i := 0; i < 4; i++ {
		l.Append("appointment-events", 0, nil, []byte(`{}`))
	}

	gen, err := l.Next(context.Background())
	require.NoError(t, err)
	c := claimFor(t, gen, "appointment-events", 0)
	msgs, err := c.Fetch(context.Background(), 2, 0)
	require.NoError(t, err)
	require.NoError(t, c.Commit(context.Background(), msgs[len(msgs)-1].Offset+1))

	// fetched but never committed
	_, err = c.Fetch(context.Background(), 2, 0)
	require.NoError(t, err)

	gen, err = l.Next(context.Background())
	require.NoError(t, err)
	c = claimFor(t, gen, "appointment-events", 0)
	msgs, err = c.Fetch(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(2), msgs[0].Offset)
	assert.Equal(t, int64(2), l.Committed("appointment-events", 0))
	assert.Equal(t, 1, l.Commits())
}

func TestMemoryLog_StaleGenerationCannotCommit(t *testing.T) {
	l := NewMemoryLog(1, "user-events")
	gen, err := l.Next(context.Background())
	require.NoError(t, err)
	old := gen.Claims()[0]

	l.Rebalance()
	assert.Error(t, old.Commit(context.Background(), 1))
	assert.Equal(t, int64(0), l.Committed("user-events", 0))
}

func TestMemoryLog_InjectedFailures(t *testing.T) {
	l := NewMemoryLog(1, "user-events")
	l.Append("user-events", 0, nil, []byte(`{}`))
	gen, err := l.Next(context.Background())
	require.NoError(t, err)
	c := gen.Claims()[0]

	l.FailFetches(1)
	_, err = c.Fetch(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrInjected)
	_, err = c.Fetch(context.Background(), 1, 0)
	assert.NoError(t, err)

	l.FailCommits(1)
	assert.ErrorIs(t, c.Commit(context.Background(), 1), ErrInjected)
	assert.NoError(t, c.Commit(context.Background(), 1))
}

func TestMemoryLog_RunEndsWithGeneration(t *testing.T) {
	l := NewMemoryLog(2, "user-events", "payment-events")
	gen, err := l.Next(context.Background())
	require.NoError(t, err)
	assert.Len(t, gen.Claims(), 4)

	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{})
	go func() {
		gen.Run(context.Background(), func(ctx context.Context, c Claim) {
			mu.Lock()
			seen[ClaimName(c)] = true
			mu.Unlock()
			<-ctx.Done()
		})
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.True(t, seen["user-events/1"])
	assert.True(t, seen["payment-events/0"])

	_, err = l.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKafkaConfig_Defaults(t *testing.T) {
	c := KafkaConfig{Brokers: []string{"localhost:9092"}, Topics: []string{"user-events"}}
	require.NoError(t, c.setDefaults())
	assert.Equal(t, "notification-service-group", c.GroupID)
	assert.Equal(t, 500*time.Millisecond, c.MaxWait)
	assert.Equal(t, 3, c.MaxAttempts)

	_, err := NewKafkaLog(KafkaConfig{Topics: []string{"user-events"}})
	assert.Error(t, err)
	_, err = NewKafkaLog(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}
