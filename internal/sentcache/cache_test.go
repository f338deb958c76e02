package sentcache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
)

func rec(id string, status dispatch.Status) dispatch.Record {
	r := dispatch.Record{
		NotificationID: id,
		Channel:        dispatch.ChannelEmail,
		Recipient:      "doctor-7@healthcare.com",
		Message:        "New appointment scheduled",
		Status:         status,
		AttemptedAt:    time.Now().UTC(),
		Attempts:       1,
	}
	if status == dispatch.StatusFailed {
		r.ErrorDetail = "smtp: 421"
	}
	return r
}

func TestMemoryCache_OnlySentRecords(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, rec("a", dispatch.StatusFailed)))
	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Put(ctx, rec("a", dispatch.StatusSent)))
	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusSent, got.Status)
	assert.Equal(t, "doctor-7@healthcare.com", got.Recipient)
}

func TestNop_AlwaysMisses(t *testing.T) {
	var c Cache = Nop{}
	require.NoError(t, c.Put(context.Background(), rec("a", dispatch.StatusSent)))
	_, err := c.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrMiss)
}

func unreachableClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestRedisCache_FailedRecordsAreNotWritten(t *testing.T) {
	c := NewRedisCache(unreachableClient(), 0)
	assert.NoError(t, c.Put(context.Background(), rec("a", dispatch.StatusFailed)))
	assert.Equal(t, 24*time.Hour, c.ttl)
}

func TestRedisCache_ConnectionErrorIsNotAMiss(t *testing.T) {
	c := NewRedisCache(unreachableClient(), time.Minute)
	_, err := c.Get(context.Background(), "a")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
	assert.Error(t, c.Ping(context.Background()))
}

func TestCaches_ImplementInterface(t *testing.T) {
	var _ Cache = (*RedisCache)(nil)
	var _ Cache = (*MemoryCache)(nil)
	var _ Cache = Nop{}
}
