package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(context.Background(), "postgres://%zz", PoolConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse database url")
}

func TestNew_UnreachableDatabase(t *testing.T) {
	_, err := New(context.Background(), "postgres://u:p@127.0.0.1:1/dispatchd?sslmode=disable&connect_timeout=1", PoolConfig{PingTimeout: 2 * time.Second})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to ping db")
}

func TestRunMigrations_MissingDirectory(t *testing.T) {
	_, err := RunMigrations("postgres://u:p@127.0.0.1:1/dispatchd?sslmode=disable", t.TempDir()+"/nope")
	assert.Error(t, err)
}
