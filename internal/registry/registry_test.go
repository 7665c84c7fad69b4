package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, "simulator:device:", cfg.Prefix)
	assert.Equal(t, 90*time.Second, cfg.TTL)
}

func TestRegistry_RefreshInstanceDeregister(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := &Registry{client: db, prefix: "simulator:device:", ttl: 90 * time.Second, log: zerolog.Nop()}
	ctx := context.Background()

	key := "simulator:device:cp-001"
	mock.ExpectSet(key, "instance-a", 90*time.Second).SetVal("OK")
	require.NoError(t, r.Refresh(ctx, "cp-001", "instance-a"))

	mock.ExpectGet(key).SetVal("instance-a")
	instance, err := r.Instance(ctx, "cp-001")
	require.NoError(t, err)
	assert.Equal(t, "instance-a", instance)

	mock.ExpectDel(key).SetVal(1)
	require.NoError(t, r.Deregister(ctx, "cp-001"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_Instance_NotRegistered(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := &Registry{client: db, prefix: "simulator:device:", ttl: 90 * time.Second, log: zerolog.Nop()}
	ctx := context.Background()

	key := "simulator:device:cp-002"
	mock.ExpectGet(key).SetErr(redis.Nil)

	_, err := r.Instance(ctx, "cp-002")
	assert.ErrorIs(t, err, redis.Nil)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_Refresh_Error(t *testing.T) {
	db, mock := redismock.NewClientMock()
	r := &Registry{client: db, prefix: "simulator:device:", ttl: 90 * time.Second, log: zerolog.Nop()}
	ctx := context.Background()

	key := "simulator:device:cp-003"
	expected := errors.New("connection refused")
	mock.ExpectSet(key, "instance-a", 90*time.Second).SetErr(expected)

	err := r.Refresh(ctx, "cp-003", "instance-a")
	assert.ErrorIs(t, err, expected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_Key(t *testing.T) {
	r := &Registry{prefix: "simulator:device:"}
	assert.Equal(t, "simulator:device:cp-001", r.key("cp-001"))
}
