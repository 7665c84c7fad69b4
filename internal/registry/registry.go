// Package registry publishes this process's simulated devices into Redis
// as a liveness registry, the counterpart of the central system's
// gateway-pod connection table: instead of "which gateway pod holds this
// charge point", each key here answers "which simulator instance is
// currently driving this charge point, and is it still alive". Grounded
// on the gateway's redis connection-mapping storage (go-redis/v8,
// key-prefix + TTL shape), repurposed client-side.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// Config is the Redis connection configuration (spec.md §10.5 domain
// stack wiring — not part of the device/simulation YAML schema, supplied
// separately as fleet-management infrastructure).
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

func DefaultConfig() Config {
	return Config{Addr: "localhost:6379", Prefix: "simulator:device:", TTL: 90 * time.Second}
}

// Registry tracks device liveness in Redis. Simulator.End removes a
// device's entry on clean shutdown; nothing in this module calls Refresh,
// so entries are not refreshed on heartbeats.
type Registry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Registry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("registry: connect to redis at %s: %w", cfg.Addr, err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "simulator:device:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &Registry{client: client, prefix: prefix, ttl: ttl, log: log}, nil
}

func (r *Registry) key(deviceID string) string {
	return fmt.Sprintf("%s%s", r.prefix, deviceID)
}

// Refresh marks deviceID alive, resetting its TTL. Call on register and on
// every subsequent heartbeat so a crashed simulator's entry expires on its
// own.
func (r *Registry) Refresh(ctx context.Context, deviceID, instanceID string) error {
	return r.client.Set(ctx, r.key(deviceID), instanceID, r.ttl).Err()
}

// Instance reports which simulator instance last refreshed deviceID, or
// redis.Nil if none is currently live.
func (r *Registry) Instance(ctx context.Context, deviceID string) (string, error) {
	val, err := r.client.Get(ctx, r.key(deviceID)).Result()
	if err == redis.Nil {
		return "", redis.Nil
	}
	return val, err
}

// Deregister removes deviceID's liveness entry, called on clean shutdown
// (spec.md §5 End) so a graceful exit doesn't wait out the TTL.
func (r *Registry) Deregister(ctx context.Context, deviceID string) error {
	return r.client.Del(ctx, r.key(deviceID)).Err()
}

func (r *Registry) Close() error {
	return r.client.Close()
}
