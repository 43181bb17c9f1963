package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PairingKey returns the Redis set holding username's devices.
func PairingKey(username string) string {
	return "pairing:" + username
}

// Redis reads pairings from a Redis set.
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to url and pings the server before returning.
func NewRedis(ctx context.Context, url, username string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return NewRedisWithClient(client, username), nil
}

// NewRedisWithClient uses an existing client.
func NewRedisWithClient(client *redis.Client, username string) *Redis {
	return &Redis{client: client, key: PairingKey(username)}
}

// ListPairedDevices returns the members of the pairing set.
func (r *Redis) ListPairedDevices(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", r.key, err)
	}
	return normalize(members), nil
}

// Pair adds devices to the pairing set.
func (r *Redis) Pair(ctx context.Context, deviceIDs ...string) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	members := make([]any, len(deviceIDs))
	for i, id := range deviceIDs {
		members[i] = id
	}
	if err := r.client.SAdd(ctx, r.key, members...).Err(); err != nil {
		return fmt.Errorf("pairing %v: %w", deviceIDs, err)
	}
	return nil
}

// Unpair removes a device from the pairing set.
func (r *Redis) Unpair(ctx context.Context, deviceID string) error {
	if err := r.client.SRem(ctx, r.key, deviceID).Err(); err != nil {
		return fmt.Errorf("unpairing %s: %w", deviceID, err)
	}
	return nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
