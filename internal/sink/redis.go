package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/faucet-claimer/internal/types"
	"github.com/redis/go-redis/v9"
)

// RedisSink pushes each record as one JSON element onto a list. RPUSH is
// atomic, so no client-side locking is needed.
type RedisSink struct {
	client *redis.Client
	key    string
	runID  string
}

func NewRedisSink(ctx context.Context, addr, key, runID string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisSink{client: client, key: key, runID: runID}, nil
}

func (r *RedisSink) Append(ctx context.Context, rec types.ClaimRecord) error {
	data, err := json.Marshal(storedRecord{RunID: r.runID, ClaimRecord: rec})
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.RPush(writeCtx, r.key, data).Err(); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

func (r *RedisSink) Close() error {
	return r.client.Close()
}
