package sink

import (
	"context"
	"fmt"

	"github.com/faucet-claimer/internal/config"
	"github.com/faucet-claimer/internal/types"
)

// Sink is an append-only store of claim records. Append must be safe for
// concurrent use and write each record atomically; ordering between records
// is not guaranteed.
type Sink interface {
	Append(ctx context.Context, rec types.ClaimRecord) error
	Close() error
}

// New opens the sink described by cfg. runID tags rows in backends that
// have room for it.
func New(ctx context.Context, cfg config.SinkConfig, runID string) (Sink, error) {
	switch cfg.Type {
	case "csv":
		return NewCSVSink(cfg.Path)
	case "sqlite":
		return NewSQLiteSink(cfg.Path, runID)
	case "redis":
		return NewRedisSink(ctx, cfg.Path, cfg.Key, runID)
	case "postgres":
		return NewPostgresSink(ctx, cfg.Path, runID)
	default:
		return nil, fmt.Errorf("unknown sink type: %s", cfg.Type)
	}
}

// storedRecord is the JSON shape used by key/value backends.
type storedRecord struct {
	RunID string `json:"run_id"`
	types.ClaimRecord
}
