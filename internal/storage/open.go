package storage

import (
	"context"
	"fmt"
	"strings"

	logx "proxyrun/pkg/logx"
)

// Store is the persistence API used by the app layer.
type Store interface {
	AppendOutcome(ctx context.Context, r OutcomeRecord) error
	// RecentOutcomes returns up to limit records, newest first.
	RecentOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error)
	PutResourceState(ctx context.Context, st ResourceState) error
	GetResourceState(ctx context.Context, id string) (ResourceState, bool, error)
	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when
// storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
