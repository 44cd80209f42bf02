package storage

import (
	"context"
	"errors"
	"strings"

	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

// Store is the persistence API consumed by the jobs and classify services.
type Store interface {
	SaveInstance(ctx context.Context, inst *workflow.Instance) error
	DeleteInstance(ctx context.Context, id string) error
	ListInstances(ctx context.Context) ([]*workflow.Instance, error)

	SaveRecurring(ctx context.Context, rec RecurringRecord) error
	LoadRecurring(ctx context.Context) (rec RecurringRecord, ok bool, err error)

	AppendRun(ctx context.Context, r RunRecord) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
