//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveInstance(ctx context.Context, inst *workflow.Instance) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if inst == nil || strings.TrimSpace(inst.ID) == "" {
		return errors.New("instance id is required")
	}
	b, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances(id, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		inst.ID, string(b), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteInstance(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListInstances(ctx context.Context) ([]*workflow.Instance, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM instances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*workflow.Instance
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var inst workflow.Instance
		if err := json.Unmarshal([]byte(data), &inst); err != nil {
			s.log.Warn("skipping corrupt instance row", logx.Any("err", err))
			continue
		}
		out = append(out, &inst)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveRecurring(ctx context.Context, rec RecurringRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recurring(id, data) VALUES(1, ?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data`,
		string(b),
	)
	return err
}

func (s *sqliteStore) LoadRecurring(ctx context.Context) (RecurringRecord, bool, error) {
	if s == nil || s.db == nil {
		return RecurringRecord{}, false, ErrDisabled
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM recurring WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return RecurringRecord{}, false, nil
	}
	if err != nil {
		return RecurringRecord{}, false, err
	}
	var rec RecurringRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return RecurringRecord{}, false, err
	}
	return rec, true, nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, instance_id, name, status, took_ms, err) VALUES(?,?,?,?,?,?)`,
		r.At.Format(time.RFC3339Nano), r.InstanceID, r.Name, string(r.Status), r.TookMS, nullStr(r.Error),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
