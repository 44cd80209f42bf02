package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.instances.snapshot.json (periodic snapshot of all instances)
//   - <prefix>.instances.journal.jsonl (append-only save/delete journal)
//   - <prefix>.recurring.json          (recurring-task state, atomic rewrite)
//   - <prefix>.runs.jsonl              (append-only run log)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File
	instances    map[string]*workflow.Instance

	recurringPath string

	runsFile *os.File

	journalWrites int
}

type journalRecord struct {
	Op       string             `json:"op"` // "save" | "delete"
	ID       string             `json:"id"`
	Instance *workflow.Instance `json:"instance,omitempty"`
}

const compactEvery = 256

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".instances.snapshot.json"
	journalPath := prefix + ".instances.journal.jsonl"
	runsPath := prefix + ".runs.jsonl"

	// Load instances from snapshot + journal replay.
	instances := map[string]*workflow.Instance{}
	_ = loadSnapshot(snapPath, instances)
	_ = replayJournal(journalPath, instances)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	return &fileStore{
		log:           log,
		snapshotPath:  snapPath,
		journalFile:   jf,
		instances:     instances,
		recurringPath: prefix + ".recurring.json",
		runsFile:      rf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.journalFile != nil {
		// Fold the journal into the snapshot so restarts start clean.
		_ = s.compactLocked()
		err1 = s.journalFile.Close()
		s.journalFile = nil
	}
	if s.runsFile != nil {
		err2 = s.runsFile.Close()
		s.runsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) SaveInstance(ctx context.Context, inst *workflow.Instance) error {
	_ = ctx
	if inst == nil || strings.TrimSpace(inst.ID) == "" {
		return errors.New("instance id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("store closed")
	}
	cp := inst.Clone()
	s.instances[cp.ID] = cp
	return s.appendJournalLocked(journalRecord{Op: "save", ID: cp.ID, Instance: cp})
}

func (s *fileStore) DeleteInstance(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("store closed")
	}
	if _, ok := s.instances[id]; !ok {
		return nil
	}
	delete(s.instances, id)
	return s.appendJournalLocked(journalRecord{Op: "delete", ID: id})
}

func (s *fileStore) ListInstances(ctx context.Context) ([]*workflow.Instance, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*workflow.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.Clone())
	}
	return out, nil
}

func (s *fileStore) SaveRecurring(ctx context.Context, rec RecurringRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := s.recurringPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.recurringPath)
}

func (s *fileStore) LoadRecurring(ctx context.Context) (RecurringRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.recurringPath)
	if os.IsNotExist(err) {
		return RecurringRecord{}, false, nil
	}
	if err != nil {
		return RecurringRecord{}, false, err
	}
	var rec RecurringRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return RecurringRecord{}, false, err
	}
	return rec, true, nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("run log closed")
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) appendJournalLocked(rec journalRecord) error {
	if err := json.NewEncoder(s.journalFile).Encode(rec); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("instance journal compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.instances); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[string]*workflow.Instance) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]*workflow.Instance
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]*workflow.Instance) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue // partial trailing write after a crash
		}
		switch rec.Op {
		case "save":
			if rec.Instance != nil && rec.Instance.ID != "" {
				out[rec.Instance.ID] = rec.Instance
			}
		case "delete":
			delete(out, rec.ID)
		}
	}
	return sc.Err()
}
