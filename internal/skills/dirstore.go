package skills

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	logx "autoflow/pkg/logx"
)

// DirStore keeps installed skills as files under a directory:
//
//	<dir>/<name>.installed      (marker for install-by-name)
//	<dir>/<name>.skill.md       (custom skill content)
//
// Deploy is idempotent by content hash so repeated activations don't churn
// mtimes or watchers downstream.
type DirStore struct {
	mu  sync.Mutex
	dir string
	log logx.Logger
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

func NewDirStore(dir string, log logx.Logger) (*DirStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("skills dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DirStore{dir: dir, log: log}, nil
}

func (s *DirStore) Install(ctx context.Context, name string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name+".installed")
	if _, err := os.Stat(path); err == nil {
		return false, nil // already installed
	}
	if err := os.WriteFile(path, []byte(name+"\n"), 0o644); err != nil {
		return false, fmt.Errorf("install skill %q: %w", name, err)
	}
	s.log.Debug("skill installed", logx.String("skill", name))
	return true, nil
}

func (s *DirStore) Deploy(ctx context.Context, name, content string) (bool, error) {
	if err := checkName(name); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name+".skill.md")
	existed := false
	if prev, err := os.ReadFile(path); err == nil {
		existed = true
		if hashBytes(prev) == hashBytes([]byte(content)) {
			return false, nil // identical content already deployed
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("deploy skill %q: %w", name, err)
	}
	s.log.Debug("custom skill deployed", logx.String("skill", name), logx.Int("bytes", len(content)))
	// Overwriting a pre-existing skill is not "created": an uninstall could
	// not restore the previous content, so it stays out of compensation.
	return !existed, nil
}

func (s *DirStore) Uninstall(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, p := range []string{
		filepath.Join(s.dir, name+".installed"),
		filepath.Join(s.dir, name+".skill.md"),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Installed reports whether a skill (by name) is present. Used by tests and
// the verify step's diagnostics.
func (s *DirStore) Installed(name string) bool {
	if checkName(name) != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(filepath.Join(s.dir, name+".installed")); err == nil {
		return true
	}
	_, err := os.Stat(filepath.Join(s.dir, name+".skill.md"))
	return err == nil
}

func checkName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("invalid skill name %q", name)
	}
	return nil
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
