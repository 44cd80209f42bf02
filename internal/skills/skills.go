// Package skills defines the capability-installer contract the activation
// pipeline consumes, plus a directory-backed implementation.
package skills

import "context"

// Installer ensures capabilities are present before a workflow goes live.
//
// Both operations are idempotent: Install is keyed by name, Deploy by
// name+content hash (re-deploying identical content is a no-op, changed
// content overwrites). The created flag reports whether the call brought a
// new skill into existence; callers use it to scope compensation to skills
// they actually created, so cancelling one activation never removes a
// skill a sibling instance already relied on.
type Installer interface {
	Install(ctx context.Context, name string) (created bool, err error)
	Deploy(ctx context.Context, name, content string) (created bool, err error)
}

// Uninstaller is the optional compensation half, used only when a pipeline
// is cancelled mid-setup and needs to undo its own installs. Best effort.
type Uninstaller interface {
	Uninstall(ctx context.Context, name string) error
}
