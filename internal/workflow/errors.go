package workflow

import "errors"

var (
	// ErrNotFound is returned for operations on an unknown instance id.
	ErrNotFound = errors.New("workflow instance not found")

	// ErrAlreadyActive rejects re-activation of an Active instance.
	// Reactivation requires delete+recreate or a dedicated update path.
	ErrAlreadyActive = errors.New("workflow instance already active")

	// ErrAlreadyRunning rejects a manual trigger while a run is in flight.
	// Informational for the caller ("already running"), not a fault.
	ErrAlreadyRunning = errors.New("a run is already in flight")

	// ErrSetupInProgress rejects a second concurrent activation for the
	// same instance id.
	ErrSetupInProgress = errors.New("activation already in progress")
)
