package app

// StopReason records why the app is shutting down, for the final log line.
type StopReason string

const (
	StopSignal StopReason = "signal"
	StopError  StopReason = "error"
	StopConfig StopReason = "config"
)
