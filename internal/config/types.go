package config

// Config is the full on-disk configuration. JSON and YAML are both
// accepted; YAML is coerced to JSON so one strict decoder covers both.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type Config struct {
	Logging  LoggingConfig   `json:"logging"`
	Engine   EngineConfig    `json:"engine"`
	Executor ExecutorConfig  `json:"executor,omitempty"`
	Classify *ClassifyConfig `json:"classify,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`

	Skills      SkillsConfig      `json:"skills,omitempty"`
	Credentials CredentialsConfig `json:"credentials,omitempty"`

	// Templates points at a JSON or YAML file holding the workflow
	// template catalog. Empty means no catalog (free-text instances only).
	Templates string `json:"templates,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the job supervisor.
//
// Defaults (when fields are omitted/zero):
//   - tick_period: "30s"
//   - run_timeout: "0s" (disabled)
type EngineConfig struct {
	TickPeriod string `json:"tick_period,omitempty"`
	RunTimeout string `json:"run_timeout,omitempty"`
}

// ExecutorConfig controls the run worker pool.
//
// Defaults: workers 4, queue_size 64, history_size 200.
type ExecutorConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// ClassifyConfig controls the background classification job. Omitting the
// section leaves the job wired but disabled; enabling still happens through
// the management API, this only sets the cadence.
type ClassifyConfig struct {
	Period     string `json:"period,omitempty"`      // default "1h"
	RunTimeout string `json:"run_timeout,omitempty"` // default executor's
}

// NotifierConfig controls the operator alert pipeline. If the whole
// section is omitted the notifier stays disabled.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./autoflow_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SkillsConfig locates the directory-backed skill installer.
type SkillsConfig struct {
	Dir string `json:"dir,omitempty"` // default "./skills"
}

// CredentialsConfig locates the file-backed credential store.
type CredentialsConfig struct {
	Path string `json:"path,omitempty"` // default "./credentials.json"
}
