package app

import (
	"fmt"
	"strings"

	"autoflow/internal/config"
	"autoflow/internal/executor"
	"autoflow/internal/notifier"
	"autoflow/internal/services/classify"
	"autoflow/internal/services/jobs"
	"autoflow/internal/storage"
)

// Config section -> service config mapping. Durations live as strings on
// disk; parsing failures here reject the whole config, so a bad hot reload
// never reaches a running service.

func mapEngineConfig(cfg *config.Config) (jobs.Config, error) {
	tick, err := config.ParseDurationField("engine.tick_period", cfg.Engine.TickPeriod)
	if err != nil {
		return jobs.Config{}, err
	}
	timeout, err := config.ParseDurationField("engine.run_timeout", cfg.Engine.RunTimeout)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{TickPeriod: tick, RunTimeout: timeout}, nil
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	if cfg.Executor.Workers < 0 {
		return executor.Config{}, fmt.Errorf("executor.workers must be >= 0")
	}
	if cfg.Executor.QueueSize < 0 {
		return executor.Config{}, fmt.Errorf("executor.queue_size must be >= 0")
	}
	if cfg.Executor.HistorySize < 0 {
		return executor.Config{}, fmt.Errorf("executor.history_size must be >= 0")
	}
	timeout, err := config.ParseDurationField("executor.default_timeout", cfg.Executor.DefaultTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Workers:        cfg.Executor.Workers,
		QueueSize:      cfg.Executor.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    cfg.Executor.HistorySize,
	}, nil
}

func mapClassifyConfig(cfg *config.Config) (classify.Config, error) {
	if cfg.Classify == nil {
		return classify.Config{}, nil
	}
	period, err := config.ParseDurationField("classify.period", cfg.Classify.Period)
	if err != nil {
		return classify.Config{}, err
	}
	timeout, err := config.ParseDurationField("classify.run_timeout", cfg.Classify.RunTimeout)
	if err != nil {
		return classify.Config{}, err
	}
	return classify.Config{Period: period, RunTimeout: timeout}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{}, nil
	}
	n := cfg.Notifier
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	retryBase, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedupWindow, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

// mapStorageConfig returns (cfg, enabled, err). Omitted section or driver
// "none" disables persistence.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}
