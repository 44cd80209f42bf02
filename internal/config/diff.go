package config

import (
	"strings"

	logx "autoflow/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets never appear in the output (the
// credential store path is a location, not a secret).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.String("engine.tick_period", strings.TrimSpace(newCfg.Engine.TickPeriod)),
			logx.String("engine.run_timeout", strings.TrimSpace(newCfg.Engine.RunTimeout)),
		)
	}

	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.Int("executor.queue_size", newCfg.Executor.QueueSize),
			logx.String("executor.default_timeout", strings.TrimSpace(newCfg.Executor.DefaultTimeout)),
		)
	}

	if !equalClassify(oldCfg.Classify, newCfg.Classify) {
		changed = append(changed, "classify")
		if newCfg.Classify != nil {
			attrs = append(attrs, logx.String("classify.period", strings.TrimSpace(newCfg.Classify.Period)))
		}
	}

	if !equalNotifier(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if newCfg.Notifier != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
				logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
				logx.String("notifier.dedup_window", strings.TrimSpace(newCfg.Notifier.DedupWindow)),
			)
		}
	}

	if !equalStorage(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs,
				logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
				logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
			)
		}
	}

	if oldCfg.Skills != newCfg.Skills || oldCfg.Credentials != newCfg.Credentials ||
		strings.TrimSpace(oldCfg.Templates) != strings.TrimSpace(newCfg.Templates) {
		changed = append(changed, "paths")
		attrs = append(attrs,
			logx.String("skills.dir", strings.TrimSpace(newCfg.Skills.Dir)),
			logx.Bool("templates_set", strings.TrimSpace(newCfg.Templates) != ""),
		)
	}

	return changed, attrs
}

func equalClassify(a, b *ClassifyConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalNotifier(a, b *NotifierConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalStorage(a, b *StorageConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
