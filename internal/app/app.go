package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"autoflow/internal/config"
	"autoflow/internal/credentials"
	"autoflow/internal/eventbus"
	"autoflow/internal/executor"
	"autoflow/internal/notifier"
	"autoflow/internal/runtime/supervisor"
	"autoflow/internal/services/activation"
	"autoflow/internal/services/classify"
	"autoflow/internal/services/jobs"
	"autoflow/internal/skills"
	"autoflow/internal/storage"
	"autoflow/internal/workflow"
	logx "autoflow/pkg/logx"
)

// Option customizes the wiring NewApp builds. The defaults are safe for
// development (logging trigger, no-op classifier, log sink); a real
// deployment injects its own implementations.
type Option func(*options)

type options struct {
	trigger    workflow.Trigger
	classifier classify.Classifier
	sink       notifier.Sink
}

// WithTrigger sets the execution backend every due workflow run is handed to.
func WithTrigger(t workflow.Trigger) Option {
	return func(o *options) { o.trigger = t }
}

// WithClassifier sets the backend for the recurring classification job.
func WithClassifier(c classify.Classifier) Option {
	return func(o *options) { o.classifier = c }
}

// WithSink sets the alert delivery backend for the notifier.
func WithSink(s notifier.Sink) Option {
	return func(o *options) { o.sink = s }
}

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	catalog   *workflow.MemoryCatalog
	installer *skills.DirStore
	creds     *credentials.FileStore

	exec     *executor.Service
	jobs     *jobs.Service
	classify *classify.Service
	activ    *activation.Service
	notif    *notifier.Service
}

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	// Template catalog (optional)
	var tmpls []workflow.Template
	if strings.TrimSpace(cfg.Templates) != "" {
		tmpls, err = loadTemplates(cfg.Templates)
		if err != nil {
			return nil, fmt.Errorf("templates: %w", err)
		}
		log.Info("template catalog loaded", logx.Int("templates", len(tmpls)))
	}
	catalog := workflow.NewMemoryCatalog(tmpls...)

	skillsDir := strings.TrimSpace(cfg.Skills.Dir)
	if skillsDir == "" {
		skillsDir = "./skills"
	}
	installer, err := skills.NewDirStore(skillsDir, log.With(logx.String("comp", "skills")))
	if err != nil {
		return nil, err
	}

	credsPath := strings.TrimSpace(cfg.Credentials.Path)
	if credsPath == "" {
		credsPath = "./credentials.json"
	}
	creds, err := credentials.NewFileStore(credsPath)
	if err != nil {
		return nil, err
	}

	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	execSvc := executor.New(execCfg, log.With(logx.String("comp", "executor")), bus)

	trigger := o.trigger
	if trigger == nil {
		triggerLog := log.With(logx.String("comp", "trigger"))
		trigger = workflow.TriggerFunc(func(ctx context.Context, req workflow.TriggerRequest) error {
			triggerLog.Info("workflow triggered",
				logx.String("instance", req.InstanceID),
				logx.String("name", req.DisplayName),
				logx.String("scope", string(req.Scope)))
			return nil
		})
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	jobsSvc := jobs.New(engCfg, execSvc, trigger, store, log.With(logx.String("comp", "jobs")), bus)

	classifier := o.classifier
	if classifier == nil {
		classifier = classify.ClassifierFunc(func(ctx context.Context, mode classify.Mode, report classify.Progress) error {
			return nil
		})
	}
	clsCfg, err := mapClassifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	classifySvc := classify.New(clsCfg, execSvc, classifier, store, log.With(logx.String("comp", "classify")))

	sink := o.sink
	if sink == nil {
		sink = notifier.LogSink(log.With(logx.String("comp", "alerts")))
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, sink, log.With(logx.String("comp", "notifier")), bus)

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		catalog:   catalog,
		installer: installer,
		creds:     creds,
		exec:      execSvc,
		jobs:      jobsSvc,
		classify:  classifySvc,
		notif:     notifSvc,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapExecutorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapClassifyConfig(cfg); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if strings.TrimSpace(cfg.Templates) != "" {
			if _, err := loadTemplates(cfg.Templates); err != nil {
				return fmt.Errorf("templates: %w", err)
			}
		}
		return nil
	})

	a.exec.Start(a.sup.Context())

	// The activation pipeline owns its own supervisor but inherits the app
	// run context so fatal errors unwind everything together.
	a.activ = activation.New(a.sup.Context(), a.catalog, a.installer, a.creds, a.jobs,
		a.log.With(logx.String("comp", "activation")), a.bus)
	a.jobs.SetDeleteHook(a.activ.Cancel)

	if err := a.jobs.Restore(a.sup.Context()); err != nil {
		return fmt.Errorf("restore instances: %w", err)
	}
	if err := a.classify.Restore(a.sup.Context()); err != nil {
		return fmt.Errorf("restore recurring state: %w", err)
	}
	a.jobs.Start(a.sup.Context())
	a.classify.Start(a.sup.Context())

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				a.applyReload(c, newCfg, sections)

				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running services.
func (a *App) applyReload(ctx context.Context, cfg *config.Config, sections []string) {
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// The validator already vetted these; a failure here means the config
	// changed underneath us, so keep the previous service settings.
	if engCfg, err := mapEngineConfig(cfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.jobs.Apply(engCfg)
	}
	if execCfg, err := mapExecutorConfig(cfg); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(execCfg)
	}
	if clsCfg, err := mapClassifyConfig(cfg); err != nil {
		a.log.Warn("invalid classify config; keeping previous", logx.Err(err))
	} else {
		a.classify.Apply(clsCfg)
	}

	prevNotifEnabled := a.notif.Enabled()
	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
		if prevNotifEnabled && !ncfg.Enabled {
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
		} else if !prevNotifEnabled && ncfg.Enabled {
			a.log.Info("notifier enabled via config")
			a.notif.Start(ctx)
		}
	}

	// Templates reload updates existing entries and adds new ones; removing
	// a template from the file does not deactivate instances built from it.
	if strings.TrimSpace(cfg.Templates) != "" {
		if tmpls, err := loadTemplates(cfg.Templates); err != nil {
			a.log.Warn("invalid template catalog; keeping previous", logx.Err(err))
		} else {
			for _, t := range tmpls {
				a.catalog.Register(t)
			}
			a.log.Info("template catalog reloaded", logx.Int("templates", len(tmpls)))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Order: stop producing new runs first, then drain the executor, then
	// close persistence.
	step("jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	step("classify", 2*time.Second, func(c context.Context) error { a.classify.Stop(c); return nil })
	step("activation", 3*time.Second, func(c context.Context) error {
		if a.activ != nil {
			a.activ.Stop(c)
		}
		return nil
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("executor", 3*time.Second, func(c context.Context) error { a.exec.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// Accessors for the management surface (CLI, tests, embedding programs).

func (a *App) Jobs() *jobs.Service             { return a.jobs }
func (a *App) Classify() *classify.Service     { return a.classify }
func (a *App) Activation() *activation.Service { return a.activ }
func (a *App) Notifier() *notifier.Service     { return a.notif }
func (a *App) Executor() *executor.Service     { return a.exec }
func (a *App) Catalog() *workflow.MemoryCatalog {
	return a.catalog
}
func (a *App) Config() *config.Manager { return a.cfgm }

// LastTick exposes the engine loop heartbeat, used by the systemd watchdog.
func (a *App) LastTick() time.Time { return a.jobs.LastTick() }
