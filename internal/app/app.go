// Package app wires configuration, logging, storage, the status server and
// the upload scheduler into one run.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"newsup/internal/article"
	"newsup/internal/config"
	"newsup/internal/eventbus"
	"newsup/internal/observability/status"
	"newsup/internal/runtime/supervisor"
	"newsup/internal/storage"
	"newsup/internal/upload"
	"newsup/pkg/logx"
	"newsup/pkg/systemd"
)

// Options describe one invocation.
type Options struct {
	// ConfigPath is optional; without it every setting comes from Overlay.
	ConfigPath string
	Files      []string

	// Overlay is applied to the decoded config and to every reload of it.
	// It must assign fields rather than write through shared pointers.
	Overlay func(*config.Config)

	// Dialer replaces the NNTP dialer; nil means upload.DialNNTP.
	Dialer upload.Dialer
	// NoColor disables ANSI colors on the console log sink.
	NoColor bool
}

type App struct {
	opts Options

	cfgm *config.Manager
	cfg  *config.Config
	set  *config.Settings

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	store  storage.Store
	src    *article.FileSource
	up     *upload.Scheduler
	status *status.Service
	sd     *systemd.Notifier

	progressEvery atomic.Int64
	progressReset chan struct{}
}

// New loads and validates the configuration and prepares every component.
// Nothing touches the network until Run.
func New(opts Options) (*App, error) {
	if len(opts.Files) == 0 {
		return nil, errors.New("no input files")
	}

	var (
		cfgm *config.Manager
		cfg  *config.Config
		err  error
	)
	if strings.TrimSpace(opts.ConfigPath) != "" {
		cfgm = config.NewManager(opts.ConfigPath)
		cfgm.SetOverlay(opts.Overlay)
		if cfg, err = cfgm.Load(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else {
		cfg = &config.Config{}
		if opts.Overlay != nil {
			opts.Overlay(cfg)
		}
	}
	set, err := cfg.Resolve()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	set.Logging.NoColor = opts.NoColor
	logs, root := logx.New(set.Logging)
	log := root.With(logx.String("comp", "app"))
	if cfgm != nil {
		cfgm.SetLogger(root.With(logx.String("comp", "config")))
	}

	a := &App{
		opts:          opts,
		cfgm:          cfgm,
		cfg:           cfg,
		set:           set,
		log:           log,
		logs:          logs,
		bus:           eventbus.New(),
		sd:            &systemd.Notifier{Log: root.With(logx.String("comp", "systemd"))},
		progressReset: make(chan struct{}, 1),
	}
	a.progressEvery.Store(int64(set.Progress))

	// From here on, a failure has to release what was already opened.
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	if a.src, err = article.OpenFiles(opts.Files, set.Source); err != nil {
		return nil, err
	}

	if a.store, err = storage.Open(set.Output, root); err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	if a.store != nil {
		log.Info("output enabled", logx.String("driver", set.Output.Driver), logx.String("run_id", a.store.RunID()))
	}

	upOpts := []upload.Option{upload.WithLogger(root), upload.WithBus(a.bus)}
	if opts.Dialer != nil {
		upOpts = append(upOpts, upload.WithDialer(opts.Dialer))
	}
	if a.up, err = upload.New(set.Upload, upOpts...); err != nil {
		return nil, err
	}

	if set.Status.Enabled {
		a.status = status.New(status.Config{
			Addr:          set.Status.Addr,
			Token:         set.Status.Token,
			AllowInsecure: set.Status.AllowInsecure,
			Pprof:         set.Status.Pprof,
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  60 * time.Second,
			IdleTimeout:   time.Minute,
		}, a.up, root)
	}

	ok = true
	return a, nil
}

// Scheduler exposes the upload engine (status, tests).
func (a *App) Scheduler() *upload.Scheduler { return a.up }

// RunID is the output store's run id, or "" when output is disabled.
func (a *App) RunID() string {
	if a.store == nil {
		return ""
	}
	return a.store.RunID()
}

// Run performs the upload and returns its result. The error is non-nil
// only when the run was aborted or could not start.
func (a *App) Run(ctx context.Context) (upload.Result, error) {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log))
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sup.Stop(sctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("background tasks did not stop cleanly", logx.Err(err))
		}
	}()

	if a.status != nil {
		if err := a.status.Start(sup.Context()); err != nil {
			return upload.Result{}, fmt.Errorf("status server: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = a.status.Stop(sctx)
		}()
	}

	events, unsub := a.bus.Subscribe(256, eventbus.UploadFile, eventbus.UploadArticle)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		a.logEvents(c, events)
	})
	sup.Go0("progress", a.progressLoop)
	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(4)
		sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.applyReloads(c, sub)
		})
		sup.Go("config.watch", a.cfgm.Watch)
	}

	a.sd.Ready()
	startedAt := time.Now()

	var sink upload.Sink
	if a.store != nil {
		sink = a.store
	}
	res, err := a.up.Run(sup.Context(), a.src, sink)
	a.sd.Stopping()

	if a.store != nil {
		sum := storage.Summary{
			RunID:      a.store.RunID(),
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
			Files:      a.opts.Files,
			Counters:   res.Counters,
			Abandoned:  res.Abandoned,
			Aborted:    res.Aborted,
		}
		if err != nil {
			sum.Error = err.Error()
		}
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if werr := a.store.WriteSummary(sctx, sum); werr != nil {
			a.log.Error("write run summary failed", logx.Err(werr))
		}
		cancel()
	}
	a.logProgress(true)
	return res, err
}

// Close releases the source, the output store and the log file. It is safe
// to call more than once.
func (a *App) Close() error {
	var errs []error
	if a.src != nil {
		errs = append(errs, a.src.Close())
		a.src = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
		a.logs = nil
	}
	return errors.Join(errs...)
}

func (a *App) logEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			switch d := e.Data.(type) {
			case article.FileRef:
				a.sd.Status(fmt.Sprintf("reading %s (file %d/%d)", d.Name, d.Index, len(a.src.Inventory().Files)))
			case upload.Outcome:
				if d.Error != "" {
					a.log.Debug("article finished with error",
						logx.String("message_id", d.MessageID),
						logx.String("state", d.StateName),
						logx.String("category", d.Category),
						logx.String("err", d.Error),
					)
				}
			}
		}
	}
}
