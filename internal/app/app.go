// Package app is the composition root: it builds every service from a
// config, starts them in dependency order and disposes of them in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/config"
	"github.com/mschirtzinger/offlinesync/internal/connectivity"
	"github.com/mschirtzinger/offlinesync/internal/coordinator"
	"github.com/mschirtzinger/offlinesync/internal/db"
	"github.com/mschirtzinger/offlinesync/internal/events"
	"github.com/mschirtzinger/offlinesync/internal/logging"
	"github.com/mschirtzinger/offlinesync/internal/metrics"
	"github.com/mschirtzinger/offlinesync/internal/queue"
	"github.com/mschirtzinger/offlinesync/internal/realtime"
	"github.com/mschirtzinger/offlinesync/internal/remote"
	"github.com/mschirtzinger/offlinesync/internal/schema"
)

// Options override pieces of the wiring, mostly for tests.
type Options struct {
	// Backend replaces the remote backend selected from the config.
	Backend remote.Backend

	// Feed replaces the Phoenix realtime client.
	Feed realtime.Feed

	// Clock is shared by every component. Defaults to time.Now.
	Clock func() time.Time
}

// App owns every service of one offsync instance.
type App struct {
	Config *config.Config

	Logs         *logging.Factory
	DB           *db.DB
	Cache        *cache.Store
	Queue        *queue.Queue
	Backend      remote.Backend
	Feed         realtime.Feed
	Bridge       *realtime.Bridge
	Bus          *events.Bus
	Connectivity *connectivity.Monitor
	Metrics      *metrics.Metrics

	Tasks     *coordinator.Coordinator[schema.Task]
	Expenses  *coordinator.Coordinator[schema.Expense]
	Reminders *coordinator.Coordinator[schema.Reminder]

	opts   Options
	logger *log.Logger

	cron   *cron.Cron
	server *events.Server

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inited   bool
	serving  bool
	disposed bool
}

// New creates an App for cfg. Nothing is opened until Init.
func New(cfg *config.Config, opts *Options) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts == nil {
		opts = &Options{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	logs := logging.New(cfg.Log, cfg.DataDir)
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		Config: cfg,
		Logs:   logs,
		opts:   *opts,
		logger: logs.Logger("app"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Init opens the database and starts the coordinators. The app is usable
// for one-shot operations afterwards; Serve adds the background services.
func (a *App) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.disposed {
		return fmt.Errorf("app already disposed")
	}
	if a.inited {
		return nil
	}

	if err := a.init(ctx); err != nil {
		a.disposeLocked()
		return err
	}
	a.inited = true
	return nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	database, err := db.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open cache database: %w", err)
	}
	a.DB = database
	if err := database.InitSchemaContext(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	a.Cache = cache.New(database, &cache.Config{
		Expiry:              cfg.ExpiryByType(),
		MaintenanceInterval: cfg.Cache.MaintenanceInterval,
		Logger:              a.Logs.Logger("cache"),
		Clock:               a.opts.Clock,
	})
	a.Queue = queue.New(database, a.Cache, &queue.Config{
		Logger: a.Logs.Logger("queue"),
		Clock:  a.opts.Clock,
	})

	a.Metrics = metrics.New()
	if err := a.Metrics.Registry.Register(metrics.NewStoreCollector(a.Cache, a.Queue)); err != nil {
		return fmt.Errorf("failed to register store metrics: %w", err)
	}

	if err := a.initRemote(); err != nil {
		return err
	}
	if err := a.initRealtime(); err != nil {
		return err
	}

	a.Bus = events.NewBus(a.Logs.Logger("events"), a.Metrics)
	a.initConnectivity(ctx)

	return a.initCoordinators(ctx)
}

func (a *App) initRemote() error {
	if a.opts.Backend != nil {
		a.Backend = a.opts.Backend
		return nil
	}
	cfg := a.Config
	if cfg.Remote.URL == "" {
		a.logger.Println("WARNING: remote.url is not set, using the in-memory backend")
		a.Backend = remote.NewMemoryBackend()
		return nil
	}

	retry := remote.DefaultRetryConfig()
	retry.MaxRetries = cfg.Remote.MaxRetries
	client, err := remote.NewClient(&remote.Config{
		URL:               cfg.Remote.URL,
		APIKey:            cfg.Remote.APIKey,
		Timeout:           cfg.Remote.Timeout,
		RequestsPerSecond: cfg.Remote.RateLimit,
		Burst:             max(1, int(2*cfg.Remote.RateLimit)),
		Retry:             retry,
		Observe:           a.Metrics.ObserveRemote,
		Logger:            a.Logs.Logger("remote"),
		Clock:             a.opts.Clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create remote client: %w", err)
	}
	a.Backend = client
	return nil
}

func (a *App) initRealtime() error {
	a.Feed = a.opts.Feed
	cfg := a.Config
	if a.Feed == nil && cfg.Realtime.Enabled && cfg.Realtime.URL != "" {
		client, err := realtime.NewPhoenixClient(&realtime.PhoenixConfig{
			URL:       cfg.Realtime.URL,
			APIKey:    cfg.Remote.APIKey,
			Heartbeat: cfg.Realtime.Heartbeat,
			Logger:    a.Logs.Logger("realtime"),
		})
		if err != nil {
			return fmt.Errorf("failed to create realtime client: %w", err)
		}
		a.Feed = client
	}
	if a.Feed != nil {
		a.Bridge = realtime.NewBridge(a.Feed, a.Logs.Logger("realtime"))
	}
	return nil
}

func (a *App) initConnectivity(ctx context.Context) {
	cfg := a.Config
	a.Connectivity = connectivity.NewMonitor(true, a.Logs.Logger("connectivity"))

	if cfg.Connectivity.ForceOffline {
		a.Connectivity.Report(sourceConfig, false)
	}
	if cfg.Connectivity.FlagFile != "" {
		_, err := os.Stat(cfg.Connectivity.FlagFile)
		a.Connectivity.Report(flagFileSource, err != nil)
	}
	if cfg.Connectivity.ProbeURL != "" {
		probe := a.probe()
		a.Connectivity.Report(probe.Name(), probe.Check(ctx))
	}
	a.Metrics.SetOnline(a.Connectivity.Online())
}

const (
	sourceConfig   = "config"
	flagFileSource = "flag-file"
)

func (a *App) probe() *connectivity.Probe {
	return &connectivity.Probe{
		URL:      a.Config.Connectivity.ProbeURL,
		Interval: a.Config.Connectivity.ProbeInterval,
		Logger:   a.Logs.Logger("connectivity"),
	}
}

func (a *App) options(t schema.EntityType) *coordinator.Options {
	cfg := a.Config
	return &coordinator.Options{
		StaleAfter:    cfg.StaleAfterFor(t),
		SyncInterval:  cfg.Sync.Interval,
		RemoteTimeout: cfg.Sync.RemoteTimeout,
		Policy:        cfg.Policy(),
		MailboxSize:   cfg.Sync.MailboxSize,
		Observer:      a.Metrics,
		Logger:        a.Logs.Logger(string(t) + "s"),
		Clock:         a.opts.Clock,
	}
}

func (a *App) deps(t schema.EntityType) coordinator.Deps {
	return coordinator.Deps{
		Cache:        a.Cache,
		Queue:        a.Queue,
		Remote:       a.Backend.Repository(t),
		Bridge:       a.Bridge,
		Bus:          a.Bus,
		Connectivity: a.Connectivity,
	}
}

func (a *App) initCoordinators(ctx context.Context) error {
	var err error
	if a.Tasks, err = coordinator.New[schema.Task](a.deps(schema.TypeTask), a.options(schema.TypeTask)); err != nil {
		return err
	}
	if a.Expenses, err = coordinator.New[schema.Expense](a.deps(schema.TypeExpense), a.options(schema.TypeExpense)); err != nil {
		return err
	}
	if a.Reminders, err = coordinator.New[schema.Reminder](a.deps(schema.TypeReminder), a.options(schema.TypeReminder)); err != nil {
		return err
	}

	for _, c := range a.coordinators() {
		if err := c.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s coordinator: %w", c.EntityType(), err)
		}
	}
	return nil
}

// Managed is the type-independent part of a coordinator.
type Managed interface {
	EntityType() schema.EntityType
	Start(ctx context.Context) error
	Stop() error
	Sync(ctx context.Context) (*queue.DrainResult, error)
	SetOwner(ctx context.Context, owner string) error
	AttachRealtime(ctx context.Context, owner string) error
	Snapshot() coordinator.Snapshot
}

func (a *App) coordinators() []Managed {
	var out []Managed
	if a.Tasks != nil {
		out = append(out, a.Tasks)
	}
	if a.Expenses != nil {
		out = append(out, a.Expenses)
	}
	if a.Reminders != nil {
		out = append(out, a.Reminders)
	}
	return out
}

// Coordinator returns the coordinator of t.
func (a *App) Coordinator(t schema.EntityType) (Managed, error) {
	for _, c := range a.coordinators() {
		if c.EntityType() == t {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no coordinator for %q", t)
}

// Serve starts the background services: connectivity sources, config
// reload, scheduled maintenance, the event server and, for owner, realtime
// subscriptions and an initial load. It returns once they are running.
func (a *App) Serve(ctx context.Context, owner string) error {
	a.mu.Lock()
	if !a.inited || a.disposed {
		a.mu.Unlock()
		return fmt.Errorf("app is not initialized")
	}
	if a.serving {
		a.mu.Unlock()
		return nil
	}
	a.serving = true
	a.mu.Unlock()

	a.watchConnectivity()
	a.runSources()

	if err := a.startMaintenance(); err != nil {
		return err
	}
	if a.Config.Events.Enabled {
		a.server = events.NewServer(a.Bus, &events.ServerConfig{
			Addr:    a.Config.Events.Addr,
			Metrics: a.Metrics.Handler(),
			Logger:  a.Logs.Logger("events"),
		})
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("failed to start event server: %w", err)
		}
	}

	if owner == "" {
		return nil
	}
	return a.Open(ctx, owner)
}

// Open points every coordinator at owner, loads its records and attaches
// realtime when a feed is configured. Load failures are logged; each
// coordinator keeps whatever the cache had.
func (a *App) Open(ctx context.Context, owner string) error {
	var errs []error
	for _, c := range a.coordinators() {
		if err := c.SetOwner(ctx, owner); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.EntityType(), err))
			continue
		}
		if a.Bridge != nil {
			if err := c.AttachRealtime(ctx, owner); err != nil {
				a.logger.Printf("WARNING: %s realtime: %v", c.EntityType(), err)
			}
		}
	}
	if _, err := a.Tasks.Load(ctx, owner, false); err != nil {
		a.logger.Printf("WARNING: tasks: %v", err)
	}
	if _, err := a.Expenses.Load(ctx, owner, false); err != nil {
		a.logger.Printf("WARNING: expenses: %v", err)
	}
	if _, err := a.Reminders.Load(ctx, owner, false); err != nil {
		a.logger.Printf("WARNING: reminders: %v", err)
	}
	return errors.Join(errs...)
}

func (a *App) watchConnectivity() {
	ch, cancel := a.Connectivity.Subscribe()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		for {
			select {
			case <-a.ctx.Done():
				return
			case online, ok := <-ch:
				if !ok {
					return
				}
				a.Metrics.SetOnline(online)
			}
		}
	}()
}

func (a *App) runSources() {
	cfg := a.Config
	if cfg.Connectivity.ProbeURL != "" {
		probe := a.probe()
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			probe.Run(a.ctx, a.Connectivity)
		}()
	}
	if cfg.Connectivity.FlagFile != "" {
		flag := &connectivity.FlagFile{Path: cfg.Connectivity.FlagFile, Logger: a.Logs.Logger("connectivity")}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := flag.Run(a.ctx, a.Connectivity); err != nil {
				a.logger.Printf("WARNING: flag file source: %v", err)
			}
		}()
	}
}

// WatchConfig reloads path on change and applies the settings that can
// change at runtime (currently connectivity.force_offline).
func (a *App) WatchConfig(path string) {
	w := &config.Watcher{
		Path:     path,
		OnChange: a.applyConfig,
		Logger:   a.Logs.Logger("config"),
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := w.Run(a.ctx); err != nil {
			a.logger.Printf("WARNING: config watcher: %v", err)
		}
	}()
}

func (a *App) applyConfig(cfg *config.Config) {
	a.Connectivity.Report(sourceConfig, !cfg.Connectivity.ForceOffline)
	if cfg.Sync.ConflictPolicy != a.Config.Sync.ConflictPolicy || cfg.Sync.Interval != a.Config.Sync.Interval {
		a.logger.Println("Sync settings changed, restart to apply them")
	}
}

func (a *App) startMaintenance() error {
	spec := a.Config.Cache.MaintenanceSchedule
	if spec == "" {
		return nil
	}
	logger := a.Logs.Logger("maintenance")
	a.cron = cron.New(
		cron.WithLogger(cron.PrintfLogger(logger)),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logger))),
	)
	if _, err := a.cron.AddFunc(spec, func() {
		needed, err := a.Cache.MaintenanceNeeded(a.ctx)
		if err != nil {
			logger.Printf("WARNING: %v", err)
			return
		}
		if !needed {
			return
		}
		if _, err := a.Maintain(a.ctx); err != nil {
			logger.Printf("WARNING: maintenance failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	a.cron.Start()
	return nil
}

// Maintain runs cache maintenance now. Coordinators whose entries were
// evicted are told to reload through a cache_update_required event.
func (a *App) Maintain(ctx context.Context) (*cache.MaintenanceReport, error) {
	report, err := a.Cache.RunMaintenance(ctx, a.Config.Cache.KeepPerType, a.Config.Cache.MaxBytes)
	if err != nil {
		return nil, err
	}
	a.Metrics.RecordMaintenance(report)

	for _, t := range schema.AllEntityTypes() {
		if report.Evicted[t] == 0 && report.LimitEvicted == 0 {
			continue
		}
		a.Bus.Publish(events.SyncEvent{
			Kind:       events.KindCacheUpdateRequired,
			EntityType: t,
			At:         a.opts.Clock(),
		})
	}
	return report, nil
}

// EventsAddr returns the event server's listen address, or "" when it is
// not running.
func (a *App) EventsAddr() string {
	if a.server == nil {
		return ""
	}
	return a.server.Addr()
}

// SyncAll drains every queue. Failures of one type do not stop the others.
func (a *App) SyncAll(ctx context.Context) ([]*queue.DrainResult, error) {
	var results []*queue.DrainResult
	var errs []error
	for _, c := range a.coordinators() {
		res, err := c.Sync(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.EntityType(), err))
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results, errors.Join(errs...)
}

// Status reports the cache statistics of every entity type.
func (a *App) Status(ctx context.Context) ([]TypeStatus, error) {
	var out []TypeStatus
	for _, t := range schema.AllEntityTypes() {
		st, err := a.Cache.Stats(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s stats: %w", t, err)
		}
		pending, err := a.Queue.PendingCount(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s operations: %w", t, err)
		}
		ts := TypeStatus{Stats: st, Score: cache.Score(st), Queued: pending}
		if c, err := a.Coordinator(t); err == nil {
			snap := c.Snapshot()
			ts.Coordinator = &snap
		}
		out = append(out, ts)
	}
	return out, nil
}

// TypeStatus is one row of Status.
type TypeStatus struct {
	cache.Stats `yaml:",inline"`
	Score       int                   `json:"health_score" yaml:"health_score"`
	Queued      int                   `json:"queued" yaml:"queued"`
	Coordinator *coordinator.Snapshot `json:"coordinator,omitempty" yaml:"coordinator,omitempty"`
}

// Dispose stops every service in reverse start order. It is safe to call
// more than once.
func (a *App) Dispose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disposeLocked()
}

func (a *App) disposeLocked() error {
	if a.disposed {
		return nil
	}
	a.disposed = true

	var errs []error
	if a.server != nil {
		if err := a.server.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop event server: %w", err))
		}
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	for _, c := range a.coordinators() {
		if err := c.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	a.cancel()
	a.wg.Wait()

	if a.Bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.Bridge.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close realtime bridge: %w", err))
		}
		cancel()
	}
	if closer, ok := a.Feed.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close realtime client: %w", err))
		}
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	if err := a.Logs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
