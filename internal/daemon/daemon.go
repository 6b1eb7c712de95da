package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"zipline/internal/archive"
	"zipline/internal/artifactcache"
	"zipline/internal/build"
	"zipline/internal/config"
	"zipline/internal/delivery"
	"zipline/internal/fingerprint"
	"zipline/internal/logging"
	"zipline/internal/prewarm"
	"zipline/internal/progress"
)

// Daemon owns every long-lived component and enforces single-instance
// execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	hub    *logging.StreamHub

	cache     *artifactcache.Cache
	events    *progress.Broadcaster
	relay     *progress.RedisRelay
	scheduler *build.Scheduler
	resolver  *delivery.Resolver
	prewarmer *prewarm.Prewarmer
	api       *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopMu  sync.Mutex
	started time.Time
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                `json:"running"`
	PID          int                 `json:"pid"`
	StartedAt    time.Time           `json:"started_at,omitzero"`
	LockFilePath string              `json:"lock_file"`
	IndexPath    string              `json:"index_path"`
	ActiveBuilds []build.Record      `json:"active_builds"`
	Cache        artifactcache.Stats `json:"cache"`
	CacheError   string              `json:"cache_error,omitempty"`
	RelayEnabled bool                `json:"relay_enabled"`
}

// New constructs a daemon with initialized dependencies. hub may be nil.
func New(cfg *config.Config, logger *slog.Logger, hub *logging.StreamHub) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	cache, err := artifactcache.Open(artifactcache.OptionsFromConfig(cfg, logger))
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		hub:      hub,
		cache:    cache,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}

	d.events = progress.New(progress.Options{
		Buffer:  cfg.Broadcast.Buffer,
		History: cfg.Broadcast.History,
		Logger:  logger,
	})
	if cfg.Broadcast.RedisEnabled {
		dialCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		relay, err := progress.DialRedisRelay(dialCtx, cfg.Broadcast, logger)
		cancel()
		if err != nil {
			logging.WarnWithContext(d.logger, "redis relay unavailable; continuing without it", "relay_unavailable",
				logging.String("redis_addr", cfg.Broadcast.RedisAddr),
				logging.Error(err),
				logging.String(logging.FieldImpact, "progress is only available over the HTTP API"),
				logging.String(logging.FieldErrorHint, "check broadcast.redis_addr or disable broadcast.redis_enabled"),
			)
		} else {
			d.relay = relay
			d.events.AddSink(relay)
		}
	}

	builder := archive.New(cfg.Builder.CompressionLevel, logger)
	d.scheduler = build.New(builder, cache, d.events, build.Options{
		Workers:      cfg.Builder.Workers,
		MinFreeBytes: cfg.Builder.MinFreeBytes,
		Linger:       cfg.Builder.RecordLinger.Std(),
		Logger:       logger,
	})

	fingerprinter := fingerprint.New(fingerprint.Options{
		CaseInsensitive: cfg.Fingerprint.CaseInsensitive,
		PerUser:         cfg.Fingerprint.PerUser,
		Signal:          fingerprint.Signal(cfg.Fingerprint.VersionSignal),
	})
	signer := delivery.NewSigner(cfg.Delivery.SigningKey, cfg.Delivery.BaseURL, cfg.Delivery.URLTTL.Std())
	d.resolver = delivery.NewResolver(cfg.Paths.SourceRoot, fingerprinter, cache, d.scheduler, signer, logger)

	if cfg.Prewarm.Enabled {
		d.prewarmer = prewarm.New(d.resolver, cfg.Prewarm.Folders, cfg.Prewarm.Concurrency, cfg.Prewarm.Interval.Std(), logger)
	}

	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and launches the background loops and the
// API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another ziplined instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.api.start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}
	d.cancel = cancel
	d.started = time.Now()

	if interval := d.cfg.Cache.SweepInterval.Std(); interval > 0 {
		d.wg.Add(1)
		go d.janitorLoop(runCtx, interval)
	}
	if d.prewarmer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.prewarmer.Run(runCtx)
		}()
	}

	d.running.Store(true)
	d.logger.Info("zipline daemon started",
		logging.String("lock", d.lockPath),
		logging.String("api_bind", d.cfg.Paths.APIBind),
		logging.String("source_root", d.cfg.Paths.SourceRoot),
		logging.Int("workers", d.cfg.Builder.Workers),
		logging.Bool("prewarm", d.prewarmer != nil),
		logging.Bool("relay", d.relay != nil),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

func (d *Daemon) janitorLoop(ctx context.Context, interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.cache.Sweep(ctx); err != nil && ctx.Err() == nil {
				logging.WarnWithContext(d.logger, "janitor sweep failed", "janitor_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "cache may exceed its budget until the next sweep"),
				)
			}
		}
	}
}

// Stop shuts the API down, cancels builds, and releases the daemon lock.
func (d *Daemon) Stop() {
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	if !d.running.Load() {
		return
	}

	d.api.stop()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.scheduler.Close()
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "next start may report another instance running"),
		)
	}
	d.running.Store(false)
	d.logger.Info("zipline daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	d.scheduler.Close()
	d.events.Close()
	var errs []error
	if d.relay != nil {
		errs = append(errs, d.relay.Close())
	}
	errs = append(errs, d.cache.Close())
	return errors.Join(errs...)
}

// Status reports runtime information.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		LockFilePath: d.lockPath,
		IndexPath:    d.cfg.IndexPath(),
		ActiveBuilds: d.scheduler.Active(),
		RelayEnabled: d.relay != nil,
	}
	if status.Running {
		status.StartedAt = d.started
	}
	stats, err := d.cache.Stats(ctx)
	if err != nil {
		status.CacheError = err.Error()
	}
	status.Cache = stats
	return status
}

// Resolver exposes the delivery entry point.
func (d *Daemon) Resolver() *delivery.Resolver { return d.resolver }

// Scheduler exposes the build scheduler.
func (d *Daemon) Scheduler() *build.Scheduler { return d.scheduler }

// Cache exposes the artifact cache.
func (d *Daemon) Cache() *artifactcache.Cache { return d.cache }

// Events exposes the progress broadcaster.
func (d *Daemon) Events() *progress.Broadcaster { return d.events }

// LogStream exposes the in-memory log hub, if configured.
func (d *Daemon) LogStream() *logging.StreamHub { return d.hub }

// Handler returns the HTTP handler without binding a listener.
func (d *Daemon) Handler() http.Handler { return d.api.echo }
