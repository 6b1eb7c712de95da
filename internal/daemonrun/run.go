// Package daemonrun is the process entry point shared by ziplined and
// `zipline serve`: it sets up logging, builds the daemon, and blocks until a
// signal arrives.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"zipline/internal/config"
	"zipline/internal/daemon"
	"zipline/internal/logging"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the zipline daemon and blocks until ctx ends or SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("ziplined-%s.log", runID))
	logHub := logging.NewStreamHub(4096)

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
		Stream:           logHub,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.LogFilePath(), logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update ziplined.log link: %v\n", err)
	}
	logging.PruneLogs(logger, cfg.Paths.LogDir, "ziplined-*.log", cfg.Logging.RetentionDays, logPath)

	pidPath := filepath.Join(cfg.Paths.StateDir, "ziplined.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	logConfigSnapshot(logger, cfg)

	d, err := daemon.New(cfg, logger, logHub)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check api_bind and whether another ziplined owns the state directory"),
			logging.String(logging.FieldImpact, "no archives will be built or delivered"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("zipline daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// ensureCurrentLogPointer points current at the per-run log file.
func ensureCurrentLogPointer(current, target string) error {
	if current == "" || target == "" {
		return nil
	}
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("source_root", cfg.Paths.SourceRoot),
		logging.String("artifact_dir", cfg.Paths.ArtifactDir),
		logging.Duration("hot_window", cfg.Cache.HotWindow.Std()),
		logging.Duration("max_age", cfg.Cache.MaxAge.Std()),
		logging.Float64("disk_fraction", cfg.Cache.DiskFraction),
		logging.Int("workers", cfg.Builder.Workers),
		logging.Int("compression_level", cfg.Builder.CompressionLevel),
		logging.String("version_signal", cfg.Fingerprint.VersionSignal),
		logging.Bool("per_user", cfg.Fingerprint.PerUser),
		logging.Bool("redis_relay", cfg.Broadcast.RedisEnabled),
		logging.Bool("prewarm", cfg.Prewarm.Enabled),
	)
}
