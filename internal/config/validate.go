package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateBuilder(); err != nil {
		return err
	}
	if err := c.validateFingerprint(); err != nil {
		return err
	}
	if err := c.validateDelivery(); err != nil {
		return err
	}
	if err := c.validateBroadcast(); err != nil {
		return err
	}
	if err := c.validatePrewarm(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.SourceRoot) == "" {
		return errors.New("paths.source_root must be set")
	}
	if strings.TrimSpace(c.Paths.ArtifactDir) == "" {
		return errors.New("paths.artifact_dir must be set")
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Cache.HotWindow.Std() <= 0 {
		return errors.New("cache.hot_window must be positive")
	}
	if c.Cache.MaxAge.Std() < 0 {
		return errors.New("cache.max_age must be zero or positive")
	}
	if c.Cache.MaxAge.Std() > 0 && c.Cache.MaxAge.Std() < c.Cache.HotWindow.Std() {
		return errors.New("cache.max_age must not be shorter than cache.hot_window")
	}
	if c.Cache.MaxBytes < 0 {
		return errors.New("cache.max_bytes must be zero or positive")
	}
	if c.Cache.DiskFraction < 0 || c.Cache.DiskFraction > 1 {
		return errors.New("cache.disk_fraction must be between 0 and 1")
	}
	if c.Cache.SweepInterval.Std() < 0 || c.Cache.OrphanGrace.Std() < 0 {
		return errors.New("cache.sweep_interval and cache.orphan_grace must not be negative")
	}
	return nil
}

func (c *Config) validateBuilder() error {
	if err := ensurePositive("builder.workers", c.Builder.Workers); err != nil {
		return err
	}
	if c.Builder.CompressionLevel < 0 || c.Builder.CompressionLevel > maxCompressionLevel {
		return fmt.Errorf("builder.compression_level must be between 0 and %d", maxCompressionLevel)
	}
	if c.Builder.MinFreeBytes < 0 {
		return errors.New("builder.min_free_bytes must be zero or positive")
	}
	return nil
}

func (c *Config) validateFingerprint() error {
	switch c.Fingerprint.VersionSignal {
	case VersionSignalNone, VersionSignalMtime, VersionSignalMtimeSize:
		return nil
	default:
		return fmt.Errorf("fingerprint.version_signal: unsupported value %q", c.Fingerprint.VersionSignal)
	}
}

func (c *Config) validateDelivery() error {
	parsed, err := url.Parse(c.Delivery.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("delivery.base_url must be an absolute URL, got %q", c.Delivery.BaseURL)
	}
	if len(c.Delivery.SigningKey) < minSigningKeyLength {
		return fmt.Errorf("delivery.signing_key must be at least %d characters", minSigningKeyLength)
	}
	if c.Delivery.URLTTL.Std() <= 0 {
		return errors.New("delivery.url_ttl must be positive")
	}
	return nil
}

func (c *Config) validateBroadcast() error {
	if err := ensurePositive("broadcast.buffer", c.Broadcast.Buffer); err != nil {
		return err
	}
	if err := ensurePositive("broadcast.history", c.Broadcast.History); err != nil {
		return err
	}
	if c.Broadcast.RedisDB < 0 {
		return errors.New("broadcast.redis_db must be zero or positive")
	}
	return nil
}

func (c *Config) validatePrewarm() error {
	if !c.Prewarm.Enabled {
		return nil
	}
	if c.Fingerprint.PerUser {
		// Prewarmed artifacts would be keyed to the prewarm requester alone.
		return errors.New("prewarm.enabled cannot be combined with fingerprint.per_user")
	}
	if c.Prewarm.Interval.Std() <= 0 {
		return errors.New("prewarm.interval must be positive when prewarm.enabled is true")
	}
	return ensurePositive("prewarm.concurrency", c.Prewarm.Concurrency)
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be zero or positive")
	}
	return nil
}

func ensurePositive(field string, value int) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}
