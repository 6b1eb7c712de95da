package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeFingerprint()
	c.normalizeDelivery()
	c.normalizeBroadcast()
	c.normalizePrewarm()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.SourceRoot, err = expandPath(c.Paths.SourceRoot); err != nil {
		return fmt.Errorf("paths.source_root: %w", err)
	}
	if c.Paths.ArtifactDir, err = expandPath(c.Paths.ArtifactDir); err != nil {
		return fmt.Errorf("paths.artifact_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("ZIPLINE_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeFingerprint() {
	c.Fingerprint.VersionSignal = strings.ToLower(strings.TrimSpace(c.Fingerprint.VersionSignal))
	if c.Fingerprint.VersionSignal == "" {
		c.Fingerprint.VersionSignal = defaultVersionSignal
	}
}

func (c *Config) normalizeDelivery() {
	c.Delivery.BaseURL = strings.TrimRight(strings.TrimSpace(c.Delivery.BaseURL), "/")
	if c.Delivery.BaseURL == "" {
		c.Delivery.BaseURL = "http://" + c.Paths.APIBind
	}
	c.Delivery.SigningKey = strings.TrimSpace(c.Delivery.SigningKey)
	if c.Delivery.SigningKey == "" {
		if value, ok := os.LookupEnv("ZIPLINE_SIGNING_KEY"); ok {
			c.Delivery.SigningKey = strings.TrimSpace(value)
		}
	}
	if c.Delivery.SigningKey == "" {
		c.Delivery.SigningKey = developmentSigningSecret
	}
}

func (c *Config) normalizeBroadcast() {
	c.Broadcast.RedisAddr = strings.TrimSpace(c.Broadcast.RedisAddr)
	if c.Broadcast.RedisAddr == "" {
		c.Broadcast.RedisAddr = defaultRedisAddr
	}
	if c.Broadcast.RedisPassword == "" {
		if value, ok := os.LookupEnv("ZIPLINE_REDIS_PASSWORD"); ok {
			c.Broadcast.RedisPassword = value
		}
	}
	c.Broadcast.RedisPrefix = strings.Trim(strings.TrimSpace(c.Broadcast.RedisPrefix), ":")
	if c.Broadcast.RedisPrefix == "" {
		c.Broadcast.RedisPrefix = defaultRedisPrefix
	}
}

func (c *Config) normalizePrewarm() {
	folders := make([]string, 0, len(c.Prewarm.Folders))
	seen := make(map[string]struct{}, len(c.Prewarm.Folders))
	for _, folder := range c.Prewarm.Folders {
		folder = strings.TrimSpace(folder)
		if folder == "" {
			continue
		}
		if _, ok := seen[folder]; ok {
			continue
		}
		seen[folder] = struct{}{}
		folders = append(folders, folder)
	}
	c.Prewarm.Folders = folders
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
