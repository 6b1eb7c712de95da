package config

import "time"

const (
	defaultConfigPath        = "~/.config/zipline/config.toml"
	defaultSourceRoot        = "~/files"
	defaultArtifactDir       = "~/.local/share/zipline/artifacts"
	defaultStateDir          = "~/.local/share/zipline/state"
	defaultLogDir            = "~/.local/share/zipline/logs"
	defaultAPIBind           = "127.0.0.1:7490"
	defaultHotWindow         = 14 * 24 * time.Hour
	defaultMaxAge            = 90 * 24 * time.Hour
	defaultDiskFraction      = 0.25
	defaultSweepInterval     = time.Hour
	defaultOrphanGrace       = time.Hour
	defaultWorkers           = 2
	defaultCompressionLevel  = 1
	defaultMinFreeBytes      = 512 << 20
	defaultRecordLinger      = 2 * time.Minute
	defaultVersionSignal     = VersionSignalMtimeSize
	defaultBaseURL           = "http://127.0.0.1:7490"
	defaultURLTTL            = 24 * time.Hour
	defaultBroadcastBuffer   = 64
	defaultBroadcastHistory  = 256
	defaultRedisAddr         = "127.0.0.1:6379"
	defaultRedisPrefix       = "zipline"
	defaultPrewarmInterval   = 15 * time.Minute
	defaultPrewarmWorkers    = 2
	defaultLogFormat         = "console"
	defaultLogLevel          = "info"
	defaultLogRetentionDays  = 30
	maxCompressionLevel      = 9
	minSigningKeyLength      = 16
	developmentSigningSecret = "zipline-development-signing-key"
)

// Version signal modes for fingerprinting.
const (
	VersionSignalNone      = "none"
	VersionSignalMtime     = "mtime"
	VersionSignalMtimeSize = "mtime_size"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			SourceRoot:  defaultSourceRoot,
			ArtifactDir: defaultArtifactDir,
			StateDir:    defaultStateDir,
			LogDir:      defaultLogDir,
			APIBind:     defaultAPIBind,
		},
		Cache: Cache{
			HotWindow:     Duration(defaultHotWindow),
			MaxAge:        Duration(defaultMaxAge),
			DiskFraction:  defaultDiskFraction,
			SweepInterval: Duration(defaultSweepInterval),
			OrphanGrace:   Duration(defaultOrphanGrace),
		},
		Builder: Builder{
			Workers:          defaultWorkers,
			CompressionLevel: defaultCompressionLevel,
			MinFreeBytes:     defaultMinFreeBytes,
			RecordLinger:     Duration(defaultRecordLinger),
		},
		Fingerprint: Fingerprint{
			VersionSignal: defaultVersionSignal,
		},
		Delivery: Delivery{
			BaseURL: defaultBaseURL,
			URLTTL:  Duration(defaultURLTTL),
		},
		Broadcast: Broadcast{
			Buffer:      defaultBroadcastBuffer,
			History:     defaultBroadcastHistory,
			RedisAddr:   defaultRedisAddr,
			RedisPrefix: defaultRedisPrefix,
		},
		Prewarm: Prewarm{
			Interval:    Duration(defaultPrewarmInterval),
			Concurrency: defaultPrewarmWorkers,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
