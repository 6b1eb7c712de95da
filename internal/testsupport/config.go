package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"zipline/internal/config"
)

// TestSigningKey is the delivery signing key placed in every test config.
const TestSigningKey = "zipline-test-signing-key"

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The source root exists and is empty; the API is unbound unless
// WithAPIBind is given.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.SourceRoot = filepath.Join(base, "source")
	cfgVal.Paths.ArtifactDir = filepath.Join(base, "artifacts")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = ""
	cfgVal.Builder.MinFreeBytes = 0
	cfgVal.Cache.SweepInterval = 0
	cfgVal.Delivery.SigningKey = TestSigningKey
	cfgVal.Delivery.BaseURL = "http://zipline.test"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}

	if err := os.MkdirAll(builder.cfg.Paths.SourceRoot, 0o755); err != nil {
		t.Fatalf("mkdir source root: %v", err)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithAPIBind sets the API listen address, typically "127.0.0.1:0".
func WithAPIBind(bind string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIBind = bind
	}
}

// WithAPIToken requires bearer authentication on the API.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIToken = token
	}
}

// WithWorkers overrides the build worker count.
func WithWorkers(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Builder.Workers = n
	}
}

// WithPrewarm enables prewarming of the given folders.
func WithPrewarm(folders ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Prewarm.Enabled = true
		b.cfg.Prewarm.Folders = folders
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.SourceRoot)
}
