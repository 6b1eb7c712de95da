package testsupport

import (
	"testing"

	"zipline/internal/artifactcache"
	"zipline/internal/config"
	"zipline/internal/logging"
)

// OpenCache opens the artifact cache described by cfg and closes it when the
// test ends.
func OpenCache(t testing.TB, cfg *config.Config, opts ...artifactcache.Option) *artifactcache.Cache {
	t.Helper()

	cache, err := artifactcache.Open(artifactcache.OptionsFromConfig(cfg, logging.NewNop()), opts...)
	if err != nil {
		t.Fatalf("artifactcache.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = cache.Close()
	})
	return cache
}
