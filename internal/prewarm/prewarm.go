// Package prewarm builds a configured list of popular folders ahead of
// demand so the first real request is already a cache hit.
package prewarm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"zipline/internal/delivery"
	"zipline/internal/logging"
)

// Requester is the identity prewarm builds are attached under.
const Requester = "prewarm"

// Resolver is the delivery entry point prewarm drives.
type Resolver interface {
	Resolve(ctx context.Context, path, requester string) (delivery.Resolution, error)
}

// Result summarizes one sweep.
type Result struct {
	Folders int `json:"folders"`
	Cached  int `json:"cached"`
	Queued  int `json:"queued"`
	Failed  int `json:"failed"`
}

// Prewarmer periodically resolves each folder as the prewarm requester.
type Prewarmer struct {
	resolver    Resolver
	folders     []string
	concurrency int
	interval    time.Duration
	logger      *slog.Logger
}

// New constructs a Prewarmer.
func New(resolver Resolver, folders []string, concurrency int, interval time.Duration, logger *slog.Logger) *Prewarmer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Prewarmer{
		resolver:    resolver,
		folders:     append([]string(nil), folders...),
		concurrency: concurrency,
		interval:    interval,
		logger:      logging.NewComponentLogger(logger, "prewarm"),
	}
}

// Sweep resolves every folder once. Folders already cached or building are
// left alone by the resolver; per-folder failures are logged and counted.
func (p *Prewarmer) Sweep(ctx context.Context) (Result, error) {
	var (
		mu  sync.Mutex
		res = Result{Folders: len(p.folders)}
	)
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(p.concurrency)
	for _, folder := range p.folders {
		group.Go(func() error {
			resolution, err := p.resolver.Resolve(gctx, folder, Requester)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				if errors.Is(err, context.Canceled) {
					return err
				}
				res.Failed++
				logging.WarnWithContext(p.logger, "prewarm folder failed", "prewarm_failed",
					logging.String("folder", folder),
					logging.Error(err),
					logging.String(logging.FieldImpact, "first request for this folder will wait for a build"),
					logging.String(logging.FieldErrorHint, "check prewarm.folders against the source root"),
				)
			case resolution.Status == delivery.StatusArtifactReady:
				res.Cached++
			default:
				res.Queued++
			}
			return nil
		})
	}
	err := group.Wait()
	p.logger.Info("prewarm sweep complete",
		logging.Int("folders", res.Folders),
		logging.Int("cached", res.Cached),
		logging.Int("queued", res.Queued),
		logging.Int("failed", res.Failed),
		logging.String(logging.FieldEventType, "prewarm_sweep"),
	)
	return res, err
}

// Run sweeps immediately and then on every interval until ctx ends.
func (p *Prewarmer) Run(ctx context.Context) {
	if len(p.folders) == 0 {
		return
	}
	if _, err := p.Sweep(ctx); err != nil && ctx.Err() != nil {
		return
	}
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = p.Sweep(ctx)
		}
	}
}
