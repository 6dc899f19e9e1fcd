package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ReaperConfig configures idle-session expiry.
type ReaperConfig struct {
	// TTL is how long a session may sit untouched before removal.
	TTL time.Duration

	// Interval is how often idle sessions are scanned for.
	Interval time.Duration
}

// DefaultReaperConfig returns sensible defaults.
func DefaultReaperConfig() *ReaperConfig {
	return &ReaperConfig{
		TTL:      24 * time.Hour,
		Interval: 15 * time.Minute,
	}
}

// Reaper removes sessions idle past their TTL on a fixed interval.
type Reaper struct {
	cfg    *ReaperConfig
	repo   Repository
	logger *zap.Logger
}

// NewReaper creates a reaper over the given repository.
func NewReaper(cfg *ReaperConfig, repo Repository, logger *zap.Logger) *Reaper {
	if cfg == nil {
		cfg = DefaultReaperConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{cfg: cfg, repo: repo, logger: logger}
}

// Run blocks, reaping on each tick until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapOnce(ctx)
		}
	}
}

// ReapOnce removes all sessions idle past the TTL.
func (r *Reaper) ReapOnce(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-r.cfg.TTL)
	ids, err := r.repo.ListIdle(ctx, cutoff)
	if err != nil {
		r.logger.Warn("failed to list idle sessions", zap.Error(err))
		return 0
	}

	reaped := 0
	for _, id := range ids {
		if err := r.repo.Delete(ctx, id); err != nil {
			r.logger.Warn("failed to reap session",
				zap.String("session_id", id), zap.Error(err))
			continue
		}
		reaped++
	}
	if reaped > 0 {
		r.logger.Info("reaped idle sessions", zap.Int("count", reaped))
	}
	return reaped
}
