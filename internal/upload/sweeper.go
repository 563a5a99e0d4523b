package upload

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically cancels sessions idle beyond their TTL
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper for the given engine
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{engine: engine, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
// One sweep runs immediately on startup to catch sessions that went stale
// while the service was down.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("expiry sweeper started")

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("expiry sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.engine.ExpirySweep(ctx); err != nil {
		log.Error().Err(err).Msg("expiry sweep failed")
	}
}
