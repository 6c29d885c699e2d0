package services

import (
	"context"
	"time"

	"meshcall/internal/core/ports"

	"go.uber.org/zap"
)

// RoomSweeper periodically applies the registry's retention strategy.
type RoomSweeper struct {
	registry ports.RoomRegistry
	interval time.Duration
	logger   *zap.SugaredLogger
}

func NewRoomSweeper(registry ports.RoomRegistry, interval time.Duration, logger *zap.SugaredLogger) *RoomSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &RoomSweeper{
		registry: registry,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps until ctx is cancelled.
func (s *RoomSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted, err := s.registry.Sweep(ctx, now)
			if err != nil {
				s.logger.Warnw("room sweep failed", "error", err)
				continue
			}
			if evicted > 0 {
				s.logger.Infow("evicted idle rooms", "count", evicted)
			}
		}
	}
}
