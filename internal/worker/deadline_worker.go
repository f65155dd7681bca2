package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ExpirySweeper finalizes overdue attempts. *service.AttemptService
// implements it.
type ExpirySweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// DeadlineWorker periodically sweeps ACTIVE attempts past their grace
// window. The in-process timers handle the common case; this sweep catches
// timers lost to crashes or missed re-arms.
type DeadlineWorker struct {
	sweeper  ExpirySweeper
	interval time.Duration
	log      zerolog.Logger
}

// NewDeadlineWorker creates a new DeadlineWorker.
func NewDeadlineWorker(sweeper ExpirySweeper, interval time.Duration, log zerolog.Logger) *DeadlineWorker {
	return &DeadlineWorker{
		sweeper:  sweeper,
		interval: interval,
		log:      log.With().Str("component", "deadline_worker").Logger(),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (w *DeadlineWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			swept, err := w.sweeper.SweepExpired(ctx)
			if err != nil {
				w.log.Error().Err(err).Msg("Sweep failed")
				continue
			}
			if swept > 0 {
				w.log.Info().Int("count", swept).Msg("Auto-submitted overdue attempts")
			}
		}
	}
}
