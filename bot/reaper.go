package bot

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// idleReaper periodically sweeps the session store and collapses the
// history of any guild that's been inactive longer than the threshold
// back down to its persona entry. The sweep itself must not refresh
// last-activity timestamps, or a fully idle guild would re-arm its own
// timer on every sweep and never actually expire.
type idleReaper struct {
	store     *SessionStore
	cron      *cron.Cron
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
}

func newIdleReaper(
	store *SessionStore,
	interval time.Duration,
	threshold time.Duration,
	logger *slog.Logger,
) *idleReaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &idleReaper{
		store:     store,
		cron:      cron.New(),
		interval:  interval,
		threshold: threshold,
		logger:    logger.With(loggerNameKey, "idle_reaper"),
	}
}

// start schedules the sweep and begins running it. The first sweep
// happens one interval after start, not immediately.
func (r *idleReaper) start() error {
	_, err := r.cron.AddFunc(
		fmt.Sprintf("@every %s", r.interval),
		r.sweep,
	)
	if err != nil {
		return fmt.Errorf("error scheduling idle sweep: %w", err)
	}
	r.cron.Start()
	r.logger.Info(
		"idle reaper started",
		"interval", r.interval,
		"threshold", r.threshold,
	)
	return nil
}

// stop halts the schedule and blocks until any in-flight sweep finishes.
func (r *idleReaper) stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("idle reaper stopped")
}

func (r *idleReaper) sweep() {
	expired := r.store.ExpireIdle(r.threshold)
	if len(expired) > 0 {
		r.logger.Info(
			"cyclic history reset",
			"expired", len(expired),
			"guild_ids", expired,
		)
	}
}
