package cache

import (
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// Janitor periodically sweeps a Store.
type Janitor struct {
	scheduler *gocron.Scheduler
	store     *Store
	interval  time.Duration
	logger    *slog.Logger
}

// NewJanitor creates a janitor that sweeps store every interval.
func NewJanitor(store *Store, interval time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Janitor{
		scheduler: gocron.NewScheduler(time.UTC),
		store:     store,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules the sweep and runs the first one immediately.
func (j *Janitor) Start() error {
	_, err := j.scheduler.Every(j.interval).Do(j.sweep)
	if err != nil {
		return err
	}
	j.scheduler.StartAsync()
	j.logger.Info("cache janitor started", "dir", j.store.Dir(), "interval", j.interval)
	return nil
}

// Stop cancels future sweeps and waits for a running one to finish.
func (j *Janitor) Stop() {
	j.scheduler.Stop()
}

func (j *Janitor) sweep() {
	start := time.Now()
	removed := j.store.Sweep()
	j.logger.Info("cache sweep complete", "removed", removed, "duration", time.Since(start))
}
