// Package janitor runs the periodic sweeps that reclaim abandoned rooms,
// stale transfers, and idle rate-limit trackers.
//
// Each sweep is a plain function invoked on its own interval, so tests drive
// the sweep directly with an injected clock instead of waiting on wall-clock
// timers.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweep names one reclamation pass. Run returns how many entries were
// reclaimed.
type Sweep struct {
	Name     string
	Interval time.Duration
	Run      func() int
}

type Janitor struct {
	log    *slog.Logger
	sweeps []Sweep

	wg sync.WaitGroup
}

func New(log *slog.Logger, sweeps ...Sweep) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	return &Janitor{log: log, sweeps: sweeps}
}

// Start launches one ticker goroutine per sweep. All goroutines stop when ctx
// is cancelled; Wait blocks until they have exited.
func (j *Janitor) Start(ctx context.Context) {
	for _, sweep := range j.sweeps {
		if sweep.Interval <= 0 || sweep.Run == nil {
			continue
		}
		j.wg.Add(1)
		go j.loop(ctx, sweep)
	}
}

func (j *Janitor) loop(ctx context.Context, sweep Sweep) {
	defer j.wg.Done()

	ticker := time.NewTicker(sweep.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed := sweep.Run()
			j.log.Info("janitor sweep complete", "sweep", sweep.Name, "reclaimed", reclaimed)
		}
	}
}

func (j *Janitor) Wait() {
	j.wg.Wait()
}
