package reaper

import (
	"context"
	"log"
	"time"

	"github.com/ctfgrid/warden/internal/orchestrator"
)

// Reaper periodically reclaims instances past the stale threshold, so
// resources are bounded even for owners who never come back to trigger the
// opportunistic pre-creation sweep.
type Reaper struct {
	orch   *orchestrator.Orchestrator
	ticker *time.Ticker
	stopCh chan bool
}

// New creates a reaper sweeping at the given interval.
func New(orch *orchestrator.Orchestrator, interval time.Duration) *Reaper {
	return &Reaper{
		orch:   orch,
		ticker: time.NewTicker(interval),
		stopCh: make(chan bool),
	}
}

// Start begins the periodic sweep in the background.
func (r *Reaper) Start() {
	log.Println("[INFO] Starting stale instance reaper...")
	go func() {
		// Sweep immediately on start
		r.sweep()

		for {
			select {
			case <-r.ticker.C:
				r.sweep()
			case <-r.stopCh:
				log.Println("[INFO] Stopping reaper.")
				r.ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the reaper.
func (r *Reaper) Stop() {
	r.stopCh <- true
}

func (r *Reaper) sweep() {
	if err := r.orch.SweepStale(context.Background()); err != nil {
		log.Printf("[ERROR] Scheduled stale sweep failed: %v", err)
	}
}
