// Package heartbeat implements the Heartbeat component (C6): a per-
// worker liveness row, refreshed on a jittered interval, with an
// occasional sweep of rows left behind by workers that died without
// cleaning up (spec §4.6).
package heartbeat

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"execution_service/internal/models"
)

// Store is the slice of the Persistence Adapter (C7) the Heartbeat
// needs.
type Store interface {
	UpsertWorker(ctx context.Context, w models.Worker) error
	SweepStaleWorkers(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// Counters is read by Heartbeat on every tick to report this worker's
// cumulative processed/error counts (spec §4.6). The worker pool (C3)
// owns these counters; Heartbeat only reads them.
type Counters interface {
	Processed() int64
	Errors() int64
}

// Heartbeat runs the liveness loop for one worker process.
type Heartbeat struct {
	store        Store
	counters     Counters
	interval     time.Duration
	maxProcesses int
	hostname     string
	pid          int
	startupTime  time.Time
}

func New(store Store, counters Counters, interval time.Duration, maxProcesses int) (*Heartbeat, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("heartbeat: failed to read hostname: %w", err)
	}
	return &Heartbeat{
		store:        store,
		counters:     counters,
		interval:     interval,
		maxProcesses: maxProcesses,
		hostname:     hostname,
		pid:          os.Getpid(),
	}, nil
}

// staleSweepProbability is the per-tick chance of also running the
// stale-worker sweep (spec §4.6: an occasional, not every-tick, GC
// pass so co-running workers don't all hit the table at once).
const staleSweepProbability = 0.01

// staleAfterIntervals is how many heartbeat intervals of silence mark
// a worker row as abandoned.
const staleAfterIntervals = 10

// Run blocks until ctx is cancelled, upserting this worker's row every
// tick (with +/-1s jitter) and occasionally sweeping stale rows. The
// first tick runs immediately and always sweeps.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.startupTime = time.Now()

	first := true
	for {
		if err := h.tick(ctx, first); err != nil {
			return err
		}

		delay := h.interval + time.Duration(rand.Intn(2001)-1000)*time.Millisecond
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		first = false
	}
}

func (h *Heartbeat) tick(ctx context.Context, first bool) error {
	w := models.Worker{
		Hostname:       h.hostname,
		Pid:            h.pid,
		MaxProcesses:   h.maxProcesses,
		StartupTime:    h.startupTime,
		LastContact:    time.Now(),
		ProcessedCount: h.counters.Processed(),
		ErrorCount:     h.counters.Errors(),
	}
	if err := h.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("heartbeat: failed to upsert worker row: %w", err)
	}

	if first || rand.Float64() < staleSweepProbability {
		if _, err := h.store.SweepStaleWorkers(ctx, h.interval*staleAfterIntervals); err != nil {
			return fmt.Errorf("heartbeat: failed to sweep stale workers: %w", err)
		}
	}

	return nil
}
