package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"execution_service/internal/models"
)

type fakeStore struct {
	upserts int
	sweeps  int
}

func (s *fakeStore) UpsertWorker(ctx context.Context, w models.Worker) error {
	s.upserts++
	return nil
}

func (s *fakeStore) SweepStaleWorkers(ctx context.Context, staleAfter time.Duration) (int64, error) {
	s.sweeps++
	return 0, nil
}

type fakeCounters struct {
	processed, errors int64
}

func (c *fakeCounters) Processed() int64 { return atomic.LoadInt64(&c.processed) }
func (c *fakeCounters) Errors() int64    { return atomic.LoadInt64(&c.errors) }

func TestHeartbeatFirstTickAlwaysSweeps(t *testing.T) {
	store := &fakeStore{}
	hb, err := New(store, &fakeCounters{}, time.Hour, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := hb.tick(context.Background(), true); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if store.upserts != 1 {
		t.Fatalf("upserts = %d, want 1", store.upserts)
	}
	if store.sweeps != 1 {
		t.Fatalf("sweeps = %d, want 1 on the first tick", store.sweeps)
	}
}

func TestHeartbeatRunStopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	hb, err := New(store, &fakeCounters{}, 10*time.Millisecond, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected context-cancellation error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	if store.upserts < 1 {
		t.Fatalf("expected at least one upsert before cancel")
	}
}
