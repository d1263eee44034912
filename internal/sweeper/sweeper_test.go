package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"flowboard/internal/engine"
)

type countingEngine struct {
	calls atomic.Int32
	err   error
}

func (c *countingEngine) Sweep(context.Context) (engine.SweepReport, error) {
	c.calls.Add(1)
	return engine.SweepReport{Started: 1}, c.err
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	eng := &countingEngine{err: errors.New("boom")}
	s := New(eng, 10*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for eng.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated sweeps, got %d", eng.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestStartStop(t *testing.T) {
	eng := &countingEngine{}
	s := New(eng, time.Hour, nil)
	s.Start()
	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for eng.calls.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first sweep did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()
	if n := eng.calls.Load(); n != 1 {
		t.Fatalf("expected a single sweep with an hour interval, got %d", n)
	}
}

func TestOnceReturnsReport(t *testing.T) {
	s := New(&countingEngine{}, 0, nil)
	if rep := s.Once(context.Background()); rep.Started != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
}
