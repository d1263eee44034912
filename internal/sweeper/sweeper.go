// Package sweeper runs the engine's reconciliation pass on a fixed interval.
package sweeper

import (
	"context"
	"sync"
	"time"

	"flowboard/internal/engine"
	"flowboard/internal/logger"
)

// Sweeps is the part of the engine the sweeper drives.
type Sweeps interface {
	Sweep(ctx context.Context) (engine.SweepReport, error)
}

type Sweeper struct {
	engine   Sweeps
	interval time.Duration
	log      logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(e Sweeps, interval time.Duration, log logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Sweeper{engine: e, interval: interval, log: log.WithComponent("sweeper")}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("sweeper started", logger.F("interval", s.interval.String()))
	for {
		s.Once(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Once runs a single pass. Errors are logged; the next tick tries again.
func (s *Sweeper) Once(ctx context.Context) engine.SweepReport {
	rep, err := s.engine.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("sweep incomplete", logger.Err(err))
	}
	return rep
}

// Start runs the sweeper in the background until Stop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.Run(ctx)
	}()
}

// Stop cancels a sweeper started with Start and waits for the pass in flight.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
