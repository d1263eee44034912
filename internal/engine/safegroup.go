package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"flowboard/internal/logger"
)

// SafeGroup runs independent handlers concurrently. A failing or panicking
// handler does not cancel the others; Wait joins every error.
type SafeGroup struct {
	group errgroup.Group
	log   logger.Logger

	mu   sync.Mutex
	errs []error
}

func NewSafeGroup(log logger.Logger) *SafeGroup {
	if log == nil {
		log = logger.Nop()
	}
	return &SafeGroup{log: log}
}

func (sg *SafeGroup) Go(name string, fn func() error) {
	sg.group.Go(func() error {
		if err := sg.run(name, fn); err != nil {
			sg.mu.Lock()
			sg.errs = append(sg.errs, fmt.Errorf("%s: %w", name, err))
			sg.mu.Unlock()
		}
		return nil
	})
}

func (sg *SafeGroup) run(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sg.log.Error("handler panic recovered",
				logger.F("handler", name),
				logger.F("panic", r),
				logger.F("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func (sg *SafeGroup) Wait() error {
	_ = sg.group.Wait()
	sg.mu.Lock()
	defer sg.mu.Unlock()
	return errors.Join(sg.errs...)
}
