package engine_test

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"flowboard/internal/engine"
)

func TestSafeGroupHandlersAreIndependent(t *testing.T) {
	errDeps := errors.New("dependencies failed")
	var finished atomic.Bool

	sg := engine.NewSafeGroup(nil)
	sg.Go("dependencies", func() error { return errDeps })
	sg.Go("triggers", func() error {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	sg.Go("groups", func() error { panic("bad group") })

	err := sg.Wait()
	if !errors.Is(err, errDeps) {
		t.Fatalf("expected dependency error in %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "groups: panic: bad group") {
		t.Fatalf("expected recovered panic in %v", err)
	}
	if !finished.Load() {
		t.Fatalf("slow handler should run to completion")
	}
}

func TestSafeGroupWithoutErrors(t *testing.T) {
	sg := engine.NewSafeGroup(nil)
	sg.Go("noop", func() error { return nil })
	if err := sg.Wait(); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
