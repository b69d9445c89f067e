package adapter

import (
	"errors"
	"fmt"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/shmring/pkg/ringbuf"
)

// maxGoroutines fails liveness when a process leaks goroutines, usually blocked waiters.
const maxGoroutines = 10000

// NewHealthHandler returns a handler serving /live and /ready for the rings in reg.
// Liveness fails when any shared header is damaged; readiness fails until at least one
// ring is registered and every registered handle is attached.
func NewHealthHandler(reg *ringbuf.Registry) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("ring-headers", HeadersIntact(reg))
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	h.AddReadinessCheck("rings-attached", RingsAttached(reg))
	return h
}

// HeadersIntact checks every header in reg for corruption.
func HeadersIntact(reg *ringbuf.Registry) healthcheck.Check {
	return func() error {
		var errs []error
		for _, r := range reg.Rings() {
			if err := r.Header().Check(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", r.ID(), err))
			}
		}
		return errors.Join(errs...)
	}
}

// RingsAttached checks that reg is not empty and all its handles are attached.
func RingsAttached(reg *ringbuf.Registry) healthcheck.Check {
	return func() error {
		rings := reg.Rings()
		if len(rings) == 0 {
			return errors.New("no rings registered")
		}
		for _, r := range rings {
			if !r.Attached() {
				return fmt.Errorf("%s is not attached", r.ID())
			}
		}
		return nil
	}
}
