// File: internal/capture/lease.go
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/plantscan/internal/config"
)

// ErrLeaseBusy is returned when the capture agent is held by another session
// and the caller may not (or can no longer) wait for it.
var ErrLeaseBusy = errors.New("capture agent is busy")

// Lease is the single slot guarding the capture agent and its working directory.
// Only one session may hold it; the holder keeps it through classification so a
// second agent run cannot overwrite the artifact being analyzed.
type Lease struct {
	sem  *semaphore.Weighted
	mode config.LeaseMode
	wait time.Duration
}

// NewLease creates a lease. In queue mode callers wait up to wait for the slot;
// in reject mode they fail immediately with ErrLeaseBusy.
func NewLease(mode config.LeaseMode, wait time.Duration) *Lease {
	return &Lease{
		sem:  semaphore.NewWeighted(1),
		mode: mode,
		wait: wait,
	}
}

// Acquire obtains the slot. The returned release function is idempotent.
func (l *Lease) Acquire(ctx context.Context) (release func(), err error) {
	if l.mode == config.LeaseReject {
		if !l.sem.TryAcquire(1) {
			return nil, ErrLeaseBusy
		}
		return l.releaser(), nil
	}

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: waited %s", ErrLeaseBusy, l.wait)
	}
	return l.releaser(), nil
}

func (l *Lease) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.sem.Release(1) })
	}
}
