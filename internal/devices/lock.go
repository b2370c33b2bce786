package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/smazurov/pimonitor/internal/errs"
	"golang.org/x/sync/semaphore"
)

// Lock is the advisory exclusive lock on the capture device.
// The live stream and jobs both take it before opening the device, so a
// conflict surfaces as errs.KindBusy instead of an EBUSY from the driver.
type Lock struct {
	sem       *semaphore.Weighted
	mu        sync.Mutex
	holder    string
	listeners []func(owner string)
	watchers  []func(holder string)
}

// NewLock creates an unheld device lock.
func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// TryAcquire takes the lock for owner or fails immediately with Busy.
func (l *Lock) TryAcquire(owner string) error {
	if !l.sem.TryAcquire(1) {
		return errs.Busy(l.Holder())
	}
	l.setHolder(owner)
	return nil
}

// Acquire waits for the lock until ctx is done.
func (l *Lock) Acquire(ctx context.Context, owner string) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		busy := errs.Busy(l.Holder())
		busy.Cause = err
		return busy
	}
	l.setHolder(owner)
	return nil
}

// Release frees the lock. Only the current holder may release it.
func (l *Lock) Release(owner string) error {
	l.mu.Lock()
	if l.holder != owner {
		holder := l.holder
		l.mu.Unlock()
		return fmt.Errorf("device lock held by %q, not %q", holder, owner)
	}
	l.holder = ""
	listeners := append([]func(string){}, l.listeners...)
	watchers := append([]func(string){}, l.watchers...)
	l.mu.Unlock()

	l.sem.Release(1)

	for _, fn := range watchers {
		fn("")
	}
	for _, fn := range listeners {
		fn(owner)
	}
	return nil
}

// Transfer hands the held lock from one owner to another without
// releasing it, so no third party can slip in between.
func (l *Lock) Transfer(from, to string) error {
	l.mu.Lock()
	if l.holder != from {
		holder := l.holder
		l.mu.Unlock()
		return fmt.Errorf("device lock held by %q, not %q", holder, from)
	}
	l.holder = to
	watchers := append([]func(string){}, l.watchers...)
	l.mu.Unlock()

	for _, fn := range watchers {
		fn(to)
	}
	return nil
}

// Holder returns the current owner, or "" when the lock is free.
func (l *Lock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}

// OnRelease registers fn to run after every release, with the releasing owner.
func (l *Lock) OnRelease(fn func(owner string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// OnChange registers fn to run after every change of holder, with the new
// holder ("" when released).
func (l *Lock) OnChange(fn func(holder string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, fn)
}

func (l *Lock) setHolder(owner string) {
	l.mu.Lock()
	l.holder = owner
	watchers := append([]func(string){}, l.watchers...)
	l.mu.Unlock()

	for _, fn := range watchers {
		fn(owner)
	}
}
