package zigbee

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// revertTimeout bounds the store write performed when a pulse reverts.
const revertTimeout = 5 * time.Second

// PendingTimers owns the auto-revert timers of pulse slots, at most one per key.
//
// The pulse write, cancellation of the previous timer and installation of
// the new one all happen under one lock. A firing timer takes the same lock
// and only writes if it is still the installed timer for its key, so a
// superseded revert never reaches the store.
type PendingTimers struct {
	store StateStore

	mu     sync.Mutex
	timers map[string]*pendingTimer

	onRevert func(key string, err error)
}

type pendingTimer struct {
	timer *time.Timer
}

// NewPendingTimers creates an empty timer set writing to store.
func NewPendingTimers(store StateStore) *PendingTimers {
	return &PendingTimers{
		store:  store,
		timers: make(map[string]*pendingTimer),
	}
}

// SetOnRevert registers a callback invoked after every revert attempt.
// err is nil when the complement was written.
func (p *PendingTimers) SetOnRevert(fn func(key string, err error)) {
	p.mu.Lock()
	p.onRevert = fn
	p.mu.Unlock()
}

// Complement returns the value a pulse of value reverts to: the negation
// for booleans, otherwise fallback. ok is false when neither applies.
func Complement(value, fallback any) (any, bool) {
	if b, isBool := value.(bool); isBool {
		return !b, true
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// WriteWithExpiry writes value to key unconditionally, then replaces any
// pending revert for key with one that writes the complement after timeout.
//
// A nil value is a no-op. If the store write fails, the existing timer is
// left untouched and the error is returned. If value has no complement
// (not a bool and fallback is nil) the previous timer is still cancelled
// but no new one is scheduled; ErrNoComplement is returned after the write
// succeeds so callers can warn.
func (p *PendingTimers) WriteWithExpiry(ctx context.Context, key string, value, fallback any, timeout time.Duration) error {
	if value == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.Set(ctx, key, value); err != nil {
		return err
	}

	if prev, ok := p.timers[key]; ok {
		prev.timer.Stop()
		delete(p.timers, key)
	}

	complement, ok := Complement(value, fallback)
	if !ok {
		return fmt.Errorf("%w: %s (%T)", ErrNoComplement, key, value)
	}

	// Reverts outlive the message that caused them.
	revertCtx := context.WithoutCancel(ctx)
	entry := &pendingTimer{}
	entry.timer = time.AfterFunc(timeout, func() {
		p.revert(revertCtx, key, entry, complement)
	})
	p.timers[key] = entry

	return nil
}

func (p *PendingTimers) revert(ctx context.Context, key string, entry *pendingTimer, complement any) {
	p.mu.Lock()
	if p.timers[key] != entry {
		p.mu.Unlock()
		return
	}
	delete(p.timers, key)

	writeCtx, cancel := context.WithTimeout(ctx, revertTimeout)
	err := p.store.Set(writeCtx, key, complement)
	cancel()
	onRevert := p.onRevert
	p.mu.Unlock()

	if onRevert != nil {
		onRevert(key, err)
	}
}

// WriteIfChanged writes value through the store's change-aware write.
// A nil value is a no-op.
func (p *PendingTimers) WriteIfChanged(ctx context.Context, key string, value any) error {
	if value == nil {
		return nil
	}
	return p.store.SetIfChanged(ctx, key, value)
}

// Pending reports whether key has a live revert timer.
func (p *PendingTimers) Pending(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.timers[key]
	return ok
}

// Len returns the number of live timers.
func (p *PendingTimers) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// CancelAll stops and forgets every live timer.
func (p *PendingTimers) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.timers {
		entry.timer.Stop()
		delete(p.timers, key)
	}
}
