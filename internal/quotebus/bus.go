// Package quotebus is the in-process fan-out pub/sub mapping
// (user, env, account, symbol) to its last quote, with bounded blocking
// waiters. The waiter bookkeeping (enqueue under a mutex, drain-and-clear
// on publish) follows consumer.go's sourcesReadyForDraining/
// sourcesReadyCond broadcast-on-ready pattern, reshaped from one global
// condvar into independent per-waiter channels so a single waiter's timeout
// never blocks others on the same key.
package quotebus

import (
	"errors"
	"sync"
	"time"

	"github.com/orbital-markets/ctrader-gateway/internal/domain"
)

// MaxWaitersPerKey bounds the waiter queue per key, per §4.7.
const MaxWaitersPerKey = 50

// ErrWaiterQueueFull is returned by WaitForNext when a key's waiter queue
// is already at MaxWaitersPerKey.
var ErrWaiterQueueFull = errors.New("quotebus: waiter queue full")

// ErrTimeout is returned by WaitForNext when no quote arrives in time.
var ErrTimeout = errors.New("quotebus: QUOTE_TIMEOUT")

type waiter struct {
	ch        chan domain.Quote
	createdAt time.Time
}

// Bus is the process-wide quote store.
type Bus struct {
	mu      sync.Mutex
	last    map[domain.QuoteKey]domain.Quote
	waiters map[domain.QuoteKey][]*waiter
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		last:    make(map[domain.QuoteKey]domain.Quote),
		waiters: make(map[domain.QuoteKey][]*waiter),
	}
}

func keyOf(q domain.Quote) domain.QuoteKey {
	return domain.QuoteKey{UserID: q.UserID, Env: q.Env, AccountID: q.AccountID, SymbolID: q.SymbolID}
}

// Upsert stores q and resolves every waiter currently queued on its key
// before returning, per the §8 ordering invariant.
func (b *Bus) Upsert(q domain.Quote) {
	k := keyOf(q)

	b.mu.Lock()
	b.last[k] = q
	pending := b.waiters[k]
	delete(b.waiters, k)
	b.mu.Unlock()

	for _, w := range pending {
		// Buffered channel of size 1: this never blocks, even if the
		// waiter already gave up to its own timeout.
		w.ch <- q
	}
}

// GetLast returns the current value for key, if any.
func (b *Bus) GetLast(key domain.QuoteKey) (domain.Quote, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.last[key]
	return q, ok
}

// WaitForNext blocks until the next Upsert for key, or until timeout
// elapses. A full waiter queue fails immediately without registering.
func (b *Bus) WaitForNext(key domain.QuoteKey, timeout time.Duration) (domain.Quote, error) {
	b.mu.Lock()
	if len(b.waiters[key]) >= MaxWaitersPerKey {
		b.mu.Unlock()
		return domain.Quote{}, ErrWaiterQueueFull
	}
	w := &waiter{ch: make(chan domain.Quote, 1), createdAt: time.Now()}
	b.waiters[key] = append(b.waiters[key], w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q := <-w.ch:
		return q, nil
	case <-timer.C:
		// The timed-out waiter is left in the slice; Upsert drains it
		// harmlessly on the next publish since the channel is
		// buffered and nobody reads it again. Implementers may prune
		// eagerly without changing observable behavior; we don't
		// bother since the slice is rebuilt wholesale on every
		// Upsert anyway.
		return domain.Quote{}, ErrTimeout
	}
}

// WaiterCount reports how many waiters are currently queued for key; used
// by tests to assert the bound is enforced.
func (b *Bus) WaiterCount(key domain.QuoteKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters[key])
}
