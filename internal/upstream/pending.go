package upstream

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// Result is what a correlated response resolves a pending request with.
type Result struct {
	PayloadName string
	TypeName    string
	Decoded     map[string]interface{}
}

type pendingEntry struct {
	clientMsgID string
	payloadKey  string
	timer       *time.Timer
	resolve     chan Result
	reject      chan error
	elem        *list.Element // position in the oldest-first list
}

// pendingMap is the correlation table keyed by clientMsgId, modeled on
// broker.go's promisedReq/promisedResp pairing: one side registers a
// request and a completion channel, the other resolves or rejects it
// exactly once. order additionally tracks insertion order so
// uncorrelated system frames can fall back to "oldest pending" per §4.6.
type pendingMap struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
	order   *list.List // of *pendingEntry, oldest at Front

	counter uint64
}

func newPendingMap() *pendingMap {
	return &pendingMap{
		entries: make(map[string]*pendingEntry),
		order:   list.New(),
	}
}

// nextClientMsgID returns a monotonically increasing id in [1, 2e9],
// wrapping back to 1 (never 0) per §3's PendingRequest invariant.
func (p *pendingMap) nextClientMsgID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	if p.counter == 0 || p.counter > 2_000_000_000 {
		p.counter = 1
	}
	return fmt.Sprintf("%d", p.counter)
}

// register inserts a pending entry with a timeout; exactly one of the
// returned channels receives exactly one value, when the entry is
// resolved, rejected, or times out.
func (p *pendingMap) register(clientMsgID, payloadKey string, timeout time.Duration) (resolve chan Result, reject chan error) {
	resolve = make(chan Result, 1)
	reject = make(chan error, 1)

	entry := &pendingEntry{
		clientMsgID: clientMsgID,
		payloadKey:  payloadKey,
		resolve:     resolve,
		reject:      reject,
	}

	// timer must be set before entry is published to entries/order: once
	// visible there, removeOldest/drainAll may run concurrently on the
	// read-loop goroutine and call entry.timer.Stop() immediately.
	entry.timer = time.AfterFunc(timeout, func() {
		if removed := p.remove(clientMsgID); removed != nil {
			removed.reject <- fmt.Errorf("Request timeout (%s) clientMsgId=%s", payloadKey, clientMsgID)
		}
	})

	p.mu.Lock()
	entry.elem = p.order.PushBack(entry)
	p.entries[clientMsgID] = entry
	p.mu.Unlock()

	return resolve, reject
}

// remove deletes and returns the entry for clientMsgID, if present, and
// stops its timer. Safe to call more than once; only the first call wins.
func (p *pendingMap) remove(clientMsgID string) *pendingEntry {
	p.mu.Lock()
	entry, ok := p.entries[clientMsgID]
	if ok {
		delete(p.entries, clientMsgID)
		p.order.Remove(entry.elem)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	entry.timer.Stop()
	return entry
}

// removeOldest pops and returns the longest-pending entry, used for the
// best-effort correlation fallback on uncorrelated system frames.
func (p *pendingMap) removeOldest() *pendingEntry {
	p.mu.Lock()
	front := p.order.Front()
	if front == nil {
		p.mu.Unlock()
		return nil
	}
	entry := front.Value.(*pendingEntry)
	delete(p.entries, entry.clientMsgID)
	p.order.Remove(front)
	p.mu.Unlock()
	entry.timer.Stop()
	return entry
}

// resolveWith completes entry's promise with a success result.
func (e *pendingEntry) resolveWith(r Result) {
	e.resolve <- r
}

// rejectWith completes entry's promise with a failure.
func (e *pendingEntry) rejectWith(err error) {
	e.reject <- err
}

// drainAll rejects every currently pending entry with err, used on
// disconnect and on stop per §4.6.
func (p *pendingMap) drainAll(err error) {
	p.mu.Lock()
	entries := make([]*pendingEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[string]*pendingEntry)
	p.order.Init()
	p.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.rejectWith(err)
	}
}
