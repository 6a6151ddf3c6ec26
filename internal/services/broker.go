package services

import (
	"sync"

	"ledger/internal/calc"
)

const subscriberBuffer = 32

// Broker fans session snapshots out to subscribers. A subscriber that falls
// behind loses its oldest snapshot, never the newest one.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan calc.Snapshot]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan calc.Snapshot]struct{})}
}

// Subscribe registers a subscriber for one session. The returned function
// unsubscribes and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe(sessionID string) (<-chan calc.Snapshot, func()) {
	ch := make(chan calc.Snapshot, subscriberBuffer)
	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[chan calc.Snapshot]struct{})
		b.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(sessionID, ch) })
	}
}

func (b *Broker) remove(sessionID string, ch chan calc.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sessionID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(b.subs, sessionID)
	}
	close(ch)
}

// Publish delivers snap to every subscriber of its session without blocking.
func (b *Broker) Publish(snap calc.Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[snap.SessionID] {
		offer(ch, snap)
	}
}

// offer is only called under the read lock, so ch cannot be closed
// concurrently; dropping the oldest value makes room for snap.
func offer(ch chan calc.Snapshot, snap calc.Snapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// CloseSession disconnects every subscriber of a session.
func (b *Broker) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		close(ch)
	}
	delete(b.subs, sessionID)
}

// Subscribers reports how many subscribers a session has.
func (b *Broker) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
