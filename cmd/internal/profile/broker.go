package profile

import (
	"context"
	"sync"
)

// broker fans snapshots out to per-user subscribers. Sends and closes both
// happen under mu, so a subscriber channel is never written after close.
type broker struct {
	mu     sync.Mutex
	subs   map[string]map[chan Snapshot]struct{}
	closed bool
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[chan Snapshot]struct{})}
}

// subscribe registers a subscriber seeded with initial. The channel is
// removed and closed when ctx is done.
func (b *broker) subscribe(ctx context.Context, userID string, initial Snapshot) (<-chan Snapshot, error) {
	ch := make(chan Snapshot, 1)
	ch <- initial

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	set := b.subs[userID]
	if set == nil {
		set = make(map[chan Snapshot]struct{})
		b.subs[userID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(userID, ch)
	}()
	return ch, nil
}

func (b *broker) remove(userID string, ch chan Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[userID]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(b.subs, userID)
	}
	close(ch)
}

func (b *broker) publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[s.UserID] {
		offer(ch, s)
	}
}

// subscribers returns the number of live subscriptions for userID.
func (b *broker) subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}

func (b *broker) userIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for id := range b.subs {
		out = append(out, id)
	}
	return out
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for userID, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, userID)
	}
}

// offer puts s into a 1-slot channel, replacing a value the reader has not
// taken yet. Only one goroutine may send on ch at a time.
func offer(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}
