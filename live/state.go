package live

import (
	"sync"
	"time"
)

// State is the session lifecycle state.
type State int

// Session states. Disconnected and Error end an attempt; Connect starts a
// fresh one from either.
const (
	StateDisconnected State = iota
	StateConnecting
	StateSettingUp
	StateReady
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSettingUp:
		return "settingUp"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the session.
type Snapshot struct {
	// ID identifies the connection attempt. Empty before the first Connect.
	ID              string
	State           State
	StartedAt       time.Time
	ActiveToolCalls []string
	// Cause describes why the session entered StateError.
	Cause         string
	ModelSpeaking bool
}

func (s Snapshot) clone() Snapshot {
	if s.ActiveToolCalls != nil {
		ids := make([]string, len(s.ActiveToolCalls))
		copy(ids, s.ActiveToolCalls)
		s.ActiveToolCalls = ids
	}
	return s
}

// subscriberBuffer bounds each subscriber channel. A slow subscriber loses
// the oldest snapshots, never the latest.
const subscriberBuffer = 8

// broadcaster fans snapshots out to subscribers.
type broadcaster struct {
	mu     sync.Mutex
	latest Snapshot
	subs   map[int]chan Snapshot
	nextID int
	closed bool
}

func newBroadcaster(initial Snapshot) *broadcaster {
	return &broadcaster{latest: initial, subs: make(map[int]chan Snapshot)}
}

// subscribe returns a channel primed with the latest snapshot and a function
// that unsubscribes and closes it.
func (b *broadcaster) subscribe() (<-chan Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Snapshot, subscriberBuffer)
	ch <- b.latest.clone()
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broadcaster) publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = s
	for _, ch := range b.subs {
		offer(ch, s.clone())
	}
}

func (b *broadcaster) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest.clone()
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// offer sends s, dropping the oldest buffered value when ch is full. Only
// called with the broadcaster lock held, so it is the sole sender.
func offer(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
