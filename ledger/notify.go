/*
notify.go - Balance-changed fan-out

Subscribers get a channel of BalanceChange values. Publish never blocks
the ledger: a subscriber that falls behind misses updates and should
re-read the balance, which is always authoritative anyway.
*/
package ledger

import "sync"

// BalanceChange describes one balance mutation.
type BalanceChange struct {
	UserID     UserID
	Delta      int64
	NewBalance int64
	Reason     string
}

// Notifier fans out balance changes to subscribers.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan BalanceChange
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan BalanceChange)}
}

// Subscribe registers a subscriber. The returned cancel function must
// be called to release the channel.
func (n *Notifier) Subscribe() (<-chan BalanceChange, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan BalanceChange, 16)
	n.subs[id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if ch, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers the change to every subscriber without blocking.
func (n *Notifier) Publish(c BalanceChange) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- c:
		default: // slow subscriber, drop
		}
	}
}
