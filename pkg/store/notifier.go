package store

import "sync"

// notifier fans out per-session change signals to watch subscriptions.
// Signals coalesce: a subscriber that has not consumed the pending signal
// sees at most one, then re-reads the current state.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[int]chan struct{}
	next int
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[int]chan struct{})}
}

func (n *notifier) subscribe(key string) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.next
	n.next++
	ch := make(chan struct{}, 1)
	if n.subs[key] == nil {
		n.subs[key] = make(map[int]chan struct{})
	}
	n.subs[key][id] = ch
	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if set, ok := n.subs[key]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(n.subs, key)
			}
		}
	}
	return ch, cancel
}

func (n *notifier) notify(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
