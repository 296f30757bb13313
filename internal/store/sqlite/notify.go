package sqlite

import "sync"

// notifier fans out change signals to watchers of a topic. SQLite has no
// server-side push, so subscriptions only observe writes made through the
// same process; that is the intended scope of this embedded backend.
type notifier struct {
	mu     sync.Mutex
	topics map[string]map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{topics: make(map[string]map[chan struct{}]struct{})}
}

// subscribe registers a signal channel for a topic. The returned channel
// has capacity one so pending signals coalesce instead of backing up.
func (n *notifier) subscribe(topic string) chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	defer n.mu.Unlock()
	subs, ok := n.topics[topic]
	if !ok {
		subs = make(map[chan struct{}]struct{})
		n.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

func (n *notifier) unsubscribe(topic string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if subs, ok := n.topics[topic]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(n.topics, topic)
		}
	}
}

// notify signals every watcher of the topic without blocking.
func (n *notifier) notify(topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.topics[topic] {
		select {
		case ch <- struct{}{}:
		default:
			// A signal is already pending; the watcher will requery.
		}
	}
}
