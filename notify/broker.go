package notify

import "sync"

// ChangeKind describes what happened to the queue.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeRemoved ChangeKind = "removed"
	ChangeUpdated ChangeKind = "updated"
	ChangeCleared ChangeKind = "cleared"
)

// Change is one entry of the queue change feed. Removed changes carry the
// toast that was dropped. Cleared changes leave Toast zero.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Toast Toast      `json:"toast"`
}

const changeBuffer = 32

type changeBroker struct {
	mu   sync.Mutex
	subs map[chan Change]struct{}
}

func newChangeBroker() *changeBroker {
	return &changeBroker{subs: make(map[chan Change]struct{})}
}

func (b *changeBroker) subscribe() chan Change {
	ch := make(chan Change, changeBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *changeBroker) unsubscribe(ch chan Change) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// notify drops the change for subscribers that are not keeping up.
func (b *changeBroker) notify(changes ...Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		for _, c := range changes {
			select {
			case ch <- c:
			default:
			}
		}
	}
}
