package reconcile

import (
	"sort"
	"sync"

	"github.com/cortexuvula/roomrelay/internal/store"
)

// Timeline is a room's local message cache. Messages are unique by id and
// kept ordered by timestamp, then id.
type Timeline struct {
	mu   sync.RWMutex
	msgs []store.Message
	seen map[string]struct{}
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{seen: make(map[string]struct{})}
}

// Merge adds every message whose id is not yet known and returns the ones
// that were added. Merging the same messages again is a no-op.
func (t *Timeline) Merge(msgs ...store.Message) []store.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []store.Message
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, ok := t.seen[m.ID]; ok {
			continue
		}
		t.seen[m.ID] = struct{}{}
		t.insert(m)
		added = append(added, m)
	}
	return added
}

func (t *Timeline) insert(m store.Message) {
	i := sort.Search(len(t.msgs), func(i int) bool { return after(t.msgs[i], m) })
	t.msgs = append(t.msgs, store.Message{})
	copy(t.msgs[i+1:], t.msgs[i:])
	t.msgs[i] = m
}

// after reports whether a sorts after b.
func after(a, b store.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}

// Messages returns a copy of the timeline.
func (t *Timeline) Messages() []store.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]store.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.msgs)
}

// Contains reports whether id is known.
func (t *Timeline) Contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.seen[id]
	return ok
}
