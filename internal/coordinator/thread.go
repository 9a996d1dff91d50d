package coordinator

import (
	"sort"

	"github.com/apartner/apartner-talk/internal/domain"
)

// thread holds the open conversation: server-confirmed messages in display
// order followed by local entries still waiting for, or denied, an acknowledgement.
type thread struct {
	confirmed []domain.Message
	local     []ThreadEntry
}

func newThread(msgs []domain.Message) *thread {
	t := &thread{}
	t.reconcile(msgs)
	return t
}

// add inserts a confirmed message. It returns false for a duplicate.
func (t *thread) add(msg domain.Message) bool {
	for _, m := range t.confirmed {
		if m.ID == msg.ID || (msg.ClientRef != "" && m.ClientRef == msg.ClientRef) {
			return false
		}
	}
	t.dropLocal(msg.ClientRef)
	i := sort.Search(len(t.confirmed), func(i int) bool {
		return domain.MessageLess(msg, t.confirmed[i])
	})
	t.confirmed = append(t.confirmed, domain.Message{})
	copy(t.confirmed[i+1:], t.confirmed[i:])
	t.confirmed[i] = msg
	return true
}

// reconcile replaces the confirmed messages with the server's copy and keeps
// local entries the server has not seen yet.
func (t *thread) reconcile(server []domain.Message) {
	merged := make([]domain.Message, 0, len(server))
	seenID := make(map[int64]struct{}, len(server))
	seenRef := make(map[string]struct{}, len(server))
	for _, m := range server {
		if _, dup := seenID[m.ID]; dup {
			continue
		}
		seenID[m.ID] = struct{}{}
		if m.ClientRef != "" {
			seenRef[m.ClientRef] = struct{}{}
		}
		merged = append(merged, m)
	}
	domain.SortMessages(merged)
	t.confirmed = merged

	kept := t.local[:0]
	for _, e := range t.local {
		if _, acked := seenRef[e.Message.ClientRef]; !acked {
			kept = append(kept, e)
		}
	}
	t.local = kept
}

func (t *thread) addLocal(entry ThreadEntry) {
	t.local = append(t.local, entry)
}

func (t *thread) findLocal(clientRef string) *ThreadEntry {
	for i := range t.local {
		if t.local[i].Message.ClientRef == clientRef {
			return &t.local[i]
		}
	}
	return nil
}

func (t *thread) dropLocal(clientRef string) {
	if clientRef == "" {
		return
	}
	for i := range t.local {
		if t.local[i].Message.ClientRef == clientRef {
			t.local = append(t.local[:i], t.local[i+1:]...)
			return
		}
	}
}

func (t *thread) last() (domain.Message, bool) {
	if len(t.confirmed) == 0 {
		return domain.Message{}, false
	}
	return t.confirmed[len(t.confirmed)-1], true
}

func (t *thread) entries() []ThreadEntry {
	out := make([]ThreadEntry, 0, len(t.confirmed)+len(t.local))
	for _, m := range t.confirmed {
		out = append(out, ThreadEntry{Message: m, Status: EntrySent})
	}
	return append(out, t.local...)
}
