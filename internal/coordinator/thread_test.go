package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/apartner/apartner-talk/internal/domain"
)

func TestThreadReconcileKeepsUnacknowledgedEntries(t *testing.T) {
	th := newThread(nil)
	th.addLocal(ThreadEntry{Message: domain.Message{Body: "acked later", ClientRef: "a"}, Status: EntryPending})
	th.addLocal(ThreadEntry{Message: domain.Message{Body: "lost", ClientRef: "b"}, Status: EntryFailed})

	th.reconcile([]domain.Message{
		{ID: 2, Seq: 2, Body: "acked later", ClientRef: "a", SentAt: baseTime},
		{ID: 1, Seq: 1, Body: "staff", SentAt: baseTime},
		{ID: 1, Seq: 1, Body: "staff", SentAt: baseTime},
	})

	entries := th.entries()
	assert.Len(t, entries, 3)
	assert.Equal(t, int64(1), entries[0].Message.ID)
	assert.Equal(t, int64(2), entries[1].Message.ID)
	assert.Equal(t, EntrySent, entries[1].Status)
	assert.Equal(t, "b", entries[2].Message.ClientRef)
	assert.Equal(t, EntryFailed, entries[2].Status)
}

func TestThreadAddMatchesPendingByClientRef(t *testing.T) {
	th := newThread(nil)
	th.addLocal(ThreadEntry{Message: domain.Message{Body: "hi", ClientRef: "r1"}, Status: EntryPending})

	assert.True(t, th.add(domain.Message{ID: 10, Seq: 1, Body: "hi", ClientRef: "r1", SentAt: baseTime}))
	assert.False(t, th.add(domain.Message{ID: 10, Seq: 1, Body: "hi", ClientRef: "r1", SentAt: baseTime}))
	assert.Len(t, th.entries(), 1)
	assert.Nil(t, th.findLocal("r1"))
}
