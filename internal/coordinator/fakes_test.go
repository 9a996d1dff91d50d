package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/transport"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// gate blocks a fake call until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

// fakeDirectory is an in-memory chat server for one resident.
type fakeDirectory struct {
	mu     sync.Mutex
	nextID int64
	msgID  int64
	convs  map[int64]*domain.Conversation
	order  []int64
	msgs   map[int64][]domain.Message
	errs   map[string]error
	gates  map[string]*gate
	calls  map[string]int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		nextID: 501,
		msgID:  1000,
		convs:  make(map[int64]*domain.Conversation),
		msgs:   make(map[int64][]domain.Message),
		errs:   make(map[string]error),
		gates:  make(map[string]*gate),
		calls:  make(map[string]int),
	}
}

func (d *fakeDirectory) failNext(method string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[method] = err
}

func (d *fakeDirectory) block(method string) *gate {
	d.mu.Lock()
	defer d.mu.Unlock()
	g := newGate()
	d.gates[method] = g
	return g
}

func (d *fakeDirectory) callCount(method string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[method]
}

func (d *fakeDirectory) enter(method string) error {
	d.mu.Lock()
	d.calls[method]++
	g := d.gates[method]
	delete(d.gates, method)
	err := d.errs[method]
	delete(d.errs, method)
	d.mu.Unlock()
	if g != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	return err
}

func (d *fakeDirectory) seedConversation(code string, status domain.ConversationStatus) domain.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.createLocked(code, status)
}

func (d *fakeDirectory) createLocked(code string, status domain.ConversationStatus) *domain.Conversation {
	conv := &domain.Conversation{
		ID:           d.nextID,
		UserID:       "resident-1",
		CategoryCode: code,
		Title:        fmt.Sprintf("%s #%d", code, d.nextID),
		Status:       status,
		CreatedAt:    baseTime,
	}
	if status == domain.ConversationStatusClosed {
		at := baseTime
		conv.ClosedAt = &at
	}
	d.nextID++
	d.convs[conv.ID] = conv
	d.order = append(d.order, conv.ID)
	return conv
}

// addServerMessage records a message as the backend would, without any push.
func (d *fakeDirectory) addServerMessage(convID int64, role domain.SenderRole, body, clientRef string) domain.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgID++
	seq := int64(len(d.msgs[convID]) + 1)
	msg := domain.Message{
		ID:             d.msgID,
		ConversationID: convID,
		Seq:            seq,
		SenderRole:     role,
		Body:           body,
		ClientRef:      clientRef,
		SentAt:         baseTime.Add(time.Duration(seq) * time.Second),
	}
	d.msgs[convID] = append(d.msgs[convID], msg)
	d.convs[convID].ApplyMessage(msg)
	return msg
}

func (d *fakeDirectory) closeOnServer(convID int64) domain.Conversation {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv := d.convs[convID]
	conv.Status = domain.ConversationStatusClosed
	at := baseTime.Add(time.Hour)
	conv.ClosedAt = &at
	return *conv.Clone()
}

func (d *fakeDirectory) activeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.convs {
		if c.IsActive() {
			n++
		}
	}
	return n
}

func (d *fakeDirectory) CreateConversation(_ context.Context, code string) (*domain.Conversation, error) {
	if err := d.enter("CreateConversation"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.order {
		if d.convs[id].IsActive() {
			return nil, apperrors.NewConflict("an active conversation already exists",
				map[string]any{"active_conversation_id": float64(id)})
		}
	}
	return d.createLocked(code, domain.ConversationStatusActive).Clone(), nil
}

func (d *fakeDirectory) FetchActiveConversation(context.Context) (*domain.Conversation, error) {
	if err := d.enter("FetchActiveConversation"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.order {
		if d.convs[id].IsActive() {
			return d.convs[id].Clone(), nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) ListConversations(context.Context) ([]domain.Conversation, error) {
	if err := d.enter("ListConversations"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.Conversation, 0, len(d.order))
	for i := len(d.order) - 1; i >= 0; i-- {
		out = append(out, *d.convs[d.order[i]].Clone())
	}
	return out, nil
}

func (d *fakeDirectory) FetchConversation(_ context.Context, id int64) (*domain.Conversation, error) {
	if err := d.enter("FetchConversation"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.convs[id]
	if !ok {
		return nil, apperrors.NewNotFound("conversation", map[string]any{"conversation_id": id})
	}
	return conv.Clone(), nil
}

func (d *fakeDirectory) FetchMessages(_ context.Context, id int64) ([]domain.Message, error) {
	if err := d.enter("FetchMessages"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.convs[id]; !ok {
		return nil, apperrors.NewNotFound("conversation", map[string]any{"conversation_id": id})
	}
	out := make([]domain.Message, len(d.msgs[id]))
	copy(out, d.msgs[id])
	return out, nil
}

func (d *fakeDirectory) CloseConversation(_ context.Context, id int64) (*domain.Conversation, error) {
	if err := d.enter("CloseConversation"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.convs[id]
	if !ok || !conv.IsActive() {
		return nil, apperrors.NewNotFound("conversation", map[string]any{"conversation_id": id})
	}
	conv.Status = domain.ConversationStatusClosed
	at := baseTime.Add(time.Hour)
	conv.ClosedAt = &at
	return conv.Clone(), nil
}

func (d *fakeDirectory) MarkConversationRead(_ context.Context, id int64) (*domain.Conversation, error) {
	if err := d.enter("MarkConversationRead"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.convs[id]
	if !ok {
		return nil, apperrors.NewNotFound("conversation", map[string]any{"conversation_id": id})
	}
	conv.MarkRead(int64(len(d.msgs[id])))
	return conv.Clone(), nil
}

// hasUnread reports the server-side read marker of conversation id.
func (d *fakeDirectory) hasUnread(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.convs[id].HasUnread()
}

type fakeMessageSub struct {
	id             int
	conversationID int64
	fn             transport.MessageHandler
}

// fakeTransport delivers pushes synchronously on the caller's goroutine.
type fakeTransport struct {
	mu           sync.Mutex
	nextID       int
	messageSubs  []fakeMessageSub
	closedSubs   map[int]transport.ClosedHandler
	statusSubs   map[int]transport.StatusHandler
	sent         []transport.Outgoing
	send         func(transport.Outgoing) (*domain.Message, error)
	connects     int
	disconnected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		closedSubs: make(map[int]transport.ClosedHandler),
		statusSubs: make(map[int]transport.StatusHandler),
	}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeTransport) OnMessage(conversationID int64, fn transport.MessageHandler) *transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.messageSubs = append(f.messageSubs, fakeMessageSub{id: id, conversationID: conversationID, fn: fn})
	return transport.NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.messageSubs {
			if s.id == id {
				f.messageSubs = append(f.messageSubs[:i:i], f.messageSubs[i+1:]...)
				return
			}
		}
	})
}

func (f *fakeTransport) OnAnyMessage(fn transport.MessageHandler) *transport.Subscription {
	return f.OnMessage(0, fn)
}

func (f *fakeTransport) OnConversationClosed(fn transport.ClosedHandler) *transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.closedSubs[id] = fn
	return transport.NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.closedSubs, id)
	})
}

func (f *fakeTransport) OnStatusChange(fn transport.StatusHandler) *transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.statusSubs[id] = fn
	return transport.NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.statusSubs, id)
	})
}

func (f *fakeTransport) SendMessage(_ context.Context, out transport.Outgoing) (*domain.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, out)
	send := f.send
	f.mu.Unlock()
	if send == nil {
		return nil, apperrors.NewNotConnected()
	}
	return send(out)
}

func (f *fakeTransport) pushMessage(msg domain.Message) {
	f.mu.Lock()
	var handlers []transport.MessageHandler
	for _, s := range f.messageSubs {
		if s.conversationID == 0 || s.conversationID == msg.ConversationID {
			handlers = append(handlers, s.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (f *fakeTransport) pushClosed(conv domain.Conversation) {
	f.mu.Lock()
	var handlers []transport.ClosedHandler
	for _, fn := range f.closedSubs {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(conv)
	}
}

func (f *fakeTransport) pushStatus(change transport.StatusChange) {
	f.mu.Lock()
	var handlers []transport.StatusHandler
	for _, fn := range f.statusSubs {
		handlers = append(handlers, fn)
	}
	f.mu.Unlock()
	for _, fn := range handlers {
		fn(change)
	}
}

func (f *fakeTransport) subscriptionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messageSubs) + len(f.closedSubs) + len(f.statusSubs)
}

func (f *fakeTransport) viewSubscriptions(conversationID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.messageSubs {
		if s.conversationID == conversationID {
			n++
		}
	}
	return n
}

func (f *fakeTransport) sentMessages() []transport.Outgoing {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Outgoing, len(f.sent))
	copy(out, f.sent)
	return out
}

// ackVia makes the fake transport acknowledge sends by recording them on dir.
func (f *fakeTransport) ackVia(dir *fakeDirectory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.send = func(out transport.Outgoing) (*domain.Message, error) {
		msg := dir.addServerMessage(out.ConversationID, domain.SenderRoleResident, out.Body, out.ClientRef)
		return &msg, nil
	}
}
