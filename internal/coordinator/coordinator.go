// Package coordinator drives the resident's support-chat widget.
//
// A Coordinator owns which panel is shown, the resident's active conversation,
// the open thread and the unread indicator. Views read State snapshots and call
// the action methods; they never talk to the directory or the transport directly.
//
// All state lives behind one mutex. Every mutation is applied inside a single
// critical section and network calls run outside it. User actions that hit the
// network are serialized: a second one while the first is pending fails with
// ACTION_IN_PROGRESS. Unmount bumps an epoch so results that arrive afterwards
// are dropped.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/apartner/apartner-talk/internal/category"
	"github.com/apartner/apartner-talk/internal/domain"
	"github.com/apartner/apartner-talk/internal/transport"
	apperrors "github.com/apartner/apartner-talk/pkg/util/errorutil"
)

// Directory is the request/response side of the chat service.
type Directory interface {
	CreateConversation(ctx context.Context, code string) (*domain.Conversation, error)
	FetchActiveConversation(ctx context.Context) (*domain.Conversation, error)
	ListConversations(ctx context.Context) ([]domain.Conversation, error)
	FetchConversation(ctx context.Context, id int64) (*domain.Conversation, error)
	FetchMessages(ctx context.Context, id int64) ([]domain.Message, error)
	CloseConversation(ctx context.Context, id int64) (*domain.Conversation, error)
	MarkConversationRead(ctx context.Context, id int64) (*domain.Conversation, error)
}

// Transport is the realtime side of the chat service.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	OnMessage(conversationID int64, fn transport.MessageHandler) *transport.Subscription
	OnAnyMessage(fn transport.MessageHandler) *transport.Subscription
	OnConversationClosed(fn transport.ClosedHandler) *transport.Subscription
	OnStatusChange(fn transport.StatusHandler) *transport.Subscription
	SendMessage(ctx context.Context, out transport.Outgoing) (*domain.Message, error)
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCategories sets the category registry used to validate selections.
func WithCategories(r *category.Registry) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.categories = r
		}
	}
}

// WithClock overrides the clock stamping local entries.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithClientRefs overrides the generator of client message references.
func WithClientRefs(gen func() string) Option {
	return func(c *Coordinator) { c.newRef = gen }
}

// WithSyncTimeout bounds the re-sync that follows a reconnect.
func WithSyncTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.syncTimeout = d
		}
	}
}

type push struct {
	message *domain.Message
	closed  *domain.Conversation
}

// Coordinator is created per login and torn down at logout.
type Coordinator struct {
	dir         Directory
	tr          Transport
	categories  *category.Registry
	logger      *zap.Logger
	now         func() time.Time
	newRef      func() string
	syncTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	marks  sync.WaitGroup

	mu          sync.Mutex
	view        View
	selected    string
	active      *domain.Conversation
	unread      bool
	unreadIDs   map[int64]struct{}
	open        *domain.Conversation
	thread      *thread
	readOnly    bool
	history     []domain.Conversation
	busy        bool
	confirming  bool
	closeTarget int64
	notice      *Notice
	conn        transport.Status
	mounted     bool
	torn        bool
	epoch       uint64
	loading     int64
	buffered    []push
	viewSubs    []*transport.Subscription
	globalSubs  []*transport.Subscription
	watchers    []watcher
	nextWatcher int
}

type watcher struct {
	id int
	fn func(State)
}

// New builds a Coordinator and registers its unread tracker on tr.
func New(dir Directory, tr Transport, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		dir:         dir,
		tr:          tr,
		categories:  category.NewRegistry(),
		logger:      zap.NewNop(),
		now:         time.Now,
		newRef:      uuid.NewString,
		syncTimeout: 15 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		conn:        transport.StatusIdle,
		unreadIDs:   make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "chat-coordinator"))
	c.globalSubs = []*transport.Subscription{
		tr.OnAnyMessage(c.trackMessage),
		tr.OnConversationClosed(c.handleClosed),
		tr.OnStatusChange(c.handleStatus),
	}
	return c
}

// Start connects the transport. Connection failures other than a rejected
// session are retried by the transport and not reported here.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.tr.Connect(ctx); err != nil {
		if apperrors.IsUnauthorized(err) {
			return err
		}
		c.logger.Warn("realtime connection deferred", zap.Error(err))
	}
	return nil
}

// State returns a snapshot of the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Watch registers fn to receive a snapshot after every change. The returned
// func removes it.
func (c *Coordinator) Watch(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextWatcher++
	id := c.nextWatcher
	c.watchers = append(c.watchers, watcher{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, w := range c.watchers {
				if w.id == id {
					c.watchers = append(c.watchers[:i:i], c.watchers[i+1:]...)
					return
				}
			}
		})
	}
}

// Mount opens the widget on the category view and checks for an active
// conversation. Unread staff messages recorded by the server raise the
// indicator.
func (c *Coordinator) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return apperrors.NewInvalidState("chat session has ended")
	}
	if !c.mounted {
		c.mounted = true
		c.view = ViewCategory
		c.notice = nil
	}
	c.unlockAndNotify()
	return c.CheckActiveChats(ctx)
}

// Unmount closes the widget. The unread tracker keeps running.
func (c *Coordinator) Unmount() {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return
	}
	c.epoch++
	c.mounted = false
	c.busy = false
	c.leaveChatLocked()
	c.view = ViewNone
	c.selected = ""
	c.history = nil
	c.notice = nil
	c.loading = 0
	c.replayLocked()
	c.unlockAndNotify()
	c.logger.Debug("chat widget unmounted")
}

// Teardown releases every subscription and disconnects the transport.
func (c *Coordinator) Teardown() error {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return nil
	}
	c.torn = true
	c.epoch++
	c.mounted = false
	c.busy = false
	c.view = ViewNone
	c.open, c.thread = nil, nil
	c.loading = 0
	c.buffered = nil
	subs := append(c.viewSubs, c.globalSubs...)
	c.viewSubs, c.globalSubs = nil, nil
	c.watchers = nil
	c.mu.Unlock()

	c.marks.Wait()
	c.cancel()
	for _, s := range subs {
		s.Unsubscribe()
	}
	err := c.tr.Disconnect()
	c.wg.Wait()
	c.logger.Info("chat session torn down")
	return err
}

// begin marks a network-bound action as in flight. Callers hold c.mu.
func (c *Coordinator) begin() (uint64, error) {
	if err := c.usableLocked(); err != nil {
		return 0, err
	}
	if c.busy {
		return 0, apperrors.NewActionInProgress()
	}
	c.busy = true
	return c.epoch, nil
}

// finish ends the action started in epoch. It reports false when the result
// must be dropped. Callers hold c.mu.
func (c *Coordinator) finish(epoch uint64) bool {
	if c.torn || epoch != c.epoch {
		return false
	}
	c.busy = false
	return true
}

// abort releases the in-flight flag after a guard rejected the action.
func (c *Coordinator) abort(err error) error {
	c.busy = false
	c.mu.Unlock()
	return err
}

func (c *Coordinator) usableLocked() error {
	if c.torn {
		return apperrors.NewInvalidState("chat session has ended")
	}
	if !c.mounted {
		return apperrors.NewInvalidState("chat widget is not mounted")
	}
	return nil
}

func (c *Coordinator) viewingLocked(conversationID int64) bool {
	return c.mounted && c.view == ViewChat && c.open != nil && c.open.ID == conversationID
}

func (c *Coordinator) snapshotLocked() State {
	s := State{
		View:               c.view,
		SelectedCategory:   c.selected,
		ActiveConversation: c.active,
		HasUnreadMessages:  c.unread,
		Conversation:       c.open,
		ReadOnly:           c.readOnly,
		History:            c.history,
		Pending:            c.busy,
		ConfirmingClose:    c.confirming,
		Notice:             c.notice,
		Connection:         c.conn,
		Mounted:            c.mounted,
	}
	if c.thread != nil {
		s.Thread = c.thread.entries()
	}
	return s.clone()
}

// unlockAndNotify releases c.mu and hands the new state to watchers.
func (c *Coordinator) unlockAndNotify() {
	snap := c.snapshotLocked()
	watchers := make([]func(State), 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w.fn)
	}
	c.mu.Unlock()
	for _, fn := range watchers {
		fn(snap.clone())
	}
}

func noticeFor(err error) *Notice {
	de := apperrors.ToDomainError(err)
	return &Notice{Code: de.Code, Message: de.Message, Retryable: apperrors.Retryable(err)}
}
