package fanout

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/domain"
	"github.com/matheus3301/chatd/internal/msglog"
	"github.com/matheus3301/chatd/internal/outbox"
	"go.uber.org/zap"
)

// Log is the part of the message log used for replay.
type Log interface {
	FetchSince(chatID domain.ChatID, cursor domain.Cursor) iter.Seq[domain.Message]
}

// Presence gives ordered access to a user's current presence record.
type Presence interface {
	View(user domain.UserID, fn func(domain.PresenceRecord))
}

// Stats are cumulative engine counters.
type Stats struct {
	Sessions      int
	Subscriptions int
	Delivered     uint64
	Replayed      uint64
	Deduplicated  uint64
	Overflows     uint64
}

type session struct {
	id     domain.SessionID
	user   domain.UserID
	queue  *outbox.Queue
	ctx    context.Context
	cancel context.CancelFunc
	chats  map[domain.ChatID]*subscription
	users  map[domain.UserID]struct{}
}

// subscription is one session's interest in one chat. While replaying,
// live messages are parked in pending, which holds at most the session
// queue's Cap; last is the newest delivered position.
type subscription struct {
	mu        sync.Mutex
	sess      *session
	chat      domain.ChatID
	replaying bool
	closed    bool
	pending   []domain.Message
	last      domain.Cursor
}

// Engine routes appended messages and presence changes to subscribed
// sessions, and replays missed messages on subscribe or reconnect.
//
// Live deliveries arrive through synchronous bus handlers that run while the
// message log holds the chat lock, so a session sees each chat in log order.
// Handlers only push to bounded queues and never block.
type Engine struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*session
	chats    map[domain.ChatID]map[domain.SessionID]*subscription
	watchers map[domain.UserID]map[domain.SessionID]*session

	log      Log
	presence Presence
	bus      *bus.Bus
	logger   *zap.Logger
	unhandle []func()

	delivered    atomic.Uint64
	replayed     atomic.Uint64
	deduplicated atomic.Uint64
	overflows    atomic.Uint64
}

// NewEngine creates a fan-out engine.
func NewEngine(log Log, presence Presence, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		sessions: make(map[domain.SessionID]*session),
		chats:    make(map[domain.ChatID]map[domain.SessionID]*subscription),
		watchers: make(map[domain.UserID]map[domain.SessionID]*session),
		log:      log,
		presence: presence,
		bus:      b,
		logger:   logger,
	}
}

// Start registers the engine's bus handlers.
func (e *Engine) Start() {
	e.unhandle = append(e.unhandle,
		e.bus.Handle(bus.MessageAppended, e.onAppended),
		e.bus.Handle(bus.PresenceChanged, e.onPresence),
	)
}

// Stop unregisters the bus handlers. Registered sessions are left alone.
func (e *Engine) Stop() {
	for _, fn := range e.unhandle {
		fn()
	}
	e.unhandle = nil
}

func (e *Engine) onAppended(evt bus.Event) {
	a, ok := evt.Payload.(msglog.Appended)
	if !ok {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, sub := range e.chats[a.Message.ChatID] {
		e.deliver(sub, a.Message)
	}
}

func (e *Engine) onPresence(evt bus.Event) {
	rec, ok := evt.Payload.(domain.PresenceRecord)
	if !ok {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, s := range e.watchers[rec.UserID] {
		_ = e.push(s, outbox.Delivery{Kind: outbox.KindPresence, Presence: rec})
	}
}

// deliver hands a live message to sub, or parks it while sub is replaying.
func (e *Engine) deliver(sub *subscription, m domain.Message) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	switch {
	case sub.closed:
	case sub.replaying:
		if len(sub.pending) >= sub.sess.queue.Cap() {
			if err := e.spill(sub.sess, sub.pending[0]); err != nil {
				sub.closed, sub.pending = true, nil
				return
			}
			sub.pending[0] = domain.Message{}
			sub.pending = sub.pending[1:]
		}
		sub.pending = append(sub.pending, m)
	default:
		_ = e.sendLocked(sub, m)
	}
}

// sendLocked pushes m unless it is at or before the last delivered
// position. Must be called with sub.mu held.
func (e *Engine) sendLocked(sub *subscription, m domain.Message) error {
	if !sub.last.Precedes(m) {
		e.deduplicated.Add(1)
		return nil
	}
	if err := e.push(sub.sess, outbox.Delivery{Kind: outbox.KindMessage, Message: m}); err != nil {
		return err
	}
	sub.last = m.Cursor()
	return nil
}

func (e *Engine) push(s *session, d outbox.Delivery) error {
	err := s.queue.Push(d)
	switch {
	case err == nil:
		e.delivered.Add(1)
	case domain.KindOf(err) == domain.KindTransport:
		e.overflows.Add(1)
		e.logger.Warn("session queue overflow",
			zap.String("session_id", string(s.id)),
			zap.String("user_id", string(s.user)),
			zap.Error(err),
		)
	}
	return err
}

// spill hands the oldest parked message of a full pending buffer to the
// session queue's overflow policy.
func (e *Engine) spill(s *session, m domain.Message) error {
	err := s.queue.Spill(outbox.Delivery{Kind: outbox.KindMessage, Message: m})
	if domain.KindOf(err) == domain.KindTransport {
		e.overflows.Add(1)
		e.logger.Warn("session queue overflow during replay",
			zap.String("session_id", string(s.id)),
			zap.String("user_id", string(s.user)),
			zap.Error(err),
		)
	}
	return err
}

// Register adds a session whose deliveries go to q.
func (e *Engine) Register(id domain.SessionID, user domain.UserID, q *outbox.Queue) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[id]; ok {
		return fmt.Errorf("fanout: session %s already registered", id)
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.sessions[id] = &session{
		id:     id,
		user:   user,
		queue:  q,
		ctx:    ctx,
		cancel: cancel,
		chats:  make(map[domain.ChatID]*subscription),
		users:  make(map[domain.UserID]struct{}),
	}
	return nil
}

// Unregister removes a session from every routing table, cancels its
// in-flight replays and discards its queued deliveries.
func (e *Engine) Unregister(id domain.SessionID) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.sessions, id)
	subs := make([]*subscription, 0, len(s.chats))
	for chat, sub := range s.chats {
		e.dropSub(chat, id)
		subs = append(subs, sub)
	}
	clear(s.chats)
	for user := range s.users {
		e.dropWatcher(user, id)
	}
	e.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.close()
	}
	s.queue.Close(nil)
}

// dropSub must be called with e.mu held.
func (e *Engine) dropSub(chat domain.ChatID, id domain.SessionID) {
	subs := e.chats[chat]
	delete(subs, id)
	if len(subs) == 0 {
		delete(e.chats, chat)
	}
}

// dropWatcher must be called with e.mu held.
func (e *Engine) dropWatcher(user domain.UserID, id domain.SessionID) {
	w := e.watchers[user]
	delete(w, id)
	if len(w) == 0 {
		delete(e.watchers, user)
	}
}

func (sub *subscription) close() {
	sub.mu.Lock()
	sub.closed = true
	sub.pending = nil
	sub.mu.Unlock()
}

func (e *Engine) lookup(id domain.SessionID) (*session, error) {
	s, ok := e.sessions[id]
	if !ok {
		return nil, fmt.Errorf("fanout: unknown session %s", id)
	}
	return s, nil
}

// Subscribe routes chat's messages to session id. With a cursor, every
// message after it is replayed first and live fan-out resumes afterwards
// without gaps or duplicates. Subscribing twice is a no-op.
//
// Replay stops with the session's or ctx's cancellation.
func (e *Engine) Subscribe(ctx context.Context, id domain.SessionID, chat domain.ChatID, cursor *domain.Cursor) error {
	e.mu.Lock()
	s, err := e.lookup(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if _, ok := s.chats[chat]; ok {
		e.mu.Unlock()
		return nil
	}
	sub := &subscription{sess: s, chat: chat, replaying: cursor != nil}
	if cursor != nil {
		sub.last = *cursor
	}
	s.chats[chat] = sub
	if e.chats[chat] == nil {
		e.chats[chat] = make(map[domain.SessionID]*subscription)
	}
	e.chats[chat][id] = sub
	e.mu.Unlock()

	if cursor == nil {
		return nil
	}
	return e.replay(ctx, sub, *cursor)
}

// replay delivers the log after cursor, then drains messages parked while
// replaying and switches sub to live delivery. The log is read without
// holding sub.mu so appends to the chat are never blocked by a replay.
func (e *Engine) replay(ctx context.Context, sub *subscription, cursor domain.Cursor) error {
	s := sub.sess
	n := 0
	for m := range e.log.FetchSince(sub.chat, cursor) {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			e.abort(sub)
			return err
		}
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			return nil
		}
		err := e.sendLocked(sub, m)
		sub.mu.Unlock()
		if err != nil {
			sub.close()
			return err
		}
		n++
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return nil
	}
	for _, m := range sub.pending {
		if err := e.sendLocked(sub, m); err != nil {
			sub.closed, sub.pending = true, nil
			return err
		}
	}
	sub.pending = nil
	sub.replaying = false
	e.replayed.Add(uint64(n))

	e.logger.Debug("replay complete",
		zap.String("session_id", string(s.id)),
		zap.String("chat_id", string(sub.chat)),
		zap.Int("messages", n),
	)
	return nil
}

// abort removes a subscription whose replay was cancelled by the caller, so
// a later Subscribe can replay again.
func (e *Engine) abort(sub *subscription) {
	e.mu.Lock()
	if cur, ok := sub.sess.chats[sub.chat]; ok && cur == sub {
		delete(sub.sess.chats, sub.chat)
		e.dropSub(sub.chat, sub.sess.id)
	}
	e.mu.Unlock()
	sub.close()
}

// Resume replays several chats after a reconnect, in chat id order.
// It stops at the first failure.
func (e *Engine) Resume(ctx context.Context, id domain.SessionID, cursors map[domain.ChatID]domain.Cursor) error {
	chats := make([]domain.ChatID, 0, len(cursors))
	for chat := range cursors {
		chats = append(chats, chat)
	}
	slices.Sort(chats)
	for _, chat := range chats {
		cur := cursors[chat]
		if err := e.Subscribe(ctx, id, chat, &cur); err != nil {
			return fmt.Errorf("resume %s: %w", chat, err)
		}
	}
	return nil
}

// Unsubscribe stops routing chat to session id. Idempotent.
func (e *Engine) Unsubscribe(id domain.SessionID, chat domain.ChatID) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	sub, ok := s.chats[chat]
	if ok {
		delete(s.chats, chat)
		e.dropSub(chat, id)
	}
	e.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Subscribed reports whether session id receives chat.
func (e *Engine) Subscribed(id domain.SessionID, chat domain.ChatID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	if !ok {
		return false
	}
	_, ok = s.chats[chat]
	return ok
}

// SubscribePresence routes user's presence changes to session id, starting
// with the current record. Subscribing twice is a no-op.
func (e *Engine) SubscribePresence(id domain.SessionID, user domain.UserID) error {
	e.mu.Lock()
	s, err := e.lookup(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if _, ok := s.users[user]; ok {
		e.mu.Unlock()
		return nil
	}
	s.users[user] = struct{}{}
	if e.watchers[user] == nil {
		e.watchers[user] = make(map[domain.SessionID]*session)
	}
	e.watchers[user][id] = s
	e.mu.Unlock()

	// The current record is pushed under the user's presence lock, so it
	// cannot overtake a newer presence.changed delivery.
	var pushErr error
	e.presence.View(user, func(rec domain.PresenceRecord) {
		pushErr = e.push(s, outbox.Delivery{Kind: outbox.KindPresence, Presence: rec})
	})
	return pushErr
}

// UnsubscribePresence stops routing user's presence to session id. Idempotent.
func (e *Engine) UnsubscribePresence(id domain.SessionID, user domain.UserID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return
	}
	delete(s.users, user)
	e.dropWatcher(user, id)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	sessions := len(e.sessions)
	subs := 0
	for _, s := range e.sessions {
		subs += len(s.chats)
	}
	e.mu.RUnlock()
	return Stats{
		Sessions:      sessions,
		Subscriptions: subs,
		Delivered:     e.delivered.Load(),
		Replayed:      e.replayed.Load(),
		Deduplicated:  e.deduplicated.Load(),
		Overflows:     e.overflows.Load(),
	}
}
