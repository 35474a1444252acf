package msglog

import (
	"iter"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/domain"
	"go.uber.org/zap"
)

const (
	// MaxBodyBytes bounds a single message body.
	MaxBodyBytes = 16 << 10
	// MaxClockSkew is how far ahead of the server clock a client
	// timestamp may be.
	MaxClockSkew = 5 * time.Minute
	// pageSize is how many messages FetchSince copies per read lock.
	pageSize = 128
)

// Snapshot is the checkpointed state of the log.
type Snapshot struct {
	Messages []domain.Message
}

// Appended is the payload of bus.MessageAppended.
type Appended struct {
	Message domain.Message
}

// Read is the payload of bus.MessageRead.
type Read struct {
	ChatID  domain.ChatID
	UserID  domain.UserID
	UpTo    int64
	Changed int
}

// chatLog holds one chat's messages in (timestamp, id) order.
type chatLog struct {
	mu     sync.RWMutex
	msgs   []domain.Message
	lastTs int64
}

// Log is an append-only, per-chat ordered message log. Appends to one chat
// are serialized by that chat's lock; unrelated chats never contend.
type Log struct {
	mu     sync.RWMutex
	chats  map[domain.ChatID]*chatLog
	bus    *bus.Bus
	logger *zap.Logger
	newID  func() (uuid.UUID, error)
	now    func() time.Time
}

// New creates an empty log that publishes on b.
func New(b *bus.Bus, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{
		chats:  make(map[domain.ChatID]*chatLog),
		bus:    b,
		logger: logger,
		newID:  uuid.NewV7,
		now:    time.Now,
	}
}

func (l *Log) chat(id domain.ChatID, create bool) *chatLog {
	l.mu.RLock()
	c, ok := l.chats[id]
	l.mu.RUnlock()
	if ok || !create {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.chats[id]; !ok {
		c = &chatLog{}
		l.chats[id] = c
	}
	return c
}

// Append adds a message from sender to chat. The server timestamp is
// max(last timestamp of the chat + 1, clientTs), so timestamps strictly
// increase per chat regardless of client clock skew. Client timestamps
// more than MaxClockSkew ahead of the server clock are rejected. The
// MessageAppended event is published before the chat lock is released, so
// handlers observe each chat's messages in log order.
func (l *Log) Append(chat domain.Chat, sender domain.UserID, typ domain.MessageType, body string, clientTs int64) (domain.Message, error) {
	if !chat.HasParticipant(sender) {
		return domain.Message{}, domain.Errorf(domain.ErrNotAParticipant, "%s in chat %s", sender, chat.ID)
	}
	if !typ.Valid() {
		return domain.Message{}, domain.Errorf(domain.ErrInvalidMessage, "unknown type %q", typ)
	}
	if strings.TrimSpace(body) == "" || len(body) > MaxBodyBytes || !utf8.ValidString(body) {
		return domain.Message{}, domain.Errorf(domain.ErrInvalidMessage, "body must be 1..%d bytes of UTF-8", MaxBodyBytes)
	}
	if limit := l.now().Add(MaxClockSkew).UnixMilli(); clientTs > limit {
		return domain.Message{}, domain.Errorf(domain.ErrInvalidMessage, "client timestamp %d is ahead of server clock (limit %d)", clientTs, limit)
	}
	id, err := l.newID()
	if err != nil {
		return domain.Message{}, err
	}

	c := l.chat(chat.ID, true)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastTs == math.MaxInt64 {
		return domain.Message{}, domain.Errorf(domain.ErrInvalidMessage, "chat %s: logical clock exhausted", chat.ID)
	}

	msg := domain.Message{
		ID:        domain.MessageID(id.String()),
		ChatID:    chat.ID,
		Sender:    sender,
		Type:      typ,
		Body:      body,
		Timestamp: max(c.lastTs+1, clientTs),
	}
	c.msgs = append(c.msgs, msg)
	c.lastTs = msg.Timestamp

	if l.bus != nil {
		l.bus.Publish(bus.Event{Kind: bus.MessageAppended, Timestamp: time.Now(), Payload: Appended{Message: msg.Clone()}})
	}
	return msg.Clone(), nil
}

// MarkRead adds user to ReadBy of every message in chat with a timestamp
// <= upTo. Re-marking is a no-op. Returns how many messages changed.
func (l *Log) MarkRead(chat domain.Chat, user domain.UserID, upTo int64) (int, error) {
	if !chat.HasParticipant(user) {
		return 0, domain.Errorf(domain.ErrNotAParticipant, "%s in chat %s", user, chat.ID)
	}
	c := l.chat(chat.ID, false)
	if c == nil {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	end := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].Timestamp > upTo })
	changed := 0
	for i := range c.msgs[:end] {
		m := &c.msgs[i]
		if m.IsReadBy(user) {
			continue
		}
		// Copy-on-write: readers hold clones, never the backing slice.
		m.ReadBy = domain.AddUser(m.ReadBy, user)
		changed++
	}
	if changed > 0 && l.bus != nil {
		l.bus.Publish(bus.Event{Kind: bus.MessageRead, Timestamp: time.Now(), Payload: Read{
			ChatID: chat.ID, UserID: user, UpTo: upTo, Changed: changed,
		}})
	}
	return changed, nil
}

// FetchSince returns the messages of chatID after cursor in (timestamp, id)
// order. The sequence is lazy (messages are copied a page at a time),
// finite (it stops at the log length observed when iteration starts) and
// restartable (each range starts again from cursor).
func (l *Log) FetchSince(chatID domain.ChatID, cursor domain.Cursor) iter.Seq[domain.Message] {
	return func(yield func(domain.Message) bool) {
		c := l.chat(chatID, false)
		if c == nil {
			return
		}

		c.mu.RLock()
		end := len(c.msgs)
		next := sort.Search(end, func(i int) bool { return cursor.Precedes(c.msgs[i]) })
		c.mu.RUnlock()

		page := make([]domain.Message, 0, pageSize)
		for next < end {
			page = page[:0]
			c.mu.RLock()
			for i := next; i < end && len(page) < pageSize; i++ {
				page = append(page, c.msgs[i].Clone())
			}
			c.mu.RUnlock()
			next += len(page)

			for _, m := range page {
				if !yield(m) {
					return
				}
			}
		}
	}
}

// Last returns the cursor of the newest message in chatID.
func (l *Log) Last(chatID domain.ChatID) (domain.Cursor, bool) {
	c := l.chat(chatID, false)
	if c == nil {
		return domain.Cursor{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.msgs) == 0 {
		return domain.Cursor{}, false
	}
	return c.msgs[len(c.msgs)-1].Cursor(), true
}

// Len returns the number of messages in chatID.
func (l *Log) Len(chatID domain.ChatID) int {
	c := l.chat(chatID, false)
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.msgs)
}

// Snapshot returns every message, grouped by chat id and in log order.
func (l *Log) Snapshot() Snapshot {
	l.mu.RLock()
	ids := make([]domain.ChatID, 0, len(l.chats))
	for id := range l.chats {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	slices.Sort(ids)

	var msgs []domain.Message
	for _, id := range ids {
		c := l.chat(id, false)
		c.mu.RLock()
		for _, m := range c.msgs {
			msgs = append(msgs, m.Clone())
		}
		c.mu.RUnlock()
	}
	return Snapshot{Messages: msgs}
}

// Restore replaces the log with snap. Messages may arrive in any order; each
// chat must have strictly increasing timestamps and unique ids.
func (l *Log) Restore(snap Snapshot) error {
	chats := make(map[domain.ChatID]*chatLog)
	seen := make(map[domain.MessageID]struct{}, len(snap.Messages))
	for _, m := range snap.Messages {
		if m.ID == "" || m.ChatID == "" || m.Sender == "" || !m.Type.Valid() {
			return domain.Errorf(domain.ErrInvalidSnapshot, "malformed message %q", m.ID)
		}
		if _, dup := seen[m.ID]; dup {
			return domain.Errorf(domain.ErrInvalidSnapshot, "duplicate message %s", m.ID)
		}
		seen[m.ID] = struct{}{}

		c, ok := chats[m.ChatID]
		if !ok {
			c = &chatLog{}
			chats[m.ChatID] = c
		}
		m = m.Clone()
		m.ReadBy = domain.UserSet(m.ReadBy...)
		c.msgs = append(c.msgs, m)
	}
	for id, c := range chats {
		slices.SortFunc(c.msgs, domain.Compare)
		for i := 1; i < len(c.msgs); i++ {
			if c.msgs[i].Timestamp <= c.msgs[i-1].Timestamp {
				return domain.Errorf(domain.ErrInvalidSnapshot, "chat %s: timestamp %d not increasing", id, c.msgs[i].Timestamp)
			}
		}
		c.lastTs = c.msgs[len(c.msgs)-1].Timestamp
	}

	l.mu.Lock()
	l.chats = chats
	l.mu.Unlock()
	l.logger.Info("message log restored", zap.Int("chats", len(chats)), zap.Int("messages", len(snap.Messages)))
	return nil
}
