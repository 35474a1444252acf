package registry

import (
	"cmp"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/domain"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// MaxNameLength bounds a group chat name.
const MaxNameLength = 128

// Log is the part of the message log the registry reads from.
type Log interface {
	FetchSince(chatID domain.ChatID, cursor domain.Cursor) iter.Seq[domain.Message]
	MarkRead(chat domain.Chat, user domain.UserID, upTo int64) (int, error)
	Last(chatID domain.ChatID) (domain.Cursor, bool)
}

// Directory reports whether a user may take part in chats.
type Directory interface {
	Active(id domain.UserID) error
}

// Snapshot is the checkpointed state of the registry.
type Snapshot struct {
	Chats []domain.Chat
	Marks []domain.ReadMark
}

type markKey struct {
	chat domain.ChatID
	user domain.UserID
}

// Registry owns chats, their membership and moderators, and per-user read
// marks. Unread counts are derived from the read marks and the log on
// every call and never stored.
type Registry struct {
	mu     sync.RWMutex
	chats  map[domain.ChatID]domain.Chat
	direct map[string]domain.ChatID
	member map[domain.UserID]map[domain.ChatID]struct{}
	marks  map[markKey]int64

	users  Directory
	log    Log
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// New creates an empty registry.
func New(users Directory, log Log, b *bus.Bus, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		chats:  make(map[domain.ChatID]domain.Chat),
		direct: make(map[string]domain.ChatID),
		member: make(map[domain.UserID]map[domain.ChatID]struct{}),
		marks:  make(map[markKey]int64),
		users:  users,
		log:    log,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

func directKey(set []domain.UserID) string {
	return string(set[0]) + "\x00" + string(set[1])
}

// CreateChat creates a chat. A direct chat needs exactly two distinct
// participants including the creator; asking for a direct chat between a
// pair that already has one returns the existing chat. A group always
// includes its creator, who becomes the first moderator.
func (r *Registry) CreateChat(creator domain.UserID, participants []domain.UserID, isGroup bool, name string) (domain.Chat, error) {
	set := domain.UserSet(participants...)
	name = strings.TrimSpace(name)
	if isGroup {
		set = domain.AddUser(set, creator)
		if len(name) > MaxNameLength {
			return domain.Chat{}, domain.Errorf(domain.ErrInvalidInput, "chat name longer than %d", MaxNameLength)
		}
	} else {
		if len(set) != 2 {
			return domain.Chat{}, domain.Errorf(domain.ErrInvalidParticipantCount, "got %d", len(set))
		}
		if !slices.Contains(set, creator) {
			return domain.Chat{}, domain.Errorf(domain.ErrNotAParticipant, "creator %s", creator)
		}
		name = ""
	}
	for _, id := range set {
		if err := r.users.Active(id); err != nil {
			return domain.Chat{}, err
		}
	}

	r.mu.Lock()
	if !isGroup {
		if id, ok := r.direct[directKey(set)]; ok {
			existing := r.chats[id].Clone()
			r.mu.Unlock()
			return existing, nil
		}
	}
	chat := domain.Chat{
		ID:           domain.ChatID(uuid.NewString()),
		IsGroup:      isGroup,
		Participants: set,
		Creator:      creator,
		Name:         name,
		CreatedAt:    r.now().UTC(),
	}
	if isGroup {
		chat.Moderators = []domain.UserID{creator}
	} else {
		r.direct[directKey(set)] = chat.ID
	}
	r.chats[chat.ID] = chat
	for _, id := range set {
		r.join(id, chat.ID)
	}
	r.mu.Unlock()

	r.logger.Info("chat created",
		zap.String("chat_id", string(chat.ID)),
		zap.Bool("group", isGroup),
		zap.Int("participants", len(set)),
	)
	r.publish(bus.ChatCreated, chat)
	return chat.Clone(), nil
}

// join must be called with r.mu held.
func (r *Registry) join(user domain.UserID, chat domain.ChatID) {
	chats, ok := r.member[user]
	if !ok {
		chats = make(map[domain.ChatID]struct{})
		r.member[user] = chats
	}
	chats[chat] = struct{}{}
}

// moderate runs fn on chatID's group state with r.mu held, after checking
// that actor moderates the group. fn returns the new state and whether it
// changed.
func (r *Registry) moderate(chatID domain.ChatID, actor domain.UserID, fn func(domain.Chat) (domain.Chat, bool, error)) (domain.Chat, error) {
	r.mu.Lock()
	chat, ok := r.chats[chatID]
	if !ok {
		r.mu.Unlock()
		return domain.Chat{}, domain.Errorf(domain.ErrChatNotFound, "%s", chatID)
	}
	if !chat.IsGroup {
		r.mu.Unlock()
		return domain.Chat{}, domain.Errorf(domain.ErrNotAGroup, "%s", chatID)
	}
	if !chat.HasModerator(actor) {
		r.mu.Unlock()
		return domain.Chat{}, domain.Errorf(domain.ErrUnauthorized, "%s is not a moderator of %s", actor, chatID)
	}
	next, changed, err := fn(chat)
	if err != nil {
		r.mu.Unlock()
		return domain.Chat{}, err
	}
	if changed {
		r.chats[chatID] = next
		for _, id := range next.Participants {
			r.join(id, chatID)
		}
	}
	r.mu.Unlock()

	if changed {
		r.publish(bus.ChatUpdated, next)
	}
	return next.Clone(), nil
}

// AddModerator makes target a moderator. Idempotent.
func (r *Registry) AddModerator(chatID domain.ChatID, actor, target domain.UserID) (domain.Chat, error) {
	return r.moderate(chatID, actor, func(c domain.Chat) (domain.Chat, bool, error) {
		if !c.HasParticipant(target) {
			return c, false, domain.Errorf(domain.ErrNotAParticipant, "%s in chat %s", target, c.ID)
		}
		if c.HasModerator(target) {
			return c, false, nil
		}
		c.Moderators = domain.AddUser(c.Moderators, target)
		return c, true, nil
	})
}

// RemoveModerator revokes target's moderator role. Idempotent; the last
// moderator of a group cannot be removed.
func (r *Registry) RemoveModerator(chatID domain.ChatID, actor, target domain.UserID) (domain.Chat, error) {
	return r.moderate(chatID, actor, func(c domain.Chat) (domain.Chat, bool, error) {
		if !c.HasParticipant(target) {
			return c, false, domain.Errorf(domain.ErrNotAParticipant, "%s in chat %s", target, c.ID)
		}
		if !c.HasModerator(target) {
			return c, false, nil
		}
		if len(c.Moderators) == 1 {
			return c, false, domain.Errorf(domain.ErrLastModerator, "%s in chat %s", target, c.ID)
		}
		c.Moderators = domain.RemoveUser(c.Moderators, target)
		return c, true, nil
	})
}

// AddParticipant adds user to a group. Only moderators may add members.
func (r *Registry) AddParticipant(chatID domain.ChatID, actor, user domain.UserID) (domain.Chat, error) {
	if err := r.users.Active(user); err != nil {
		return domain.Chat{}, err
	}
	return r.moderate(chatID, actor, func(c domain.Chat) (domain.Chat, bool, error) {
		if c.HasParticipant(user) {
			return c, false, nil
		}
		c.Participants = domain.AddUser(c.Participants, user)
		return c, true, nil
	})
}

// Chat returns the chat with id.
func (r *Registry) Chat(id domain.ChatID) (domain.Chat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chats[id]
	if !ok {
		return domain.Chat{}, domain.Errorf(domain.ErrChatNotFound, "%s", id)
	}
	return c.Clone(), nil
}

// Member returns the chat with id if user participates in it.
func (r *Registry) Member(id domain.ChatID, user domain.UserID) (domain.Chat, error) {
	c, err := r.Chat(id)
	if err != nil {
		return domain.Chat{}, err
	}
	if !c.HasParticipant(user) {
		return domain.Chat{}, domain.Errorf(domain.ErrNotAParticipant, "%s in chat %s", user, id)
	}
	return c, nil
}

// IsParticipant reports whether user belongs to chat id.
func (r *Registry) IsParticipant(id domain.ChatID, user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.member[user][id]
	return ok
}

// ChatsFor returns every chat user participates in, oldest first.
func (r *Registry) ChatsFor(user domain.UserID) []domain.Chat {
	r.mu.RLock()
	chats := make([]domain.Chat, 0, len(r.member[user]))
	for id := range r.member[user] {
		chats = append(chats, r.chats[id].Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(chats, func(a, b domain.Chat) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return chats
}

// MarkRead marks every message of chat id up to upTo as read by user and
// advances user's read mark. The mark never passes the newest message, so
// later appends stay unread. Returns how many messages changed.
func (r *Registry) MarkRead(id domain.ChatID, user domain.UserID, upTo int64) (int, error) {
	chat, err := r.Member(id, user)
	if err != nil {
		return 0, err
	}
	// Clamp before marking: anything appended afterwards is newer than last.
	last, ok := r.log.Last(id)
	if !ok {
		upTo = 0
	}
	upTo = min(upTo, last.Timestamp)
	changed, err := r.log.MarkRead(chat, user, upTo)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	k := markKey{chat: id, user: user}
	r.marks[k] = max(r.marks[k], upTo)
	r.mu.Unlock()
	return changed, nil
}

// ReadMark returns user's read mark for chat id; zero when nothing was read.
func (r *Registry) ReadMark(id domain.ChatID, user domain.UserID) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.marks[markKey{chat: id, user: user}]
}

// UnreadCount counts messages of chat id after user's read mark that were
// sent by someone else.
func (r *Registry) UnreadCount(id domain.ChatID, user domain.UserID) (int, error) {
	if _, err := r.Member(id, user); err != nil {
		return 0, err
	}
	n := 0
	for m := range r.log.FetchSince(id, domain.Cursor{Timestamp: r.ReadMark(id, user)}) {
		if m.Sender != user {
			n++
		}
	}
	return n, nil
}

// Snapshot returns chats sorted by id and read marks sorted by (chat, user).
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chats := lo.MapToSlice(r.chats, func(_ domain.ChatID, c domain.Chat) domain.Chat { return c.Clone() })
	slices.SortFunc(chats, func(a, b domain.Chat) int { return cmp.Compare(a.ID, b.ID) })

	marks := make([]domain.ReadMark, 0, len(r.marks))
	for k, upTo := range r.marks {
		marks = append(marks, domain.ReadMark{ChatID: k.chat, UserID: k.user, UpTo: upTo})
	}
	slices.SortFunc(marks, func(a, b domain.ReadMark) int {
		return cmp.Or(cmp.Compare(a.ChatID, b.ChatID), cmp.Compare(a.UserID, b.UserID))
	})
	return Snapshot{Chats: chats, Marks: marks}
}

// Restore replaces the registry with snap after checking every chat invariant.
func (r *Registry) Restore(snap Snapshot) error {
	chats := make(map[domain.ChatID]domain.Chat, len(snap.Chats))
	direct := make(map[string]domain.ChatID)
	member := make(map[domain.UserID]map[domain.ChatID]struct{})
	marks := make(map[markKey]int64, len(snap.Marks))

	for _, c := range snap.Chats {
		if err := validChat(c); err != nil {
			return err
		}
		if _, dup := chats[c.ID]; dup {
			return domain.Errorf(domain.ErrInvalidSnapshot, "duplicate chat %s", c.ID)
		}
		c = c.Clone()
		chats[c.ID] = c
		if !c.IsGroup {
			k := directKey(c.Participants)
			if _, dup := direct[k]; dup {
				return domain.Errorf(domain.ErrInvalidSnapshot, "second direct chat for %v", c.Participants)
			}
			direct[k] = c.ID
		}
		for _, u := range c.Participants {
			if member[u] == nil {
				member[u] = make(map[domain.ChatID]struct{})
			}
			member[u][c.ID] = struct{}{}
		}
	}
	for _, m := range snap.Marks {
		c, ok := chats[m.ChatID]
		if !ok || !c.HasParticipant(m.UserID) || m.UpTo < 0 {
			return domain.Errorf(domain.ErrInvalidSnapshot, "read mark %s/%s", m.ChatID, m.UserID)
		}
		marks[markKey{chat: m.ChatID, user: m.UserID}] = m.UpTo
	}

	r.mu.Lock()
	r.chats, r.direct, r.member, r.marks = chats, direct, member, marks
	r.mu.Unlock()
	r.logger.Info("registry restored", zap.Int("chats", len(chats)), zap.Int("marks", len(marks)))
	return nil
}

func validChat(c domain.Chat) error {
	bad := func(reason string) error {
		return domain.Errorf(domain.ErrInvalidSnapshot, "chat %q: %s", c.ID, reason)
	}
	switch {
	case c.ID == "":
		return bad("missing id")
	case !slices.Equal(c.Participants, domain.UserSet(c.Participants...)):
		return bad("participants not a sorted set")
	case !slices.Equal(c.Moderators, domain.UserSet(c.Moderators...)):
		return bad("moderators not a sorted set")
	case !c.HasParticipant(c.Creator):
		return bad("creator is not a participant")
	}
	if !c.IsGroup {
		if len(c.Participants) != 2 || len(c.Moderators) != 0 {
			return bad("direct chat shape")
		}
		return nil
	}
	if len(c.Moderators) == 0 {
		return bad("group without moderator")
	}
	if outside, _ := lo.Difference(c.Moderators, c.Participants); len(outside) > 0 {
		return bad("moderator outside participants")
	}
	return nil
}

func (r *Registry) publish(kind string, c domain.Chat) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: r.now(), Payload: c.Clone()})
}
