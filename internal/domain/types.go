package domain

import (
	"slices"
	"time"

	"github.com/samber/lo"
)

// UserID identifies a user. Assigned by the credential verifier.
type UserID string

// ChatID identifies a chat.
type ChatID string

// MessageID identifies a message. Message ids sort by creation time.
type MessageID string

// SessionID identifies one authenticated client connection.
type SessionID string

// User is a profile record owned by the identity store.
type User struct {
	ID        UserID    `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name,omitempty"`
	Email     string    `json:"email"`
	PhotoRef  string    `json:"photo_ref,omitempty"`
	Disabled  bool      `json:"disabled,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Chat is a direct (two-party) or group conversation.
type Chat struct {
	ID           ChatID    `json:"id"`
	IsGroup      bool      `json:"is_group"`
	Participants []UserID  `json:"participants"`
	Creator      UserID    `json:"creator"`
	Moderators   []UserID  `json:"moderators,omitempty"`
	Name         string    `json:"name,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasParticipant reports whether user belongs to the chat.
func (c Chat) HasParticipant(user UserID) bool {
	_, ok := slices.BinarySearch(c.Participants, user)
	return ok
}

// HasModerator reports whether user moderates the chat.
func (c Chat) HasModerator(user UserID) bool {
	_, ok := slices.BinarySearch(c.Moderators, user)
	return ok
}

// Clone returns a deep copy so callers never share slices with the registry.
func (c Chat) Clone() Chat {
	c.Participants = slices.Clone(c.Participants)
	c.Moderators = slices.Clone(c.Moderators)
	return c
}

// MessageType classifies message content.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// Message is an entry of a chat's log. Only ReadBy changes after append.
type Message struct {
	ID        MessageID   `json:"id"`
	ChatID    ChatID      `json:"chat_id"`
	Sender    UserID      `json:"sender"`
	Type      MessageType `json:"type"`
	Body      string      `json:"body"`
	Timestamp int64       `json:"timestamp"`
	ReadBy    []UserID    `json:"read_by,omitempty"`
}

// Clone returns a copy with its own ReadBy slice.
func (m Message) Clone() Message {
	m.ReadBy = slices.Clone(m.ReadBy)
	return m
}

// Cursor returns the log position of m.
func (m Message) Cursor() Cursor {
	return Cursor{Timestamp: m.Timestamp, ID: m.ID}
}

// IsReadBy reports whether user has read m.
func (m Message) IsReadBy(user UserID) bool {
	_, ok := slices.BinarySearch(m.ReadBy, user)
	return ok
}

// Cursor is a position in a chat log. An empty ID means every message at
// Timestamp has been consumed. The zero Cursor precedes all messages.
type Cursor struct {
	Timestamp int64     `json:"timestamp"`
	ID        MessageID `json:"id,omitempty"`
}

// Precedes reports whether m comes strictly after c in log order.
func (c Cursor) Precedes(m Message) bool {
	if m.Timestamp != c.Timestamp {
		return m.Timestamp > c.Timestamp
	}
	return c.ID != "" && m.ID > c.ID
}

// Compare orders two messages by (timestamp, id).
func Compare(a, b Message) int {
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// PresenceRecord is a user's online state and last-seen time (unix ms).
type PresenceRecord struct {
	UserID   UserID `json:"user_id"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"last_seen"`
}

// ReadMark is the highest timestamp a user has marked read in a chat.
type ReadMark struct {
	ChatID ChatID `json:"chat_id"`
	UserID UserID `json:"user_id"`
	UpTo   int64  `json:"up_to"`
}

// UserSet normalizes ids into a sorted set without duplicates or blanks.
func UserSet(ids ...UserID) []UserID {
	set := lo.Uniq(lo.Filter(ids, func(id UserID, _ int) bool { return id != "" }))
	slices.Sort(set)
	return set
}

// AddUser returns a copy of the sorted set with id inserted, or set itself if present.
func AddUser(set []UserID, id UserID) []UserID {
	i, ok := slices.BinarySearch(set, id)
	if ok {
		return set
	}
	return slices.Insert(slices.Clone(set), i, id)
}

// RemoveUser returns a copy of the sorted set without id, or set itself if absent.
func RemoveUser(set []UserID, id UserID) []UserID {
	i, ok := slices.BinarySearch(set, id)
	if !ok {
		return set
	}
	return slices.Delete(slices.Clone(set), i, i+1)
}
