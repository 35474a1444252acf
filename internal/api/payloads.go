package api

import (
	"bytes"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/chatd/internal/domain"
)

var validate = validator.New()

// Verbs accepted from clients.
const (
	VerbAuth                = "auth"
	VerbRegister            = "register"
	VerbUpdateProfile       = "update_profile"
	VerbGetUser             = "get_user"
	VerbCreateChat          = "create_chat"
	VerbAddModerator        = "add_moderator"
	VerbRemoveModerator     = "remove_moderator"
	VerbAddParticipant      = "add_participant"
	VerbListChats           = "list_chats"
	VerbSendMessage         = "send_message"
	VerbMarkRead            = "mark_read"
	VerbUnreadCount         = "unread_count"
	VerbSubscribe           = "subscribe"
	VerbUnsubscribe         = "unsubscribe"
	VerbResume              = "resume"
	VerbSubscribePresence   = "subscribe_presence"
	VerbUnsubscribePresence = "unsubscribe_presence"
	VerbHeartbeat           = "heartbeat"
)

type AuthPayload struct {
	Token string `json:"token" validate:"required,max=4096"`
}

type ProfilePayload struct {
	FirstName string `json:"first_name" validate:"required,max=64"`
	LastName  string `json:"last_name" validate:"max=64"`
	Email     string `json:"email" validate:"required,email,max=254"`
	PhotoRef  string `json:"photo_ref" validate:"max=512"`
}

type UserPayload struct {
	UserID domain.UserID `json:"user_id" validate:"required,max=128"`
}

type CreateChatPayload struct {
	Participants []domain.UserID `json:"participants" validate:"max=256,dive,required,max=128"`
	IsGroup      bool            `json:"is_group"`
	Name         string          `json:"name" validate:"max=128"`
}

type MemberPayload struct {
	ChatID domain.ChatID `json:"chat_id" validate:"required,max=64"`
	UserID domain.UserID `json:"user_id" validate:"required,max=128"`
}

type ChatPayload struct {
	ChatID domain.ChatID `json:"chat_id" validate:"required,max=64"`
}

type SendMessagePayload struct {
	ChatID          domain.ChatID      `json:"chat_id" validate:"required,max=64"`
	Type            domain.MessageType `json:"type" validate:"omitempty,oneof=text image file system"`
	Body            string             `json:"body" validate:"required"`
	ClientTimestamp int64              `json:"client_timestamp" validate:"gte=0"`
}

type MarkReadPayload struct {
	ChatID domain.ChatID `json:"chat_id" validate:"required,max=64"`
	UpTo   int64         `json:"up_to" validate:"gte=0"`
}

type SubscribePayload struct {
	ChatID domain.ChatID  `json:"chat_id" validate:"required,max=64"`
	Cursor *domain.Cursor `json:"cursor,omitempty"`
}

type ChatCursor struct {
	ChatID domain.ChatID `json:"chat_id" validate:"required,max=64"`
	Cursor domain.Cursor `json:"cursor"`
}

type ResumePayload struct {
	Chats []ChatCursor `json:"chats" validate:"required,max=1024,dive"`
}

// UnreadReply answers unread_count and mark_read.
type UnreadReply struct {
	ChatID  domain.ChatID `json:"chat_id"`
	Unread  int           `json:"unread"`
	Changed int           `json:"changed,omitempty"`
}

// ChatSummary is one entry of a list_chats reply.
type ChatSummary struct {
	domain.Chat
	Unread int            `json:"unread"`
	Last   *domain.Cursor `json:"last,omitempty"`
}

// AuthReply answers a successful auth.
type AuthReply struct {
	SessionID  domain.SessionID `json:"session_id"`
	UserID     domain.UserID    `json:"user_id"`
	Registered bool             `json:"registered"`
}

// decode strictly parses raw into T and validates it. Missing payloads
// decode to the zero value before validation. A payload that does not
// parse is BadRequest; one that parses but fails validation is
// InvalidInput and does not count against the session.
func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return v, domain.Errorf(domain.ErrBadRequest, "payload: %v", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return v, domain.Errorf(domain.ErrInvalidInput, "payload: %v", err)
	}
	return v, nil
}

// AuthToken extracts the credential from an auth request.
func AuthToken(req Request) (string, error) {
	if req.Type != VerbAuth {
		return "", domain.Errorf(domain.ErrAuthInvalid, "expected %s frame, got %q", VerbAuth, req.Type)
	}
	p, err := decode[AuthPayload](req.Payload)
	if err != nil {
		return "", domain.Errorf(domain.ErrAuthInvalid, "auth payload")
	}
	return p.Token, nil
}
