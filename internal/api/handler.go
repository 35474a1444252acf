package api

import (
	"context"

	"github.com/matheus3301/chatd/internal/domain"
	"github.com/matheus3301/chatd/internal/fanout"
	"github.com/matheus3301/chatd/internal/identity"
	"github.com/matheus3301/chatd/internal/msglog"
	"github.com/matheus3301/chatd/internal/presence"
	"github.com/matheus3301/chatd/internal/registry"
	"go.uber.org/zap"
)

// Session identifies the authenticated caller of a request.
type Session struct {
	ID   domain.SessionID
	User domain.UserID
}

// Ack answers requests that return no data.
type Ack struct {
	ChatID domain.ChatID `json:"chat_id,omitempty"`
	UserID domain.UserID `json:"user_id,omitempty"`
}

// Handler executes client verbs against the core components.
type Handler struct {
	users    *identity.Store
	chats    *registry.Registry
	log      *msglog.Log
	engine   *fanout.Engine
	presence *presence.Tracker
	logger   *zap.Logger
}

// NewHandler creates a verb handler.
func NewHandler(users *identity.Store, chats *registry.Registry, log *msglog.Log, engine *fanout.Engine, tracker *presence.Tracker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		users:    users,
		chats:    chats,
		log:      log,
		engine:   engine,
		presence: tracker,
		logger:   logger,
	}
}

// Dispatch runs req for s and returns the reply payload. Deliveries caused
// by the request (replayed messages, presence snapshots) are queued before
// Dispatch returns, so they reach the client ahead of the reply.
func (h *Handler) Dispatch(ctx context.Context, s Session, req Request) (any, error) {
	switch req.Type {
	case VerbAuth:
		return nil, domain.Errorf(domain.ErrBadRequest, "session already authenticated")
	case VerbRegister:
		p, err := decode[ProfilePayload](req.Payload)
		if err != nil {
			return nil, err
		}
		return h.users.Register(s.User, identity.Profile(p))
	case VerbHeartbeat:
		h.presence.Heartbeat(s.User)
		return Ack{UserID: s.User}, nil
	}

	// Everything else requires a registered, enabled caller.
	if err := h.users.Active(s.User); err != nil {
		return nil, err
	}

	switch req.Type {
	case VerbUpdateProfile:
		p, err := decode[ProfilePayload](req.Payload)
		if err != nil {
			return nil, err
		}
		return h.users.Update(s.User, s.User, identity.Profile(p))

	case VerbGetUser:
		p, err := decode[UserPayload](req.Payload)
		if err != nil {
			return nil, err
		}
		return h.users.Get(p.UserID)

	case VerbCreateChat:
		p, err := decode[CreateChatPayload](req.Payload)
		if err != nil {
			return nil, err
		}
		return h.chats.CreateChat(s.User, p.Participants, p.IsGroup, p.Name)

	case VerbAddModerator, VerbRemoveModerator, VerbAddParticipant:
		p, err := decode[MemberPayload](req.Payload)
		if err != nil {
			return nil, err
		}
		switch req.Type {
		case VerbAddModerator:
			return h.chats.AddModerator(p.ChatID, s.User, p.UserID)
		case VerbRemoveModerator:
			return h.chats.RemoveModerator(p.ChatID, s.User, p.UserID)
		}
		return h.chats.AddParticipant(p.ChatID, s.User, p.UserID)

	case VerbListChats:
		return h.listChats(s.User)

	case VerbSendMessage:
		p, err := decode[SendMessagePayload](req.Payload)
		if err != nil {
			return nil, err
		}
		chat, err := h.chats.Member(p.ChatID, s.User)
		if err != nil {
			return nil, err
		}
		if p.Type == "" {
			p.Type = domain.MessageText
		}
		return h.log.Append(chat, s.User, p.Type, p.Body, p.ClientTimestamp)

	case VerbMarkRead:
		p, err := decode[MarkReadPayload](req.Payload)
		if err != nil {
			return nil, err
		}
		changed, err := h.chats.MarkRead(p.ChatID, s.User, p.UpTo)
		if err != nil {
			return nil, err
		}
		unread, err := h.chats.UnreadCount(p.ChatID, s.User)
		if err != nil {
			return nil, err
		}
		return UnreadReply{ChatID: p.ChatID, Unread: unread, Changed: changed}, nil

	case VerbUnreadCount:
		p, err := decode[ChatPayload](req.Payload)
		if err != nil {
			return nil, err
		}
		unread, err := h.chats.UnreadCount(p.ChatID, s.User)
		if err != nil {
			return nil, err
		}
		return UnreadReply{ChatID: p.ChatID, Unread: unread}, nil

	case VerbSubscribe:
		p, err := decode[SubscribePayload](req.Payload)
		if err != nil {
			return nil, err
		}
		if _, err := h.chats.Member(p.ChatID, s.User); err != nil {
			return nil, err
		}
		if err := h.engine.Subscribe(ctx, s.ID, p.ChatID, p.Cursor); err != nil {
			return nil, err
		}
		return Ack{ChatID: p.ChatID}, nil

	case VerbUnsubscribe:
		p, err := decode[ChatPayload](req.Payload)
		if err != nil {
			return nil, err
		}
		h.engine.Unsubscribe(s.ID, p.ChatID)
		return Ack{ChatID: p.ChatID}, nil

	case VerbResume:
		p, err := decode[ResumePayload](req.Payload)
		if err != nil {
			return nil, err
		}
		cursors := make(map[domain.ChatID]domain.Cursor, len(p.Chats))
		for _, c := range p.Chats {
			if _, err := h.chats.Member(c.ChatID, s.User); err != nil {
				return nil, err
			}
			cursors[c.ChatID] = c.Cursor
		}
		if err := h.engine.Resume(ctx, s.ID, cursors); err != nil {
			return nil, err
		}
		return Ack{}, nil

	case VerbSubscribePresence, VerbUnsubscribePresence:
		p, err := decode[UserPayload](req.Payload)
		if err != nil {
			return nil, err
		}
		if req.Type == VerbUnsubscribePresence {
			h.engine.UnsubscribePresence(s.ID, p.UserID)
			return Ack{UserID: p.UserID}, nil
		}
		if _, err := h.users.Get(p.UserID); err != nil {
			return nil, err
		}
		if err := h.engine.SubscribePresence(s.ID, p.UserID); err != nil {
			return nil, err
		}
		return Ack{UserID: p.UserID}, nil
	}

	return nil, domain.Errorf(domain.ErrBadRequest, "unknown request type %q", req.Type)
}

func (h *Handler) listChats(user domain.UserID) ([]ChatSummary, error) {
	chats := h.chats.ChatsFor(user)
	out := make([]ChatSummary, 0, len(chats))
	for _, c := range chats {
		unread, err := h.chats.UnreadCount(c.ID, user)
		if err != nil {
			return nil, err
		}
		sum := ChatSummary{Chat: c, Unread: unread}
		if last, ok := h.log.Last(c.ID); ok {
			sum.Last = &last
		}
		out = append(out, sum)
	}
	return out, nil
}
