package domain

import (
	"errors"
	"fmt"
)

// Kind groups errors by how the gateway reacts to them.
type Kind int

const (
	KindInternal Kind = iota
	// KindValidation is bad input shape. Reported, not retried.
	KindValidation
	// KindAuthorization is a permission failure. Reported, connection stays open.
	KindAuthorization
	// KindAuth is an authentication failure. Connection terminated.
	KindAuth
	// KindProtocol is a framing or abuse failure.
	KindProtocol
	// KindTransport is a delivery failure. Session is dropped, log state untouched.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindAuth:
		return "auth"
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	}
	return "internal"
}

// Error is a classified error with a stable code sent to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, so wrapped copies still match sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel errors.
var (
	ErrInvalidParticipantCount = &Error{KindValidation, "InvalidParticipantCount", "direct chats need exactly two participants"}
	ErrNotAGroup               = &Error{KindValidation, "NotAGroup", "operation requires a group chat"}
	ErrChatNotFound            = &Error{KindValidation, "ChatNotFound", "chat not found"}
	ErrUserNotFound            = &Error{KindValidation, "UserNotFound", "user not found"}
	ErrUserExists              = &Error{KindValidation, "UserExists", "user already registered"}
	ErrUserDisabled            = &Error{KindValidation, "UserDisabled", "user is disabled"}
	ErrInvalidMessage          = &Error{KindValidation, "InvalidMessage", "invalid message"}
	ErrInvalidInput            = &Error{KindValidation, "InvalidInput", "invalid field value"}
	ErrInvalidSnapshot         = &Error{KindValidation, "InvalidSnapshot", "snapshot violates invariants"}

	ErrNotAParticipant = &Error{KindAuthorization, "NotAParticipant", "user is not a participant of the chat"}
	ErrUnauthorized    = &Error{KindAuthorization, "Unauthorized", "operation not permitted"}
	ErrLastModerator   = &Error{KindAuthorization, "LastModerator", "cannot remove the last moderator"}

	ErrAuthInvalid = &Error{KindAuth, "AuthInvalid", "invalid credentials"}
	ErrAuthTimeout = &Error{KindAuth, "AuthTimeout", "authentication timed out"}

	ErrBadRequest    = &Error{KindProtocol, "BadRequest", "malformed request"}
	ErrProtocolAbuse = &Error{KindProtocol, "ProtocolAbuse", "too many protocol violations"}

	ErrDeliveryFailed = &Error{KindTransport, "DeliveryFailed", "delivery to session failed"}
	ErrQueueOverflow  = &Error{KindTransport, "QueueOverflow", "session outbound queue overflowed"}
)

// Errorf wraps a sentinel with call-site detail.
func Errorf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}

// AsError extracts the classified error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf classifies err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Terminal reports whether err must close the client connection.
func Terminal(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindTransport:
		return true
	}
	return errors.Is(err, ErrProtocolAbuse)
}
