package domain

import (
	"errors"
	"fmt"
	"slices"
	"testing"
)

func TestCursorPrecedes(t *testing.T) {
	m := Message{ID: "b", Timestamp: 10}
	tests := []struct {
		name   string
		cursor Cursor
		want   bool
	}{
		{"zero cursor", Cursor{}, true},
		{"earlier timestamp", Cursor{Timestamp: 9}, true},
		{"same timestamp consumed", Cursor{Timestamp: 10}, false},
		{"same timestamp lower id", Cursor{Timestamp: 10, ID: "a"}, true},
		{"same position", Cursor{Timestamp: 10, ID: "b"}, false},
		{"same timestamp higher id", Cursor{Timestamp: 10, ID: "c"}, false},
		{"later timestamp", Cursor{Timestamp: 11}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cursor.Precedes(m); got != tt.want {
				t.Errorf("Precedes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCompareBreaksTiesByID(t *testing.T) {
	a := Message{ID: "a", Timestamp: 5}
	b := Message{ID: "b", Timestamp: 5}
	if Compare(a, b) >= 0 || Compare(b, a) <= 0 || Compare(a, a) != 0 {
		t.Error("Compare() must order equal timestamps by id")
	}
}

func TestUserSet(t *testing.T) {
	got := UserSet("c", "a", "", "c", "b")
	if !slices.Equal(got, []UserID{"a", "b", "c"}) {
		t.Errorf("UserSet() = %v", got)
	}
}

func TestAddRemoveUserCopy(t *testing.T) {
	set := []UserID{"a", "c"}
	added := AddUser(set, "b")
	if !slices.Equal(added, []UserID{"a", "b", "c"}) {
		t.Errorf("AddUser() = %v", added)
	}
	removed := RemoveUser(added, "a")
	if !slices.Equal(removed, []UserID{"b", "c"}) {
		t.Errorf("RemoveUser() = %v", removed)
	}
	if !slices.Equal(set, []UserID{"a", "c"}) || !slices.Equal(added, []UserID{"a", "b", "c"}) {
		t.Error("set helpers must not modify their input")
	}
}

func TestErrorClassification(t *testing.T) {
	err := fmt.Errorf("create chat: %w", Errorf(ErrInvalidParticipantCount, "got %d", 3))
	if !errors.Is(err, ErrInvalidParticipantCount) {
		t.Error("wrapped error should match its sentinel")
	}
	if errors.Is(err, ErrLastModerator) {
		t.Error("wrapped error should not match another sentinel")
	}
	if KindOf(err) != KindValidation {
		t.Errorf("KindOf() = %v, want validation", KindOf(err))
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Error("plain errors are internal")
	}
}

func TestTerminal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrAuthTimeout, true},
		{ErrAuthInvalid, true},
		{ErrProtocolAbuse, true},
		{ErrQueueOverflow, true},
		{ErrBadRequest, false},
		{ErrInvalidInput, false},
		{ErrNotAParticipant, false},
		{ErrInvalidParticipantCount, false},
	}
	for _, tt := range tests {
		if got := Terminal(tt.err); got != tt.want {
			t.Errorf("Terminal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
