package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/domain"
)

func alice() Profile {
	return Profile{FirstName: "Alice", LastName: "Liddell", Email: "Alice@Example.com"}
}

func TestRegisterAndGet(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("user.", 10)
	defer unsub()

	s := NewStore(b, nil)
	u, err := s.Register("alice", alice())
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if u.Email != "alice@example.com" {
		t.Errorf("email = %q, want normalized lowercase", u.Email)
	}

	got, err := s.Get("alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.FirstName != "Alice" {
		t.Errorf("FirstName = %q, want Alice", got.FirstName)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.UserRegistered {
			t.Errorf("event kind = %q, want %s", evt.Kind, bus.UserRegistered)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for user.registered")
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		id      domain.UserID
		profile Profile
	}{
		{"empty id", "", alice()},
		{"missing first name", "u", Profile{Email: "u@example.com"}},
		{"bad email", "u", Profile{FirstName: "U", Email: "not-an-email"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(nil, nil)
			_, err := s.Register(tt.id, tt.profile)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("Register() error = %v, want InvalidInput", err)
			}
		})
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	s := NewStore(nil, nil)
	if _, err := s.Register("alice", alice()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register("alice", alice()); !errors.Is(err, domain.ErrUserExists) {
		t.Errorf("second Register() error = %v, want UserExists", err)
	}
}

func TestUpdateOwnerOnly(t *testing.T) {
	s := NewStore(nil, nil)
	if _, err := s.Register("alice", alice()); err != nil {
		t.Fatal(err)
	}

	p := alice()
	p.FirstName = "Mallory"
	if _, err := s.Update("bob", "alice", p); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("Update() by non-owner error = %v, want Unauthorized", err)
	}
	u, _ := s.Get("alice")
	if u.FirstName != "Alice" {
		t.Error("rejected update must not change the record")
	}

	if _, err := s.Update("alice", "alice", p); err != nil {
		t.Fatalf("Update() by owner error = %v", err)
	}
	u, _ = s.Get("alice")
	if u.FirstName != "Mallory" {
		t.Errorf("FirstName = %q, want Mallory", u.FirstName)
	}
}

func TestDisable(t *testing.T) {
	s := NewStore(nil, nil)
	if _, err := s.Register("alice", alice()); err != nil {
		t.Fatal(err)
	}
	if err := s.Active("alice"); err != nil {
		t.Fatalf("Active() error = %v", err)
	}
	if err := s.Disable("bob", "alice"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("Disable() by non-owner error = %v", err)
	}
	if err := s.Disable("alice", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.Active("alice"); !errors.Is(err, domain.ErrUserDisabled) {
		t.Errorf("Active() error = %v, want UserDisabled", err)
	}
	// Disabled users are kept, never deleted.
	if _, err := s.Get("alice"); err != nil {
		t.Errorf("Get() after disable error = %v", err)
	}
	if _, err := s.Update("alice", "alice", alice()); !errors.Is(err, domain.ErrUserDisabled) {
		t.Errorf("Update() on disabled user error = %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	s := NewStore(nil, nil)
	for _, id := range []domain.UserID{"carol", "alice", "bob"} {
		p := alice()
		p.Email = string(id) + "@example.com"
		if _, err := s.Register(id, p); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Disable("bob", "bob"); err != nil {
		t.Fatal(err)
	}

	snap := s.Snapshot()
	if len(snap.Users) != 3 || snap.Users[0].ID != "alice" || snap.Users[2].ID != "carol" {
		t.Fatalf("snapshot = %+v, want 3 users sorted by id", snap.Users)
	}

	restored := NewStore(nil, nil)
	if err := restored.Restore(snap); err != nil {
		t.Fatal(err)
	}
	if restored.Len() != 3 {
		t.Errorf("Len() = %d, want 3", restored.Len())
	}
	if err := restored.Active("bob"); !errors.Is(err, domain.ErrUserDisabled) {
		t.Errorf("restored bob should stay disabled, got %v", err)
	}

	snap.Users = append(snap.Users, snap.Users[0])
	if err := restored.Restore(snap); !errors.Is(err, domain.ErrInvalidSnapshot) {
		t.Errorf("Restore() with duplicate error = %v, want InvalidSnapshot", err)
	}
}
