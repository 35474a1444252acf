package identity

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/domain"
	"go.uber.org/zap"
)

var validate = validator.New()

// Profile is the owner-editable part of a user record.
type Profile struct {
	FirstName string `json:"first_name" validate:"required,max=64"`
	LastName  string `json:"last_name" validate:"max=64"`
	Email     string `json:"email" validate:"required,email,max=254"`
	PhotoRef  string `json:"photo_ref" validate:"max=512"`
}

func (p Profile) normalized() Profile {
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.PhotoRef = strings.TrimSpace(p.PhotoRef)
	return p
}

// Snapshot is the checkpointed state of the store.
type Snapshot struct {
	Users []domain.User
}

// Store maps user ids to profile records. Users are never deleted.
type Store struct {
	mu     sync.RWMutex
	users  map[domain.UserID]domain.User
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates an empty identity store.
func NewStore(b *bus.Bus, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		users:  make(map[domain.UserID]domain.User),
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// Register creates the profile for id.
func (s *Store) Register(id domain.UserID, p Profile) (domain.User, error) {
	if id == "" {
		return domain.User{}, domain.Errorf(domain.ErrInvalidInput, "empty user id")
	}
	p = p.normalized()
	if err := validate.Struct(p); err != nil {
		return domain.User{}, domain.Errorf(domain.ErrInvalidInput, "profile: %v", err)
	}

	s.mu.Lock()
	if _, ok := s.users[id]; ok {
		s.mu.Unlock()
		return domain.User{}, domain.Errorf(domain.ErrUserExists, "%s", id)
	}
	u := domain.User{
		ID:        id,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
		PhotoRef:  p.PhotoRef,
		CreatedAt: s.now().UTC(),
	}
	s.users[id] = u
	s.mu.Unlock()

	s.logger.Info("user registered", zap.String("user_id", string(id)))
	s.publish(bus.UserRegistered, u)
	return u, nil
}

// Get returns the user record for id.
func (s *Store) Get(id domain.UserID) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, domain.Errorf(domain.ErrUserNotFound, "%s", id)
	}
	return u, nil
}

// Active returns an error unless id is registered and enabled.
func (s *Store) Active(id domain.UserID) error {
	u, err := s.Get(id)
	if err != nil {
		return err
	}
	if u.Disabled {
		return domain.Errorf(domain.ErrUserDisabled, "%s", id)
	}
	return nil
}

// Update replaces the profile of id. Only the owner may update it.
func (s *Store) Update(actor, id domain.UserID, p Profile) (domain.User, error) {
	if actor != id {
		return domain.User{}, domain.Errorf(domain.ErrUnauthorized, "%s cannot edit %s", actor, id)
	}
	p = p.normalized()
	if err := validate.Struct(p); err != nil {
		return domain.User{}, domain.Errorf(domain.ErrInvalidInput, "profile: %v", err)
	}

	s.mu.Lock()
	u, ok := s.users[id]
	if !ok {
		s.mu.Unlock()
		return domain.User{}, domain.Errorf(domain.ErrUserNotFound, "%s", id)
	}
	if u.Disabled {
		s.mu.Unlock()
		return domain.User{}, domain.Errorf(domain.ErrUserDisabled, "%s", id)
	}
	u.FirstName, u.LastName, u.Email, u.PhotoRef = p.FirstName, p.LastName, p.Email, p.PhotoRef
	s.users[id] = u
	s.mu.Unlock()

	s.publish(bus.UserUpdated, u)
	return u, nil
}

// Disable soft-disables id. Only the owner may disable the account.
func (s *Store) Disable(actor, id domain.UserID) error {
	if actor != id {
		return domain.Errorf(domain.ErrUnauthorized, "%s cannot disable %s", actor, id)
	}
	s.mu.Lock()
	u, ok := s.users[id]
	if !ok {
		s.mu.Unlock()
		return domain.Errorf(domain.ErrUserNotFound, "%s", id)
	}
	if u.Disabled {
		s.mu.Unlock()
		return nil
	}
	u.Disabled = true
	s.users[id] = u
	s.mu.Unlock()

	s.logger.Info("user disabled", zap.String("user_id", string(id)))
	s.publish(bus.UserUpdated, u)
	return nil
}

// Snapshot returns all users sorted by id.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.User) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return Snapshot{Users: users}
}

// Restore replaces the store contents with snap.
func (s *Store) Restore(snap Snapshot) error {
	users := make(map[domain.UserID]domain.User, len(snap.Users))
	for _, u := range snap.Users {
		if u.ID == "" {
			return domain.Errorf(domain.ErrInvalidSnapshot, "user without id")
		}
		if _, dup := users[u.ID]; dup {
			return domain.Errorf(domain.ErrInvalidSnapshot, "duplicate user %s", u.ID)
		}
		users[u.ID] = u
	}
	s.mu.Lock()
	s.users = users
	s.mu.Unlock()
	return nil
}

// Len returns the number of registered users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

func (s *Store) publish(kind string, u domain.User) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: s.now(), Payload: u})
}
