package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatd/internal/domain"
	"github.com/matheus3301/chatd/internal/identity"
	"github.com/matheus3301/chatd/internal/msglog"
	"github.com/matheus3301/chatd/internal/presence"
	"github.com/matheus3301/chatd/internal/registry"
	"github.com/matheus3301/chatd/internal/store"
	"go.uber.org/zap"
)

// DefaultInterval is the checkpoint period when none is configured.
const DefaultInterval = time.Minute

// Manager restores the core components from a backend on start and writes
// their combined snapshot periodically and on shutdown.
type Manager struct {
	backend  store.Backend
	users    *identity.Store
	chats    *registry.Registry
	log      *msglog.Log
	presence *presence.Tracker
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	saveMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a manager. interval <= 0 selects DefaultInterval.
func New(backend store.Backend, users *identity.Store, chats *registry.Registry, log *msglog.Log, tracker *presence.Tracker, interval time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Manager{
		backend:  backend,
		users:    users,
		chats:    chats,
		log:      log,
		presence: tracker,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Capture snapshots every component. Components are captured dependents
// first (messages, chats, users), so every id a snapshot references was
// already present in the component captured after it.
func (m *Manager) Capture() store.Snapshot {
	snap := store.Snapshot{Version: store.SnapshotVersion, TakenAt: m.now().UTC()}
	snap.Messages = m.log.Snapshot()
	snap.Chats = m.chats.Snapshot()
	snap.Users = m.users.Snapshot()
	snap.Presence = m.presence.Snapshot()
	return snap
}

// Checkpoint captures and saves a snapshot.
func (m *Manager) Checkpoint(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	start := m.now()
	snap := m.Capture()
	if err := m.backend.Save(ctx, snap); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	m.logger.Debug("checkpoint saved",
		zap.Int("users", len(snap.Users.Users)),
		zap.Int("chats", len(snap.Chats.Chats)),
		zap.Int("messages", len(snap.Messages.Messages)),
		zap.Duration("took", m.now().Sub(start)),
	)
	return nil
}

// Restore loads the saved snapshot into the components. It returns false
// when the backend holds no checkpoint. A snapshot that fails validation is
// rejected before any component is touched.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	snap, ok, err := m.backend.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		m.logger.Info("no checkpoint found, starting empty")
		return false, nil
	}
	if err := Validate(snap); err != nil {
		return false, err
	}

	if err := m.users.Restore(snap.Users); err != nil {
		return false, fmt.Errorf("restore users: %w", err)
	}
	if err := m.log.Restore(snap.Messages); err != nil {
		return false, fmt.Errorf("restore messages: %w", err)
	}
	if err := m.chats.Restore(snap.Chats); err != nil {
		return false, fmt.Errorf("restore chats: %w", err)
	}
	if err := m.presence.Restore(snap.Presence); err != nil {
		return false, fmt.Errorf("restore presence: %w", err)
	}
	m.logger.Info("checkpoint restored", zap.Time("taken_at", snap.TakenAt))
	return true, nil
}

// Validate checks the references between components of snap.
func Validate(snap store.Snapshot) error {
	if snap.Version != store.SnapshotVersion {
		return domain.Errorf(domain.ErrInvalidSnapshot, "unsupported version %d", snap.Version)
	}
	users := make(map[domain.UserID]struct{}, len(snap.Users.Users))
	for _, u := range snap.Users.Users {
		users[u.ID] = struct{}{}
	}
	chats := make(map[domain.ChatID]domain.Chat, len(snap.Chats.Chats))
	for _, c := range snap.Chats.Chats {
		for _, p := range c.Participants {
			if _, ok := users[p]; !ok {
				return domain.Errorf(domain.ErrInvalidSnapshot, "chat %s: unknown participant %s", c.ID, p)
			}
		}
		chats[c.ID] = c
	}
	for _, msg := range snap.Messages.Messages {
		c, ok := chats[msg.ChatID]
		if !ok {
			return domain.Errorf(domain.ErrInvalidSnapshot, "message %s: unknown chat %s", msg.ID, msg.ChatID)
		}
		if !c.HasParticipant(msg.Sender) {
			return domain.Errorf(domain.ErrInvalidSnapshot, "message %s: sender %s is not a participant", msg.ID, msg.Sender)
		}
	}
	return nil
}

// Start checkpoints every interval until Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop ends the periodic loop and writes a final checkpoint.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return m.Checkpoint(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Checkpoint(ctx); err != nil {
				m.logger.Error("checkpoint failed", zap.Error(err))
			}
		}
	}
}
