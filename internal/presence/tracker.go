package presence

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatd/internal/bus"
	"github.com/matheus3301/chatd/internal/domain"
	"go.uber.org/zap"
)

// State is a user's presence state.
type State string

const (
	Offline State = "OFFLINE"
	Online  State = "ONLINE"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Offline: {Online},
	Online:  {Offline},
}

// DefaultGracePeriod is how long a user stays online without heartbeats.
const DefaultGracePeriod = 30 * time.Second

// Snapshot is the checkpointed state of the tracker.
type Snapshot struct {
	Records []domain.PresenceRecord
}

type entry struct {
	mu       sync.Mutex
	state    State
	sessions int
	lastSeen int64
	lastBeat time.Time
}

// Tracker tracks online state and last-seen time per user. Sessions are
// reference counted; state only changes at the 0<->1 boundary, on heartbeat
// timeout, or on a heartbeat after a timeout.
type Tracker struct {
	mu     sync.Mutex
	users  map[domain.UserID]*entry
	grace  time.Duration
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTracker creates a tracker. grace <= 0 selects DefaultGracePeriod.
func NewTracker(grace time.Duration, b *bus.Bus, logger *zap.Logger) *Tracker {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		users:  make(map[domain.UserID]*entry),
		grace:  grace,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

func (t *Tracker) entry(user domain.UserID) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.users[user]
	if !ok {
		e = &entry{state: Offline}
		t.users[user] = e
	}
	return e
}

// Attach records a new session for user.
func (t *Tracker) Attach(user domain.UserID) {
	e := t.entry(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions++
	e.lastBeat = t.now()
	if e.sessions == 1 && e.state == Offline {
		t.transition(user, e, Online, e.lastBeat)
	}
}

// Detach records the end of a session. The count never drops below zero.
func (t *Tracker) Detach(user domain.UserID) {
	e := t.entry(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions == 0 {
		t.logger.Warn("detach without attached session", zap.String("user_id", string(user)))
		return
	}
	e.sessions--
	if e.sessions == 0 && e.state == Online {
		t.transition(user, e, Offline, t.now())
	}
}

// Heartbeat refreshes user's liveness. A user that timed out while sessions
// were still attached comes back online.
func (t *Tracker) Heartbeat(user domain.UserID) {
	e := t.entry(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastBeat = t.now()
	if e.sessions > 0 && e.state == Offline {
		t.transition(user, e, Online, e.lastBeat)
	}
}

// Sweep moves users whose last heartbeat is older than the grace period offline.
// Returns the number of users that went offline.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	candidates := make(map[domain.UserID]*entry, len(t.users))
	for id, e := range t.users {
		candidates[id] = e
	}
	t.mu.Unlock()

	n := 0
	for id, e := range candidates {
		e.mu.Lock()
		if e.state == Online && now.Sub(e.lastBeat) > t.grace {
			t.transition(id, e, Offline, now)
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Start runs Sweep periodically until Stop or ctx cancellation.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.loop(ctx)
}

// Stop stops the sweep loop and waits for it to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.grace / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := t.Sweep(t.now()); n > 0 {
				t.logger.Info("heartbeat timeouts", zap.Int("users", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Record returns the presence record for user. Unknown users are offline.
func (t *Tracker) Record(user domain.UserID) domain.PresenceRecord {
	e := t.entry(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record(user)
}

// View calls fn with user's current record while holding the user's lock,
// so fn is ordered with respect to the user's presence.changed events.
// fn must not call back into the tracker.
func (t *Tracker) View(user domain.UserID, fn func(domain.PresenceRecord)) {
	e := t.entry(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.record(user))
}

// Sessions returns the number of attached sessions for user.
func (t *Tracker) Sessions(user domain.UserID) int {
	e := t.entry(user)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions
}

// Snapshot returns every known record sorted by user id.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	ids := make([]domain.UserID, 0, len(t.users))
	for id := range t.users {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	slices.SortFunc(ids, func(a, b domain.UserID) int { return strings.Compare(string(a), string(b)) })

	records := make([]domain.PresenceRecord, 0, len(ids))
	for _, id := range ids {
		records = append(records, t.Record(id))
	}
	return Snapshot{Records: records}
}

// Restore loads last-seen times. Sessions do not survive a restart, so every
// restored user is offline.
func (t *Tracker) Restore(snap Snapshot) error {
	users := make(map[domain.UserID]*entry, len(snap.Records))
	for _, r := range snap.Records {
		if r.UserID == "" {
			return domain.Errorf(domain.ErrInvalidSnapshot, "presence record without user")
		}
		if _, dup := users[r.UserID]; dup {
			return domain.Errorf(domain.ErrInvalidSnapshot, "duplicate presence for %s", r.UserID)
		}
		users[r.UserID] = &entry{state: Offline, lastSeen: r.LastSeen}
	}
	t.mu.Lock()
	t.users = users
	t.mu.Unlock()
	return nil
}

func (e *entry) record(user domain.UserID) domain.PresenceRecord {
	return domain.PresenceRecord{UserID: user, Online: e.state == Online, LastSeen: e.lastSeen}
}

// transition must be called with e.mu held. Going offline advances last-seen;
// going online leaves it untouched.
func (t *Tracker) transition(user domain.UserID, e *entry, to State, at time.Time) {
	if !slices.Contains(validTransitions[e.state], to) {
		panic(fmt.Sprintf("presence: invalid transition from %s to %s", e.state, to))
	}
	e.state = to
	if to == Offline {
		e.lastSeen = max(e.lastSeen, at.UnixMilli())
	}
	rec := e.record(user)
	t.logger.Debug("presence changed", zap.String("user_id", string(user)), zap.String("state", string(to)))
	if t.bus != nil {
		t.bus.Publish(bus.Event{Kind: bus.PresenceChanged, Timestamp: at, Payload: rec})
	}
}
