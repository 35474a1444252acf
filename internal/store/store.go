package store

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatd/internal/identity"
	"github.com/matheus3301/chatd/internal/msglog"
	"github.com/matheus3301/chatd/internal/presence"
	"github.com/matheus3301/chatd/internal/registry"
)

// SnapshotVersion is the layout version written with every checkpoint.
const SnapshotVersion = 1

const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Snapshot is the durable state of every core component.
type Snapshot struct {
	Version  int
	TakenAt  time.Time
	Users    identity.Snapshot
	Chats    registry.Snapshot
	Messages msglog.Snapshot
	Presence presence.Snapshot
}

// Backend persists whole snapshots. Save replaces the previous checkpoint
// atomically; Load reports false when nothing was saved yet.
type Backend interface {
	Load(ctx context.Context) (Snapshot, bool, error)
	Save(ctx context.Context, snap Snapshot) error
	Close() error
}

// Open opens the backend named by driver at path: a database file for
// SQLite, a directory for Badger.
func Open(driver, path string) (Backend, error) {
	switch driver {
	case DriverSQLite, "":
		db, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case DriverBadger:
		return OpenBadger(path)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}

func unixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
