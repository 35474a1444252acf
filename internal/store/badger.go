package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/matheus3301/chatd/internal/domain"
)

// Keys live under a generation prefix "g<gen>/". Save writes a complete new
// generation and then flips the "current" pointer in one transaction, so a
// crash mid-save leaves the previous checkpoint readable.
var currentKey = []byte("current")

// Badger stores checkpoints in a Badger key-value store.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a Badger store in dir.
func OpenBadger(dir string) (*Badger, error) {
	return openBadger(badger.DefaultOptions(dir).WithLogger(nil))
}

func openBadger(opts badger.Options) (*Badger, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func genPrefix(gen uint64) []byte {
	return fmt.Appendf(nil, "g%020d/", gen)
}

func key(gen uint64, parts ...string) []byte {
	k := genPrefix(gen)
	for i, p := range parts {
		if i > 0 {
			k = append(k, '/')
		}
		k = append(k, p...)
	}
	return k
}

func (b *Badger) current() (uint64, bool, error) {
	var gen uint64
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(currentKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt generation pointer")
			}
			gen = binary.BigEndian.Uint64(val)
			found = true
			return nil
		})
	})
	return gen, found, err
}

type badgerMeta struct {
	Version int   `json:"version"`
	TakenAt int64 `json:"taken_at"`
}

// Save writes snap as a new generation and makes it current.
func (b *Badger) Save(ctx context.Context, snap Snapshot) error {
	prev, hasPrev, err := b.current()
	if err != nil {
		return err
	}
	gen := prev + 1
	// A crash between two saves can leave a partial generation behind.
	if err := b.db.DropPrefix(genPrefix(gen)); err != nil {
		return fmt.Errorf("clear generation %d: %w", gen, err)
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	set := func(k []byte, v any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return wb.Set(k, data)
	}

	for _, u := range snap.Users.Users {
		if err := set(key(gen, "user", string(u.ID)), u); err != nil {
			return err
		}
	}
	for _, c := range snap.Chats.Chats {
		if err := set(key(gen, "chat", string(c.ID)), c); err != nil {
			return err
		}
	}
	for _, m := range snap.Chats.Marks {
		if err := set(key(gen, "mark", string(m.ChatID), string(m.UserID)), m); err != nil {
			return err
		}
	}
	for _, m := range snap.Messages.Messages {
		// Zero-padded timestamps keep each chat's keys in log order.
		if err := set(key(gen, "msg", string(m.ChatID), fmt.Sprintf("%019d", m.Timestamp), string(m.ID)), m); err != nil {
			return err
		}
	}
	for _, r := range snap.Presence.Records {
		if err := set(key(gen, "presence", string(r.UserID)), r); err != nil {
			return err
		}
	}
	if err := set(key(gen, "meta"), badgerMeta{Version: snap.Version, TakenAt: snap.TakenAt.UnixNano()}); err != nil {
		return err
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("write generation %d: %w", gen, err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(currentKey, binary.BigEndian.AppendUint64(nil, gen))
	})
	if err != nil {
		return fmt.Errorf("switch to generation %d: %w", gen, err)
	}
	if hasPrev {
		if err := b.db.DropPrefix(genPrefix(prev)); err != nil {
			return fmt.Errorf("drop generation %d: %w", prev, err)
		}
	}
	return nil
}

// Load reads the current generation.
func (b *Badger) Load(ctx context.Context) (Snapshot, bool, error) {
	var snap Snapshot
	gen, ok, err := b.current()
	if err != nil || !ok {
		return snap, false, err
	}

	var meta badgerMeta
	err = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(gen, "meta"))
		if err != nil {
			return fmt.Errorf("generation %d meta: %w", gen, err)
		}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &meta) }); err != nil {
			return err
		}

		if snap.Users.Users, err = scan[domain.User](ctx, txn, key(gen, "user/")); err != nil {
			return err
		}
		if snap.Chats.Chats, err = scan[domain.Chat](ctx, txn, key(gen, "chat/")); err != nil {
			return err
		}
		if snap.Chats.Marks, err = scan[domain.ReadMark](ctx, txn, key(gen, "mark/")); err != nil {
			return err
		}
		if snap.Messages.Messages, err = scan[domain.Message](ctx, txn, key(gen, "msg/")); err != nil {
			return err
		}
		snap.Presence.Records, err = scan[domain.PresenceRecord](ctx, txn, key(gen, "presence/"))
		return err
	})
	if err != nil {
		return Snapshot{}, false, err
	}
	snap.Version = meta.Version
	snap.TakenAt = unixNano(meta.TakenAt)
	return snap, true, nil
}

func scan[T any](ctx context.Context, txn *badger.Txn, prefix []byte) ([]T, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	var out []T
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var v T
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
			return nil, fmt.Errorf("decode %s: %w", it.Item().Key(), err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Close closes the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}
