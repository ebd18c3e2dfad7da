package store

import (
	"database/sql"
	"fmt"

	"github.com/habitado/chatsync/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the profile-owned SQLite database holding the message store
// and the pending-message journal. Every mutation publishes a bus event
// so the conversation aggregate and the UI observe a single source of
// truth.
type DB struct {
	*sql.DB
	bus *bus.Bus
}

// Open creates a SQLite connection with WAL mode and recommended pragmas.
// The bus may be nil in tests that do not assert on events.
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, bus: b}, nil
}

// notify publishes a store mutation event. Synchronous with respect to
// the mutation: subscribers see events in mutation order.
func (db *DB) notify(kind string, payload any) {
	if db.bus == nil {
		return
	}
	db.bus.Publish(bus.Event{Kind: kind, Payload: payload})
}
