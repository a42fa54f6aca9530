// Package sqlitestore is a SQLite-backed implementation of the four store
// interfaces internal/axolotl needs (SessionStore, PreKeyStore,
// SignedPreKeyStore, IdentityKeyStore), for callers that want established
// sessions to survive a process restart.
package sqlitestore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/go-axolotl/sessioncore/internal/axolotl"
)

// Store wraps a SQLite database and implements every store interface the
// session builder needs, plus the local identity it caches in memory.
type Store struct {
	db              *sql.DB
	identityKeyPair *axolotl.IdentityKeyPair
	registrationID  uint32
}

var (
	_ axolotl.SessionStore       = (*Store)(nil)
	_ axolotl.PreKeyStore        = (*Store)(nil)
	_ axolotl.SignedPreKeyStore  = (*Store)(nil)
	_ axolotl.IdentityKeyStore   = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS session (
	address TEXT PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS identity (
	name TEXT PRIMARY KEY,
	public_key BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS signed_pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
`

// DefaultDataDir returns the default data directory for axolotl databases.
// Uses $XDG_DATA_HOME/axolotl, falling back to ~/.local/share/axolotl.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "axolotl")
}

// Open opens or creates a SQLite store at dbPath, setting up its schema and
// WAL mode for concurrent reads. If dbPath is empty, it defaults to
// $XDG_DATA_HOME/axolotl/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("sqlitestore: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetIdentity sets the local identity key pair and registration ID that
// GetIdentityKeyPair and GetLocalRegistrationID serve. It does not persist
// the identity itself — callers own where the long-term identity keypair is
// kept; this just makes the Store usable as an IdentityKeyStore.
func (s *Store) SetIdentity(keyPair *axolotl.IdentityKeyPair, registrationID uint32) {
	s.identityKeyPair = keyPair
	s.registrationID = registrationID
}
