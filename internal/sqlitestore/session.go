package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-axolotl/sessioncore/internal/axolotl"
)

// LoadSession returns the session record for addr, or a fresh blank record
// if none exists yet.
func (s *Store) LoadSession(addr *axolotl.Address) (*axolotl.SessionRecord, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT record FROM session WHERE address = ?", addr.String(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return axolotl.NewSessionRecord(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load session: %w", err)
	}
	return axolotl.DeserializeSessionRecord(data)
}

// ContainsSession reports whether a non-fresh session record exists for
// addr.
func (s *Store) ContainsSession(addr *axolotl.Address) (bool, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT record FROM session WHERE address = ?", addr.String(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlitestore: contains session: %w", err)
	}
	rec, err := axolotl.DeserializeSessionRecord(data)
	if err != nil {
		return false, err
	}
	return !rec.IsFresh(), nil
}

// StoreSession persists a session record for addr.
func (s *Store) StoreSession(addr *axolotl.Address, rec *axolotl.SessionRecord) error {
	data, err := rec.Serialize()
	if err != nil {
		return fmt.Errorf("sqlitestore: serialize session: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO session (address, record) VALUES (?, ?)",
		addr.String(), data,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: store session: %w", err)
	}
	return nil
}

// DeleteSession removes the session record for addr, if any.
func (s *Store) DeleteSession(addr *axolotl.Address) error {
	_, err := s.db.Exec("DELETE FROM session WHERE address = ?", addr.String())
	if err != nil {
		return fmt.Errorf("sqlitestore: delete session: %w", err)
	}
	return nil
}
