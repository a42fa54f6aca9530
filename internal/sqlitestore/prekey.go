package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-axolotl/sessioncore/internal/axolotl"
)

// LoadPreKey loads a one-time pre-key record by id.
func (s *Store) LoadPreKey(id uint32) (*axolotl.PreKeyRecord, error) {
	var data []byte
	err := s.db.QueryRow("SELECT record FROM pre_key WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &axolotl.InvalidKeyIdError{Reason: fmt.Sprintf("no such pre-key: %d", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load pre-key: %w", err)
	}
	return axolotl.DeserializePreKeyRecord(data)
}

// ContainsPreKey reports whether a pre-key record exists for id.
func (s *Store) ContainsPreKey(id uint32) (bool, error) {
	var data []byte
	err := s.db.QueryRow("SELECT record FROM pre_key WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlitestore: contains pre-key: %w", err)
	}
	return true, nil
}

// StorePreKey stores a one-time pre-key record.
func (s *Store) StorePreKey(id uint32, rec *axolotl.PreKeyRecord) error {
	data, err := rec.Serialize()
	if err != nil {
		return fmt.Errorf("sqlitestore: serialize pre-key: %w", err)
	}
	_, err = s.db.Exec("INSERT OR REPLACE INTO pre_key (id, record) VALUES (?, ?)", id, data)
	if err != nil {
		return fmt.Errorf("sqlitestore: store pre-key: %w", err)
	}
	return nil
}

// RemovePreKey deletes a one-time pre-key record. Called once a session
// built from it is confirmed established.
func (s *Store) RemovePreKey(id uint32) error {
	_, err := s.db.Exec("DELETE FROM pre_key WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlitestore: remove pre-key: %w", err)
	}
	return nil
}

// LoadSignedPreKey loads a signed pre-key record by id.
func (s *Store) LoadSignedPreKey(id uint32) (*axolotl.SignedPreKeyRecord, error) {
	var data []byte
	err := s.db.QueryRow("SELECT record FROM signed_pre_key WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &axolotl.InvalidKeyIdError{Reason: fmt.Sprintf("no such signed pre-key: %d", id)}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load signed pre-key: %w", err)
	}
	return axolotl.DeserializeSignedPreKeyRecord(data)
}

// ContainsSignedPreKey reports whether a signed pre-key record exists for
// id.
func (s *Store) ContainsSignedPreKey(id uint32) (bool, error) {
	var data []byte
	err := s.db.QueryRow("SELECT record FROM signed_pre_key WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlitestore: contains signed pre-key: %w", err)
	}
	return true, nil
}

// StoreSignedPreKey stores a signed pre-key record.
func (s *Store) StoreSignedPreKey(id uint32, rec *axolotl.SignedPreKeyRecord) error {
	data, err := rec.Serialize()
	if err != nil {
		return fmt.Errorf("sqlitestore: serialize signed pre-key: %w", err)
	}
	_, err = s.db.Exec("INSERT OR REPLACE INTO signed_pre_key (id, record) VALUES (?, ?)", id, data)
	if err != nil {
		return fmt.Errorf("sqlitestore: store signed pre-key: %w", err)
	}
	return nil
}
