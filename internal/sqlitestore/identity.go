package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-axolotl/sessioncore/internal/axolotl"
)

// GetIdentityKeyPair returns the local identity key pair set via
// SetIdentity.
func (s *Store) GetIdentityKeyPair() (*axolotl.IdentityKeyPair, error) {
	if s.identityKeyPair == nil {
		return nil, fmt.Errorf("sqlitestore: identity key pair not set")
	}
	return s.identityKeyPair, nil
}

// GetLocalRegistrationID returns the local registration ID set via
// SetIdentity.
func (s *Store) GetLocalRegistrationID() (uint32, error) {
	return s.registrationID, nil
}

// IsTrustedIdentity reports true for a name with no pinned identity yet
// (trust-on-first-use), or for a name whose pin matches key.
func (s *Store) IsTrustedIdentity(name string, key *axolotl.IdentityKey) (bool, error) {
	pinned, err := s.loadIdentity(name)
	if err != nil {
		return false, err
	}
	if pinned == nil {
		return true, nil
	}
	return pinned.PublicKey().Compare(key.PublicKey()) == 0, nil
}

// SaveIdentity pins key as the trusted identity for name.
func (s *Store) SaveIdentity(name string, key *axolotl.IdentityKey) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO identity (name, public_key) VALUES (?, ?)",
		name, key.Serialize(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save identity: %w", err)
	}
	return nil
}

func (s *Store) loadIdentity(name string) (*axolotl.IdentityKey, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT public_key FROM identity WHERE name = ?", name,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load identity: %w", err)
	}
	pub, err := axolotl.DeserializePublicKey(data)
	if err != nil {
		return nil, err
	}
	return axolotl.NewIdentityKey(pub), nil
}
