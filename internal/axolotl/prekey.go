package axolotl

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// PreKeyRecord is a published one-time key: generated in a batch, published,
// consumed exactly once on successful inbound session build, then removed.
type PreKeyRecord struct {
	id      uint32
	keyPair *ECKeyPair
}

// NewPreKeyRecord creates a pre-key record from an id and keypair.
func NewPreKeyRecord(id uint32, keyPair *ECKeyPair) *PreKeyRecord {
	return &PreKeyRecord{id: id, keyPair: keyPair}
}

// ID returns the pre-key id.
func (r *PreKeyRecord) ID() uint32 { return r.id }

// KeyPair returns the pre-key's ephemeral keypair.
func (r *PreKeyRecord) KeyPair() *ECKeyPair { return r.keyPair }

// Serialize encodes the record for storage.
func (r *PreKeyRecord) Serialize() ([]byte, error) {
	wire := struct {
		ID      uint32
		Public  []byte
		Private []byte
	}{
		ID:      r.id,
		Public:  r.keyPair.Public.Serialize(),
		Private: r.keyPair.Private.Serialize(),
	}
	data, err := msgpack.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("axolotl: serialize pre-key record: %w", err)
	}
	return data, nil
}

// DeserializePreKeyRecord decodes a record previously written by Serialize.
func DeserializePreKeyRecord(data []byte) (*PreKeyRecord, error) {
	var wire struct {
		ID      uint32
		Public  []byte
		Private []byte
	}
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("axolotl: deserialize pre-key record: %w", err)
	}
	priv, err := DeserializePrivateKey(wire.Private)
	if err != nil {
		return nil, err
	}
	return &PreKeyRecord{
		id:      wire.ID,
		keyPair: &ECKeyPair{Public: priv.PublicKey(), Private: priv},
	}, nil
}

// SignedPreKeyRecord is a medium-lived key signed by the owner's identity
// key, rotated on a slow cadence and retained until all sessions that
// referenced it are established.
type SignedPreKeyRecord struct {
	id        uint32
	keyPair   *ECKeyPair
	signature []byte
	timestamp uint64
}

// NewSignedPreKeyRecord creates a signed pre-key record.
func NewSignedPreKeyRecord(id uint32, keyPair *ECKeyPair, signature []byte, timestamp uint64) *SignedPreKeyRecord {
	return &SignedPreKeyRecord{id: id, keyPair: keyPair, signature: signature, timestamp: timestamp}
}

// ID returns the signed pre-key id.
func (r *SignedPreKeyRecord) ID() uint32 { return r.id }

// KeyPair returns the signed pre-key's keypair.
func (r *SignedPreKeyRecord) KeyPair() *ECKeyPair { return r.keyPair }

// Signature returns the identity-key signature over the public key.
func (r *SignedPreKeyRecord) Signature() []byte { return r.signature }

// Timestamp returns the generation time, in milliseconds since the epoch.
func (r *SignedPreKeyRecord) Timestamp() uint64 { return r.timestamp }

// Serialize encodes the record for storage.
func (r *SignedPreKeyRecord) Serialize() ([]byte, error) {
	wire := struct {
		ID        uint32
		Public    []byte
		Private   []byte
		Signature []byte
		Timestamp uint64
	}{
		ID:        r.id,
		Public:    r.keyPair.Public.Serialize(),
		Private:   r.keyPair.Private.Serialize(),
		Signature: r.signature,
		Timestamp: r.timestamp,
	}
	data, err := msgpack.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("axolotl: serialize signed pre-key record: %w", err)
	}
	return data, nil
}

// DeserializeSignedPreKeyRecord decodes a record previously written by
// Serialize.
func DeserializeSignedPreKeyRecord(data []byte) (*SignedPreKeyRecord, error) {
	var wire struct {
		ID        uint32
		Public    []byte
		Private   []byte
		Signature []byte
		Timestamp uint64
	}
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("axolotl: deserialize signed pre-key record: %w", err)
	}
	priv, err := DeserializePrivateKey(wire.Private)
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyRecord{
		id:        wire.ID,
		keyPair:   &ECKeyPair{Public: priv.PublicKey(), Private: priv},
		signature: wire.Signature,
		timestamp: wire.Timestamp,
	}, nil
}
