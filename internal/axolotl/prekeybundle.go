package axolotl

// PreKeyBundle is the inbound value object pulled from a directory: the
// pre-published key material needed to start a session with someone who
// hasn't sent us anything yet. Either the signed pre-key or the unsigned
// pre-key must be present.
type PreKeyBundle struct {
	RegistrationID        uint32
	DeviceID              uint32
	PreKeyID              OptionalUint32
	PreKey                *PublicKey
	SignedPreKeyID        uint32
	SignedPreKey          *PublicKey
	SignedPreKeySignature []byte
	IdentityKey           *IdentityKey
}

// HasSignedPreKey reports whether the bundle carries a signed pre-key.
func (b *PreKeyBundle) HasSignedPreKey() bool { return b.SignedPreKey != nil }

// HasPreKey reports whether the bundle carries a one-time pre-key.
func (b *PreKeyBundle) HasPreKey() bool { return b.PreKey != nil }
