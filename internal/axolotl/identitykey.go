package axolotl

// IdentityKey is a long-lived public key identifying one side of a
// conversation. Exactly one per local identity, persistent; pinned per
// remote name on first trust-accepting operation.
type IdentityKey struct {
	pub *PublicKey
}

// NewIdentityKey wraps a public key as an identity key.
func NewIdentityKey(pub *PublicKey) *IdentityKey { return &IdentityKey{pub: pub} }

// PublicKey returns the underlying Curve25519 public key.
func (k *IdentityKey) PublicKey() *PublicKey { return k.pub }

// Serialize returns the wire encoding of the identity key.
func (k *IdentityKey) Serialize() []byte { return k.pub.Serialize() }

// IdentityKeyPair is the local long-term identity keypair.
type IdentityKeyPair struct {
	Public  *IdentityKey
	Private *PrivateKey
}

// GenerateIdentityKeyPair creates a new random identity keypair.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{Public: NewIdentityKey(kp.Public), Private: kp.Private}, nil
}
