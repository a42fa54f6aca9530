package axolotl

import (
	"crypto/rand"
	"fmt"

	"github.com/agl/ed25519"
	"golang.org/x/crypto/curve25519"
)

// This file is the KeyPrimitives collaborator: key generation, ECDH and
// signature verification over Curve25519. The ratchet's root/chain key
// derivation (HKDF) lives in ratchet.go, which consumes these.
//
// Real Signal signs Curve25519 keys with XEdDSA, a birational mapping from
// the Montgomery curve to Edwards25519 so one 32-byte scalar serves both DH
// and EdDSA signing, and the Edwards verification key is recoverable from
// the Montgomery public point alone. We approximate the "one keypair, dual
// purpose" contract without implementing that birational conversion: a
// PublicKey here carries its DH point and its Ed25519 verification point
// side by side (64 bytes serialized), both derived from the same seed at
// generation time — see DESIGN.md OQ-1. Everything above this file only
// ever sees "sign" and "verify" on a PublicKey/PrivateKey pair, so the
// substitution is invisible to the session builder.

// PublicKey is a Curve25519 public key, doubling as an Ed25519 verification
// key per the note above.
type PublicKey struct {
	dh  [32]byte
	sig [ed25519.PublicKeySize]byte
}

// PrivateKey is a Curve25519 private scalar, doubling as an Ed25519 signing
// key.
type PrivateKey struct {
	dh  [32]byte
	sig [ed25519.PrivateKeySize]byte
	pub PublicKey
}

// ECKeyPair is the ephemeral keypair type the spec calls out: generated,
// used once in a negotiation, then retained only inside SessionState.
type ECKeyPair struct {
	Public  *PublicKey
	Private *PrivateKey
}

// GenerateKeyPair produces a fresh ephemeral Curve25519 keypair.
func GenerateKeyPair() (*ECKeyPair, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("axolotl: generate key pair: %w", err)
	}
	return keyPairFromSeed(seed)
}

func keyPairFromSeed(seed [32]byte) (*ECKeyPair, error) {
	// Clamp per the standard X25519 scalar convention.
	seed[0] &= 248
	seed[31] &= 127
	seed[31] |= 64

	var dhPub [32]byte
	curve25519.ScalarBaseMult(&dhPub, &seed)

	sigPub, sigPriv, err := ed25519.GenerateKey(&deterministicReader{seed: seed})
	if err != nil {
		return nil, fmt.Errorf("axolotl: derive signing key: %w", err)
	}

	priv := &PrivateKey{dh: seed, sig: *sigPriv}
	pub := &PublicKey{dh: dhPub, sig: *sigPub}
	priv.pub = *pub

	return &ECKeyPair{Public: pub, Private: priv}, nil
}

// deterministicReader feeds a fixed 32-byte seed to ed25519.GenerateKey so
// the Ed25519 signing key is a pure function of the Curve25519 scalar rather
// than independently random, matching the "one keypair, dual purpose"
// contract described above.
type deterministicReader struct {
	seed [32]byte
	read bool
}

func (d *deterministicReader) Read(p []byte) (int, error) {
	if d.read || len(p) != 32 {
		return 0, fmt.Errorf("axolotl: unexpected read from deterministic seed reader")
	}
	d.read = true
	copy(p, d.seed[:])
	return 32, nil
}

// publicKeySize is the DH point followed by the Ed25519 verification point.
const publicKeySize = 32 + ed25519.PublicKeySize

// Serialize returns the Curve25519 public key encoding (DH point followed
// by its paired Ed25519 verification point).
func (p *PublicKey) Serialize() []byte {
	out := make([]byte, publicKeySize)
	copy(out, p.dh[:])
	copy(out[32:], p.sig[:])
	return out
}

// DeserializePublicKey reconstructs a public key from its serialized form.
func DeserializePublicKey(data []byte) (*PublicKey, error) {
	if len(data) != publicKeySize {
		return nil, fmt.Errorf("axolotl: public key must be %d bytes, got %d", publicKeySize, len(data))
	}
	var pk PublicKey
	copy(pk.dh[:], data[:32])
	copy(pk.sig[:], data[32:])
	return &pk, nil
}

// PublicKey returns the public half of this keypair.
func (p *PrivateKey) PublicKey() *PublicKey {
	pub := p.pub
	return &pub
}

// Serialize returns the 32-byte Curve25519 scalar.
func (p *PrivateKey) Serialize() []byte {
	out := make([]byte, 32)
	copy(out, p.dh[:])
	return out
}

// DeserializePrivateKey reconstructs a private key (and its dual-purpose
// public half) from its 32-byte scalar.
func DeserializePrivateKey(data []byte) (*PrivateKey, error) {
	if len(data) != 32 {
		return nil, fmt.Errorf("axolotl: private key must be 32 bytes, got %d", len(data))
	}
	var seed [32]byte
	copy(seed[:], data)
	kp, err := keyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return kp.Private, nil
}

// Sign produces an Ed25519-style signature over message using priv's signing
// half.
func Sign(priv *PrivateKey, message []byte) []byte {
	sig := ed25519.Sign(&priv.sig, message)
	return sig[:]
}

// VerifySignature checks sig against message under pub's signing half.
func VerifySignature(pub *PublicKey, message, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	var sigArr [ed25519.SignatureSize]byte
	copy(sigArr[:], sig)
	return ed25519.Verify(&pub.sig, message, &sigArr)
}

// ECDH performs Curve25519 Diffie-Hellman between priv and pub, returning
// the raw 32-byte shared secret. The ratchet's HKDF layer is responsible for
// turning this into key material.
func ECDH(priv *PrivateKey, pub *PublicKey) ([]byte, error) {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &priv.dh, &pub.dh)
	out := make([]byte, 32)
	copy(out, shared[:])
	return out, nil
}

// Compare orders two public keys by their serialized bytes. Identity
// pinning uses it to detect a changed key; InitializeSymmetric uses the
// ordering itself to decide which side of an interactive exchange plays
// Alice.
func (p *PublicKey) Compare(other *PublicKey) int {
	a, b := p.Serialize(), other.Serialize()
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
