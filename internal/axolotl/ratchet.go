package axolotl

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// This file is the Parameter Builders + Ratchet Initializer collaborators:
// value objects carrying the inputs to ratchet initialization in three
// flavors (Alice/initiator, Bob/responder, and Symmetric for the interactive
// exchange), and the pure functions that turn them into root/chain key
// material. An interactive exchange, simultaneous initiate included, is
// resolved by having both sides deterministically agree on which one plays
// which role, then running the same Alice/Bob math — see
// InitializeSymmetric below. The symmetric message ratchet that
// consumes these chain keys afterward is out of scope; we only need the
// initializers to leave a SessionState with a negotiated root key and an
// initial chain key.

// discontiguityPrefix guards against a degenerate all-zero ECDH output
// (e.g. a maliciously chosen low-order point) dominating the derived
// secret, the same defensive padding X3DH implementations commonly use.
var discontiguityPrefix = func() []byte {
	p := make([]byte, 32)
	for i := range p {
		p[i] = 0xFF
	}
	return p
}()

// AliceParameters carries the initiator's inputs: our fresh base key plus
// our identity against their published bundle material.
type AliceParameters struct {
	OurBaseKey         *ECKeyPair
	OurIdentityKeyPair *IdentityKeyPair
	TheirIdentityKey   *IdentityKey
	TheirSignedPreKey  *PublicKey
	TheirRatchetKey    *PublicKey
	TheirOneTimePreKey *PublicKey // optional: nil when absent
}

// BobParameters carries the responder's inputs: our published material
// against their inbound base key.
type BobParameters struct {
	OurIdentityKeyPair *IdentityKeyPair
	OurSignedPreKey    *ECKeyPair
	OurRatchetKey      *ECKeyPair
	OurOneTimePreKey   *ECKeyPair // optional: nil when absent
	TheirIdentityKey   *IdentityKey
	TheirBaseKey       *PublicKey
}

// SymmetricParameters carries the inputs to the interactive key exchange
// (answering a peer's Initiate, simultaneous-initiate race included, or
// accepting the Response to our own Initiate): both sides contribute a base key and a ratchet key on equal footing,
// rather than one side publishing a bundle for the other to consume.
type SymmetricParameters struct {
	OurBaseKey         *ECKeyPair
	OurRatchetKey      *ECKeyPair
	OurIdentityKeyPair *IdentityKeyPair
	TheirBaseKey       *PublicKey
	TheirRatchetKey    *PublicKey
	TheirIdentityKey   *IdentityKey
}

// agreement accumulates the DH outputs that feed the root key derivation,
// in the order each flavor below defines.
type agreement struct {
	secret []byte
}

func (a *agreement) add(dh []byte, err error) error {
	if err != nil {
		return err
	}
	a.secret = append(a.secret, dh...)
	return nil
}

// dhOutputs computes the classic 3-or-4-DH agreement for the Alice side.
func (p *AliceParameters) dhOutputs() ([]byte, error) {
	a := &agreement{secret: append([]byte{}, discontiguityPrefix...)}
	if err := a.add(ECDH(p.OurIdentityKeyPair.Private, p.TheirSignedPreKey)); err != nil {
		return nil, err
	}
	if err := a.add(ECDH(p.OurBaseKey.Private, p.TheirIdentityKey.PublicKey())); err != nil {
		return nil, err
	}
	if err := a.add(ECDH(p.OurBaseKey.Private, p.TheirSignedPreKey)); err != nil {
		return nil, err
	}
	if p.TheirOneTimePreKey != nil {
		if err := a.add(ECDH(p.OurBaseKey.Private, p.TheirOneTimePreKey)); err != nil {
			return nil, err
		}
	}
	return a.secret, nil
}

// dhOutputs computes the mirror agreement for the Bob side; see ratchet.go
// comment block for why these line up term-for-term with AliceParameters.
func (p *BobParameters) dhOutputs() ([]byte, error) {
	a := &agreement{secret: append([]byte{}, discontiguityPrefix...)}
	if err := a.add(ECDH(p.OurSignedPreKey.Private, p.TheirIdentityKey.PublicKey())); err != nil {
		return nil, err
	}
	if err := a.add(ECDH(p.OurIdentityKeyPair.Private, p.TheirBaseKey)); err != nil {
		return nil, err
	}
	if err := a.add(ECDH(p.OurSignedPreKey.Private, p.TheirBaseKey)); err != nil {
		return nil, err
	}
	if p.OurOneTimePreKey != nil {
		if err := a.add(ECDH(p.OurOneTimePreKey.Private, p.TheirBaseKey)); err != nil {
			return nil, err
		}
	}
	return a.secret, nil
}

// deriveRootAndChain runs HKDF-SHA256 over the agreed secret and splits the
// 64-byte output into a 32-byte root key and a 32-byte initial chain key.
func deriveRootAndChain(secret []byte, version uint32) (rootKey, chainKey []byte, err error) {
	info := fmt.Sprintf("AxolotlRatchet-v%d", version)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	out := make([]byte, 64)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, fmt.Errorf("axolotl: derive ratchet keys: %w", err)
	}
	return out[:32], out[32:], nil
}

// InitializeAlice populates state from the initiator's parameters.
func InitializeAlice(state *SessionState, version uint32, params *AliceParameters) error {
	secret, err := params.dhOutputs()
	if err != nil {
		return err
	}
	root, chain, err := deriveRootAndChain(secret, version)
	if err != nil {
		return err
	}
	state.Version = version
	state.RootKey = root
	state.ChainKey = chain
	state.LocalIdentityKey = params.OurIdentityKeyPair.Public
	state.RemoteIdentityKey = params.TheirIdentityKey
	state.SenderRatchetKey = params.OurBaseKey.Public
	return nil
}

// InitializeBob populates state from the responder's parameters.
func InitializeBob(state *SessionState, version uint32, params *BobParameters) error {
	secret, err := params.dhOutputs()
	if err != nil {
		return err
	}
	root, chain, err := deriveRootAndChain(secret, version)
	if err != nil {
		return err
	}
	state.Version = version
	state.RootKey = root
	state.ChainKey = chain
	state.LocalIdentityKey = params.OurIdentityKeyPair.Public
	state.RemoteIdentityKey = params.TheirIdentityKey
	state.SenderRatchetKey = params.OurRatchetKey.Public
	return nil
}

// InitializeSymmetric populates state for an interactive key exchange where
// both sides contribute equal material. Neither side is privileged, so the
// two ends must deterministically agree on which one runs the Alice math
// and which runs the Bob math: whichever side's base key compares greater
// (PublicKey.Compare) plays Alice. This is safe because the three DH terms each flavor computes are
// the same terms in a different grouping — ECDH(a, B) == ECDH(b, A) for any
// keypair (a, A) and (b, B) — so both sides land on the same agreement and
// therefore the same root key regardless of which one is labeled Alice,
// provided both apply the same comparison to the same two base keys.
func InitializeSymmetric(state *SessionState, version uint32, params *SymmetricParameters) error {
	if params.OurBaseKey.Public.Compare(params.TheirBaseKey) > 0 {
		alice := &AliceParameters{
			OurBaseKey:         params.OurBaseKey,
			OurIdentityKeyPair: params.OurIdentityKeyPair,
			TheirIdentityKey:   params.TheirIdentityKey,
			TheirSignedPreKey:  params.TheirRatchetKey,
			TheirRatchetKey:    params.TheirRatchetKey,
		}
		return InitializeAlice(state, version, alice)
	}
	bob := &BobParameters{
		OurIdentityKeyPair: params.OurIdentityKeyPair,
		OurSignedPreKey:    params.OurRatchetKey,
		OurRatchetKey:      params.OurRatchetKey,
		TheirIdentityKey:   params.TheirIdentityKey,
		TheirBaseKey:       params.TheirBaseKey,
	}
	return InitializeBob(state, version, bob)
}

