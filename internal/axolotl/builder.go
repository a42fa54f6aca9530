package axolotl

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// maxExchangeSequence bounds the random sequence number an outbound
// interactive exchange picks (1..maxExchangeSequence). The sequence only
// pairs a response with its initiate; a simultaneous-initiate race is
// settled by InitializeSymmetric's base-key comparison, not by sequence.
const maxExchangeSequence = 16380

// MaxSupportedVersion is the highest protocol version this builder will
// negotiate.
const MaxSupportedVersion = 3

// SessionBuilder is the orchestrator: given the four stores and a remote
// address, it turns a pre-key bundle, an inbound pre-key message, or an
// interactive key exchange into an established SessionState, consulting
// KeyPrimitives (ECDH, signature verification) and the ratchet initializer
// along the way. No method here talks to a network; callers own delivery.
type SessionBuilder struct {
	SessionStore      SessionStore
	PreKeyStore       PreKeyStore
	SignedPreKeyStore SignedPreKeyStore
	IdentityKeyStore  IdentityKeyStore
	RemoteAddress     *Address
}

// NewSessionBuilder wires the four stores to a specific remote address.
// One builder per (local identity, remote address) pair.
func NewSessionBuilder(sessionStore SessionStore, preKeyStore PreKeyStore, signedPreKeyStore SignedPreKeyStore, identityKeyStore IdentityKeyStore, remoteAddress *Address) *SessionBuilder {
	return &SessionBuilder{
		SessionStore:      sessionStore,
		PreKeyStore:       preKeyStore,
		SignedPreKeyStore: signedPreKeyStore,
		IdentityKeyStore:  identityKeyStore,
		RemoteAddress:     remoteAddress,
	}
}

// ProcessBundle establishes a session from a fetched pre-key bundle — the
// initiator's path when there's no existing session and nothing inbound
// to react to yet.
func (b *SessionBuilder) ProcessBundle(bundle *PreKeyBundle) error {
	if bundle.IdentityKey == nil {
		return &InvalidKeyError{Reason: "bundle missing identity key"}
	}
	trusted, err := b.IdentityKeyStore.IsTrustedIdentity(b.RemoteAddress.Name(), bundle.IdentityKey)
	if err != nil {
		return wrapStoreError("is trusted identity", err)
	}
	if !trusted {
		return &UntrustedIdentityError{Name: b.RemoteAddress.Name()}
	}

	if !bundle.HasSignedPreKey() && !bundle.HasPreKey() {
		return &InvalidKeyError{Reason: "bundle has neither a signed pre-key nor a pre-key"}
	}

	if bundle.HasSignedPreKey() {
		if !VerifySignature(bundle.IdentityKey.PublicKey(), bundle.SignedPreKey.Serialize(), bundle.SignedPreKeySignature) {
			return &InvalidKeyError{Reason: "signed pre-key signature does not verify"}
		}
	}

	ourBaseKey, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	ourIdentityKeyPair, err := b.IdentityKeyStore.GetIdentityKeyPair()
	if err != nil {
		return wrapStoreError("get identity key pair", err)
	}

	var version uint32
	var theirSignedPreKey *PublicKey
	var theirOneTimePreKey *PublicKey

	if bundle.HasSignedPreKey() {
		version = 3
		theirSignedPreKey = bundle.SignedPreKey
		if bundle.HasPreKey() {
			theirOneTimePreKey = bundle.PreKey
		}
	} else {
		version = 2
		theirSignedPreKey = bundle.PreKey
	}

	params := &AliceParameters{
		OurBaseKey:         ourBaseKey,
		OurIdentityKeyPair: ourIdentityKeyPair,
		TheirIdentityKey:   bundle.IdentityKey,
		TheirSignedPreKey:  theirSignedPreKey,
		TheirRatchetKey:    theirSignedPreKey,
		TheirOneTimePreKey: theirOneTimePreKey,
	}

	state := &SessionState{}
	if err := InitializeAlice(state, version, params); err != nil {
		return err
	}

	localRegistrationID, err := b.IdentityKeyStore.GetLocalRegistrationID()
	if err != nil {
		return wrapStoreError("get local registration id", err)
	}
	state.LocalRegistrationID = localRegistrationID
	state.RemoteRegistrationID = bundle.RegistrationID
	state.AliceBaseKey = ourBaseKey.Public
	if bundle.HasPreKey() {
		state.UnacknowledgedPreKeyID = bundle.PreKeyID
	}

	record, err := b.SessionStore.LoadSession(b.RemoteAddress)
	if err != nil {
		return wrapStoreError("load session", err)
	}
	if !record.IsFresh() {
		record.ArchiveCurrentState()
	}
	record.SetSessionState(state)

	if err := b.SessionStore.StoreSession(b.RemoteAddress, record); err != nil {
		return wrapStoreError("store session", err)
	}
	if err := b.IdentityKeyStore.SaveIdentity(b.RemoteAddress.Name(), bundle.IdentityKey); err != nil {
		return wrapStoreError("save identity", err)
	}
	return nil
}

// ProcessPreKeyMessage establishes (or recognizes a duplicate of) the
// session implied by an inbound pre-key message — the responder's path
// for the very first message of a new conversation. It returns the
// one-time pre-key id the caller should now remove from the PreKeyStore,
// absent if none was consumed or the message was a duplicate.
func (b *SessionBuilder) ProcessPreKeyMessage(record *SessionRecord, msg *PreKeyWhisperMessage) (OptionalUint32, error) {
	trusted, err := b.IdentityKeyStore.IsTrustedIdentity(b.RemoteAddress.Name(), msg.IdentityKey)
	if err != nil {
		return None(), wrapStoreError("is trusted identity", err)
	}
	if !trusted {
		return None(), &UntrustedIdentityError{Name: b.RemoteAddress.Name()}
	}

	var consumed OptionalUint32
	switch msg.Version {
	case 2:
		consumed, err = b.processV2(record, msg)
	case 3:
		consumed, err = b.processV3(record, msg)
	default:
		return None(), &InvalidMessageError{Reason: fmt.Sprintf("unknown pre-key message version %d", msg.Version)}
	}
	if err != nil {
		return None(), err
	}

	if err := b.IdentityKeyStore.SaveIdentity(b.RemoteAddress.Name(), msg.IdentityKey); err != nil {
		return None(), wrapStoreError("save identity", err)
	}
	return consumed, nil
}

// processV2 handles the pre-3.0 shape, where the one-time pre-key doubles
// as the signed/ratchet position. The guard below intentionally treats
// "pre-key absent but a session already exists" as an already-processed
// duplicate rather than an error; any other absence falls through to
// LoadPreKey, which raises the real InvalidKeyIdError.
func (b *SessionBuilder) processV2(record *SessionRecord, msg *PreKeyWhisperMessage) (OptionalUint32, error) {
	if !msg.PreKeyID.Present {
		return None(), &InvalidKeyIdError{Reason: "v2 pre-key message missing pre-key id"}
	}
	id := msg.PreKeyID.Value

	hasPreKey, err := b.PreKeyStore.ContainsPreKey(id)
	if err != nil {
		return None(), wrapStoreError("contains pre-key", err)
	}
	hasSession := !record.IsFresh()
	if !hasPreKey && hasSession {
		return None(), nil
	}

	preKeyRecord, err := b.PreKeyStore.LoadPreKey(id)
	if err != nil {
		return None(), err
	}
	ourPreKey := preKeyRecord.KeyPair()

	ourIdentityKeyPair, err := b.IdentityKeyStore.GetIdentityKeyPair()
	if err != nil {
		return None(), wrapStoreError("get identity key pair", err)
	}

	params := &BobParameters{
		OurIdentityKeyPair: ourIdentityKeyPair,
		OurSignedPreKey:    ourPreKey,
		OurRatchetKey:      ourPreKey,
		TheirIdentityKey:   msg.IdentityKey,
		TheirBaseKey:       msg.BaseKey,
	}

	state := &SessionState{}
	if err := InitializeBob(state, 2, params); err != nil {
		return None(), err
	}
	if err := b.finishBobState(record, state, msg); err != nil {
		return None(), err
	}
	return Some(id), nil
}

// processV3 handles the current shape, where a signed pre-key carries the
// ratchet position and an independent one-time pre-key is optional. The
// duplicate-establishment guard is v3-only: the spec's dedup check keys on
// (version, baseKey) and is only specified for this branch.
func (b *SessionBuilder) processV3(record *SessionRecord, msg *PreKeyWhisperMessage) (OptionalUint32, error) {
	if record.HasSessionState(msg.Version, msg.BaseKey) {
		// The matching state may have been archived by a newer session
		// that has since been established; promote it back to current so
		// a message that raced against that newer session still decrypts
		// against the state it was actually encrypted under.
		record.PromoteState(msg.Version, msg.BaseKey)
		return None(), nil
	}

	signedPreKeyRecord, err := b.SignedPreKeyStore.LoadSignedPreKey(msg.SignedPreKeyID)
	if err != nil {
		return None(), err
	}
	ourSignedPreKey := signedPreKeyRecord.KeyPair()

	var ourOneTimePreKey *ECKeyPair
	if msg.PreKeyID.Present {
		preKeyRecord, err := b.PreKeyStore.LoadPreKey(msg.PreKeyID.Value)
		if err != nil {
			return None(), err
		}
		ourOneTimePreKey = preKeyRecord.KeyPair()
	}

	ourIdentityKeyPair, err := b.IdentityKeyStore.GetIdentityKeyPair()
	if err != nil {
		return None(), wrapStoreError("get identity key pair", err)
	}

	params := &BobParameters{
		OurIdentityKeyPair: ourIdentityKeyPair,
		OurSignedPreKey:    ourSignedPreKey,
		OurRatchetKey:      ourSignedPreKey,
		OurOneTimePreKey:   ourOneTimePreKey,
		TheirIdentityKey:   msg.IdentityKey,
		TheirBaseKey:       msg.BaseKey,
	}

	state := &SessionState{}
	if err := InitializeBob(state, 3, params); err != nil {
		return None(), err
	}
	if err := b.finishBobState(record, state, msg); err != nil {
		return None(), err
	}
	return msg.PreKeyID, nil
}

func (b *SessionBuilder) finishBobState(record *SessionRecord, state *SessionState, msg *PreKeyWhisperMessage) error {
	localRegistrationID, err := b.IdentityKeyStore.GetLocalRegistrationID()
	if err != nil {
		return wrapStoreError("get local registration id", err)
	}
	state.LocalRegistrationID = localRegistrationID
	state.RemoteRegistrationID = msg.RegistrationID
	state.AliceBaseKey = msg.BaseKey

	if !record.IsFresh() {
		record.ArchiveCurrentState()
	}
	record.SetSessionState(state)

	if err := b.SessionStore.StoreSession(b.RemoteAddress, record); err != nil {
		return wrapStoreError("store session", err)
	}
	return nil
}

// ProcessInitiate builds an outbound interactive key exchange message,
// recording the ephemeral material in the session record as pending so a
// matching response (or a simultaneous-initiate collision) can be
// resolved later. Version is hardcoded to 2: the interactive exchange
// predates v3 and was never extended past it.
func (b *SessionBuilder) ProcessInitiate() (*KeyExchangeMessage, error) {
	ourBaseKey, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	ourRatchetKey, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	ourIdentityKeyPair, err := b.IdentityKeyStore.GetIdentityKeyPair()
	if err != nil {
		return nil, wrapStoreError("get identity key pair", err)
	}
	sequence, err := randomSequence()
	if err != nil {
		return nil, err
	}

	record, err := b.SessionStore.LoadSession(b.RemoteAddress)
	if err != nil {
		return nil, wrapStoreError("load session", err)
	}
	record.SetPendingKeyExchange(sequence, ourBaseKey, ourRatchetKey, ourIdentityKeyPair)

	if err := b.SessionStore.StoreSession(b.RemoteAddress, record); err != nil {
		return nil, wrapStoreError("store session", err)
	}

	return &KeyExchangeMessage{
		Version:          2,
		MaxVersion:       MaxSupportedVersion,
		Sequence:         sequence,
		Flags:            KeyExchangeInitiate,
		BaseKey:          ourBaseKey.Public,
		BaseKeySignature: Sign(ourIdentityKeyPair.Private, ourBaseKey.Public.Serialize()),
		RatchetKey:       ourRatchetKey.Public,
		IdentityKey:      ourIdentityKeyPair.Public,
	}, nil
}

// ProcessKeyExchange dispatches an inbound interactive exchange message to
// the initiate or response handler and returns a reply to send back, nil
// if no reply is needed.
func (b *SessionBuilder) ProcessKeyExchange(record *SessionRecord, kex *KeyExchangeMessage) (*KeyExchangeMessage, error) {
	trusted, err := b.IdentityKeyStore.IsTrustedIdentity(b.RemoteAddress.Name(), kex.IdentityKey)
	if err != nil {
		return nil, wrapStoreError("is trusted identity", err)
	}
	if !trusted {
		return nil, &UntrustedIdentityError{Name: b.RemoteAddress.Name()}
	}

	if kex.IsInitiate() {
		return b.processInitiateMessage(record, kex)
	}
	return nil, b.processResponse(record, kex)
}

// processInitiateMessage handles an inbound Initiate, building
// SymmetricParameters from whichever base/ratchet/identity material we have
// on hand: material from our own earlier Initiate if this is a genuine
// simultaneous-initiate race (a pending exchange on the current state), or a freshly
// generated keypair standing in for both roles otherwise. InitializeSymmetric
// decides which side's math to run; it doesn't need to be told which case
// this is. The negotiated version is min(kex.MaxVersion, MaxSupportedVersion),
// per the exchange's own version-negotiation contract.
func (b *SessionBuilder) processInitiateMessage(record *SessionRecord, kex *KeyExchangeMessage) (*KeyExchangeMessage, error) {
	if !VerifySignature(kex.IdentityKey.PublicKey(), kex.BaseKey.Serialize(), kex.BaseKeySignature) {
		return nil, &InvalidKeyError{Reason: "key exchange base key signature does not verify"}
	}

	pending := record.SessionState()
	simultaneous := pending != nil && pending.HasPendingKeyExchange

	var (
		responseBaseKey  *ECKeyPair
		responseRatchet  *ECKeyPair
		responseIdentity *IdentityKeyPair
	)

	if simultaneous {
		responseBaseKey = pending.PendingKeyExchangeBaseKey
		responseRatchet = pending.PendingKeyExchangeRatchet
		responseIdentity = pending.PendingKeyExchangeIdentity
	} else {
		ourIdentityKeyPair, err := b.IdentityKeyStore.GetIdentityKeyPair()
		if err != nil {
			return nil, wrapStoreError("get identity key pair", err)
		}
		ourRatchet, err := GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		responseBaseKey = ourRatchet
		responseRatchet = ourRatchet
		responseIdentity = ourIdentityKeyPair
	}

	version := negotiateVersion(kex.MaxVersion)
	state := &SessionState{}
	params := &SymmetricParameters{
		OurBaseKey:         responseBaseKey,
		OurRatchetKey:      responseRatchet,
		OurIdentityKeyPair: responseIdentity,
		TheirBaseKey:       kex.BaseKey,
		TheirRatchetKey:    kex.RatchetKey,
		TheirIdentityKey:   kex.IdentityKey,
	}
	if err := InitializeSymmetric(state, version, params); err != nil {
		return nil, err
	}

	if !record.IsFresh() {
		record.ArchiveCurrentState()
	}
	record.SetSessionState(state)

	flags := KeyExchangeResponse
	if simultaneous {
		flags |= KeyExchangeSimultaneousInitiate
	}
	response := &KeyExchangeMessage{
		Version:          version,
		MaxVersion:       MaxSupportedVersion,
		Sequence:         kex.Sequence,
		Flags:            flags,
		BaseKey:          responseBaseKey.Public,
		BaseKeySignature: Sign(responseIdentity.Private, responseBaseKey.Public.Serialize()),
		RatchetKey:       responseRatchet.Public,
		IdentityKey:      responseIdentity.Public,
	}

	if err := b.SessionStore.StoreSession(b.RemoteAddress, record); err != nil {
		return nil, wrapStoreError("store session", err)
	}
	if err := b.IdentityKeyStore.SaveIdentity(b.RemoteAddress.Name(), kex.IdentityKey); err != nil {
		return nil, wrapStoreError("save identity", err)
	}
	return response, nil
}

// negotiateVersion picks the protocol version an interactive exchange
// settles on: the lower of what the peer advertised and what we support.
func negotiateVersion(peerMaxVersion uint32) uint32 {
	if peerMaxVersion < MaxSupportedVersion {
		return peerMaxVersion
	}
	return MaxSupportedVersion
}

// processResponse handles an inbound Response to our own earlier Initiate.
// Our pending base/ratchet/identity material is the material we already
// advertised; InitializeSymmetric decides which side's math to run, the
// same as the inbound-Initiate path, so the two ends agree on a root key
// regardless of which one happens to sort first. The negotiated version is
// min(kex.MaxVersion, MaxSupportedVersion). A response that does not match
// our pending exchange is ignored when it carries the simultaneous-initiate
// flag and rejected with StaleKeyExchangeError otherwise.
func (b *SessionBuilder) processResponse(record *SessionRecord, kex *KeyExchangeMessage) error {
	pending := record.SessionState()
	if pending == nil || !pending.HasPendingKeyExchange || kex.Sequence != pending.PendingKeyExchangeSequence {
		if kex.IsResponseForSimultaneousInitiate() {
			return nil
		}
		return &StaleKeyExchangeError{}
	}
	if !VerifySignature(kex.IdentityKey.PublicKey(), kex.BaseKey.Serialize(), kex.BaseKeySignature) {
		return &InvalidKeyError{Reason: "key exchange response base key signature does not verify"}
	}

	version := negotiateVersion(kex.MaxVersion)
	params := &SymmetricParameters{
		OurBaseKey:         pending.PendingKeyExchangeBaseKey,
		OurRatchetKey:      pending.PendingKeyExchangeRatchet,
		OurIdentityKeyPair: pending.PendingKeyExchangeIdentity,
		TheirBaseKey:       kex.BaseKey,
		TheirRatchetKey:    kex.RatchetKey,
		TheirIdentityKey:   kex.IdentityKey,
	}

	state := &SessionState{}
	if err := InitializeSymmetric(state, version, params); err != nil {
		return err
	}

	if !record.IsFresh() {
		record.ArchiveCurrentState()
	}
	record.SetSessionState(state)

	if err := b.SessionStore.StoreSession(b.RemoteAddress, record); err != nil {
		return wrapStoreError("store session", err)
	}
	if err := b.IdentityKeyStore.SaveIdentity(b.RemoteAddress.Name(), kex.IdentityKey); err != nil {
		return wrapStoreError("save identity", err)
	}
	return nil
}

// randomSequence picks the sequence number an outbound exchange tags
// itself with, used only to match a response to its initiate.
func randomSequence() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("axolotl: generate exchange sequence: %w", err)
	}
	return (binary.BigEndian.Uint32(buf[:]) % maxExchangeSequence) + 1, nil
}
