package axolotl

import (
	"errors"
	"testing"
)

type participant struct {
	addr              *Address
	sessionStore      *MemorySessionStore
	preKeyStore       *MemoryPreKeyStore
	signedPreKeyStore *MemorySignedPreKeyStore
	identityStore     *MemoryIdentityKeyStore
	identityKeyPair   *IdentityKeyPair
	registrationID    uint32
}

func newParticipant(t *testing.T, name string, deviceID uint32, registrationID uint32) *participant {
	t.Helper()
	addr, err := NewAddress(name, deviceID)
	if err != nil {
		t.Fatal(err)
	}
	ikp, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return &participant{
		addr:              addr,
		sessionStore:      NewMemorySessionStore(),
		preKeyStore:       NewMemoryPreKeyStore(),
		signedPreKeyStore: NewMemorySignedPreKeyStore(),
		identityStore:     NewMemoryIdentityKeyStore(ikp, registrationID),
		identityKeyPair:   ikp,
		registrationID:    registrationID,
	}
}

func (p *participant) builderFor(remote *Address) *SessionBuilder {
	return NewSessionBuilder(p.sessionStore, p.preKeyStore, p.signedPreKeyStore, p.identityStore, remote)
}

// publishV3Bundle generates and stores a one-time pre-key and a signed
// pre-key for p, then returns the bundle another party would fetch from a
// directory.
func (p *participant) publishV3Bundle(t *testing.T, preKeyID, signedPreKeyID uint32) *PreKeyBundle {
	t.Helper()
	preKey := generateKeyPair(t)
	p.preKeyStore.StorePreKey(preKeyID, NewPreKeyRecord(preKeyID, preKey))

	signedPreKey := generateKeyPair(t)
	sig := Sign(p.identityKeyPair.Private, signedPreKey.Public.Serialize())
	p.signedPreKeyStore.StoreSignedPreKey(signedPreKeyID, NewSignedPreKeyRecord(signedPreKeyID, signedPreKey, sig, 1000))

	return &PreKeyBundle{
		RegistrationID:        p.registrationID,
		DeviceID:              p.addr.DeviceID(),
		PreKeyID:              Some(preKeyID),
		PreKey:                preKey.Public,
		SignedPreKeyID:        signedPreKeyID,
		SignedPreKey:          signedPreKey.Public,
		SignedPreKeySignature: sig,
		IdentityKey:           p.identityKeyPair.Public,
	}
}

// publishV2Bundle mimics a contact who has never rotated onto v3: only an
// ordinary (unsigned) pre-key is published.
func (p *participant) publishV2Bundle(t *testing.T, preKeyID uint32) *PreKeyBundle {
	t.Helper()
	preKey := generateKeyPair(t)
	p.preKeyStore.StorePreKey(preKeyID, NewPreKeyRecord(preKeyID, preKey))
	return &PreKeyBundle{
		RegistrationID: p.registrationID,
		DeviceID:       p.addr.DeviceID(),
		PreKeyID:       Some(preKeyID),
		PreKey:         preKey.Public,
		IdentityKey:    p.identityKeyPair.Public,
	}
}

// preKeyMessageFrom builds the PreKeyWhisperMessage bob would receive as
// the first message of the session alice just established with
// ProcessBundle, reading straight off alice's just-stored session state
// since message encryption itself is out of scope here.
func preKeyMessageFrom(t *testing.T, alice *participant, bobAddr *Address, bundle *PreKeyBundle) *PreKeyWhisperMessage {
	t.Helper()
	rec, err := alice.sessionStore.LoadSession(bobAddr)
	if err != nil {
		t.Fatal(err)
	}
	state := rec.SessionState()
	if state == nil {
		t.Fatal("alice has no established session to build a message from")
	}
	return &PreKeyWhisperMessage{
		Version:        state.Version,
		RegistrationID: alice.registrationID,
		PreKeyID:       state.UnacknowledgedPreKeyID,
		SignedPreKeyID: bundle.SignedPreKeyID,
		BaseKey:        state.AliceBaseKey,
		IdentityKey:    alice.identityKeyPair.Public,
		Ciphertext:     []byte("opaque ratchet payload"),
	}
}

func TestProcessBundleEstablishesV3Session(t *testing.T) {
	alice := newParticipant(t, "alice", 1, 100)
	bob := newParticipant(t, "bob", 1, 200)

	bundle := bob.publishV3Bundle(t, 1, 1)

	builder := alice.builderFor(bob.addr)
	if err := builder.ProcessBundle(bundle); err != nil {
		t.Fatal(err)
	}

	rec, err := alice.sessionStore.LoadSession(bob.addr)
	if err != nil {
		t.Fatal(err)
	}
	if rec.IsFresh() {
		t.Fatal("expected a session to have been established")
	}
	state := rec.SessionState()
	if state.Version != 3 {
		t.Fatalf("version: got %d, want 3", state.Version)
	}
	if len(state.RootKey) != 32 || len(state.ChainKey) != 32 {
		t.Fatal("expected 32-byte root and chain keys")
	}
	if state.RemoteRegistrationID != bob.registrationID {
		t.Fatalf("remote registration id: got %d, want %d", state.RemoteRegistrationID, bob.registrationID)
	}
}

func TestProcessBundleRejectsBadSignature(t *testing.T) {
	alice := newParticipant(t, "alice", 1, 100)
	bob := newParticipant(t, "bob", 1, 200)

	bundle := bob.publishV3Bundle(t, 1, 1)
	bundle.SignedPreKeySignature[0] ^= 0xFF

	builder := alice.builderFor(bob.addr)
	err := builder.ProcessBundle(bundle)
	if err == nil {
		t.Fatal("expected an error for a tampered signed pre-key signature")
	}
	var invalidKey *InvalidKeyError
	if !errors.As(err, &invalidKey) {
		t.Fatalf("expected *InvalidKeyError, got %T: %v", err, err)
	}
}

func TestProcessBundleRejectsUntrustedIdentity(t *testing.T) {
	alice := newParticipant(t, "alice", 1, 100)
	bob := newParticipant(t, "bob", 1, 200)
	impostor := newParticipant(t, "impostor", 1, 300)

	first := bob.publishV3Bundle(t, 1, 1)
	builder := alice.builderFor(bob.addr)
	if err := builder.ProcessBundle(first); err != nil {
		t.Fatal(err)
	}

	impostorBundle := bob.publishV3Bundle(t, 2, 2)
	impostorBundle.IdentityKey = impostor.identityKeyPair.Public
	impostorBundle.SignedPreKeySignature = Sign(impostor.identityKeyPair.Private, impostorBundle.SignedPreKey.Serialize())

	if err := builder.ProcessBundle(impostorBundle); err == nil {
		t.Fatal("expected an error when bob's pinned identity changes underneath us")
	} else {
		var untrusted *UntrustedIdentityError
		if !errors.As(err, &untrusted) {
			t.Fatalf("expected *UntrustedIdentityError, got %T: %v", err, err)
		}
	}
}

func TestProcessPreKeyMessageV3EstablishesAndDeduplicates(t *testing.T) {
	alice := newParticipant(t, "alice", 1, 100)
	bob := newParticipant(t, "bob", 1, 200)

	bundle := bob.publishV3Bundle(t, 5, 1)
	aliceBuilder := alice.builderFor(bob.addr)
	if err := aliceBuilder.ProcessBundle(bundle); err != nil {
		t.Fatal(err)
	}
	msg := preKeyMessageFrom(t, alice, bob.addr, bundle)

	bobBuilder := bob.builderFor(alice.addr)
	rec, err := bob.sessionStore.LoadSession(alice.addr)
	if err != nil {
		t.Fatal(err)
	}

	consumed, err := bobBuilder.ProcessPreKeyMessage(rec, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !consumed.Present || consumed.Value != 5 {
		t.Fatalf("expected to be told to consume pre-key 5, got %+v", consumed)
	}
	if err := bob.sessionStore.StoreSession(alice.addr, rec); err != nil {
		t.Fatal(err)
	}
	if err := bob.preKeyStore.RemovePreKey(consumed.Value); err != nil {
		t.Fatal(err)
	}

	bobState := rec.SessionState()
	aliceRec, _ := alice.sessionStore.LoadSession(bob.addr)
	aliceState := aliceRec.SessionState()
	if string(bobState.RootKey) != string(aliceState.RootKey) {
		t.Fatal("alice and bob derived different root keys from the same handshake")
	}
	if string(bobState.ChainKey) != string(aliceState.ChainKey) {
		t.Fatal("alice and bob derived different chain keys from the same handshake")
	}

	// Replaying the same pre-key message should be recognized as a
	// duplicate: no error, nothing new to consume.
	dup, err := bobBuilder.ProcessPreKeyMessage(rec, msg)
	if err != nil {
		t.Fatal(err)
	}
	if dup.Present {
		t.Fatalf("expected a duplicate message to report nothing to consume, got %+v", dup)
	}
}

func TestProcessPreKeyMessageV2MissingPreKeyWithExistingSession(t *testing.T) {
	alice := newParticipant(t, "alice", 1, 100)
	bob := newParticipant(t, "bob", 1, 200)

	bundle := bob.publishV2Bundle(t, 9)
	aliceBuilder := alice.builderFor(bob.addr)
	if err := aliceBuilder.ProcessBundle(bundle); err != nil {
		t.Fatal(err)
	}
	msg := preKeyMessageFrom(t, alice, bob.addr, bundle)
	msg.Version = 2

	bobBuilder := bob.builderFor(alice.addr)
	rec, err := bob.sessionStore.LoadSession(alice.addr)
	if err != nil {
		t.Fatal(err)
	}

	// First delivery: the pre-key is present, so it establishes normally.
	consumed, err := bobBuilder.ProcessPreKeyMessage(rec, msg)
	if err != nil {
		t.Fatal(err)
	}
	if !consumed.Present {
		t.Fatal("expected the first v2 delivery to consume the pre-key")
	}
	if err := bob.preKeyStore.RemovePreKey(consumed.Value); err != nil {
		t.Fatal(err)
	}
	if err := bob.sessionStore.StoreSession(alice.addr, rec); err != nil {
		t.Fatal(err)
	}

	// A second, distinct v2 message referencing the now-removed pre-key but
	// a different base key: since a session already exists and the
	// pre-key is gone, this falls into the "already processed" guard
	// rather than failing with InvalidKeyIdError.
	secondBaseKey := generateKeyPair(t)
	replay := &PreKeyWhisperMessage{
		Version:        2,
		RegistrationID: msg.RegistrationID,
		PreKeyID:       Some(9),
		BaseKey:        secondBaseKey.Public,
		IdentityKey:    msg.IdentityKey,
		Ciphertext:     msg.Ciphertext,
	}
	rec2, err := bob.sessionStore.LoadSession(alice.addr)
	if err != nil {
		t.Fatal(err)
	}
	again, err := bobBuilder.ProcessPreKeyMessage(rec2, replay)
	if err != nil {
		t.Fatal(err)
	}
	if again.Present {
		t.Fatalf("expected the missing-pre-key-with-existing-session guard to report nothing to consume, got %+v", again)
	}
}

func TestProcessPreKeyMessageV2MissingPreKeyNoSessionFails(t *testing.T) {
	alice := newParticipant(t, "alice", 1, 100)
	bob := newParticipant(t, "bob", 1, 200)
	bobBuilder := bob.builderFor(alice.addr)

	msg := &PreKeyWhisperMessage{
		Version:        2,
		RegistrationID: 100,
		PreKeyID:       Some(404),
		BaseKey:        generateKeyPair(t).Public,
		IdentityKey:    alice.identityKeyPair.Public,
	}

	rec := NewSessionRecord()
	_, err := bobBuilder.ProcessPreKeyMessage(rec, msg)
	if err == nil {
		t.Fatal("expected an error for a missing pre-key with no prior session")
	}
	var invalidKeyID *InvalidKeyIdError
	if !errors.As(err, &invalidKeyID) {
		t.Fatalf("expected *InvalidKeyIdError, got %T: %v", err, err)
	}
}

func TestInteractiveKeyExchange(t *testing.T) {
	alice := newParticipant(t, "alice", 1, 100)
	bob := newParticipant(t, "bob", 1, 200)

	aliceBuilder := alice.builderFor(bob.addr)
	bobBuilder := bob.builderFor(alice.addr)

	initiate, err := aliceBuilder.ProcessInitiate()
	if err != nil {
		t.Fatal(err)
	}
	if !initiate.IsInitiate() {
		t.Fatal("expected the outbound message to carry the initiate flag")
	}

	bobRec, err := bob.sessionStore.LoadSession(alice.addr)
	if err != nil {
		t.Fatal(err)
	}
	response, err := bobBuilder.ProcessKeyExchange(bobRec, initiate)
	if err != nil {
		t.Fatal(err)
	}
	if response == nil || !response.IsResponse() {
		t.Fatal("expected bob to reply with a response message")
	}
	if err := bob.sessionStore.StoreSession(alice.addr, bobRec); err != nil {
		t.Fatal(err)
	}

	aliceRec, err := alice.sessionStore.LoadSession(bob.addr)
	if err != nil {
		t.Fatal(err)
	}
	if finalReply, err := aliceBuilder.ProcessKeyExchange(aliceRec, response); err != nil {
		t.Fatal(err)
	} else if finalReply != nil {
		t.Fatal("expected no further reply once alice accepts bob's response")
	}

	if aliceRec.SessionState() == nil || bobRec.SessionState() == nil {
		t.Fatal("expected both sides to have an established session")
	}
	if string(aliceRec.SessionState().RootKey) != string(bobRec.SessionState().RootKey) {
		t.Fatal("alice and bob derived different root keys from the interactive exchange")
	}
}

func TestInteractiveKeyExchangeSimultaneousInitiate(t *testing.T) {
	alice := newParticipant(t, "alice", 1, 100)
	bob := newParticipant(t, "bob", 1, 200)

	aliceBuilder := alice.builderFor(bob.addr)
	bobBuilder := bob.builderFor(alice.addr)

	aliceInitiate, err := aliceBuilder.ProcessInitiate()
	if err != nil {
		t.Fatal(err)
	}
	bobInitiate, err := bobBuilder.ProcessInitiate()
	if err != nil {
		t.Fatal(err)
	}

	aliceRec, _ := alice.sessionStore.LoadSession(bob.addr)
	aliceResponse, err := aliceBuilder.ProcessKeyExchange(aliceRec, bobInitiate)
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.sessionStore.StoreSession(bob.addr, aliceRec); err != nil {
		t.Fatal(err)
	}

	bobRec, _ := bob.sessionStore.LoadSession(alice.addr)
	bobResponse, err := bobBuilder.ProcessKeyExchange(bobRec, aliceInitiate)
	if err != nil {
		t.Fatal(err)
	}
	if err := bob.sessionStore.StoreSession(alice.addr, bobRec); err != nil {
		t.Fatal(err)
	}

	if aliceResponse == nil || bobResponse == nil {
		t.Fatal("expected both sides to respond to the other's initiate")
	}

	if aliceRec.SessionState() == nil || bobRec.SessionState() == nil {
		t.Fatal("expected both sides to land an established session despite the race")
	}
	if string(aliceRec.SessionState().RootKey) != string(bobRec.SessionState().RootKey) {
		t.Fatal("alice and bob should converge on the same root key even after a simultaneous initiate")
	}
}

func TestInteractiveKeyExchangeStaleResponse(t *testing.T) {
	alice := newParticipant(t, "alice", 1, 100)
	bob := newParticipant(t, "bob", 1, 200)

	aliceBuilder := alice.builderFor(bob.addr)
	bobBuilder := bob.builderFor(alice.addr)

	initiate, err := aliceBuilder.ProcessInitiate()
	if err != nil {
		t.Fatal(err)
	}

	bobRec, _ := bob.sessionStore.LoadSession(alice.addr)
	response, err := bobBuilder.ProcessKeyExchange(bobRec, initiate)
	if err != nil {
		t.Fatal(err)
	}

	// Tamper with the sequence so it no longer matches alice's pending
	// exchange, simulating a response that arrived for an exchange alice
	// has already abandoned or restarted.
	response.Sequence++

	aliceRec, _ := alice.sessionStore.LoadSession(bob.addr)
	_, err = aliceBuilder.ProcessKeyExchange(aliceRec, response)
	if err == nil {
		t.Fatal("expected an error for a response that doesn't match the pending exchange")
	}
	var stale *StaleKeyExchangeError
	if !errors.As(err, &stale) {
		t.Fatalf("expected *StaleKeyExchangeError, got %T: %v", err, err)
	}
}
