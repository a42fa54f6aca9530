package axolotl

import "testing"

func newTestState(t *testing.T, version uint32) *SessionState {
	t.Helper()
	alice := generateKeyPair(t)
	bob := generateKeyPair(t)
	aliceBase := generateKeyPair(t)

	return &SessionState{
		Version:               version,
		LocalRegistrationID:   1,
		RemoteRegistrationID:  2,
		LocalIdentityKey:      NewIdentityKey(alice.Public),
		RemoteIdentityKey:     NewIdentityKey(bob.Public),
		RootKey:               []byte("0123456789abcdef0123456789abcdef"),
		ChainKey:              []byte("fedcba9876543210fedcba9876543210"),
		SenderRatchetKey:       aliceBase.Public,
		AliceBaseKey:          aliceBase.Public,
		UnacknowledgedPreKeyID: Some(7),
	}
}

func TestSessionRecordFreshByDefault(t *testing.T) {
	rec := NewSessionRecord()
	if !rec.IsFresh() {
		t.Fatal("expected a brand-new record to be fresh")
	}
	if rec.SessionState() != nil {
		t.Fatal("expected a fresh record to have no current state")
	}
}

func TestSessionRecordSetAndArchive(t *testing.T) {
	rec := NewSessionRecord()
	first := newTestState(t, 3)
	rec.SetSessionState(first)

	if rec.IsFresh() {
		t.Fatal("expected record to no longer be fresh after SetSessionState")
	}
	if rec.SessionState() != first {
		t.Fatal("expected SessionState to return what was just set")
	}

	rec.ArchiveCurrentState()
	if rec.SessionState() != nil {
		t.Fatal("expected current state to be cleared after archiving")
	}

	second := newTestState(t, 3)
	rec.SetSessionState(second)

	if !rec.HasSessionState(first.Version, first.AliceBaseKey) {
		t.Fatal("expected the archived state to still be found by HasSessionState")
	}
	if !rec.HasSessionState(second.Version, second.AliceBaseKey) {
		t.Fatal("expected the current state to be found by HasSessionState")
	}
}

func TestSessionRecordArchiveEvictsOldest(t *testing.T) {
	rec := NewSessionRecord()
	var evicted *SessionState
	for i := 0; i < maxArchivedStates+1; i++ {
		s := newTestState(t, 3)
		if i == 0 {
			evicted = s
		}
		rec.SetSessionState(s)
		rec.ArchiveCurrentState()
	}
	if len(rec.archive) != maxArchivedStates {
		t.Fatalf("expected archive to be capped at %d, got %d", maxArchivedStates, len(rec.archive))
	}
	if rec.HasSessionState(evicted.Version, evicted.AliceBaseKey) {
		t.Fatal("expected the oldest archived state to have been evicted")
	}
}

func TestSessionRecordPromoteState(t *testing.T) {
	rec := NewSessionRecord()
	older := newTestState(t, 3)
	rec.SetSessionState(older)
	rec.ArchiveCurrentState()

	newer := newTestState(t, 3)
	rec.SetSessionState(newer)

	if !rec.PromoteState(older.Version, older.AliceBaseKey) {
		t.Fatal("expected PromoteState to find the archived state")
	}
	if rec.SessionState() != older {
		t.Fatal("expected the promoted state to become current")
	}
	if !rec.HasSessionState(newer.Version, newer.AliceBaseKey) {
		t.Fatal("expected the bumped state to have moved into the archive")
	}
}

func TestSessionRecordSerializeRoundTrip(t *testing.T) {
	rec := NewSessionRecord()
	older := newTestState(t, 2)
	rec.SetSessionState(older)
	rec.ArchiveCurrentState()

	current := newTestState(t, 3)
	current.HasPendingKeyExchange = true
	current.PendingKeyExchangeBaseKey = generateKeyPair(t)
	current.PendingKeyExchangeRatchet = generateKeyPair(t)
	current.PendingKeyExchangeIdentity = &IdentityKeyPair{}
	ikp, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	current.PendingKeyExchangeIdentity = ikp
	current.PendingKeyExchangeSequence = 42
	rec.SetSessionState(current)

	data, err := rec.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := DeserializeSessionRecord(data)
	if err != nil {
		t.Fatal(err)
	}

	if loaded.IsFresh() {
		t.Fatal("expected deserialized record to not be fresh")
	}
	if loaded.SessionState().Version != current.Version {
		t.Fatalf("version: got %d, want %d", loaded.SessionState().Version, current.Version)
	}
	if string(loaded.SessionState().RootKey) != string(current.RootKey) {
		t.Fatal("root key did not round trip")
	}
	if !loaded.SessionState().HasPendingKeyExchange {
		t.Fatal("expected pending key exchange flag to round trip")
	}
	if loaded.SessionState().PendingKeyExchangeSequence != 42 {
		t.Fatalf("pending sequence: got %d, want 42", loaded.SessionState().PendingKeyExchangeSequence)
	}
	if !loaded.HasSessionState(older.Version, older.AliceBaseKey) {
		t.Fatal("expected the archived state to round trip too")
	}
}

func TestHasBaseKeyNilSafe(t *testing.T) {
	s := &SessionState{}
	if s.HasBaseKey(nil) {
		t.Fatal("expected a state with no Alice base key to never match")
	}
}
