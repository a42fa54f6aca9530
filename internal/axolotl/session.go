package axolotl

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// maxArchivedStates bounds how many superseded states a record keeps around
// to decrypt messages that raced ahead of a new session establishment.
const maxArchivedStates = 40

// SessionState is the negotiated material for one ratchet lifetime: who we
// are, who we think we're talking to, the root/chain keys the ratchet
// initializer derived, and enough bookkeeping to finish a pre-key message
// or an interactive exchange that's still in flight.
type SessionState struct {
	Version        uint32
	LocalRegistrationID  uint32
	RemoteRegistrationID uint32

	LocalIdentityKey  *IdentityKey
	RemoteIdentityKey *IdentityKey

	RootKey  []byte
	ChainKey []byte

	// SenderRatchetKey is the public half of whichever keypair this side
	// used as its ratchet key when the session was initialized.
	SenderRatchetKey *PublicKey

	// AliceBaseKey is Alice's ephemeral base key for this session, kept so
	// a duplicate inbound pre-key message can be recognized as already
	// processed rather than re-establishing a new state.
	AliceBaseKey *PublicKey

	// UnacknowledgedPreKeyID is set on Alice's side: the one-time pre-key
	// id from the bundle she built this session from, if any, for her
	// pre-key messages to name. Bob removes that pre-key from his store as
	// soon as ProcessPreKeyMessage returns its id.
	UnacknowledgedPreKeyID OptionalUint32

	// PendingKeyExchange holds the outbound KeyExchangeMessage this side
	// sent while interactively establishing the session, so a matching
	// response (or a simultaneous-initiate collision) can be resolved.
	PendingKeyExchangeSequence uint32
	PendingKeyExchangeBaseKey  *ECKeyPair
	PendingKeyExchangeRatchet  *ECKeyPair
	PendingKeyExchangeIdentity *IdentityKeyPair
	HasPendingKeyExchange      bool
}

// wireSessionState mirrors SessionState but with msgpack-friendly byte
// slices for keys, since PublicKey/PrivateKey keep their fields unexported.
type wireSessionState struct {
	Version              uint32
	LocalRegistrationID  uint32
	RemoteRegistrationID uint32

	LocalIdentityKey  []byte
	RemoteIdentityKey []byte

	RootKey  []byte
	ChainKey []byte

	SenderRatchetKey []byte
	AliceBaseKey     []byte

	UnacknowledgedPreKeyPresent bool
	UnacknowledgedPreKeyID      uint32

	PendingKeyExchangeSequence uint32
	PendingKeyExchangeBaseKey  []byte
	PendingKeyExchangeRatchet  []byte
	PendingKeyExchangeIdentity []byte
	HasPendingKeyExchange      bool
}

func (s *SessionState) toWire() (*wireSessionState, error) {
	w := &wireSessionState{
		Version:                     s.Version,
		LocalRegistrationID:         s.LocalRegistrationID,
		RemoteRegistrationID:        s.RemoteRegistrationID,
		RootKey:                     s.RootKey,
		ChainKey:                    s.ChainKey,
		UnacknowledgedPreKeyPresent: s.UnacknowledgedPreKeyID.Present,
		UnacknowledgedPreKeyID:      s.UnacknowledgedPreKeyID.Value,
		PendingKeyExchangeSequence:  s.PendingKeyExchangeSequence,
		HasPendingKeyExchange:       s.HasPendingKeyExchange,
	}
	if s.LocalIdentityKey != nil {
		w.LocalIdentityKey = s.LocalIdentityKey.Serialize()
	}
	if s.RemoteIdentityKey != nil {
		w.RemoteIdentityKey = s.RemoteIdentityKey.Serialize()
	}
	if s.SenderRatchetKey != nil {
		w.SenderRatchetKey = s.SenderRatchetKey.Serialize()
	}
	if s.AliceBaseKey != nil {
		w.AliceBaseKey = s.AliceBaseKey.Serialize()
	}
	if s.HasPendingKeyExchange {
		w.PendingKeyExchangeBaseKey = s.PendingKeyExchangeBaseKey.Private.Serialize()
		w.PendingKeyExchangeRatchet = s.PendingKeyExchangeRatchet.Private.Serialize()
		w.PendingKeyExchangeIdentity = s.PendingKeyExchangeIdentity.Private.Serialize()
	}
	return w, nil
}

func fromWire(w *wireSessionState) (*SessionState, error) {
	s := &SessionState{
		Version:              w.Version,
		LocalRegistrationID:  w.LocalRegistrationID,
		RemoteRegistrationID: w.RemoteRegistrationID,
		RootKey:              w.RootKey,
		ChainKey:             w.ChainKey,
		UnacknowledgedPreKeyID: OptionalUint32{
			Value:   w.UnacknowledgedPreKeyID,
			Present: w.UnacknowledgedPreKeyPresent,
		},
		PendingKeyExchangeSequence: w.PendingKeyExchangeSequence,
		HasPendingKeyExchange:      w.HasPendingKeyExchange,
	}
	var err error
	if s.LocalIdentityKey, err = deserializeIdentityKey(w.LocalIdentityKey); err != nil {
		return nil, err
	}
	if s.RemoteIdentityKey, err = deserializeIdentityKey(w.RemoteIdentityKey); err != nil {
		return nil, err
	}
	if len(w.SenderRatchetKey) > 0 {
		if s.SenderRatchetKey, err = DeserializePublicKey(w.SenderRatchetKey); err != nil {
			return nil, err
		}
	}
	if len(w.AliceBaseKey) > 0 {
		if s.AliceBaseKey, err = DeserializePublicKey(w.AliceBaseKey); err != nil {
			return nil, err
		}
	}
	if w.HasPendingKeyExchange {
		if s.PendingKeyExchangeBaseKey, err = keyPairFromPrivateBytes(w.PendingKeyExchangeBaseKey); err != nil {
			return nil, err
		}
		if s.PendingKeyExchangeRatchet, err = keyPairFromPrivateBytes(w.PendingKeyExchangeRatchet); err != nil {
			return nil, err
		}
		ikp, err := keyPairFromPrivateBytes(w.PendingKeyExchangeIdentity)
		if err != nil {
			return nil, err
		}
		s.PendingKeyExchangeIdentity = &IdentityKeyPair{Public: NewIdentityKey(ikp.Public), Private: ikp.Private}
	}
	return s, nil
}

func deserializeIdentityKey(data []byte) (*IdentityKey, error) {
	if len(data) == 0 {
		return nil, nil
	}
	pub, err := DeserializePublicKey(data)
	if err != nil {
		return nil, err
	}
	return NewIdentityKey(pub), nil
}

func keyPairFromPrivateBytes(data []byte) (*ECKeyPair, error) {
	priv, err := DeserializePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return &ECKeyPair{Public: priv.PublicKey(), Private: priv}, nil
}

// HasBaseKey reports whether this state was established with the given
// Alice base key, used to recognize a duplicate inbound pre-key message.
func (s *SessionState) HasBaseKey(baseKey *PublicKey) bool {
	if s.AliceBaseKey == nil || baseKey == nil {
		return false
	}
	return s.AliceBaseKey.Compare(baseKey) == 0
}

// SessionRecord is the durable unit the stores exchange: the live state
// plus a bounded archive of states this side has since superseded but
// might still need in order to decrypt a message that crossed in flight.
type SessionRecord struct {
	fresh   bool
	current *SessionState
	archive []*SessionState
}

// NewSessionRecord returns a blank record with no established state yet.
// LoadSession returns one of these for an address with no history.
func NewSessionRecord() *SessionRecord {
	return &SessionRecord{fresh: true}
}

// IsFresh reports whether no state has ever been installed on this record.
// A placeholder state created by SetPendingKeyExchange counts as installed.
func (r *SessionRecord) IsFresh() bool { return r.fresh }

// SessionState returns the live state, or nil if the record is fresh.
func (r *SessionRecord) SessionState() *SessionState { return r.current }

// SetSessionState installs a newly negotiated state as current, without
// touching the archive. Callers archive the prior state themselves when
// the old one might still be needed (see ArchiveCurrentState).
func (r *SessionRecord) SetSessionState(state *SessionState) {
	r.current = state
	r.fresh = false
}

// SetPendingKeyExchange stashes this side's outbound interactive-exchange
// material onto the record's current state — creating a blank one first if
// the record has no state yet — so a later ProcessKeyExchange call can
// recognize and resolve a matching response or a simultaneous-initiate
// collision. It does not disturb an existing state's negotiated root key.
func (r *SessionRecord) SetPendingKeyExchange(sequence uint32, base, ratchet *ECKeyPair, identity *IdentityKeyPair) {
	state := r.current
	if state == nil {
		state = &SessionState{}
	}
	state.PendingKeyExchangeSequence = sequence
	state.PendingKeyExchangeBaseKey = base
	state.PendingKeyExchangeRatchet = ratchet
	state.PendingKeyExchangeIdentity = identity
	state.HasPendingKeyExchange = true
	r.SetSessionState(state)
}

// ArchiveCurrentState moves the current state into the archive, evicting
// the oldest entry if the archive is already at capacity, then clears the
// current state so the caller can install a replacement.
func (r *SessionRecord) ArchiveCurrentState() {
	if r.current == nil {
		return
	}
	r.archive = append(r.archive, r.current)
	if len(r.archive) > maxArchivedStates {
		r.archive = r.archive[len(r.archive)-maxArchivedStates:]
	}
	r.current = nil
}

// HasSessionState reports whether the current state or any archived state
// matches the given version and Alice base key — the duplicate-message
// check the pre-key message path needs before re-establishing.
func (r *SessionRecord) HasSessionState(version uint32, aliceBaseKey *PublicKey) bool {
	if r.current != nil && r.current.Version == version && r.current.HasBaseKey(aliceBaseKey) {
		return true
	}
	for _, s := range r.archive {
		if s.Version == version && s.HasBaseKey(aliceBaseKey) {
			return true
		}
	}
	return false
}

// PromoteState searches the archive for a state matching version and
// aliceBaseKey and, if found, makes it current again (archiving whatever
// was current), returning true. Used when a peer replays against a state
// we've since superseded but not yet evicted.
func (r *SessionRecord) PromoteState(version uint32, aliceBaseKey *PublicKey) bool {
	for i, s := range r.archive {
		if s.Version == version && s.HasBaseKey(aliceBaseKey) {
			r.archive = append(r.archive[:i], r.archive[i+1:]...)
			if r.current != nil {
				r.ArchiveCurrentState()
			}
			r.current = s
			r.fresh = false
			return true
		}
	}
	return false
}

// Serialize encodes the record for storage.
func (r *SessionRecord) Serialize() ([]byte, error) {
	wire := struct {
		Fresh   bool
		Current *wireSessionState
		Archive []*wireSessionState
	}{Fresh: r.fresh}

	if r.current != nil {
		w, err := r.current.toWire()
		if err != nil {
			return nil, err
		}
		wire.Current = w
	}
	for _, s := range r.archive {
		w, err := s.toWire()
		if err != nil {
			return nil, err
		}
		wire.Archive = append(wire.Archive, w)
	}

	data, err := msgpack.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("axolotl: serialize session record: %w", err)
	}
	return data, nil
}

// DeserializeSessionRecord decodes a record previously written by
// Serialize.
func DeserializeSessionRecord(data []byte) (*SessionRecord, error) {
	var wire struct {
		Fresh   bool
		Current *wireSessionState
		Archive []*wireSessionState
	}
	if err := msgpack.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("axolotl: deserialize session record: %w", err)
	}

	r := &SessionRecord{fresh: wire.Fresh}
	if wire.Current != nil {
		s, err := fromWire(wire.Current)
		if err != nil {
			return nil, err
		}
		r.current = s
	}
	for _, w := range wire.Archive {
		s, err := fromWire(w)
		if err != nil {
			return nil, err
		}
		r.archive = append(r.archive, s)
	}
	return r, nil
}
