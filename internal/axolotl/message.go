package axolotl

// PreKeyWhisperMessage is the first inbound protocol message: it carries
// Alice's ephemeral base key and (for v3) a reference to the signed
// pre-key she used, plus an optional one-time pre-key id.
type PreKeyWhisperMessage struct {
	Version        uint32
	RegistrationID uint32
	PreKeyID       OptionalUint32
	SignedPreKeyID uint32 // only meaningful when Version >= 3
	BaseKey        *PublicKey
	IdentityKey    *IdentityKey
	Ciphertext     []byte // the inner message ratchet payload; opaque here
}

// KeyExchangeMessage flag bits. These are a wire contract with the peer:
// chosen once, documented, kept stable.
const (
	KeyExchangeInitiate             uint32 = 0x01
	KeyExchangeResponse             uint32 = 0x02
	KeyExchangeSimultaneousInitiate uint32 = 0x04
)

// KeyExchangeMessage is the interactive exchange frame used by the
// ProcessInitiate/ProcessKeyExchange entry points.
type KeyExchangeMessage struct {
	Version          uint32
	MaxVersion       uint32
	Sequence         uint32
	Flags            uint32
	BaseKey          *PublicKey
	BaseKeySignature []byte
	RatchetKey       *PublicKey
	IdentityKey      *IdentityKey
}

// IsInitiate reports whether the INITIATE flag is set.
func (m *KeyExchangeMessage) IsInitiate() bool { return m.Flags&KeyExchangeInitiate != 0 }

// IsResponse reports whether the RESPONSE flag is set.
func (m *KeyExchangeMessage) IsResponse() bool { return m.Flags&KeyExchangeResponse != 0 }

// IsResponseForSimultaneousInitiate reports whether the peer flagged its
// response as the loser of a simultaneous-initiate race.
func (m *KeyExchangeMessage) IsResponseForSimultaneousInitiate() bool {
	return m.Flags&KeyExchangeSimultaneousInitiate != 0
}
