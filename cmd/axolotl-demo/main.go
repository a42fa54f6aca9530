// Command axolotl-demo walks through the session-establishment paths the
// core supports, against in-memory stores, and logs each step. The bundle
// subcommand exercises both ProcessBundle (Alice) and ProcessPreKeyMessage
// (Bob); the exchange subcommand exercises the interactive ProcessInitiate
// / ProcessKeyExchange pair.
//
// Usage:
//
//	axolotl-demo bundle    Establish a session via a fetched pre-key bundle
//	axolotl-demo exchange  Establish a session via interactive key exchange
package main

import (
	"fmt"
	"log/slog"
	"os"

	flags "github.com/jessevdk/go-flags"

	"github.com/go-axolotl/sessioncore/internal/axolotl"
)

type globalOpts struct {
	Verbose bool             `short:"v" long:"verbose" description:"Enable debug logging"`
	Bundle  bundleCommand    `command:"bundle" description:"Establish a session via a pre-key bundle"`
	Exchange exchangeCommand `command:"exchange" description:"Establish a session via interactive key exchange"`
}

var (
	opts globalOpts
	log  *slog.Logger
)

// newLogger builds the CLI's logger from already-parsed flags. Each
// subcommand's Execute calls this itself, since go-flags' Commander
// dispatches straight to Execute from inside Parse — by the time that
// happens opts.Verbose is populated, but nothing has assigned the
// package-level log yet, so Execute must build its own.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
		os.Exit(0)
	}
	if err != nil {
		newLogger().Error("parse arguments", "error", err)
		os.Exit(1)
	}
}

// party bundles the four stores a single participant needs, each backed by
// an in-memory implementation since this demo never outlives one process.
type party struct {
	name              string
	addr              *axolotl.Address
	sessionStore      *axolotl.MemorySessionStore
	preKeyStore       *axolotl.MemoryPreKeyStore
	signedPreKeyStore *axolotl.MemorySignedPreKeyStore
	identityKeyStore  *axolotl.MemoryIdentityKeyStore
}

func newParty(name string, deviceID, registrationID uint32) (*party, error) {
	addr, err := axolotl.NewAddress(name, deviceID)
	if err != nil {
		return nil, err
	}
	identity, err := axolotl.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate identity key pair for %s: %w", name, err)
	}
	return &party{
		name:              name,
		addr:              addr,
		sessionStore:      axolotl.NewMemorySessionStore(),
		preKeyStore:       axolotl.NewMemoryPreKeyStore(),
		signedPreKeyStore: axolotl.NewMemorySignedPreKeyStore(),
		identityKeyStore:  axolotl.NewMemoryIdentityKeyStore(identity, registrationID),
	}, nil
}

func (p *party) builderFor(remote *axolotl.Address) *axolotl.SessionBuilder {
	return axolotl.NewSessionBuilder(p.sessionStore, p.preKeyStore, p.signedPreKeyStore, p.identityKeyStore, remote)
}

// publishBundle generates a signed pre-key and a one-time pre-key for bob,
// stores them, and returns the bundle alice would fetch from a directory.
func (p *party) publishBundle(signedPreKeyID, preKeyID uint32) (*axolotl.PreKeyBundle, error) {
	identity, err := p.identityKeyStore.GetIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	regID, err := p.identityKeyStore.GetLocalRegistrationID()
	if err != nil {
		return nil, err
	}

	spk, err := axolotl.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate signed pre-key: %w", err)
	}
	signature := axolotl.Sign(identity.Private, spk.Public.Serialize())
	if err := p.signedPreKeyStore.StoreSignedPreKey(signedPreKeyID, axolotl.NewSignedPreKeyRecord(signedPreKeyID, spk, signature, 0)); err != nil {
		return nil, err
	}

	opk, err := axolotl.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate one-time pre-key: %w", err)
	}
	if err := p.preKeyStore.StorePreKey(preKeyID, axolotl.NewPreKeyRecord(preKeyID, opk)); err != nil {
		return nil, err
	}

	return &axolotl.PreKeyBundle{
		RegistrationID:        regID,
		DeviceID:              p.addr.DeviceID(),
		PreKeyID:              axolotl.Some(preKeyID),
		PreKey:                opk.Public,
		SignedPreKeyID:        signedPreKeyID,
		SignedPreKey:          spk.Public,
		SignedPreKeySignature: signature,
		IdentityKey:           identity.Public,
	}, nil
}

type bundleCommand struct{}

func (cmd *bundleCommand) Execute(args []string) error {
	log = newLogger()

	alice, err := newParty("alice", 1, 1001)
	if err != nil {
		return err
	}
	bob, err := newParty("bob", 1, 2002)
	if err != nil {
		return err
	}

	bundle, err := bob.publishBundle(7, 11)
	if err != nil {
		return fmt.Errorf("publish bob's bundle: %w", err)
	}
	log.Info("fetched pre-key bundle", "from", bob.name, "signedPreKeyId", bundle.SignedPreKeyID, "preKeyId", bundle.PreKeyID.Value)

	aliceBuilder := alice.builderFor(bob.addr)
	if err := aliceBuilder.ProcessBundle(bundle); err != nil {
		return fmt.Errorf("alice establish from bundle: %w", err)
	}

	rec, err := alice.sessionStore.LoadSession(bob.addr)
	if err != nil {
		return err
	}
	state := rec.SessionState()
	log.Info("alice session established", "version", state.Version, "remoteRegistrationId", state.RemoteRegistrationID)

	msg := &axolotl.PreKeyWhisperMessage{
		Version:        state.Version,
		RegistrationID: 1001,
		PreKeyID:       state.UnacknowledgedPreKeyID,
		SignedPreKeyID: bundle.SignedPreKeyID,
		BaseKey:        state.AliceBaseKey,
		IdentityKey:    state.LocalIdentityKey,
	}

	bobBuilder := bob.builderFor(alice.addr)
	bobRec, err := bob.sessionStore.LoadSession(alice.addr)
	if err != nil {
		return err
	}
	consumed, err := bobBuilder.ProcessPreKeyMessage(bobRec, msg)
	if err != nil {
		return fmt.Errorf("bob establish from pre-key message: %w", err)
	}
	if err := bob.sessionStore.StoreSession(alice.addr, bobRec); err != nil {
		return err
	}
	if consumed.Present {
		if err := bob.preKeyStore.RemovePreKey(consumed.Value); err != nil {
			return err
		}
		log.Info("bob consumed one-time pre-key", "id", consumed.Value)
	}

	bobState := bobRec.SessionState()
	fmt.Printf("alice root key: %x\n", state.RootKey)
	fmt.Printf("bob   root key: %x\n", bobState.RootKey)
	if string(state.RootKey) != string(bobState.RootKey) {
		return fmt.Errorf("root keys diverge: session establishment did not converge")
	}
	fmt.Println("session established: root keys match")
	return nil
}

type exchangeCommand struct{}

func (cmd *exchangeCommand) Execute(args []string) error {
	log = newLogger()

	alice, err := newParty("alice", 1, 1001)
	if err != nil {
		return err
	}
	bob, err := newParty("bob", 1, 2002)
	if err != nil {
		return err
	}

	aliceBuilder := alice.builderFor(bob.addr)
	initiate, err := aliceBuilder.ProcessInitiate()
	if err != nil {
		return fmt.Errorf("alice initiate: %w", err)
	}
	log.Info("alice sent initiate", "sequence", initiate.Sequence)

	bobBuilder := bob.builderFor(alice.addr)
	bobRec, err := bob.sessionStore.LoadSession(alice.addr)
	if err != nil {
		return err
	}
	response, err := bobBuilder.ProcessKeyExchange(bobRec, initiate)
	if err != nil {
		return fmt.Errorf("bob process initiate: %w", err)
	}
	log.Info("bob sent response", "sequence", response.Sequence)

	aliceRec, err := alice.sessionStore.LoadSession(bob.addr)
	if err != nil {
		return err
	}
	if _, err := aliceBuilder.ProcessKeyExchange(aliceRec, response); err != nil {
		return fmt.Errorf("alice process response: %w", err)
	}

	aliceState := aliceRec.SessionState()
	bobState := bobRec.SessionState()
	fmt.Printf("alice root key: %x\n", aliceState.RootKey)
	fmt.Printf("bob   root key: %x\n", bobState.RootKey)
	if string(aliceState.RootKey) != string(bobState.RootKey) {
		return fmt.Errorf("root keys diverge: session establishment did not converge")
	}
	fmt.Println("session established: root keys match")
	return nil
}
