package axolotl

import "fmt"

// Error taxonomy. Every SessionBuilder entry point returns one of these
// (wrapped, where the failure originated in a store) rather than panicking;
// nothing here uses unwinding as control flow.

// UntrustedIdentityError is raised when a presented identity key disagrees
// with the pinned identity for a name. Caller decision (user confirmation)
// is the only recovery.
type UntrustedIdentityError struct {
	Name string
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("axolotl: untrusted identity for %q", e.Name)
}

// InvalidKeyError covers signature verification failures (signed pre-key
// and key-exchange base-key signatures, checked before any session is
// initialized) and a bundle missing its identity key or both pre-keys.
// Never recoverable: abort without committing.
type InvalidKeyError struct {
	Reason string
}

func (e *InvalidKeyError) Error() string { return "axolotl: invalid key: " + e.Reason }

// InvalidKeyIdError is raised when a pre-key or signed pre-key lookup
// misses. The current message is unprocessable; the session is unchanged.
type InvalidKeyIdError struct {
	Reason string
}

func (e *InvalidKeyIdError) Error() string { return "axolotl: invalid key id: " + e.Reason }

// InvalidMessageError is raised for unrecognized protocol versions.
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string { return "axolotl: invalid message: " + e.Reason }

// StaleKeyExchangeError is raised by processResponse when there's no
// matching pending exchange and the response isn't a simultaneous-initiate
// collision (such a collision is ignored without error). The caller may
// re-initiate.
type StaleKeyExchangeError struct{}

func (e *StaleKeyExchangeError) Error() string { return "axolotl: stale key exchange" }

// StoreError wraps any I/O failure surfaced by a store, distinct from the
// protocol-level errors above.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("axolotl: store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

// wrapStoreError is a constructor so call sites read the same way the
// protocol errors do.
func wrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
