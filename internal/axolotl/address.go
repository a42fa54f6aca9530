package axolotl

import "fmt"

// Address identifies a remote session counterpart by name (a phone number or
// account identifier, depending on deployment) and device id. Immutable.
type Address struct {
	name     string
	deviceID uint32
}

// NewAddress builds an address. Name must be non-empty.
func NewAddress(name string, deviceID uint32) (*Address, error) {
	if name == "" {
		return nil, fmt.Errorf("axolotl: address name must not be empty")
	}
	return &Address{name: name, deviceID: deviceID}, nil
}

// Name returns the address name (e.g. phone number or UUID).
func (a *Address) Name() string { return a.name }

// DeviceID returns the device id component of the address.
func (a *Address) DeviceID() uint32 { return a.deviceID }

// String renders "name.deviceID", the canonical store key shape used
// throughout this package.
func (a *Address) String() string {
	return fmt.Sprintf("%s.%d", a.name, a.deviceID)
}
