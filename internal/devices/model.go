// Package devices implements the virtio device personalities served over
// vhost-user: I2C, GPIO and the platform (PCI/MMIO) device. Each personality
// parses its queue's request layout, delegates the bus transaction to a
// model and completes the element with the device's status convention.
package devices

import "errors"

// ErrModelContract marks a model response that violates the callable
// contract (wrong type, wrong length). Unlike an ordinary model failure,
// which completes the request with an error status, a contract violation is
// fatal: the model code itself is broken.
var ErrModelContract = errors.New("devices: model contract violation")

// I2CModel services I2C transactions addressed to the emulated bus.
type I2CModel interface {
	// Read returns exactly length bytes read from the device at addr.
	Read(addr uint16, length int) ([]byte, error)
	// Write sends data to the device at addr. data is empty for
	// zero-length (address-only) requests.
	Write(addr uint16, data []byte) error
}

// GPIOModel services GPIO line operations.
type GPIOModel interface {
	// SetIrqType configures the trigger mode for a pin.
	SetIrqType(pin uint32, irqType uint32) error
	// SetValue drives an output value onto a pin.
	SetValue(pin uint32, value uint32) error
	// Unmask tells the model the guest is ready for an interrupt on pin.
	Unmask(pin uint32) error
}

// PlatformModel services MMIO and config-space accesses on the platform
// device.
type PlatformModel interface {
	// Read returns the register value at addr; size is the access width.
	Read(addr uint64, size int) (uint64, error)
	// Write stores value into the register at addr.
	Write(addr uint64, size int, value uint64) error
}
