// Package device opens the Linux TAP interface the stack exchanges Ethernet
// frames through.
package device

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
)

// Defaults applied by Config.Validate.
const (
	DefaultName = "tap0"
	DefaultMTU  = 1500
	MinMTU      = 68
	MaxMTU      = 65535
)

// NetworkDevice is a source and sink of raw Ethernet frames.
type NetworkDevice interface {
	// Name returns the interface name (e.g., "tap0").
	Name() string

	// Read reads one Ethernet frame from the device.
	Read(buf []byte) (int, error)

	// Write writes one Ethernet frame to the device.
	Write(buf []byte) (int, error)

	// Close closes the device and releases resources. A blocked Read
	// returns once the device is closed.
	Close() error

	// MTU returns the Maximum Transmission Unit.
	MTU() int
}

// TAPDevice extends NetworkDevice with the hardware address of the kernel
// side of the interface.
type TAPDevice interface {
	NetworkDevice

	// MACAddress returns the MAC address of the TAP interface.
	MACAddress() net.HardwareAddr
}

// Config contains TAP device configuration.
type Config struct {
	Name    string `yaml:"name"`    // Interface name (default: "tap0")
	Address string `yaml:"address"` // Optional host-side IPv4 address with prefix (e.g., "10.0.0.2/24")
	MTU     int    `yaml:"mtu"`     // MTU size (default: 1500)

	TAP TAPConfig `yaml:"tap,omitempty"`
}

// TAPConfig contains TAP-specific configuration.
type TAPConfig struct {
	MACAddress string `yaml:"mac_address"` // Kernel-side MAC address (auto-generated if empty)
	Bridge     string `yaml:"bridge"`      // Optional bridge interface to join
}

// Validate fills defaults and validates the device configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if len(c.Name) >= ifNameSize {
		return fmt.Errorf("interface name too long: %q (max %d)", c.Name, ifNameSize-1)
	}

	if c.Address != "" {
		prefix, err := netip.ParsePrefix(c.Address)
		if err != nil {
			return fmt.Errorf("invalid device address: %w", err)
		}
		if !prefix.Addr().Is4() {
			return fmt.Errorf("device address must be IPv4: %s", c.Address)
		}
	}

	if c.MTU <= 0 {
		c.MTU = DefaultMTU
	}
	if c.MTU > MaxMTU {
		return fmt.Errorf("MTU too large: %d (max %d)", c.MTU, MaxMTU)
	}
	if c.MTU < MinMTU {
		return fmt.Errorf("MTU too small: %d (min %d)", c.MTU, MinMTU)
	}

	if c.TAP.MACAddress != "" {
		if _, err := ParseMAC(c.TAP.MACAddress); err != nil {
			return err
		}
	}

	return nil
}

// Create opens and configures a TAP device.
func Create(cfg Config) (TAPDevice, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return createPlatformTAP(cfg)
}

// DeviceError represents a device-specific error.
type DeviceError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Common device errors.
var (
	ErrPermissionDenied  = errors.New("permission denied: device creation requires CAP_NET_ADMIN")
	ErrDeviceClosed      = errors.New("device is closed")
	ErrTAPNotSupported   = errors.New("TAP device not supported on this platform")
	ErrInvalidMACAddress = errors.New("invalid MAC address")
)

// ParseMAC parses a 6-byte Ethernet address.
func ParseMAC(s string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMACAddress, err)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("%w: %s is not an Ethernet address", ErrInvalidMACAddress, s)
	}
	return mac, nil
}

// randomRead is replaced in tests.
var randomRead = func(b []byte) (int, error) {
	return io.ReadFull(rand.Reader, b)
}

// GenerateRandomMAC generates a random locally-administered unicast MAC
// address using crypto/rand.
func GenerateRandomMAC() (net.HardwareAddr, error) {
	mac := make([]byte, 6)

	if _, err := randomRead(mac); err != nil {
		return nil, fmt.Errorf("failed to generate random MAC: %w", err)
	}

	// Set locally administered bit and clear multicast bit
	mac[0] = (mac[0] | 0x02) & 0xFE

	return mac, nil
}

// ifNameSize is IFNAMSIZ, the kernel's interface name buffer size.
const ifNameSize = 16
