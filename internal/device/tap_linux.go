//go:build linux

package device

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// tunCloneDevice is the clone device TAP interfaces are created through.
const tunCloneDevice = "/dev/net/tun"

// linuxTAP implements TAPDevice for Linux.
type linuxTAP struct {
	name   string
	mtu    int
	fd     *os.File
	mac    net.HardwareAddr
	closed bool
	mu     sync.Mutex
}

// createPlatformTAP creates a TAP device on Linux.
func createPlatformTAP(cfg Config) (TAPDevice, error) {
	fd, err := os.OpenFile(tunCloneDevice, os.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		if os.IsPermission(err) {
			return nil, ErrPermissionDenied
		}
		return nil, &DeviceError{Op: "open", Err: err}
	}

	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		fd.Close()
		return nil, &DeviceError{Op: "ifreq", Err: err}
	}

	// TAP mode, no packet info header
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)

	sc, err := fd.SyscallConn()
	if err != nil {
		fd.Close()
		return nil, &DeviceError{Op: "syscall conn", Err: err}
	}
	var ioctlErr error
	if err := sc.Control(func(raw uintptr) {
		ioctlErr = unix.IoctlIfreq(int(raw), unix.TUNSETIFF, ifr)
	}); err != nil {
		ioctlErr = err
	}
	if ioctlErr != nil {
		fd.Close()
		if errors.Is(ioctlErr, unix.EPERM) {
			return nil, ErrPermissionDenied
		}
		return nil, &DeviceError{Op: "ioctl TUNSETIFF", Err: ioctlErr}
	}

	var mac net.HardwareAddr
	if cfg.TAP.MACAddress != "" {
		mac, err = ParseMAC(cfg.TAP.MACAddress)
	} else {
		mac, err = GenerateRandomMAC()
	}
	if err != nil {
		fd.Close()
		return nil, err
	}

	tap := &linuxTAP{
		// The kernel fills in the name when cfg.Name holds a pattern like "tap%d".
		name: ifr.Name(),
		mtu:  cfg.MTU,
		fd:   fd,
		mac:  mac,
	}

	if err := tap.configure(cfg); err != nil {
		tap.Close()
		return nil, err
	}

	return tap, nil
}

// configure sets the hardware address and MTU over rtnetlink, assigns the
// optional host-side address, brings the link up and joins the bridge.
func (t *linuxTAP) configure(cfg Config) error {
	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return &DeviceError{Op: "lookup link", Err: err}
	}

	if err := netlink.LinkSetHardwareAddr(link, t.mac); err != nil {
		return &DeviceError{Op: "set MAC address", Err: err}
	}
	if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
		return &DeviceError{Op: "set MTU", Err: err}
	}

	if cfg.Address != "" {
		prefix, err := netip.ParsePrefix(cfg.Address)
		if err != nil {
			return fmt.Errorf("invalid address: %w", err)
		}
		addr := &netlink.Addr{IPNet: &net.IPNet{
			IP:   prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(prefix.Bits(), 32),
		}}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return &DeviceError{Op: "set address", Err: err}
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return &DeviceError{Op: "set up", Err: err}
	}

	if cfg.TAP.Bridge != "" {
		br, err := netlink.LinkByName(cfg.TAP.Bridge)
		if err != nil {
			return &DeviceError{Op: "lookup bridge", Err: err}
		}
		if err := netlink.LinkSetMasterByIndex(link, br.Attrs().Index); err != nil {
			return &DeviceError{Op: "join bridge", Err: err}
		}
	}
	return nil
}

// Name returns the interface name.
func (t *linuxTAP) Name() string {
	return t.name
}

// Read reads an Ethernet frame from the TAP device.
func (t *linuxTAP) Read(buf []byte) (int, error) {
	fd, err := t.file()
	if err != nil {
		return 0, err
	}

	n, err := fd.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return 0, ErrDeviceClosed
		}
		return 0, &DeviceError{Op: "read", Err: err}
	}
	return n, nil
}

// Write writes an Ethernet frame to the TAP device.
func (t *linuxTAP) Write(buf []byte) (int, error) {
	fd, err := t.file()
	if err != nil {
		return 0, err
	}

	n, err := fd.Write(buf)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return 0, ErrDeviceClosed
		}
		return 0, &DeviceError{Op: "write", Err: err}
	}
	return n, nil
}

func (t *linuxTAP) file() (*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrDeviceClosed
	}
	return t.fd, nil
}

// Close closes the TAP device.
func (t *linuxTAP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true

	if t.fd != nil {
		return t.fd.Close()
	}
	return nil
}

// MTU returns the MTU of the interface.
func (t *linuxTAP) MTU() int {
	return t.mtu
}

// MACAddress returns the MAC address of the TAP interface.
func (t *linuxTAP) MACAddress() net.HardwareAddr {
	return t.mac
}
