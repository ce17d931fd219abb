// Package frame provides Ethernet and ARP wire formats and the link-layer codec
// that sits between the frame driver and the ARP and IPv4 layers.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// EtherType is the 16-bit protocol tag at offset 12 of an Ethernet header.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
	EtherTypeIPv6 EtherType = 0x86DD
)

func (t EtherType) String() string {
	switch t {
	case EtherTypeIPv4:
		return "IPv4"
	case EtherTypeARP:
		return "ARP"
	case EtherTypeIPv6:
		return "IPv6"
	}
	return fmt.Sprintf("0x%04X", uint16(t))
}

const (
	EthernetHeaderSize = 14
	MinEthernetFrame   = 60   // without FCS
	MaxPayload         = 1500 // standard Ethernet MTU
	MACAddressLen      = 6
)

var (
	ErrFrameTooShort   = errors.New("ethernet frame too short")
	ErrInvalidMAC      = errors.New("invalid MAC address")
	ErrPayloadTooLarge = errors.New("payload too large for Ethernet frame")
)

var (
	BroadcastMAC = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	// ZeroMAC is the target hardware address of an ARP request.
	ZeroMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}
)

// Header is a view over the first 14 bytes of an Ethernet frame. The
// accessors alias the underlying buffer.
type Header []byte

func (h Header) Dst() net.HardwareAddr { return net.HardwareAddr(h[0:6]) }
func (h Header) Src() net.HardwareAddr { return net.HardwareAddr(h[6:12]) }
func (h Header) Type() EtherType       { return EtherType(binary.BigEndian.Uint16(h[12:14])) }

func (h Header) SetDst(mac net.HardwareAddr) { copy(h[0:6], mac) }
func (h Header) SetSrc(mac net.HardwareAddr) { copy(h[6:12], mac) }
func (h Header) SetType(t EtherType)         { binary.BigEndian.PutUint16(h[12:14], uint16(t)) }

// EthernetHeader holds the decoded header fields of a frame.
type EthernetHeader struct {
	DstMAC    net.HardwareAddr
	SrcMAC    net.HardwareAddr
	EtherType EtherType
}

// EthernetFrame is a decoded frame. Payload aliases the input buffer and
// includes any link padding.
type EthernetFrame struct {
	Header  EthernetHeader
	Payload []byte
}

// ParseEthernetFrame decodes data. The EtherType is read at the fixed offset
// after both addresses; VLAN tags are not interpreted.
func ParseEthernetFrame(data []byte) (*EthernetFrame, error) {
	if len(data) < EthernetHeaderSize {
		return nil, ErrFrameTooShort
	}
	h := Header(data[:EthernetHeaderSize])
	return &EthernetFrame{
		Header: EthernetHeader{
			DstMAC:    h.Dst(),
			SrcMAC:    h.Src(),
			EtherType: h.Type(),
		},
		Payload: data[EthernetHeaderSize:],
	}, nil
}

// BuildEthernetFrame returns a new frame carrying payload, zero padded to
// MinEthernetFrame.
func BuildEthernetFrame(dstMAC, srcMAC net.HardwareAddr, etherType EtherType, payload []byte) ([]byte, error) {
	if len(dstMAC) != MACAddressLen || len(srcMAC) != MACAddressLen {
		return nil, ErrInvalidMAC
	}
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, max(EthernetHeaderSize+len(payload), MinEthernetFrame))
	h := Header(buf[:EthernetHeaderSize])
	h.SetDst(dstMAC)
	h.SetSrc(srcMAC)
	h.SetType(etherType)
	copy(buf[EthernetHeaderSize:], payload)
	return buf, nil
}

func (f *EthernetFrame) IsBroadcast() bool { return IsBroadcast(f.Header.DstMAC) }
func (f *EthernetFrame) IsARP() bool       { return f.Header.EtherType == EtherTypeARP }
func (f *EthernetFrame) IsIPv4() bool      { return f.Header.EtherType == EtherTypeIPv4 }

func (f *EthernetFrame) String() string {
	return fmt.Sprintf("%s > %s %s len %d",
		f.Header.SrcMAC, f.Header.DstMAC, f.Header.EtherType, len(f.Payload))
}

// IsBroadcast reports whether mac is ff:ff:ff:ff:ff:ff.
func IsBroadcast(mac net.HardwareAddr) bool {
	return bytes.Equal(mac, BroadcastMAC)
}

// IsMulticast reports whether the group bit of mac is set. Broadcast counts
// as multicast.
func IsMulticast(mac net.HardwareAddr) bool {
	return len(mac) > 0 && mac[0]&0x01 != 0
}
