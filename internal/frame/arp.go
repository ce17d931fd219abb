package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
)

const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2

	ARPHardwareEthernet uint16 = 1
	ARPProtocolIPv4     uint16 = 0x0800

	// ARPEthernetIPv4Len is the size of an Ethernet/IPv4 ARP packet.
	ARPEthernetIPv4Len = 28
)

var (
	ErrARPTooShort      = errors.New("ARP packet too short")
	ErrARPInvalidType   = errors.New("invalid ARP hardware or protocol type")
	ErrARPInvalidLength = errors.New("invalid ARP address length")
	ErrARPNotIPv4       = errors.New("only IPv4 addresses supported")
)

// ARPView is a view over an Ethernet/IPv4 ARP packet. Call Validate before
// using the accessors on untrusted input.
//
//	0      2      4    5    6      8        14       18       24       28
//	| htype | ptype | hlen | plen | op | sha    | spa    | tha    | tpa    |
type ARPView []byte

// Validate checks the length and the fixed type and length fields.
func (v ARPView) Validate() error {
	if len(v) < ARPEthernetIPv4Len {
		return ErrARPTooShort
	}
	if ht := binary.BigEndian.Uint16(v[0:2]); ht != ARPHardwareEthernet {
		return fmt.Errorf("%w: hardware type %d", ErrARPInvalidType, ht)
	}
	if pt := binary.BigEndian.Uint16(v[2:4]); pt != ARPProtocolIPv4 {
		return fmt.Errorf("%w: protocol type 0x%04X", ErrARPInvalidType, pt)
	}
	if v[4] != MACAddressLen {
		return fmt.Errorf("%w: hardware address length %d", ErrARPInvalidLength, v[4])
	}
	if v[5] != 4 {
		return fmt.Errorf("%w: protocol address length %d", ErrARPInvalidLength, v[5])
	}
	return nil
}

func (v ARPView) Op() uint16                   { return binary.BigEndian.Uint16(v[6:8]) }
func (v ARPView) SenderMAC() net.HardwareAddr { return net.HardwareAddr(v[8:14]) }
func (v ARPView) SenderIP() netip.Addr        { return netip.AddrFrom4([4]byte(v[14:18])) }
func (v ARPView) TargetMAC() net.HardwareAddr { return net.HardwareAddr(v[18:24]) }
func (v ARPView) TargetIP() netip.Addr        { return netip.AddrFrom4([4]byte(v[24:28])) }

// ARPPacket is a decoded ARP packet. Its addresses do not alias the input.
type ARPPacket struct {
	Operation          uint16
	SenderHardwareAddr net.HardwareAddr
	SenderProtocolAddr netip.Addr
	TargetHardwareAddr net.HardwareAddr
	TargetProtocolAddr netip.Addr
}

// ParseARPPacket validates and decodes an Ethernet/IPv4 ARP packet. Bytes
// past the first 28, such as link padding, are ignored.
func ParseARPPacket(data []byte) (*ARPPacket, error) {
	v := ARPView(data)
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &ARPPacket{
		Operation:          v.Op(),
		SenderHardwareAddr: append(net.HardwareAddr(nil), v.SenderMAC()...),
		SenderProtocolAddr: v.SenderIP(),
		TargetHardwareAddr: append(net.HardwareAddr(nil), v.TargetMAC()...),
		TargetProtocolAddr: v.TargetIP(),
	}, nil
}

// BuildARPPacket encodes an Ethernet/IPv4 ARP packet.
func BuildARPPacket(op uint16, senderMAC net.HardwareAddr, senderIP netip.Addr, targetMAC net.HardwareAddr, targetIP netip.Addr) ([]byte, error) {
	if len(senderMAC) != MACAddressLen || len(targetMAC) != MACAddressLen {
		return nil, ErrInvalidMAC
	}
	if !senderIP.Is4() || !targetIP.Is4() {
		return nil, ErrARPNotIPv4
	}

	b := make([]byte, ARPEthernetIPv4Len)
	binary.BigEndian.PutUint16(b[0:2], ARPHardwareEthernet)
	binary.BigEndian.PutUint16(b[2:4], ARPProtocolIPv4)
	b[4], b[5] = MACAddressLen, 4
	binary.BigEndian.PutUint16(b[6:8], op)

	spa, tpa := senderIP.As4(), targetIP.As4()
	copy(b[8:14], senderMAC)
	copy(b[14:18], spa[:])
	copy(b[18:24], targetMAC)
	copy(b[24:28], tpa[:])
	return b, nil
}

// BuildARPRequest asks who has targetIP. The target hardware address is zero.
func BuildARPRequest(senderMAC net.HardwareAddr, senderIP, targetIP netip.Addr) ([]byte, error) {
	return BuildARPPacket(ARPRequest, senderMAC, senderIP, ZeroMAC, targetIP)
}

// BuildARPReply answers a request from targetMAC/targetIP.
func BuildARPReply(senderMAC net.HardwareAddr, senderIP netip.Addr, targetMAC net.HardwareAddr, targetIP netip.Addr) ([]byte, error) {
	return BuildARPPacket(ARPReply, senderMAC, senderIP, targetMAC, targetIP)
}

func (a *ARPPacket) IsRequest() bool { return a.Operation == ARPRequest }
func (a *ARPPacket) IsReply() bool   { return a.Operation == ARPReply }

func (a *ARPPacket) String() string {
	switch a.Operation {
	case ARPRequest:
		return fmt.Sprintf("ARP who-has %s tell %s (%s)", a.TargetProtocolAddr, a.SenderProtocolAddr, a.SenderHardwareAddr)
	case ARPReply:
		return fmt.Sprintf("ARP %s is-at %s", a.SenderProtocolAddr, a.SenderHardwareAddr)
	}
	return fmt.Sprintf("ARP op %d from %s (%s)", a.Operation, a.SenderProtocolAddr, a.SenderHardwareAddr)
}
