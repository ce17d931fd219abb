// Package ipv4 implements datagram validation, protocol dispatch and
// fragmentation on send for a single local IPv4 address.
package ipv4

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Protocol numbers carried in the IPv4 protocol field.
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

// Header and datagram size limits.
const (
	HeaderLen      = 20     // Fixed header, options are never generated
	Version        = 4
	DefaultTTL     = 64
	MaxDatagramLen = 0xFFFF // Largest value the total length field can carry
	MaxPayload     = MaxDatagramLen - HeaderLen
)

const (
	offsetVersionIHL = 0
	offsetTOS        = 1
	offsetTotalLen   = 2
	offsetID         = 4
	offsetFragment   = 6
	offsetTTL        = 8
	offsetProtocol   = 9
	offsetChecksum   = 10
	offsetSrc        = 12
	offsetDst        = 16

	flagMoreFragments  = 1 << 13
	fragmentOffsetMask = 0x1FFF
)

// ProtocolName returns a short name for well-known protocol numbers.
func ProtocolName(p uint8) string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("%d", p)
	}
}

// Header is a view over the first bytes of an IPv4 datagram.
// Callers must ensure the slice holds at least HeaderLen bytes.
type Header []byte

func (h Header) Version() uint8 {
	return h[offsetVersionIHL] >> 4
}

// HeaderLength returns the header length in bytes as encoded by the IHL field.
func (h Header) HeaderLength() int {
	return int(h[offsetVersionIHL]&0x0F) * 4
}

func (h Header) TOS() uint8 {
	return h[offsetTOS]
}

func (h Header) TotalLength() uint16 {
	return binary.BigEndian.Uint16(h[offsetTotalLen:])
}

func (h Header) ID() uint16 {
	return binary.BigEndian.Uint16(h[offsetID:])
}

// FragmentOffset returns the fragment offset in 8-byte units.
func (h Header) FragmentOffset() uint16 {
	return binary.BigEndian.Uint16(h[offsetFragment:]) & fragmentOffsetMask
}

func (h Header) MoreFragments() bool {
	return binary.BigEndian.Uint16(h[offsetFragment:])&flagMoreFragments != 0
}

func (h Header) TTL() uint8 {
	return h[offsetTTL]
}

func (h Header) Protocol() uint8 {
	return h[offsetProtocol]
}

func (h Header) Checksum() uint16 {
	return binary.BigEndian.Uint16(h[offsetChecksum:])
}

func (h Header) Src() netip.Addr {
	return netip.AddrFrom4([4]byte(h[offsetSrc : offsetSrc+4]))
}

func (h Header) Dst() netip.Addr {
	return netip.AddrFrom4([4]byte(h[offsetDst : offsetDst+4]))
}

// Fields describes a header to be encoded.
type Fields struct {
	TotalLength    uint16
	ID             uint16
	FragmentOffset uint16 // In 8-byte units
	MoreFragments  bool
	TTL            uint8
	Protocol       uint8
	Src            netip.Addr
	Dst            netip.Addr
}

// Encode writes a 20-byte header into h and fills in the header checksum.
func (h Header) Encode(f Fields) {
	h[offsetVersionIHL] = Version<<4 | HeaderLen/4
	h[offsetTOS] = 0
	binary.BigEndian.PutUint16(h[offsetTotalLen:], f.TotalLength)
	binary.BigEndian.PutUint16(h[offsetID:], f.ID)

	frag := f.FragmentOffset & fragmentOffsetMask
	if f.MoreFragments {
		frag |= flagMoreFragments
	}
	binary.BigEndian.PutUint16(h[offsetFragment:], frag)

	h[offsetTTL] = f.TTL
	h[offsetProtocol] = f.Protocol

	src := f.Src.As4()
	dst := f.Dst.As4()
	copy(h[offsetSrc:], src[:])
	copy(h[offsetDst:], dst[:])

	binary.BigEndian.PutUint16(h[offsetChecksum:], 0)
	binary.BigEndian.PutUint16(h[offsetChecksum:], Checksum(h[:HeaderLen]))
}

// String returns a string representation of the header.
func (h Header) String() string {
	return fmt.Sprintf("IPv4 %s -> %s proto=%s len=%d id=%d off=%d mf=%t",
		h.Src(), h.Dst(), ProtocolName(h.Protocol()), h.TotalLength(),
		h.ID(), h.FragmentOffset(), h.MoreFragments())
}
