// Package udp delivers UDP datagrams to port bindings and sends datagrams
// from the local address.
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/rennerdo30/tapstack/internal/ipv4"
)

// HeaderLen is the size of a UDP header.
const HeaderLen = 8

// Datagram errors.
var (
	ErrTooShort = errors.New("segment shorter than UDP header")
	ErrLength   = errors.New("UDP length field inconsistent")
	ErrChecksum = errors.New("UDP checksum mismatch")
)

// Header is a parsed UDP header.
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// Parse validates segment, received from src to dst, and returns its header
// and payload. A zero checksum field means the sender did not compute one.
// Bytes past the length field are ignored.
func Parse(segment []byte, src, dst netip.Addr) (Header, []byte, error) {
	if len(segment) < HeaderLen {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(segment))
	}

	h := Header{
		SrcPort:  binary.BigEndian.Uint16(segment[0:2]),
		DstPort:  binary.BigEndian.Uint16(segment[2:4]),
		Length:   binary.BigEndian.Uint16(segment[4:6]),
		Checksum: binary.BigEndian.Uint16(segment[6:8]),
	}
	if int(h.Length) < HeaderLen || int(h.Length) > len(segment) {
		return Header{}, nil, fmt.Errorf("%w: %d of %d bytes", ErrLength, h.Length, len(segment))
	}
	segment = segment[:h.Length]

	if h.Checksum != 0 && ipv4.TransportChecksum(ipv4.ProtocolUDP, src, dst, segment) != 0 {
		return Header{}, nil, ErrChecksum
	}

	return h, segment[HeaderLen:], nil
}

// Build returns a UDP segment carrying payload with the checksum computed
// over the pseudo-header for src and dst.
func Build(srcPort, dstPort uint16, src, dst netip.Addr, payload []byte) ([]byte, error) {
	length := HeaderLen + len(payload)
	if length > ipv4.MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ipv4.ErrPayloadTooLarge, len(payload))
	}

	seg := make([]byte, length)
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(length))
	copy(seg[HeaderLen:], payload)

	sum := ipv4.TransportChecksum(ipv4.ProtocolUDP, src, dst, seg)
	if sum == 0 {
		// Zero means "no checksum" on the wire.
		sum = 0xFFFF
	}
	binary.BigEndian.PutUint16(seg[6:8], sum)
	return seg, nil
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrTooShort):
		return "short"
	case errors.Is(err, ErrLength):
		return "length"
	case errors.Is(err, ErrChecksum):
		return "checksum"
	default:
		return "malformed"
	}
}
