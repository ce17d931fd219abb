package ipv4

import (
	"errors"
	"fmt"
	"net/netip"
)

// Validation errors returned by ParseDatagram.
var (
	ErrTooShort        = errors.New("datagram shorter than IPv4 header")
	ErrHeaderLength    = errors.New("invalid IPv4 header length")
	ErrChecksum        = errors.New("IPv4 header checksum mismatch")
	ErrVersion         = errors.New("not an IPv4 datagram")
	ErrTotalLength     = errors.New("invalid IPv4 total length")
	ErrPayloadTooLarge = errors.New("payload too large for IPv4 datagram")
)

// Datagram is a validated IPv4 datagram trimmed to its total length.
type Datagram struct {
	raw  []byte
	hlen int
}

// ParseDatagram validates the header of b and returns a view over it.
// Checks run in order: minimum length, header length, header checksum,
// version, total length. Bytes past the total length (link padding) are
// excluded from the returned datagram.
func ParseDatagram(b []byte) (Datagram, error) {
	if len(b) < HeaderLen {
		return Datagram{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}

	h := Header(b)
	hlen := h.HeaderLength()
	if hlen < HeaderLen || hlen > len(b) {
		return Datagram{}, fmt.Errorf("%w: %d", ErrHeaderLength, hlen)
	}
	if Checksum(b[:hlen]) != 0 {
		return Datagram{}, ErrChecksum
	}
	if v := h.Version(); v != Version {
		return Datagram{}, fmt.Errorf("%w: version %d", ErrVersion, v)
	}

	total := int(h.TotalLength())
	if total < hlen || total > len(b) {
		return Datagram{}, fmt.Errorf("%w: %d of %d bytes", ErrTotalLength, total, len(b))
	}

	return Datagram{raw: b[:total], hlen: hlen}, nil
}

// Bytes returns the whole datagram, header included, exactly as received.
func (d Datagram) Bytes() []byte {
	return d.raw
}

// Header returns the header view, options included.
func (d Datagram) Header() Header {
	return Header(d.raw[:d.hlen])
}

// Payload returns the bytes following the header.
func (d Datagram) Payload() []byte {
	return d.raw[d.hlen:]
}

func (d Datagram) Src() netip.Addr {
	return d.Header().Src()
}

func (d Datagram) Dst() netip.Addr {
	return d.Header().Dst()
}

func (d Datagram) Protocol() uint8 {
	return d.Header().Protocol()
}

// dropReason maps a validation error onto a metrics label.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrTooShort):
		return "short"
	case errors.Is(err, ErrHeaderLength):
		return "header_length"
	case errors.Is(err, ErrChecksum):
		return "checksum"
	case errors.Is(err, ErrVersion):
		return "version"
	case errors.Is(err, ErrTotalLength):
		return "total_length"
	default:
		return "malformed"
	}
}
