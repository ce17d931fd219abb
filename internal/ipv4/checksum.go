package ipv4

import (
	"encoding/binary"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// Checksum returns the Internet checksum of b: the ones complement of the
// ones-complement sum of its 16-bit words. Running it over a block that
// already carries a correct checksum yields zero.
func Checksum(b []byte) uint16 {
	return ^checksum.Checksum(b, 0)
}

// PseudoHeaderChecksum returns the uncomplemented sum of the IPv4
// pseudo-header used by UDP and TCP checksums.
func PseudoHeaderChecksum(protocol uint8, src, dst netip.Addr, length uint16) uint16 {
	var pseudo [12]byte
	s := src.As4()
	d := dst.As4()
	copy(pseudo[0:4], s[:])
	copy(pseudo[4:8], d[:])
	pseudo[9] = protocol
	binary.BigEndian.PutUint16(pseudo[10:12], length)
	return checksum.Checksum(pseudo[:], 0)
}

// TransportChecksum returns the complemented checksum of a transport segment
// including the pseudo-header.
func TransportChecksum(protocol uint8, src, dst netip.Addr, segment []byte) uint16 {
	sum := PseudoHeaderChecksum(protocol, src, dst, uint16(len(segment)))
	return ^checksum.Checksum(segment, sum)
}
