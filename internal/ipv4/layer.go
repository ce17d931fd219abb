package ipv4

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/rennerdo30/tapstack/internal/frame"
	"github.com/rennerdo30/tapstack/internal/logging"
	"github.com/rennerdo30/tapstack/internal/metrics"
)

// DefaultMTU is the link MTU assumed when none is configured.
const DefaultMTU = 1500

// Configuration errors.
var (
	ErrInvalidMTU     = errors.New("MTU too small to carry an IPv4 fragment")
	ErrInvalidAddress = errors.New("local address must be IPv4")
	ErrNoOutput       = errors.New("no output configured")
)

// Output delivers finished datagrams to the link layer, resolving the
// next-hop hardware address as needed.
type Output interface {
	SendViaARP(datagram []byte, dst netip.Addr, etherType frame.EtherType) error
}

// ProtocolHandler consumes datagrams addressed to the local host.
type ProtocolHandler interface {
	HandleDatagram(d Datagram)
}

// UnreachableReporter answers datagrams carrying a protocol nobody handles.
type UnreachableReporter interface {
	ProtocolUnreachable(d Datagram) error
}

// LayerConfig holds configuration for the IP layer.
type LayerConfig struct {
	Local   netip.Addr
	MTU     int   // Link MTU, DefaultMTU when zero
	TTL     uint8 // DefaultTTL when zero
	Output  Output
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Layer validates inbound datagrams, dispatches them by protocol, and
// fragments outbound payloads to fit the link MTU.
// Layer is not safe for concurrent use; the owning stack serializes access.
type Layer struct {
	local       netip.Addr
	chunk       int
	ttl         uint8
	out         Output
	handlers    map[uint8]ProtocolHandler
	unreachable UnreachableReporter
	nextID      uint16
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewLayer creates an IP layer bound to a single local address.
func NewLayer(cfg LayerConfig) (*Layer, error) {
	if !cfg.Local.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAddress, cfg.Local)
	}
	if cfg.Output == nil {
		return nil, ErrNoOutput
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	chunk := (cfg.MTU - HeaderLen) &^ 7
	if chunk <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidMTU, cfg.MTU)
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}

	return &Layer{
		local:    cfg.Local,
		chunk:    chunk,
		ttl:      cfg.TTL,
		out:      cfg.Output,
		handlers: make(map[uint8]ProtocolHandler),
		logger:   logging.Component(cfg.Logger, "ip"),
		metrics:  cfg.Metrics,
	}, nil
}

// Register routes datagrams carrying protocol to h.
func (l *Layer) Register(protocol uint8, h ProtocolHandler) {
	l.handlers[protocol] = h
}

// SetUnreachableReporter sets the component answering unhandled protocols.
func (l *Layer) SetUnreachableReporter(r UnreachableReporter) {
	l.unreachable = r
}

// Local returns the local address.
func (l *Layer) Local() netip.Addr {
	return l.local
}

// ChunkSize returns the largest payload carried by a single fragment.
func (l *Layer) ChunkSize() int {
	return l.chunk
}

// HandleIn validates an inbound datagram and dispatches it. Invalid datagrams
// and datagrams for other hosts are dropped silently.
func (l *Layer) HandleIn(b []byte) {
	d, err := ParseDatagram(b)
	if err != nil {
		l.drop(dropReason(err), "error", err, logging.Hex("header", b[:min(len(b), HeaderLen)]))
		return
	}
	if dst := d.Dst(); dst != l.local {
		l.drop("not_local", "dst", dst)
		return
	}

	if h, ok := l.handlers[d.Protocol()]; ok {
		h.HandleDatagram(d)
		return
	}

	l.logger.Debug("unsupported protocol",
		"protocol", ProtocolName(d.Protocol()),
		"src", d.Src(),
	)
	if l.unreachable == nil {
		l.metrics.RecordDrop("ip", "unsupported_protocol")
		return
	}
	if err := l.unreachable.ProtocolUnreachable(d); err != nil {
		l.logger.Debug("protocol unreachable not sent", "error", err)
	}
}

// Send transmits payload to dst, splitting it into fragments when it does
// not fit a single datagram. All fragments of one call share an ID.
func (l *Layer) Send(payload []byte, dst netip.Addr, protocol uint8) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	id := l.nextID
	l.nextID++

	offset := 0
	fragments := 0
	for len(payload)-offset > l.chunk {
		if err := l.EmitFragment(payload[offset:offset+l.chunk], dst, protocol, id, uint16(offset/8), true); err != nil {
			return err
		}
		offset += l.chunk
		fragments++
	}
	if err := l.EmitFragment(payload[offset:], dst, protocol, id, uint16(offset/8), false); err != nil {
		return err
	}
	fragments++

	l.metrics.RecordDatagram(ProtocolName(protocol), fragments)
	return nil
}

// EmitFragment builds one datagram around payload and hands it to the output.
// offset is in 8-byte units.
func (l *Layer) EmitFragment(payload []byte, dst netip.Addr, protocol uint8, id, offset uint16, more bool) error {
	buf := make([]byte, HeaderLen+len(payload))
	Header(buf).Encode(Fields{
		TotalLength:    uint16(len(buf)),
		ID:             id,
		FragmentOffset: offset,
		MoreFragments:  more,
		TTL:            l.ttl,
		Protocol:       protocol,
		Src:            l.local,
		Dst:            dst,
	})
	copy(buf[HeaderLen:], payload)

	if err := l.out.SendViaARP(buf, dst, frame.EtherTypeIPv4); err != nil {
		return fmt.Errorf("failed to send fragment id=%d offset=%d: %w", id, offset, err)
	}
	return nil
}

func (l *Layer) drop(reason string, args ...any) {
	l.metrics.RecordDrop("ip", reason)
	l.logger.Debug("datagram dropped", append([]any{"reason", reason}, args...)...)
}
