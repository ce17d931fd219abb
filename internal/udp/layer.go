package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/rennerdo30/tapstack/internal/ipv4"
	"github.com/rennerdo30/tapstack/internal/logging"
	"github.com/rennerdo30/tapstack/internal/metrics"
)

// Binding errors.
var (
	ErrPortInUse   = errors.New("port already bound")
	ErrInvalidPort = errors.New("invalid port")
	ErrNoSender    = errors.New("no sender configured")
)

// Sender transmits a payload to dst as the given IP protocol.
type Sender interface {
	Send(payload []byte, dst netip.Addr, protocol uint8) error
}

// UnreachableReporter answers datagrams addressed to an unbound port.
type UnreachableReporter interface {
	PortUnreachable(d ipv4.Datagram) error
}

// Packet is a UDP datagram delivered to a binding.
type Packet struct {
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

// Handler receives datagrams for a bound port.
type Handler interface {
	HandleUDP(p Packet)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(p Packet)

// HandleUDP calls f(p).
func (f HandlerFunc) HandleUDP(p Packet) {
	f(p)
}

// LayerConfig holds configuration for the UDP layer.
type LayerConfig struct {
	Local       netip.Addr
	Sender      Sender
	Unreachable UnreachableReporter // Optional
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Layer demultiplexes inbound datagrams by destination port.
// Layer is not safe for concurrent use; the owning stack serializes access.
type Layer struct {
	local       netip.Addr
	sender      Sender
	unreachable UnreachableReporter
	bindings    map[uint16]Handler
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewLayer creates a new UDP layer.
func NewLayer(cfg LayerConfig) (*Layer, error) {
	if cfg.Sender == nil {
		return nil, ErrNoSender
	}
	return &Layer{
		local:       cfg.Local,
		sender:      cfg.Sender,
		unreachable: cfg.Unreachable,
		bindings:    make(map[uint16]Handler),
		logger:      logging.Component(cfg.Logger, "udp"),
		metrics:     cfg.Metrics,
	}, nil
}

// Bind routes datagrams for port to h.
func (l *Layer) Bind(port uint16, h Handler) error {
	if port == 0 || h == nil {
		return fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if _, ok := l.bindings[port]; ok {
		return fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	l.bindings[port] = h
	l.logger.Debug("port bound", "port", port)
	return nil
}

// Unbind removes the binding for port, if any.
func (l *Layer) Unbind(port uint16) {
	delete(l.bindings, port)
}

// Ports returns the number of bound ports.
func (l *Layer) Ports() int {
	return len(l.bindings)
}

// HandleDatagram validates the UDP segment carried by d and delivers it to
// the binding for its destination port. Datagrams for unbound ports are
// answered with ICMP port unreachable.
func (l *Layer) HandleDatagram(d ipv4.Datagram) {
	src, dst := d.Src(), d.Dst()
	h, payload, err := Parse(d.Payload(), src, dst)
	if err != nil {
		l.metrics.RecordDrop("udp", dropReason(err))
		l.logger.Debug("datagram dropped", "error", err, "src", src)
		return
	}

	b, ok := l.bindings[h.DstPort]
	if !ok {
		l.logger.Debug("port unreachable", "port", h.DstPort, "src", src)
		if l.unreachable == nil {
			l.metrics.RecordDrop("udp", "unbound_port")
			return
		}
		if err := l.unreachable.PortUnreachable(d); err != nil {
			l.logger.Debug("port unreachable not sent", "error", err)
		}
		return
	}

	l.metrics.RecordUDP("in")
	b.HandleUDP(Packet{
		Src:     netip.AddrPortFrom(src, h.SrcPort),
		Dst:     netip.AddrPortFrom(dst, h.DstPort),
		Payload: payload,
	})
}

// Send transmits payload from srcPort to dst.
func (l *Layer) Send(srcPort uint16, dst netip.AddrPort, payload []byte) error {
	seg, err := Build(srcPort, dst.Port(), l.local, dst.Addr(), payload)
	if err != nil {
		return err
	}
	if err := l.sender.Send(seg, dst.Addr(), ipv4.ProtocolUDP); err != nil {
		return fmt.Errorf("failed to send to %s: %w", dst, err)
	}
	l.metrics.RecordUDP("out")
	return nil
}

// EchoHandler returns a handler that sends every datagram back to its
// source through l.
func (l *Layer) EchoHandler() Handler {
	return HandlerFunc(func(p Packet) {
		if err := l.Send(p.Dst.Port(), p.Src, p.Payload); err != nil {
			l.logger.Debug("echo not sent", "dst", p.Src, "error", err)
		}
	})
}
