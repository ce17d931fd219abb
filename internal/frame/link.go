package frame

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/rennerdo30/tapstack/internal/logging"
	"github.com/rennerdo30/tapstack/internal/metrics"
)

// ErrNoDriver is returned when a link is created without a frame driver.
var ErrNoDriver = errors.New("no frame driver configured")

// Driver writes complete Ethernet frames to the wire.
type Driver interface {
	Write(frame []byte) (int, error)
}

// Handler consumes the payload of a decoded frame.
type Handler interface {
	HandleIn(payload []byte)
}

// LinkConfig holds configuration for a link.
type LinkConfig struct {
	MAC     net.HardwareAddr // Local hardware address, used as the source of every frame
	Driver  Driver
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Link is the Ethernet codec between the frame driver and the ARP and IPv4
// layers. Every outbound packet reaches the driver through Send.
type Link struct {
	mac     net.HardwareAddr
	driver  Driver
	arp     Handler
	ip      Handler
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLink creates a new link.
func NewLink(cfg LinkConfig) (*Link, error) {
	if len(cfg.MAC) != MACAddressLen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMAC, cfg.MAC)
	}
	if cfg.Driver == nil {
		return nil, ErrNoDriver
	}

	return &Link{
		mac:     append(net.HardwareAddr(nil), cfg.MAC...),
		driver:  cfg.Driver,
		logger:  logging.Component(cfg.Logger, "link"),
		metrics: cfg.Metrics,
	}, nil
}

// SetHandlers sets the consumers of ARP and IPv4 payloads.
func (l *Link) SetHandlers(arp, ip Handler) {
	l.arp = arp
	l.ip = ip
}

// MAC returns the local hardware address.
func (l *Link) MAC() net.HardwareAddr {
	return l.mac
}

// Decode strips the Ethernet header from data and hands the payload to the
// layer named by the EtherType. Runt frames and other EtherTypes are dropped.
func (l *Link) Decode(data []byte) {
	f, err := ParseEthernetFrame(data)
	if err != nil {
		l.metrics.RecordDrop("link", "short")
		l.logger.Debug("frame dropped", "error", err, logging.Hex("frame", data))
		return
	}

	et := f.Header.EtherType
	l.metrics.RecordFrame("in", et.String(), len(data))

	var h Handler
	switch et {
	case EtherTypeARP:
		h = l.arp
	case EtherTypeIPv4:
		h = l.ip
	}
	if h == nil {
		l.metrics.RecordDrop("link", "ethertype")
		l.logger.Debug("frame dropped", "ethertype", et, "src", f.Header.SrcMAC, "len", len(data))
		return
	}

	h.HandleIn(f.Payload)
}

// Send prepends an Ethernet header addressed to dst and writes the frame to
// the driver. Frames are padded to the 60-byte Ethernet minimum.
func (l *Link) Send(payload []byte, dst net.HardwareAddr, etherType EtherType) error {
	data, err := BuildEthernetFrame(dst, l.mac, etherType, payload)
	if err != nil {
		return fmt.Errorf("failed to build frame: %w", err)
	}

	if _, err := l.driver.Write(data); err != nil {
		l.metrics.RecordDriverError("write")
		return fmt.Errorf("failed to write frame: %w", err)
	}
	l.metrics.RecordFrame("out", etherType.String(), len(data))
	return nil
}
