// Package stack wires the link, ARP, IPv4, ICMP and UDP layers into a
// single network stack bound to one interface.
package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rennerdo30/tapstack/internal/arp"
	"github.com/rennerdo30/tapstack/internal/frame"
	"github.com/rennerdo30/tapstack/internal/icmp"
	"github.com/rennerdo30/tapstack/internal/ipv4"
	"github.com/rennerdo30/tapstack/internal/logging"
	"github.com/rennerdo30/tapstack/internal/metrics"
	"github.com/rennerdo30/tapstack/internal/udp"
)

// maxFrameSize is the read buffer size used by Run.
const maxFrameSize = 65536

// Config holds the stack's identity and tunables.
type Config struct {
	MAC net.HardwareAddr
	IP  netip.Addr
	MTU int   // ipv4.DefaultMTU when zero
	TTL uint8 // ipv4.DefaultTTL when zero
	ARP arp.CacheConfig
	// PendingSlots is the size of the ARP pending queue, arp.DefaultPendingSlots when zero.
	PendingSlots int

	ICMPErrorRate  float64 // ICMP errors per second, 0 disables limiting
	ICMPErrorBurst int

	UDPEchoPort uint16 // Port answered by the echo service, 0 disables it
}

// Option configures a Stack.
type Option func(*Stack)

// WithLogger sets the logger used by every layer.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Stack) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics recorder used by every layer.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Stack) {
		s.metrics = m
	}
}

// Status is a point-in-time summary of the stack.
type Status struct {
	MAC             string        `json:"mac"`
	IP              string        `json:"ip"`
	MTU             int           `json:"mtu"`
	CacheEntries    int           `json:"cache_entries"`
	CacheCapacity   int           `json:"cache_capacity"`
	PendingSlots    int           `json:"pending_slots"`
	PendingCapacity int           `json:"pending_capacity"`
	BoundPorts      int           `json:"bound_ports"`
	Uptime          time.Duration `json:"uptime"`
}

// Stack owns every layer and the state they share. A single mutex
// serializes frame input, sends, and snapshot reads, so each entry point
// runs to completion before the next one starts.
type Stack struct {
	mu sync.Mutex

	cfg      Config
	link     *frame.Link
	resolver *arp.Resolver
	ip       *ipv4.Layer
	icmp     *icmp.Handler
	udp      *udp.Layer

	logger  *slog.Logger
	metrics *metrics.Metrics
	started time.Time
}

// New builds a stack that writes frames to driver.
func New(cfg Config, driver frame.Driver, opts ...Option) (*Stack, error) {
	s := &Stack{cfg: cfg, started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	if cfg.MTU == 0 {
		cfg.MTU = ipv4.DefaultMTU
	}
	if cfg.MTU > frame.MaxPayload {
		return nil, fmt.Errorf("%w: %d exceeds link payload %d", ipv4.ErrInvalidMTU, cfg.MTU, frame.MaxPayload)
	}
	s.cfg = cfg

	var err error
	s.link, err = frame.NewLink(frame.LinkConfig{
		MAC:     cfg.MAC,
		Driver:  driver,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create link: %w", err)
	}

	s.resolver, err = arp.NewResolver(arp.ResolverConfig{
		MAC:          cfg.MAC,
		IP:           cfg.IP,
		Cache:        cfg.ARP,
		PendingSlots: cfg.PendingSlots,
		Link:         s.link,
		Logger:       s.logger,
		Metrics:      s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ARP resolver: %w", err)
	}

	s.ip, err = ipv4.NewLayer(ipv4.LayerConfig{
		Local:   cfg.IP,
		MTU:     cfg.MTU,
		TTL:     cfg.TTL,
		Output:  s.resolver,
		Logger:  s.logger,
		Metrics: s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create IP layer: %w", err)
	}

	s.icmp = icmp.NewHandler(icmp.HandlerConfig{
		Sender:     s.ip,
		ErrorRate:  cfg.ICMPErrorRate,
		ErrorBurst: cfg.ICMPErrorBurst,
		Logger:     s.logger,
		Metrics:    s.metrics,
	})

	s.udp, err = udp.NewLayer(udp.LayerConfig{
		Local:       cfg.IP,
		Sender:      s.ip,
		Unreachable: s.icmp,
		Logger:      s.logger,
		Metrics:     s.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP layer: %w", err)
	}

	s.link.SetHandlers(s.resolver, s.ip)
	s.ip.Register(ipv4.ProtocolICMP, s.icmp)
	s.ip.Register(ipv4.ProtocolUDP, s.udp)
	s.ip.SetUnreachableReporter(s.icmp)

	if cfg.UDPEchoPort != 0 {
		if err := s.udp.Bind(cfg.UDPEchoPort, s.udp.EchoHandler()); err != nil {
			return nil, fmt.Errorf("failed to bind echo service: %w", err)
		}
	}

	return s, nil
}

// Init resets ARP state and announces the local address.
func (s *Stack) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.resolver.Init(); err != nil {
		return fmt.Errorf("failed to announce %s: %w", s.cfg.IP, err)
	}
	s.logger.Info("stack initialized", "ip", s.cfg.IP, "mac", s.link.MAC())
	return nil
}

// Input runs one received Ethernet frame through the stack.
func (s *Stack) Input(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.link.Decode(data)
}

// SendIP transmits payload to dst as the given IP protocol, fragmenting as
// needed.
func (s *Stack) SendIP(payload []byte, dst netip.Addr, protocol uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ip.Send(payload, dst, protocol)
}

// SendUDP transmits payload from the local srcPort to dst.
func (s *Stack) SendUDP(srcPort uint16, dst netip.AddrPort, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.udp.Send(srcPort, dst, payload)
}

// Bind delivers UDP datagrams for port to h. Handlers run with the stack
// locked and must not call back into the Stack.
func (s *Stack) Bind(port uint16, h udp.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.udp.Bind(port, h)
}

// Unbind removes the UDP binding for port.
func (s *Stack) Unbind(port uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.udp.Unbind(port)
}

// ARPEntries returns a copy of the ARP cache table.
func (s *Stack) ARPEntries() []arp.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resolver.Cache().Entries()
}

// PendingSends returns a copy of the ARP pending queue.
func (s *Stack) PendingSends() []arp.PendingSend {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resolver.Pending().Slots()
}

// CacheLen returns the number of valid ARP cache entries.
func (s *Stack) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resolver.Cache().Len()
}

// PendingLen returns the number of occupied pending slots.
func (s *Stack) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.resolver.Pending().Len()
}

// Status returns a summary of the stack.
func (s *Stack) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	cache := s.resolver.Cache()
	pending := s.resolver.Pending()
	return Status{
		MAC:             s.link.MAC().String(),
		IP:              s.cfg.IP.String(),
		MTU:             s.cfg.MTU,
		CacheEntries:    cache.Len(),
		CacheCapacity:   cache.Capacity(),
		PendingSlots:    pending.Len(),
		PendingCapacity: pending.Capacity(),
		BoundPorts:      s.udp.Ports(),
		Uptime:          time.Since(s.started),
	}
}

// Run reads frames from r and feeds them to Input until ctx is cancelled or
// r reports io.EOF, both of which return nil. Any other read error is
// returned. Cancelling ctx does not interrupt a blocked Read; callers close
// the underlying device to unblock it.
func (s *Stack) Run(ctx context.Context, r io.Reader) error {
	buf := make([]byte, maxFrameSize)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := r.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			s.metrics.RecordDriverError("read")
			return fmt.Errorf("failed to read frame: %w", err)
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		s.Input(data)
	}
}
