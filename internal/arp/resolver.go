package arp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/rennerdo30/tapstack/internal/frame"
	"github.com/rennerdo30/tapstack/internal/logging"
	"github.com/rennerdo30/tapstack/internal/metrics"
)

// Configuration errors.
var (
	ErrInvalidLocalMAC = errors.New("local MAC address must be 6 bytes")
	ErrInvalidLocalIP  = errors.New("local address must be IPv4")
	ErrNoLink          = errors.New("no link configured")
)

// LinkSender transmits a payload inside an Ethernet frame.
type LinkSender interface {
	Send(payload []byte, dst net.HardwareAddr, etherType frame.EtherType) error
}

// ResolverConfig holds configuration for the resolver.
type ResolverConfig struct {
	MAC          net.HardwareAddr // Local hardware address
	IP           netip.Addr       // Local protocol address
	Cache        CacheConfig
	PendingSlots int
	Link         LinkSender
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Resolver answers ARP requests for the local address, learns mappings from
// all ARP traffic, and holds outbound packets until their destination
// resolves. It never blocks and has no retransmission timer: a destination
// stays pending until some ARP packet for it arrives or its slot is reused.
//
// Resolver is not safe for concurrent use; the owning stack serializes access.
type Resolver struct {
	mac     net.HardwareAddr
	ip      netip.Addr
	cache   *Cache
	pending *PendingQueue
	link    LinkSender
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewResolver creates a new ARP resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if len(cfg.MAC) != frame.MACAddressLen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLocalMAC, cfg.MAC)
	}
	if !cfg.IP.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidLocalIP, cfg.IP)
	}
	if cfg.Link == nil {
		return nil, ErrNoLink
	}

	return &Resolver{
		mac:     append(net.HardwareAddr(nil), cfg.MAC...),
		ip:      cfg.IP,
		cache:   NewCache(cfg.Cache),
		pending: NewPendingQueue(cfg.PendingSlots),
		link:    cfg.Link,
		logger:  logging.Component(cfg.Logger, "arp"),
		metrics: cfg.Metrics,
	}, nil
}

// Cache returns the resolver's address cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Pending returns the queue of sends awaiting resolution.
func (r *Resolver) Pending() *PendingQueue {
	return r.pending
}

// LocalMAC returns the local MAC address.
func (r *Resolver) LocalMAC() net.HardwareAddr {
	return r.mac
}

// LocalIP returns the local IP address.
func (r *Resolver) LocalIP() netip.Addr {
	return r.ip
}

// Init invalidates the cache, clears the pending queue, and broadcasts a
// request for the local address to announce this host on the segment.
func (r *Resolver) Init() error {
	r.cache.Invalidate()
	r.pending.Clear()
	return r.request(r.ip)
}

// SendViaARP transmits buf to ip if its hardware address is cached.
// Otherwise it broadcasts a request for ip and queues a copy of buf until a
// matching ARP packet arrives. An error is returned only when a resolved send
// fails; a queued send is never an error, even if its request was not sent.
func (r *Resolver) SendViaARP(buf []byte, ip netip.Addr, etherType frame.EtherType) error {
	if mac, ok := r.cache.Resolve(ip); ok {
		return r.link.Send(buf, mac, etherType)
	}

	if err := r.request(ip); err != nil {
		r.logger.Warn("ARP request not sent, send stays queued", "ip", ip, "error", err)
	}

	slot, overwrote := r.pending.Enqueue(ip, etherType, buf)
	if overwrote {
		r.metrics.RecordPendingOverwrite()
		r.logger.Debug("pending queue saturated, overwrote slot", "slot", slot, "ip", ip)
	}
	return nil
}

// HandleIn processes the payload of an ARP frame.
func (r *Resolver) HandleIn(payload []byte) {
	pkt, err := frame.ParseARPPacket(payload)
	if err != nil {
		r.metrics.RecordDrop("arp", "malformed")
		r.logger.Debug("ARP packet dropped", "error", err, logging.Hex("packet", payload))
		return
	}
	r.metrics.RecordARP("in", opName(pkt.Operation))

	// Every opcode is learned from. An unspecified sender is an address
	// probe and has no mapping to learn.
	if pkt.SenderProtocolAddr.IsUnspecified() {
		r.logger.Debug("not learning from unspecified sender", "mac", pkt.SenderHardwareAddr)
	} else {
		r.cache.Update(pkt.SenderProtocolAddr, pkt.SenderHardwareAddr, StateValid)
		r.logger.Debug("learned address", "ip", pkt.SenderProtocolAddr, "mac", pkt.SenderHardwareAddr)
	}

	if r.flush() > 0 {
		return
	}

	if pkt.IsRequest() && pkt.TargetProtocolAddr == r.ip {
		r.reply(pkt)
	}
}

// flush transmits every queued send whose destination now resolves and
// returns how many were sent.
func (r *Resolver) flush() int {
	flushed := 0
	for i, s := range r.pending.slots {
		if !s.Occupied {
			continue
		}
		mac, ok := r.cache.Resolve(s.IP)
		if !ok {
			continue
		}

		p := r.pending.release(i)
		flushed++
		r.metrics.RecordPendingFlush()
		if err := r.link.Send(p.Payload, mac, p.EtherType); err != nil {
			r.logger.Warn("failed to flush pending send", "ip", p.IP, "error", err)
		}
	}
	return flushed
}

func (r *Resolver) request(ip netip.Addr) error {
	pkt, err := frame.BuildARPRequest(r.mac, r.ip, ip)
	if err != nil {
		return fmt.Errorf("failed to build ARP request: %w", err)
	}
	r.metrics.RecordARP("out", "request")
	if err := r.link.Send(pkt, frame.BroadcastMAC, frame.EtherTypeARP); err != nil {
		return fmt.Errorf("failed to send ARP request for %s: %w", ip, err)
	}
	return nil
}

func (r *Resolver) reply(req *frame.ARPPacket) {
	pkt, err := frame.BuildARPReply(r.mac, r.ip, req.SenderHardwareAddr, req.SenderProtocolAddr)
	if err != nil {
		r.logger.Debug("failed to build ARP reply", "error", err)
		return
	}
	r.metrics.RecordARP("out", "reply")
	if err := r.link.Send(pkt, req.SenderHardwareAddr, frame.EtherTypeARP); err != nil {
		r.logger.Warn("failed to send ARP reply", "to", req.SenderProtocolAddr, "error", err)
	}
}

func opName(op uint16) string {
	switch op {
	case frame.ARPRequest:
		return "request"
	case frame.ARPReply:
		return "reply"
	default:
		return "unknown"
	}
}
