// Package icmp answers echo requests and synthesizes destination-unreachable
// errors for datagrams the stack cannot deliver.
package icmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/rennerdo30/tapstack/internal/ipv4"
	"github.com/rennerdo30/tapstack/internal/logging"
	"github.com/rennerdo30/tapstack/internal/metrics"
	"github.com/rennerdo30/tapstack/internal/ratelimit"
)

// Message types.
const (
	TypeEchoReply       uint8 = 0
	TypeDestUnreachable uint8 = 3
	TypeEchoRequest     uint8 = 8
)

// Destination-unreachable codes.
const (
	CodeProtocolUnreachable uint8 = 2
	CodePortUnreachable     uint8 = 3
)

const (
	// HeaderLen is the fixed ICMP header: type, code, checksum, and four
	// bytes of rest-of-header.
	HeaderLen = 8

	// ExcerptLen is the number of bytes of the offending datagram quoted in
	// an error message: its IP header plus the first 8 payload bytes.
	ExcerptLen = ipv4.HeaderLen + 8
)

// ErrRateLimited is returned when an error message is suppressed by the
// error rate limiter.
var ErrRateLimited = errors.New("icmp error rate limit exceeded")

// Sender transmits a payload to dst as the given IP protocol.
type Sender interface {
	Send(payload []byte, dst netip.Addr, protocol uint8) error
}

// HandlerConfig holds configuration for the ICMP handler.
type HandlerConfig struct {
	Sender     Sender
	ErrorRate  float64 // Error messages per second, 0 disables limiting
	ErrorBurst int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Handler processes inbound ICMP messages and emits replies and errors.
type Handler struct {
	sender  Sender
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler creates a new ICMP handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		sender:  cfg.Sender,
		limiter: ratelimit.NewTokenBucket(cfg.ErrorRate, cfg.ErrorBurst),
		logger:  logging.Component(cfg.Logger, "icmp"),
		metrics: cfg.Metrics,
	}
}

// HandleDatagram handles a validated datagram carrying ICMP.
func (h *Handler) HandleDatagram(d ipv4.Datagram) {
	h.HandleIn(d.Payload(), d.Src())
}

// HandleIn processes one ICMP message received from src. Echo requests are
// answered; everything else is counted and ignored.
func (h *Handler) HandleIn(msg []byte, src netip.Addr) {
	if len(msg) < HeaderLen {
		h.drop("short", "len", len(msg))
		return
	}
	if ipv4.Checksum(msg) != 0 {
		h.drop("checksum", "src", src)
		return
	}

	typ, code := msg[0], msg[1]
	if typ != TypeEchoRequest || code != 0 {
		h.metrics.RecordICMP("ignored")
		h.logger.Debug("message ignored", "type", typ, "code", code, "src", src)
		return
	}
	h.metrics.RecordICMP("echo_request")

	reply := make([]byte, len(msg))
	copy(reply, msg)
	reply[0] = TypeEchoReply
	reply[1] = 0
	setChecksum(reply)

	if err := h.sender.Send(reply, src, ipv4.ProtocolICMP); err != nil {
		h.logger.Debug("echo reply not sent", "dst", src, "error", err)
		return
	}
	h.metrics.RecordICMP("echo_reply")
}

// Unreachable sends a destination-unreachable message with code to dst,
// quoting the first ExcerptLen bytes of datagram.
func (h *Handler) Unreachable(datagram []byte, dst netip.Addr, code uint8) error {
	if !h.limiter.Allow() {
		h.metrics.RecordRateLimit("icmp_error")
		return ErrRateLimited
	}

	excerpt := datagram
	if len(excerpt) > ExcerptLen {
		excerpt = excerpt[:ExcerptLen]
	}

	msg := make([]byte, HeaderLen+len(excerpt))
	msg[0] = TypeDestUnreachable
	msg[1] = code
	// id and sequence stay zero
	copy(msg[HeaderLen:], excerpt)
	setChecksum(msg)

	if err := h.sender.Send(msg, dst, ipv4.ProtocolICMP); err != nil {
		return fmt.Errorf("failed to send unreachable code=%d: %w", code, err)
	}
	h.metrics.RecordICMP(unreachableKind(code))
	return nil
}

// ProtocolUnreachable reports d's protocol as unreachable to its sender.
func (h *Handler) ProtocolUnreachable(d ipv4.Datagram) error {
	return h.Unreachable(d.Bytes(), d.Src(), CodeProtocolUnreachable)
}

// PortUnreachable reports d's destination port as unreachable to its sender.
func (h *Handler) PortUnreachable(d ipv4.Datagram) error {
	return h.Unreachable(d.Bytes(), d.Src(), CodePortUnreachable)
}

func (h *Handler) drop(reason string, args ...any) {
	h.metrics.RecordDrop("icmp", reason)
	h.logger.Debug("message dropped", append([]any{"reason", reason}, args...)...)
}

func setChecksum(msg []byte) {
	msg[2], msg[3] = 0, 0
	binary.BigEndian.PutUint16(msg[2:4], ipv4.Checksum(msg))
}

func unreachableKind(code uint8) string {
	switch code {
	case CodeProtocolUnreachable:
		return "protocol_unreachable"
	case CodePortUnreachable:
		return "port_unreachable"
	default:
		return "unreachable"
	}
}
