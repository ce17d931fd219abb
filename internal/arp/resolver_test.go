package arp

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rennerdo30/tapstack/internal/frame"
	"github.com/rennerdo30/tapstack/internal/logging"
	"github.com/rennerdo30/tapstack/internal/metrics"
)

var (
	localMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	localIP  = netip.MustParseAddr("192.0.2.100")
)

type sentFrame struct {
	payload   []byte
	dst       net.HardwareAddr
	etherType frame.EtherType
}

type fakeLink struct {
	sent []sentFrame
	err  error
}

func (l *fakeLink) Send(payload []byte, dst net.HardwareAddr, etherType frame.EtherType) error {
	l.sent = append(l.sent, sentFrame{
		payload:   append([]byte(nil), payload...),
		dst:       dst,
		etherType: etherType,
	})
	return l.err
}

func (l *fakeLink) reset() {
	l.sent = nil
}

func newTestResolver(t *testing.T) (*Resolver, *fakeLink, *fakeClock) {
	t.Helper()
	link := &fakeLink{}
	clock := newFakeClock()
	r, err := NewResolver(ResolverConfig{
		MAC:     localMAC,
		IP:      localIP,
		Cache:   CacheConfig{Size: 8, Timeout: time.Minute, Now: clock.Now},
		Link:    link,
		Logger:  logging.Discard(),
		Metrics: metrics.New(),
	})
	require.NoError(t, err)
	return r, link, clock
}

func arpPacket(t *testing.T, op uint16, senderMAC net.HardwareAddr, senderIP netip.Addr, targetMAC net.HardwareAddr, targetIP netip.Addr) []byte {
	t.Helper()
	pkt, err := frame.BuildARPPacket(op, senderMAC, senderIP, targetMAC, targetIP)
	require.NoError(t, err)
	return pkt
}

func TestNewResolver(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		r, _, _ := newTestResolver(t)
		assert.Equal(t, localMAC, r.LocalMAC())
		assert.Equal(t, localIP, r.LocalIP())
		assert.Equal(t, 8, r.Cache().Capacity())
		assert.Equal(t, DefaultPendingSlots, r.Pending().Capacity())
	})

	t.Run("bad MAC", func(t *testing.T) {
		_, err := NewResolver(ResolverConfig{MAC: net.HardwareAddr{1, 2}, IP: localIP, Link: &fakeLink{}})
		assert.ErrorIs(t, err, ErrInvalidLocalMAC)
	})

	t.Run("bad IP", func(t *testing.T) {
		_, err := NewResolver(ResolverConfig{MAC: localMAC, IP: netip.MustParseAddr("fe80::1"), Link: &fakeLink{}})
		assert.ErrorIs(t, err, ErrInvalidLocalIP)
	})

	t.Run("no link", func(t *testing.T) {
		_, err := NewResolver(ResolverConfig{MAC: localMAC, IP: localIP})
		assert.ErrorIs(t, err, ErrNoLink)
	})
}

func TestResolverInit(t *testing.T) {
	r, link, _ := newTestResolver(t)

	r.Cache().Update(testIP(1), testMAC(1), StateValid)
	r.Pending().Enqueue(testIP(2), frame.EtherTypeIPv4, []byte{1})

	require.NoError(t, r.Init())

	assert.Equal(t, 0, r.Cache().Len())
	assert.Equal(t, 0, r.Pending().Len())

	require.Len(t, link.sent, 1)
	sent := link.sent[0]
	assert.Equal(t, frame.BroadcastMAC, sent.dst)
	assert.Equal(t, frame.EtherTypeARP, sent.etherType)

	pkt, err := frame.ParseARPPacket(sent.payload)
	require.NoError(t, err)
	assert.True(t, pkt.IsRequest())
	assert.Equal(t, localIP, pkt.SenderProtocolAddr)
	assert.Equal(t, localIP, pkt.TargetProtocolAddr)
}

func TestSendViaARPResolved(t *testing.T) {
	r, link, _ := newTestResolver(t)
	r.Cache().Update(testIP(1), testMAC(1), StateValid)

	require.NoError(t, r.SendViaARP([]byte("datagram"), testIP(1), frame.EtherTypeIPv4))

	require.Len(t, link.sent, 1)
	assert.Equal(t, testMAC(1), link.sent[0].dst)
	assert.Equal(t, frame.EtherTypeIPv4, link.sent[0].etherType)
	assert.Equal(t, []byte("datagram"), link.sent[0].payload)
	assert.Equal(t, 0, r.Pending().Len())
}

func TestSendViaARPUnresolved(t *testing.T) {
	r, link, _ := newTestResolver(t)

	require.NoError(t, r.SendViaARP([]byte("datagram"), testIP(1), frame.EtherTypeIPv4))

	require.Len(t, link.sent, 1)
	assert.Equal(t, frame.BroadcastMAC, link.sent[0].dst)

	pkt, err := frame.ParseARPPacket(link.sent[0].payload)
	require.NoError(t, err)
	assert.True(t, pkt.IsRequest())
	assert.Equal(t, localMAC, pkt.SenderHardwareAddr)
	assert.Equal(t, localIP, pkt.SenderProtocolAddr)
	assert.Equal(t, frame.ZeroMAC, pkt.TargetHardwareAddr)
	assert.Equal(t, testIP(1), pkt.TargetProtocolAddr)

	slots := r.Pending().Slots()
	assert.True(t, slots[0].Occupied)
	assert.Equal(t, testIP(1), slots[0].IP)
	assert.Equal(t, []byte("datagram"), slots[0].Payload)
}

func TestSendViaARPLinkError(t *testing.T) {
	r, link, _ := newTestResolver(t)
	link.err = errors.New("tap closed")

	require.NoError(t, r.SendViaARP([]byte("x"), testIP(1), frame.EtherTypeIPv4), "a queued send is not an error")
	assert.Len(t, link.sent, 1, "request was attempted")
	assert.Equal(t, 1, r.Pending().Len(), "send stays queued")

	// A resolved send reports the link failure.
	r.Cache().Update(testIP(2), testMAC(2), StateValid)
	err := r.SendViaARP([]byte("y"), testIP(2), frame.EtherTypeIPv4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tap closed")
}

func TestQueueOverwrite(t *testing.T) {
	r, _, _ := newTestResolver(t)

	for i := byte(1); i <= 5; i++ {
		require.NoError(t, r.SendViaARP([]byte{i}, testIP(i), frame.EtherTypeIPv4))
	}

	slots := r.Pending().Slots()
	assert.Equal(t, 4, r.Pending().Len())
	assert.Equal(t, testIP(5), slots[0].IP, "fifth send evicted slot 0")
	assert.Equal(t, []byte{5}, slots[0].Payload)
	assert.Equal(t, testIP(2), slots[1].IP)
	assert.Equal(t, testIP(3), slots[2].IP)
	assert.Equal(t, testIP(4), slots[3].IP)
}

func TestHandleInLearnsAndFlushes(t *testing.T) {
	r, link, _ := newTestResolver(t)

	require.NoError(t, r.SendViaARP([]byte("first"), testIP(1), frame.EtherTypeIPv4))
	require.NoError(t, r.SendViaARP([]byte("second"), testIP(1), frame.EtherTypeIPv4))
	require.NoError(t, r.SendViaARP([]byte("other"), testIP(2), frame.EtherTypeIPv4))
	link.reset()

	r.HandleIn(arpPacket(t, frame.ARPReply, testMAC(1), testIP(1), localMAC, localIP))

	mac, ok := r.Cache().Resolve(testIP(1))
	require.True(t, ok)
	assert.Equal(t, testMAC(1), mac)

	require.Len(t, link.sent, 2, "both sends for the resolved address flush")
	assert.Equal(t, []byte("first"), link.sent[0].payload)
	assert.Equal(t, []byte("second"), link.sent[1].payload)
	for _, s := range link.sent {
		assert.Equal(t, testMAC(1), s.dst)
		assert.Equal(t, frame.EtherTypeIPv4, s.etherType)
	}

	slots := r.Pending().Slots()
	assert.Equal(t, 1, r.Pending().Len())
	assert.Equal(t, testIP(2), slots[2].IP)
}

func TestHandleInRepliesToRequest(t *testing.T) {
	r, link, _ := newTestResolver(t)

	r.HandleIn(arpPacket(t, frame.ARPRequest, testMAC(7), testIP(7), frame.ZeroMAC, localIP))

	_, ok := r.Cache().Resolve(testIP(7))
	assert.True(t, ok, "requests are learned too")

	require.Len(t, link.sent, 1)
	sent := link.sent[0]
	assert.Equal(t, testMAC(7), sent.dst)
	assert.Equal(t, frame.EtherTypeARP, sent.etherType)

	reply, err := frame.ParseARPPacket(sent.payload)
	require.NoError(t, err)
	assert.True(t, reply.IsReply())
	assert.Equal(t, localMAC, reply.SenderHardwareAddr)
	assert.Equal(t, localIP, reply.SenderProtocolAddr)
	assert.Equal(t, testMAC(7), reply.TargetHardwareAddr)
	assert.Equal(t, testIP(7), reply.TargetProtocolAddr)
}

func TestHandleInNoReplyWhenFlushed(t *testing.T) {
	r, link, _ := newTestResolver(t)

	require.NoError(t, r.SendViaARP([]byte("queued"), testIP(7), frame.EtherTypeIPv4))
	link.reset()

	r.HandleIn(arpPacket(t, frame.ARPRequest, testMAC(7), testIP(7), frame.ZeroMAC, localIP))

	require.Len(t, link.sent, 1)
	assert.Equal(t, frame.EtherTypeIPv4, link.sent[0].etherType)
}

func TestHandleInIgnoresForeignRequest(t *testing.T) {
	r, link, _ := newTestResolver(t)

	r.HandleIn(arpPacket(t, frame.ARPRequest, testMAC(7), testIP(7), frame.ZeroMAC, testIP(8)))

	assert.Empty(t, link.sent)
	_, ok := r.Cache().Resolve(testIP(7))
	assert.True(t, ok)
}

func TestHandleInDropsMalformed(t *testing.T) {
	valid := arpPacket(t, frame.ARPRequest, testMAC(7), testIP(7), frame.ZeroMAC, localIP)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short", func(b []byte) []byte { return b[:27] }},
		{"empty", func(b []byte) []byte { return nil }},
		{"hardware type", func(b []byte) []byte { b[1] = 6; return b }},
		{"protocol type", func(b []byte) []byte { b[2] = 0x86; b[3] = 0xDD; return b }},
		{"hardware length", func(b []byte) []byte { b[4] = 8; return b }},
		{"protocol length", func(b []byte) []byte { b[5] = 16; return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, link, _ := newTestResolver(t)

			r.HandleIn(tt.mutate(append([]byte(nil), valid...)))

			assert.Empty(t, link.sent)
			assert.Equal(t, 0, r.Cache().Len())
		})
	}
}

func TestHandleInUnknownOpcode(t *testing.T) {
	r, link, _ := newTestResolver(t)

	// RARP request addressed to the local IP.
	r.HandleIn(arpPacket(t, 3, testMAC(7), testIP(7), frame.ZeroMAC, localIP))

	mac, ok := r.Cache().Resolve(testIP(7))
	require.True(t, ok, "sender is learned whatever the opcode")
	assert.Equal(t, testMAC(7), mac)
	assert.Empty(t, link.sent, "only requests are answered")
}

func TestHandleInUnknownOpcodeFlushes(t *testing.T) {
	r, link, _ := newTestResolver(t)

	require.NoError(t, r.SendViaARP([]byte("queued"), testIP(7), frame.EtherTypeIPv4))
	link.reset()

	r.HandleIn(arpPacket(t, 4, testMAC(7), testIP(7), localMAC, localIP))

	require.Len(t, link.sent, 1)
	assert.Equal(t, []byte("queued"), link.sent[0].payload)
	assert.Equal(t, 0, r.Pending().Len())
}

func TestHandleInUnspecifiedSender(t *testing.T) {
	r, link, _ := newTestResolver(t)
	unspecified := netip.IPv4Unspecified()

	r.HandleIn(arpPacket(t, frame.ARPRequest, testMAC(7), unspecified, frame.ZeroMAC, testIP(8)))

	assert.Equal(t, 0, r.Cache().Len())
	_, ok := r.Cache().Resolve(unspecified)
	assert.False(t, ok)
	assert.Empty(t, link.sent)

	t.Run("probe for the local address is still answered", func(t *testing.T) {
		r.HandleIn(arpPacket(t, frame.ARPRequest, testMAC(7), unspecified, frame.ZeroMAC, localIP))

		assert.Equal(t, 0, r.Cache().Len())
		require.Len(t, link.sent, 1)
		assert.Equal(t, testMAC(7), link.sent[0].dst)
	})
}

func TestHandleInTrailingPadding(t *testing.T) {
	r, link, _ := newTestResolver(t)

	pkt := arpPacket(t, frame.ARPRequest, testMAC(7), testIP(7), frame.ZeroMAC, localIP)
	r.HandleIn(append(pkt, make([]byte, 18)...))

	assert.Len(t, link.sent, 1)
}

func TestResolveAfterExpiry(t *testing.T) {
	r, _, clock := newTestResolver(t)

	r.HandleIn(arpPacket(t, frame.ARPReply, testMAC(1), testIP(1), localMAC, localIP))
	clock.Advance(2 * time.Minute)
	r.HandleIn(arpPacket(t, frame.ARPReply, testMAC(2), testIP(2), localMAC, localIP))

	_, ok := r.Cache().Resolve(testIP(1))
	assert.False(t, ok)
}
