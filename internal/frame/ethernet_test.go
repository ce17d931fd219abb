package frame

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDst = net.HardwareAddr{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	testSrc = net.HardwareAddr{0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F}
)

func TestEtherTypeString(t *testing.T) {
	assert.Equal(t, "IPv4", EtherTypeIPv4.String())
	assert.Equal(t, "ARP", EtherTypeARP.String())
	assert.Equal(t, "IPv6", EtherTypeIPv6.String())
	assert.Equal(t, "0x8100", EtherType(0x8100).String())
}

func TestHeaderView(t *testing.T) {
	buf := make([]byte, EthernetHeaderSize)
	h := Header(buf)
	h.SetDst(testDst)
	h.SetSrc(testSrc)
	h.SetType(EtherTypeARP)

	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x08, 0x06}, buf)
	assert.Equal(t, testDst, h.Dst())
	assert.Equal(t, testSrc, h.Src())
	assert.Equal(t, EtherTypeARP, h.Type())

	// accessors alias the buffer
	h.Dst()[0] = 0xFF
	assert.Equal(t, byte(0xFF), buf[0])
}

func TestParseEthernetFrame(t *testing.T) {
	frameWith := func(et EtherType, payloadLen int) []byte {
		buf := make([]byte, EthernetHeaderSize+payloadLen)
		h := Header(buf)
		h.SetDst(testDst)
		h.SetSrc(testSrc)
		h.SetType(et)
		return buf
	}

	t.Run("IPv4", func(t *testing.T) {
		parsed, err := ParseEthernetFrame(frameWith(EtherTypeIPv4, 20))
		require.NoError(t, err)
		assert.Equal(t, EtherTypeIPv4, parsed.Header.EtherType)
		assert.Equal(t, testDst, parsed.Header.DstMAC)
		assert.Equal(t, testSrc, parsed.Header.SrcMAC)
		assert.Len(t, parsed.Payload, 20)
		assert.True(t, parsed.IsIPv4())
		assert.False(t, parsed.IsARP())
		assert.False(t, parsed.IsBroadcast())
	})

	t.Run("broadcast ARP", func(t *testing.T) {
		data := frameWith(EtherTypeARP, ARPEthernetIPv4Len)
		Header(data).SetDst(BroadcastMAC)

		parsed, err := ParseEthernetFrame(data)
		require.NoError(t, err)
		assert.True(t, parsed.IsBroadcast())
		assert.True(t, parsed.IsARP())
	})

	t.Run("VLAN tag is not interpreted", func(t *testing.T) {
		parsed, err := ParseEthernetFrame(frameWith(0x8100, 24))
		require.NoError(t, err)
		assert.Equal(t, EtherType(0x8100), parsed.Header.EtherType)
		assert.Len(t, parsed.Payload, 24)
	})

	t.Run("header only", func(t *testing.T) {
		parsed, err := ParseEthernetFrame(frameWith(EtherTypeIPv4, 0))
		require.NoError(t, err)
		assert.Empty(t, parsed.Payload)
	})

	t.Run("runt", func(t *testing.T) {
		_, err := ParseEthernetFrame(make([]byte, EthernetHeaderSize-1))
		assert.ErrorIs(t, err, ErrFrameTooShort)
	})
}

func TestBuildEthernetFrame(t *testing.T) {
	t.Run("short payload is padded", func(t *testing.T) {
		payload := []byte("Hello, World!")

		data, err := BuildEthernetFrame(testDst, testSrc, EtherTypeIPv4, payload)
		require.NoError(t, err)
		assert.Len(t, data, MinEthernetFrame)
		assert.Equal(t, payload, data[EthernetHeaderSize:EthernetHeaderSize+len(payload)])
		assert.Equal(t, make([]byte, MinEthernetFrame-EthernetHeaderSize-len(payload)), data[EthernetHeaderSize+len(payload):])
	})

	t.Run("full payload is not padded", func(t *testing.T) {
		data, err := BuildEthernetFrame(testDst, testSrc, EtherTypeIPv4, make([]byte, MaxPayload))
		require.NoError(t, err)
		assert.Len(t, data, EthernetHeaderSize+MaxPayload)
	})

	t.Run("decodes with gopacket", func(t *testing.T) {
		data, err := BuildEthernetFrame(testDst, testSrc, EtherTypeARP, make([]byte, ARPEthernetIPv4Len))
		require.NoError(t, err)

		pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Lazy)
		eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		require.True(t, ok)
		assert.Equal(t, testDst, eth.DstMAC)
		assert.Equal(t, testSrc, eth.SrcMAC)
		assert.Equal(t, layers.EthernetTypeARP, eth.EthernetType)
	})

	errorTests := []struct {
		name    string
		dst     net.HardwareAddr
		src     net.HardwareAddr
		size    int
		wantErr error
	}{
		{"short dst", net.HardwareAddr{1, 2, 3}, testSrc, 0, ErrInvalidMAC},
		{"short src", testDst, net.HardwareAddr{1, 2, 3}, 0, ErrInvalidMAC},
		{"oversized payload", testDst, testSrc, MaxPayload + 1, ErrPayloadTooLarge},
	}
	for _, tt := range errorTests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildEthernetFrame(tt.dst, tt.src, EtherTypeIPv4, make([]byte, tt.size))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestEthernetFrameString(t *testing.T) {
	f := &EthernetFrame{
		Header:  EthernetHeader{DstMAC: testDst, SrcMAC: testSrc, EtherType: EtherTypeIPv4},
		Payload: make([]byte, 100),
	}
	assert.Equal(t, "0a:0b:0c:0d:0e:0f > 01:02:03:04:05:06 IPv4 len 100", f.String())
}

func TestMACPredicates(t *testing.T) {
	assert.True(t, IsBroadcast(BroadcastMAC))
	assert.False(t, IsBroadcast(ZeroMAC))
	assert.False(t, IsBroadcast(BroadcastMAC[:5]))

	assert.True(t, IsMulticast(net.HardwareAddr{0x01, 0x00, 0x5E, 0x00, 0x00, 0x01}))
	assert.True(t, IsMulticast(BroadcastMAC))
	assert.False(t, IsMulticast(testSrc))
	assert.False(t, IsMulticast(nil))
}
