package accesscontrol

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	l, err := ParseList([]string{"192.168.1.1", " 10.0.0.0/8 ", "", "172.16.5.9/16"})
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())

	assert.True(t, l.Contains(netip.MustParseAddr("192.168.1.1")))
	assert.True(t, l.Contains(netip.MustParseAddr("10.200.0.1")))
	assert.True(t, l.Contains(netip.MustParseAddr("172.16.255.255")), "prefix is masked")
	assert.True(t, l.Contains(netip.MustParseAddr("::ffff:10.1.1.1")), "mapped addresses are unmapped")

	assert.False(t, l.Contains(netip.MustParseAddr("192.168.1.2")))
	assert.False(t, l.Contains(netip.MustParseAddr("172.17.0.1")))
}

func TestParseListIPv6(t *testing.T) {
	l, err := ParseList([]string{"::1", "2001:db8::/32"})
	require.NoError(t, err)

	assert.True(t, l.Contains(netip.MustParseAddr("::1")))
	assert.True(t, l.Contains(netip.MustParseAddr("2001:db8:1234::5678")))
	assert.False(t, l.Contains(netip.MustParseAddr("2001:db9::1")))
}

func TestParseListInvalid(t *testing.T) {
	_, err := ParseList([]string{"not-an-ip"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid IP")

	_, err = ParseList([]string{"10.0.0.0/33"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid CIDR")
}

func TestController(t *testing.T) {
	tests := []struct {
		name   string
		allow  []string
		deny   []string
		ip     string
		action Action
		reason DenyReason
	}{
		{"no lists allow all", nil, nil, "192.168.1.1", ActionAllow, ""},
		{"denied IP", nil, []string{"192.168.1.1"}, "192.168.1.1", ActionDeny, ReasonDenied},
		{"not denied", nil, []string{"192.168.1.1"}, "192.168.1.2", ActionAllow, ""},
		{"allowed prefix", []string{"192.168.1.0/24"}, nil, "192.168.1.100", ActionAllow, ""},
		{"outside allow list", []string{"192.168.1.0/24"}, nil, "10.0.0.1", ActionDeny, ReasonNotAllowed},
		{"deny wins over allow", []string{"192.168.0.0/16"}, []string{"192.168.1.1"}, "192.168.1.1", ActionDeny, ReasonDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewController(Config{Allow: tt.allow, Deny: tt.deny})
			require.NoError(t, err)

			result := c.Check(netip.MustParseAddr(tt.ip))
			assert.Equal(t, tt.action, result.Action)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}
}

func TestControllerCheckRemote(t *testing.T) {
	c, err := NewController(Config{Allow: []string{"127.0.0.1", "::1"}})
	require.NoError(t, err)

	assert.Equal(t, ActionAllow, c.CheckRemote("127.0.0.1:53211").Action)
	assert.Equal(t, ActionAllow, c.CheckRemote("[::1]:8086").Action)
	assert.Equal(t, ActionAllow, c.CheckRemote("127.0.0.1").Action)
	assert.Equal(t, ActionDeny, c.CheckRemote("10.0.0.9:1234").Action)

	result := c.CheckRemote("pipe")
	assert.Equal(t, ActionDeny, result.Action)
	assert.Equal(t, ReasonInvalid, result.Reason)

	assert.Equal(t, ReasonInvalid, c.Check(netip.Addr{}).Reason)
}

func TestNewControllerErrors(t *testing.T) {
	_, err := NewController(Config{Allow: []string{"bogus"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow list")

	_, err = NewController(Config{Deny: []string{"1.2.3.4/99"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deny list")
}

func TestControllerEnabled(t *testing.T) {
	c, err := NewController(Config{})
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	c, err = NewController(Config{Deny: []string{"10.0.0.0/8"}})
	require.NoError(t, err)
	assert.True(t, c.Enabled())
}
