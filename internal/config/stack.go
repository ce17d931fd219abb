package config

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rennerdo30/tapstack/internal/accesscontrol"
	"github.com/rennerdo30/tapstack/internal/device"
	"github.com/rennerdo30/tapstack/internal/logging"
)

// Link and IP limits enforced by Validate.
const (
	minMTU       = 68   // Smallest MTU every IPv4 host must accept
	maxLinkMTU   = 1500 // Largest Ethernet payload the link layer carries
	maxCacheSize = 1024
)

// Config is the main configuration for tapstack.
type Config struct {
	Interface device.Config  `yaml:"interface" json:"interface"`
	Identity  IdentityConfig `yaml:"identity" json:"identity"`
	ARP       ARPConfig      `yaml:"arp" json:"arp"`
	IP        IPConfig       `yaml:"ip" json:"ip"`
	ICMP      ICMPConfig     `yaml:"icmp" json:"icmp"`
	UDP       UDPConfig      `yaml:"udp" json:"udp"`
	Capture   CaptureConfig  `yaml:"capture" json:"capture"`
	API       APIConfig      `yaml:"api" json:"api"`
	Metrics   MetricsConfig  `yaml:"metrics" json:"metrics"`
	Logging   logging.Config `yaml:"logging" json:"logging"`
}

// IdentityConfig is the stack's own address pair on the segment. It is
// distinct from the kernel side of the TAP interface.
type IdentityConfig struct {
	Address string `yaml:"address" json:"address"` // IPv4 address answered by the stack
	MAC     string `yaml:"mac" json:"mac"`         // Source MAC of every frame, generated if empty
}

// ARPConfig contains ARP resolver settings.
type ARPConfig struct {
	CacheSize    int      `yaml:"cache_size" json:"cache_size"`
	PendingSlots int      `yaml:"pending_slots" json:"pending_slots"`
	Timeout      Duration `yaml:"timeout" json:"timeout"`
}

// IPConfig contains IPv4 layer settings.
type IPConfig struct {
	MTU int `yaml:"mtu" json:"mtu"` // Fragment size limit, at most the Ethernet payload
	TTL int `yaml:"ttl" json:"ttl"`
}

// ICMPConfig contains ICMP settings.
type ICMPConfig struct {
	ErrorRate  float64 `yaml:"error_rate" json:"error_rate"` // Error messages per second, 0 = unlimited
	ErrorBurst int     `yaml:"error_burst" json:"error_burst"`
}

// UDPConfig contains UDP settings.
type UDPConfig struct {
	EchoPort int `yaml:"echo_port" json:"echo_port"` // 0 = echo service off
}

// CaptureConfig contains frame capture settings.
type CaptureConfig struct {
	Path string `yaml:"path" json:"path"` // pcap output file, empty = no capture
}

// APIConfig contains admin API settings.
type APIConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Listen  string   `yaml:"listen" json:"listen"`
	Token   string   `yaml:"token" json:"token,omitempty"`
	Allow   []string `yaml:"allow,omitempty" json:"allow,omitempty"` // Client IPs or CIDRs admitted, empty = any
	Deny    []string `yaml:"deny,omitempty" json:"deny,omitempty"`   // Client IPs or CIDRs always rejected
}

// AccessConfig returns the client filter settings of the API.
func (c APIConfig) AccessConfig() accesscontrol.Config {
	return accesscontrol.Config{Allow: c.Allow, Deny: c.Deny}
}

// MetricsConfig contains metrics settings. Metrics are served by the admin
// API at /metrics.
type MetricsConfig struct {
	Enabled            bool     `yaml:"enabled" json:"enabled"`
	CollectionInterval Duration `yaml:"collection_interval" json:"collection_interval"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interface: device.Config{
			Name: device.DefaultName,
			MTU:  device.DefaultMTU,
		},
		Identity: IdentityConfig{
			Address: "10.0.0.1",
		},
		ARP: ARPConfig{
			CacheSize:    8,
			PendingSlots: 4,
			Timeout:      Duration(60 * time.Second),
		},
		IP: IPConfig{
			MTU: maxLinkMTU,
			TTL: 64,
		},
		ICMP: ICMPConfig{
			ErrorRate:  0, // unlimited; every unsupported protocol is answered
			ErrorBurst: 20,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8086",
		},
		Metrics: MetricsConfig{
			Enabled:            true,
			CollectionInterval: Duration(15 * time.Second),
		},
		Logging: logging.DefaultConfig(),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Interface.Validate(); err != nil {
		return fmt.Errorf("invalid interface config: %w", err)
	}

	addr, err := c.Identity.IP()
	if err != nil {
		return err
	}
	if c.Identity.MAC != "" {
		if _, err := device.ParseMAC(c.Identity.MAC); err != nil {
			return fmt.Errorf("identity mac: %w", err)
		}
	}
	if c.Interface.Address != "" {
		prefix := netip.MustParsePrefix(c.Interface.Address)
		if prefix.Addr() == addr {
			return fmt.Errorf("identity address %s must differ from the interface address", addr)
		}
		if !prefix.Masked().Contains(addr) {
			return fmt.Errorf("identity address %s is outside the interface prefix %s", addr, prefix.Masked())
		}
	}

	if c.ARP.CacheSize < 1 || c.ARP.CacheSize > maxCacheSize {
		return fmt.Errorf("arp cache_size must be between 1 and %d, got %d", maxCacheSize, c.ARP.CacheSize)
	}
	if c.ARP.PendingSlots < 1 {
		return fmt.Errorf("arp pending_slots must be positive, got %d", c.ARP.PendingSlots)
	}
	if c.ARP.Timeout.Duration() <= 0 {
		return fmt.Errorf("arp timeout must be positive")
	}

	if c.IP.MTU < minMTU || c.IP.MTU > maxLinkMTU {
		return fmt.Errorf("ip mtu must be between %d and %d, got %d", minMTU, maxLinkMTU, c.IP.MTU)
	}
	if c.IP.TTL < 1 || c.IP.TTL > 255 {
		return fmt.Errorf("ip ttl must be between 1 and 255, got %d", c.IP.TTL)
	}

	if c.ICMP.ErrorRate < 0 {
		return fmt.Errorf("icmp error_rate must be non-negative")
	}
	if c.ICMP.ErrorBurst < 0 {
		return fmt.Errorf("icmp error_burst must be non-negative")
	}

	if c.UDP.EchoPort < 0 || c.UDP.EchoPort > 65535 {
		return fmt.Errorf("udp echo_port must be between 0 and 65535, got %d", c.UDP.EchoPort)
	}

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			return fmt.Errorf("api listen must be in host:port format (e.g., '127.0.0.1:8086'): %w", err)
		}
		if _, err := accesscontrol.NewController(c.API.AccessConfig()); err != nil {
			return fmt.Errorf("api %w", err)
		}
	}

	if c.Metrics.Enabled && c.Metrics.CollectionInterval.Duration() <= 0 {
		return fmt.Errorf("metrics collection_interval must be positive")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	return nil
}

// IP parses the identity address.
func (c IdentityConfig) IP() (netip.Addr, error) {
	addr, err := netip.ParseAddr(c.Address)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid identity address: %w", err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("identity address must be IPv4: %s", addr)
	}
	return addr, nil
}

// HardwareAddr returns the configured identity MAC, or a random locally
// administered one when none is set.
func (c IdentityConfig) HardwareAddr() (net.HardwareAddr, error) {
	if c.MAC == "" {
		return device.GenerateRandomMAC()
	}
	return device.ParseMAC(c.MAC)
}
