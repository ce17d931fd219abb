package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")

	content := `
interface:
  name: tap7
  address: 10.1.0.2/24
identity:
  address: 10.1.0.1
  mac: "02:00:00:00:00:01"
arp:
  timeout: 30s
udp:
  echo_port: 7
`
	err := os.WriteFile(configFile, []byte(content), 0644)
	require.NoError(t, err)

	cfg := DefaultConfig()
	err = LoadAndValidate(configFile, &cfg)
	require.NoError(t, err)

	assert.Equal(t, "tap7", cfg.Interface.Name)
	assert.Equal(t, "10.1.0.1", cfg.Identity.Address)
	assert.Equal(t, 30*time.Second, cfg.ARP.Timeout.Duration())
	assert.Equal(t, 7, cfg.UDP.EchoPort)

	// Defaults survive for sections absent from the file
	assert.Equal(t, 8, cfg.ARP.CacheSize)
	assert.Equal(t, 4, cfg.ARP.PendingSlots)
	assert.Equal(t, 1500, cfg.IP.MTU)
	assert.Equal(t, 64, cfg.IP.TTL)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		cfg := DefaultConfig()
		err := Load(filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("bad yaml", func(t *testing.T) {
		cfg := DefaultConfig()
		err := Parse([]byte("arp: [unterminated"), &cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("unknown key", func(t *testing.T) {
		cfg := DefaultConfig()
		err := Parse([]byte("arp:\n  cache_sise: 16\n"), &cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cache_sise")
	})

	t.Run("bad duration", func(t *testing.T) {
		cfg := DefaultConfig()
		err := Parse([]byte("arp:\n  timeout: soon\n"), &cfg)
		assert.Error(t, err)
	})
}

func TestParseEmpty(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Parse(nil, &cfg))
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.ICMP.ErrorRate, "ICMP errors are not limited by default")
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid default", func(c *Config) {}, ""},
		{"identity inside interface prefix", func(c *Config) { c.Interface.Address = "10.0.0.2/24" }, ""},
		{"missing identity address", func(c *Config) { c.Identity.Address = "" }, "invalid identity address"},
		{"IPv6 identity", func(c *Config) { c.Identity.Address = "fd00::1" }, "must be IPv4"},
		{"bad identity MAC", func(c *Config) { c.Identity.MAC = "xx" }, "identity mac"},
		{"identity equals interface address", func(c *Config) { c.Interface.Address = "10.0.0.1/24" }, "must differ"},
		{"identity outside prefix", func(c *Config) { c.Interface.Address = "192.168.0.1/24" }, "outside the interface prefix"},
		{"bad interface", func(c *Config) { c.Interface.MTU = 10 }, "invalid interface config"},
		{"zero cache", func(c *Config) { c.ARP.CacheSize = 0 }, "cache_size"},
		{"huge cache", func(c *Config) { c.ARP.CacheSize = maxCacheSize + 1 }, "cache_size"},
		{"zero pending", func(c *Config) { c.ARP.PendingSlots = 0 }, "pending_slots"},
		{"zero timeout", func(c *Config) { c.ARP.Timeout = 0 }, "arp timeout"},
		{"mtu too small", func(c *Config) { c.IP.MTU = 67 }, "ip mtu"},
		{"mtu beyond link", func(c *Config) { c.IP.MTU = 1501 }, "ip mtu"},
		{"ttl zero", func(c *Config) { c.IP.TTL = 0 }, "ip ttl"},
		{"ttl too large", func(c *Config) { c.IP.TTL = 256 }, "ip ttl"},
		{"negative rate", func(c *Config) { c.ICMP.ErrorRate = -1 }, "error_rate"},
		{"negative burst", func(c *Config) { c.ICMP.ErrorBurst = -1 }, "error_burst"},
		{"echo port range", func(c *Config) { c.UDP.EchoPort = 70000 }, "echo_port"},
		{"api listen", func(c *Config) { c.API.Listen = "nope" }, "api listen"},
		{"api allow list", func(c *Config) { c.API.Allow = []string{"127.0.0.1", "10.0.0.0/8"} }, ""},
		{"bad api allow entry", func(c *Config) { c.API.Allow = []string{"localhost"} }, "api allow list"},
		{"bad api deny entry", func(c *Config) { c.API.Deny = []string{"10.0.0.0/40"} }, "api deny list"},
		{"api disabled ignores listen", func(c *Config) { c.API.Enabled = false; c.API.Listen = "" }, ""},
		{"metrics interval", func(c *Config) { c.Metrics.CollectionInterval = 0 }, "collection_interval"},
		{"bad logging", func(c *Config) { c.Logging.Level = "loud" }, "invalid logging config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIdentityHardwareAddr(t *testing.T) {
	mac, err := IdentityConfig{MAC: "02:aa:bb:cc:dd:ee"}.HardwareAddr()
	require.NoError(t, err)
	assert.Equal(t, "02:aa:bb:cc:dd:ee", mac.String())

	mac, err = IdentityConfig{}.HardwareAddr()
	require.NoError(t, err)
	assert.Len(t, mac, 6)
	assert.Equal(t, byte(0x02), mac[0]&0x03, "locally administered unicast")
}

func TestEnvironmentVariableExpansion(t *testing.T) {
	t.Setenv("TAPSTACK_TOKEN", "s3cret")

	cfg := DefaultConfig()
	err := Parse([]byte("api:\n  token: ${TAPSTACK_TOKEN}\n"), &cfg)
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.API.Token)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "tapstack.yaml")
	cfg := DefaultConfig()
	cfg.UDP.EchoPort = 7

	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# tapstack configuration"))

	var loaded Config
	require.NoError(t, LoadAndValidate(path, &loaded))
	assert.Equal(t, cfg, loaded)
}

func TestDuration(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		var v struct {
			D Duration `yaml:"d"`
		}
		require.NoError(t, yaml.Unmarshal([]byte("d: 1m30s"), &v))
		assert.Equal(t, 90*time.Second, v.D.Duration())

		require.NoError(t, yaml.Unmarshal([]byte("d: 60"), &v))
		assert.Equal(t, time.Minute, v.D.Duration(), "bare integers are seconds")

		assert.Error(t, yaml.Unmarshal([]byte("d: [1]"), &v))

		out, err := yaml.Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, "d: 1m0s\n", string(out))
	})

	t.Run("json", func(t *testing.T) {
		b, err := json.Marshal(Duration(2 * time.Second))
		require.NoError(t, err)
		assert.Equal(t, `"2s"`, string(b))

		var d Duration
		require.NoError(t, json.Unmarshal([]byte(`"250ms"`), &d))
		assert.Equal(t, 250*time.Millisecond, d.Duration())

		require.NoError(t, json.Unmarshal([]byte(`""`), &d))
		assert.Zero(t, d)

		require.NoError(t, json.Unmarshal([]byte(`45`), &d))
		assert.Equal(t, 45*time.Second, d.Duration())

		assert.Error(t, json.Unmarshal([]byte(`"later"`), &d))
	})
}
