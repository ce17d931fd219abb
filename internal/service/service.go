// Package service installs tapstack as a systemd unit and runs it in the
// foreground until signalled.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

// DefaultUnitDir is where systemd looks for administrator units.
const DefaultUnitDir = "/etc/systemd/system"

// Config holds service installation configuration.
type Config struct {
	// Name is the unit name without the .service suffix
	Name string
	// Description is a human-readable service description
	Description string
	// BinaryPath is the absolute path to the executable
	BinaryPath string
	// ConfigPath is the absolute path to the config file
	ConfigPath string
	// WorkingDir is the working directory for the service
	WorkingDir string
	// UnitDir overrides DefaultUnitDir
	UnitDir string
}

// CommandFunc runs systemctl with args and returns its standard output.
type CommandFunc func(args ...string) ([]byte, error)

func systemctl(args ...string) ([]byte, error) {
	return exec.Command("systemctl", args...).Output() //nolint:gosec // G204: fixed binary, args built from config
}

// Manager handles service installation and management.
type Manager struct {
	config  Config
	command CommandFunc
}

// New creates a new service manager.
func New(cfg Config) (*Manager, error) {
	if !filepath.IsAbs(cfg.BinaryPath) {
		abs, err := filepath.Abs(cfg.BinaryPath)
		if err != nil {
			return nil, fmt.Errorf("resolve binary path: %w", err)
		}
		cfg.BinaryPath = abs
	}

	if !filepath.IsAbs(cfg.ConfigPath) {
		abs, err := filepath.Abs(cfg.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		cfg.ConfigPath = abs
	}

	if cfg.WorkingDir == "" {
		cfg.WorkingDir = filepath.Dir(cfg.BinaryPath)
	}
	if cfg.Name == "" {
		cfg.Name = "tapstack"
	}
	if cfg.Description == "" {
		cfg.Description = "tapstack IPv4 stack on a TAP interface"
	}
	if cfg.UnitDir == "" {
		cfg.UnitDir = DefaultUnitDir
	}

	return &Manager{config: cfg, command: systemctl}, nil
}

// WithCommand replaces the systemctl invocation.
func (m *Manager) WithCommand(fn CommandFunc) *Manager {
	m.command = fn
	return m
}

// UnitPath returns the path of the unit file.
func (m *Manager) UnitPath() string {
	return filepath.Join(m.config.UnitDir, m.config.Name+".service")
}

// The TAP device needs CAP_NET_ADMIN; nothing else is granted.
const systemdTemplate = `[Unit]
Description={{.Description}}
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} run -c {{.ConfigPath}}
WorkingDirectory={{.WorkingDir}}
Restart=on-failure
RestartSec=5
AmbientCapabilities=CAP_NET_ADMIN
CapabilityBoundingSet=CAP_NET_ADMIN
NoNewPrivileges=true

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{.Name}}

[Install]
WantedBy=multi-user.target
`

// Unit renders the systemd unit file.
func (m *Manager) Unit() ([]byte, error) {
	tmpl, err := template.New("systemd").Parse(systemdTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, m.config); err != nil {
		return nil, fmt.Errorf("execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// Install writes the unit file, reloads systemd and enables the unit.
func (m *Manager) Install() error {
	if _, err := os.Stat(m.config.BinaryPath); err != nil {
		return fmt.Errorf("binary not found: %s", m.config.BinaryPath)
	}
	if _, err := os.Stat(m.config.ConfigPath); err != nil {
		return fmt.Errorf("config not found: %s", m.config.ConfigPath)
	}

	unit, err := m.Unit()
	if err != nil {
		return err
	}

	if err := os.WriteFile(m.UnitPath(), unit, 0o644); err != nil { //nolint:gosec // G306: unit files are world readable
		return fmt.Errorf("write unit file: %w (try running with sudo)", err)
	}

	if _, err := m.command("daemon-reload"); err != nil {
		return fmt.Errorf("reload systemd: %w", err)
	}
	if _, err := m.command("enable", m.config.Name); err != nil {
		return fmt.Errorf("enable service: %w", err)
	}
	return nil
}

// Uninstall stops and disables the unit and removes its file.
func (m *Manager) Uninstall() error {
	// Not running or not enabled is fine
	_, _ = m.command("stop", m.config.Name)
	_, _ = m.command("disable", m.config.Name)

	if err := os.Remove(m.UnitPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove unit file: %w", err)
	}

	_, _ = m.command("daemon-reload")
	return nil
}

// Status returns the current service status.
func (m *Manager) Status() (string, error) {
	if _, err := os.Stat(m.UnitPath()); errors.Is(err, os.ErrNotExist) {
		return "not installed", nil
	}

	out, err := m.command("is-active", m.config.Name)
	if err != nil {
		return "installed (inactive)", nil
	}
	return fmt.Sprintf("installed (%s)", strings.TrimSpace(string(out))), nil
}

// Name returns the unit name.
func (m *Manager) Name() string {
	return m.config.Name
}
