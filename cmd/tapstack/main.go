// Package main provides the tapstack entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/rennerdo30/tapstack/internal/capture"
	"github.com/rennerdo30/tapstack/internal/cli"
	"github.com/rennerdo30/tapstack/internal/config"
	"github.com/rennerdo30/tapstack/internal/device"
	"github.com/rennerdo30/tapstack/internal/logging"
	"github.com/rennerdo30/tapstack/internal/server"
	"github.com/rennerdo30/tapstack/internal/service"
	"github.com/rennerdo30/tapstack/internal/version"
)

const (
	defaultConfigFile = "tapstack.yaml"
	shutdownTimeout   = 10 * time.Second
)

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "tapstack",
		Short: "Minimal IPv4 network stack on a TAP interface",
		Long: `tapstack answers ARP, ICMP echo and UDP on its own address behind a
Linux TAP interface, and can replay pcap captures through the same stack.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the stack on the configured TAP interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFile)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if err := config.LoadAndValidate(configFile, &cfg); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configFile); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", configFile)
			}
			if err := config.Save(configFile, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configFile)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	rootCmd.AddCommand(initCmd)

	rootCmd.AddCommand(newReplayCmd(&configFile))
	rootCmd.AddCommand(newServiceCmd(&configFile))
	rootCmd.AddCommand(cli.NewCommands())

	return rootCmd
}

func newReplayCmd(configFile *string) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "replay [input.pcap]",
		Short: "Feed a pcap capture through the stack",
		Long: `Replay reads Ethernet frames from a pcap file, runs each through the
stack, and writes every frame the stack transmits to the output pcap.
The config file is optional; set identity.mac for reproducible output.

Example:
  tapstack replay ping.pcap -o replies.pcap`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadReplayConfig(*configFile, cmd.Flags().Changed("config"))
			if err != nil {
				return err
			}
			in, out, err := replay(cmd.Context(), cfg, args[0], output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d frames, %d written to %s\n", in, out, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "replay-out.pcap", "output pcap file")

	return cmd
}

func newServiceCmd(configFile *string) *cobra.Command {
	var name, unitDir string

	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the tapstack systemd unit",
	}
	cmd.PersistentFlags().StringVar(&name, "name", "tapstack", "unit name")
	cmd.PersistentFlags().StringVar(&unitDir, "unit-dir", service.DefaultUnitDir, "systemd unit directory")

	manager := func() (*service.Manager, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		return service.New(service.Config{
			Name:       name,
			BinaryPath: exe,
			ConfigPath: *configFile,
			UnitDir:    unitDir,
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Install and enable the systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			if err := m.Install(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service installed: %s\n", m.UnitPath())
			fmt.Fprintf(cmd.OutOrStdout(), "Start with: sudo systemctl start %s\n", m.Name())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Stop, disable and remove the systemd unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			if err := m.Uninstall(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Service uninstalled: %s\n", m.Name())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the unit is installed and active",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manager()
			if err != nil {
				return err
			}
			status, err := m.Status()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", m.Name(), status)
			return nil
		},
	})

	return cmd
}

// loadReplayConfig falls back to defaults when no config file was asked for
// and the default one is absent.
func loadReplayConfig(path string, explicit bool) (config.Config, error) {
	cfg := config.DefaultConfig()
	if _, err := os.Stat(path); err != nil && !explicit && errors.Is(err, os.ErrNotExist) {
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
		return cfg, nil
	}
	if err := config.LoadAndValidate(path, &cfg); err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, configFile string) error {
	cfg := config.DefaultConfig()
	if err := config.LoadAndValidate(configFile, &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logging.Setup(cfg.Logging); err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logging.Close()

	dev, err := device.Create(cfg.Interface)
	if err != nil {
		return fmt.Errorf("create device: %w", err)
	}
	logging.Info("TAP device created", "name", dev.Name(), "mac", dev.MACAddress(), "mtu", dev.MTU())

	// Stop closes the device too; closing twice is a no-op
	defer dev.Close()

	srv, err := server.New(&cfg, dev)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	return service.Run(ctx, srv, shutdownTimeout)
}

// countingDriver counts frames crossing a replay driver.
type countingDriver struct {
	capture.ReadWriter
	in, out atomic.Int64
}

func (d *countingDriver) Read(buf []byte) (int, error) {
	n, err := d.ReadWriter.Read(buf)
	if n > 0 {
		d.in.Add(1)
	}
	return n, err
}

func (d *countingDriver) Write(buf []byte) (int, error) {
	d.out.Add(1)
	return d.ReadWriter.Write(buf)
}

// replay runs the frames of the input pcap through a stack built from cfg
// and returns how many frames were read and written.
func replay(ctx context.Context, cfg config.Config, input, output string) (int64, int64, error) {
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Capture.Path = ""

	in, err := os.Open(input)
	if err != nil {
		return 0, 0, fmt.Errorf("open input: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) //nolint:gosec // G302: capture files are meant to be shared
	if err != nil {
		return 0, 0, fmt.Errorf("create output: %w", err)
	}
	defer out.Close()

	w, err := capture.NewWriter(out)
	if err != nil {
		return 0, 0, err
	}
	fd, err := capture.NewFileDriver(in, w)
	if err != nil {
		return 0, 0, fmt.Errorf("open input: %w", err)
	}
	drv := &countingDriver{ReadWriter: fd}

	srv, err := server.New(&cfg, drv)
	if err != nil {
		return 0, 0, fmt.Errorf("create server: %w", err)
	}
	runErr := service.Run(ctx, srv, shutdownTimeout)
	return drv.in.Load(), drv.out.Load(), runErr
}

func main() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
