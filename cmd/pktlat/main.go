// Command pktlat is the live traffic generator and latency tracer: it
// paces bulk traffic, emits hardware-timestamped probes on every
// enabled port and writes per-thread trace files for the offline
// analyzer.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pktlat-platform/pktlat/common/go/logging"
	"github.com/pktlat-platform/pktlat/common/go/xerror"
	"github.com/pktlat-platform/pktlat/internal/nic"
	"github.com/pktlat-platform/pktlat/internal/nic/afpacket"
	"github.com/pktlat-platform/pktlat/internal/sender"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is an optional yaml file with defaults.
	ConfigPath string
	// Interfaces enumerated as ports, in port-id order.
	Interfaces []string
	// PortMask is the hex bitmap of enabled ports.
	PortMask string
	// Rate is the per-port TX rate in bps with k/m/g suffixes.
	Rate string
	// OutputPrefix prefixes the run metadata file.
	OutputPrefix string
	// DstMAC is the destination MAC of generated traffic.
	DstMAC string
	// Mappings is the (port,{R|T},core) list.
	Mappings string
	// MetricsAddr serves Prometheus metrics when set.
	MetricsAddr string
	// Pin pins workers to their mapped cores.
	Pin bool
	// LogFile appends a copy of the log to this file.
	LogFile string
}

var rootCmd = &cobra.Command{
	Use:   "pktlat",
	Short: "Packet generator with hardware-timestamped latency probes",
	RunE: func(rawCmd *cobra.Command, args []string) error {
		rawCmd.SilenceUsage = true
		return run(cmd)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cmd.ConfigPath, "cfg", "c", "", "Path to the optional configuration file")
	flags.StringSliceVar(&cmd.Interfaces, "iface", nil, "Interface to use as a port, repeatable, in port-id order")
	flags.StringVarP(&cmd.PortMask, "portmask", "p", "", "Hex bitmap of enabled ports, e.g. 0x3")
	flags.StringVarP(&cmd.Rate, "rate", "r", "", "Per-port TX rate in bps, e.g. 1G, 20m, 1000k")
	flags.StringVarP(&cmd.OutputPrefix, "output", "o", "", "Prefix of the run metadata file")
	flags.StringVar(&cmd.DstMAC, "mac-dst", "", "Destination MAC of generated packets")
	flags.StringVar(&cmd.Mappings, "config", "", "Port/job/core mapping: (port,{R|T},core)[,(port,{R|T},core)...]")
	flags.StringVar(&cmd.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.BoolVar(&cmd.Pin, "pin", false, "Pin worker threads to their mapped cores")
	flags.StringVar(&cmd.LogFile, "log-file", "", "Append a copy of the log to this file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd Cmd) (*sender.Config, error) {
	cfg := sender.DefaultConfig()
	if cmd.ConfigPath != "" {
		loaded, err := sender.LoadConfig(cmd.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if len(cmd.Interfaces) > 0 {
		cfg.Interfaces = cmd.Interfaces
	}
	if cmd.PortMask != "" {
		digits := strings.TrimPrefix(strings.TrimPrefix(cmd.PortMask, "0x"), "0X")
		mask, err := strconv.ParseUint(digits, 16, 64)
		if err != nil || mask == 0 {
			return nil, fmt.Errorf("wrong port mask %q: %w", cmd.PortMask, xerror.ErrBadParam)
		}
		cfg.PortMask = mask
	}
	if cmd.Rate != "" {
		rate, err := sender.ParseRate(cmd.Rate)
		if err != nil {
			return nil, err
		}
		cfg.TXRate = rate
	}
	if cmd.OutputPrefix != "" {
		cfg.OutputPrefix = cmd.OutputPrefix
	}
	if cmd.DstMAC != "" {
		cfg.DstMAC = cmd.DstMAC
	}
	if cmd.Mappings != "" {
		mappings, err := sender.ParseMappings(cmd.Mappings)
		if err != nil {
			return nil, err
		}
		cfg.Mappings = mappings
	}
	if cmd.MetricsAddr != "" {
		cfg.MetricsAddr = cmd.MetricsAddr
	}
	if cmd.Pin {
		cfg.PinWorkers = true
	}
	if cmd.LogFile != "" {
		cfg.Logging.Path = cmd.LogFile
	}
	return cfg, nil
}

func run(cmd Cmd) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	ports := make([]nic.Port, 0, len(cfg.Interfaces))
	for id, name := range cfg.Interfaces {
		port, err := afpacket.Open(name, uint32(id), log)
		if err != nil {
			return fmt.Errorf("failed to open port %d: %w", id, err)
		}
		defer port.Close()
		ports = append(ports, port)
	}

	s, err := sender.New(cfg, ports, log)
	if err != nil {
		return err
	}

	log.Info("starting run",
		zap.Strings("interfaces", cfg.Interfaces),
		zap.Uint64("portmask", cfg.PortMask),
		zap.Uint64("tx_rate_bps", cfg.TXRate),
		zap.Int("probe_rate", cfg.ProbeRate))

	return s.Run(context.Background())
}
