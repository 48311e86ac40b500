package sender

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pktlat-platform/pktlat/common/go/logging"
	"github.com/pktlat-platform/pktlat/common/go/xerror"
	"github.com/pktlat-platform/pktlat/internal/probe"
)

// Config is the live sender configuration. Values from the optional
// config file are defaults; command-line flags override them.
type Config struct {
	// Logging configuration.
	Logging logging.Config `yaml:"logging"`

	// Interfaces are the network interfaces enumerated as ports, in
	// port-id order.
	Interfaces []string `yaml:"interfaces"`

	// PortMask is the hex bitmap of enabled ports.
	PortMask uint64 `yaml:"portmask"`

	// TXRate is the per-port transmit rate in bits per second. Zero
	// selects the default pacing rate.
	TXRate uint64 `yaml:"tx_rate"`

	// ProbeRate is how many probes per second each port emits.
	ProbeRate int `yaml:"probe_rate"`

	// OutputPrefix is prepended to the run metadata file name; trace
	// files are always named trace_<tid> in the working directory.
	OutputPrefix string `yaml:"output_prefix"`

	// DstMAC is the destination MAC of generated traffic.
	DstMAC string `yaml:"dst_mac"`

	// Mappings assigns ports and jobs to worker cores.
	Mappings []Mapping `yaml:"mappings"`

	// SoftwareRX additionally records software RX observations from
	// the cycle counter.
	SoftwareRX bool `yaml:"software_rx"`

	// MetricsAddr, when set, serves Prometheus metrics on this
	// address.
	MetricsAddr string `yaml:"metrics_addr"`

	// PinWorkers pins each worker thread to its mapped core.
	PinWorkers bool `yaml:"pin_workers"`

	// StatsCore is reserved for the statistics and probe timers; no
	// RX/TX mapping may use it.
	StatsCore int `yaml:"stats_core"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeRate: probe.DefaultRate,
	}
}

// LoadConfig reads a yaml config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file (%v): %w", err, xerror.ErrIOFault)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config (%v): %w", err, xerror.ErrBadParam)
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func (m *Config) Validate() error {
	if len(m.Interfaces) == 0 {
		return fmt.Errorf("at least one interface is required: %w", xerror.ErrBadParam)
	}
	if m.PortMask == 0 {
		return fmt.Errorf("at least 1 port is needed: %w", xerror.ErrBadParam)
	}
	if m.ProbeRate <= 0 {
		return fmt.Errorf("probe rate must be positive: %w", xerror.ErrBadParam)
	}
	if m.DstMAC != "" {
		if _, err := net.ParseMAC(m.DstMAC); err != nil {
			return fmt.Errorf("bad destination MAC %q: %w", m.DstMAC, xerror.ErrBadParam)
		}
	}
	return nil
}

// DstHardwareAddr returns the parsed destination MAC, or the broadcast
// address when unset.
func (m *Config) DstHardwareAddr() net.HardwareAddr {
	if m.DstMAC == "" {
		return net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}
	mac, err := net.ParseMAC(m.DstMAC)
	if err != nil {
		return net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}
	return mac
}

// PortEnabled reports whether the portmask enables port id.
func (m *Config) PortEnabled(id uint32) bool {
	return m.PortMask&(1<<id) != 0
}
