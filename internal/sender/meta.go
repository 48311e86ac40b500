package sender

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pktlat-platform/pktlat/internal/nic"
)

// MetaFileName is appended to the output prefix for the run metadata.
const MetaFileName = "meta.yaml"

// RunMeta is the per-run metadata the analyzer needs but the trace
// files do not carry, most importantly the cycle counter frequency.
type RunMeta struct {
	// CPUHz is the frequency of the cycle counter behind CYCLES
	// timestamps.
	CPUHz uint64 `yaml:"cpu_hz"`
	// ProbeRate is the per-port probe rate in probes per second.
	ProbeRate int `yaml:"probe_rate"`
	// Ports lists the enabled port ids.
	Ports []uint32 `yaml:"ports"`
	// Started is the wall-clock start of the run.
	Started time.Time `yaml:"started"`
}

// WriteMeta writes the run metadata next to the trace files.
func WriteMeta(prefix string, meta RunMeta) error {
	buf, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize run metadata: %w", err)
	}
	path := prefix + MetaFileName
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("failed to write run metadata %s: %w", path, err)
	}
	return nil
}

// ReadMeta loads run metadata written by the sender.
func ReadMeta(path string) (RunMeta, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return RunMeta{}, fmt.Errorf("failed to read run metadata: %w", err)
	}
	var meta RunMeta
	if err := yaml.Unmarshal(buf, &meta); err != nil {
		return RunMeta{}, fmt.Errorf("failed to parse run metadata: %w", err)
	}
	return meta, nil
}

// NewRunMeta captures the metadata of the current run.
func NewRunMeta(cfg *Config, ports []uint32) RunMeta {
	return RunMeta{
		CPUHz:     nic.CyclesHz(),
		ProbeRate: cfg.ProbeRate,
		Ports:     ports,
		Started:   time.Now().UTC(),
	}
}
