package sender

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
)

// maxMappings bounds the port/job/core mapping list.
const maxMappings = 128

// Mapping assigns one job for one port to one worker core.
type Mapping struct {
	Port uint32 `yaml:"port"`
	Job  Job    `yaml:"job"`
	Core int    `yaml:"core"`
}

// UnmarshalYAML accepts the job letter used on the command line.
func (m *Mapping) UnmarshalYAML(unmarshal func(any) error) error {
	var raw struct {
		Port uint32 `yaml:"port"`
		Job  string `yaml:"job"`
		Core int    `yaml:"core"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	job, err := parseJob(raw.Job)
	if err != nil {
		return err
	}
	*m = Mapping{Port: raw.Port, Job: job, Core: raw.Core}
	return nil
}

func parseJob(s string) (Job, error) {
	switch s {
	case "R", "r":
		return JobRX, nil
	case "T", "t":
		return JobTX, nil
	}
	return 0, fmt.Errorf("unknown job %q, want R or T: %w", s, xerror.ErrBadParam)
}

// ParseMappings parses the command-line form
// "(port,{R|T},core)[,(port,{R|T},core)...]".
func ParseMappings(s string) ([]Mapping, error) {
	var mappings []Mapping

	rest := s
	for {
		open := strings.IndexByte(rest, '(')
		if open < 0 {
			break
		}
		if len(mappings) >= maxMappings {
			return nil, fmt.Errorf("more than %d mappings: %w", maxMappings, xerror.ErrOutOfRange)
		}

		closing := strings.IndexByte(rest[open:], ')')
		if closing < 0 {
			return nil, fmt.Errorf("unbalanced parentheses in %q: %w", s, xerror.ErrBadParam)
		}

		fields := strings.Split(rest[open+1:open+closing], ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("mapping %q needs 3 fields: %w", rest[open+1:open+closing], xerror.ErrBadParam)
		}

		port, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad port in mapping (%v): %w", err, xerror.ErrBadParam)
		}
		job, err := parseJob(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, err
		}
		core, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad core in mapping (%v): %w", err, xerror.ErrBadParam)
		}

		mappings = append(mappings, Mapping{
			Port: uint32(port),
			Job:  job,
			Core: int(core),
		})
		rest = rest[open+closing+1:]
	}

	if len(mappings) == 0 {
		return nil, fmt.Errorf("no mappings found in %q: %w", s, xerror.ErrBadParam)
	}
	return mappings, nil
}

// CheckMappings drops invalid and duplicate mappings and returns the
// valid remainder: the port must exist and be enabled, the core must
// not be the stats core, and each (port, job) pair may be served by
// only one core.
func CheckMappings(mappings []Mapping, cfg *Config, numPorts uint32, statsCore int, log *zap.Logger) []Mapping {
	valid := make([]Mapping, 0, len(mappings))

	for _, m := range mappings {
		if m.Port >= numPorts {
			log.Warn("invalid port id in mapping",
				zap.Uint32("port", m.Port), zap.Uint32("num_ports", numPorts))
			continue
		}
		if !cfg.PortEnabled(m.Port) {
			log.Warn("port is not enabled", zap.Uint32("port", m.Port))
			continue
		}
		if m.Core == statsCore {
			log.Warn("core is reserved for statistics, dropping mapping",
				zap.Int("core", m.Core))
			continue
		}

		dup := false
		for _, v := range valid {
			if v.Port == m.Port && v.Job == m.Job {
				dup = true
				log.Warn("duplicate port/job mapping removed",
					zap.Uint32("port", m.Port), zap.Stringer("job", m.Job),
					zap.Int("kept_core", v.Core), zap.Int("dropped_core", m.Core))
				break
			}
		}
		if dup {
			continue
		}
		valid = append(valid, m)
	}

	log.Info("checked port/job/core mappings",
		zap.Int("valid", len(valid)),
		zap.Int("removed", len(mappings)-len(valid)))
	return valid
}
