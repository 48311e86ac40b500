// Package clock converts tagged trace timestamps to nanoseconds.
package clock

import "github.com/pktlat-platform/pktlat/internal/trace"

// Converter unifies the two timestamp sources of a trace: raw TSC
// cycle counts, scaled by the tracing host's TSC frequency, and PTP
// timespecs, which are already wall-clock nanoseconds.
type Converter struct {
	// CPUHz is the TSC frequency of the host that produced the trace.
	// It is not part of the trace files and travels in the run
	// metadata. Zero maps every cycles timestamp to zero.
	CPUHz uint64
}

// Nanoseconds converts ts to nanoseconds.
func (c Converter) Nanoseconds(ts trace.Timestamp) uint64 {
	switch ts.Kind {
	case trace.TimestampCycles:
		if c.CPUHz == 0 {
			return 0
		}
		return uint64(float64(ts.Cycles) / float64(c.CPUHz) * 1e9)
	case trace.TimestampTimespec:
		return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
	}
	return 0
}
