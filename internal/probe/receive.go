package probe

import (
	"go.uber.org/zap"

	"github.com/pktlat-platform/pktlat/internal/nic"
	"github.com/pktlat-platform/pktlat/internal/trace"
)

// Hook records probe arrivals on one RX data-plane thread. Like the
// recorder it wraps, a Hook belongs to exactly one goroutine.
type Hook struct {
	port nic.Port
	rec  *trace.Recorder
	log  *zap.Logger

	// softwareRX additionally takes a software RX observation per
	// burst, stamped from the cycle counter.
	softwareRX bool
}

// NewHook creates a receive hook for one port.
func NewHook(port nic.Port, rec *trace.Recorder, softwareRX bool, log *zap.Logger) *Hook {
	return &Hook{
		port:       port,
		rec:        rec,
		softwareRX: softwareRX,
		log:        log,
	}
}

// HandleBurst inspects one RX burst and records every probe that the
// NIC hardware-timestamped. Non-probe packets pass through untouched;
// the batch is flushed at the end of the burst so probe records do not
// linger in memory.
func (h *Hook) HandleBurst(pkts []*nic.Packet) {
	recorded := false

	var swCycles uint64
	swRead := false

	for _, pkt := range pkts {
		if !pkt.RXTimestamp {
			continue
		}
		p, ok := Parse(pkt.Data)
		if !ok {
			continue
		}

		if h.softwareRX {
			// One counter reading serves the whole burst.
			if !swRead {
				swCycles = nic.Cycles()
				swRead = true
			}
			h.rec.Record(trace.LocSoftwareRX, p.Index, p.Sender, trace.Cycles(swCycles))
			recorded = true
		}

		ts, err := h.port.ReadRXTimestamp(nic.QueueRX)
		if err != nil {
			h.log.Error("failed to read HW RX timestamp",
				zap.Uint32("port", h.port.ID()), zap.Error(err))
			continue
		}
		h.rec.Record(trace.LocHardwareRX, p.Index, p.Sender, trace.Timespec(ts.Sec, ts.Nsec))
		recorded = true
	}

	if recorded {
		h.rec.Flush()
	}
}
