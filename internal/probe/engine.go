package probe

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/pktlat-platform/pktlat/internal/nic"
	"github.com/pktlat-platform/pktlat/internal/trace"
)

const (
	// DefaultRate is how many probes per second each port emits.
	DefaultRate = 10

	// PoolSize sizes the probe packet pool. Probes get their own small
	// pool so bulk traffic cannot starve them. PoolCache is not used:
	// nic.Pool keeps no per-thread cache.
	PoolSize  = 256
	PoolCache = 100

	// txTimestampPoll and txTimestampTries bound the wait for the NIC
	// to latch a TX timestamp: 1 us steps, 1 ms total.
	txTimestampPoll  = time.Microsecond
	txTimestampTries = 1000

	readTimeSamples = 1000
)

// Controller drives probe transmission for one port.
type Controller struct {
	port  nic.Port
	queue uint16

	nextIdx uint64
	next    *nic.Packet

	dstMAC net.HardwareAddr
}

// Engine periodically emits one hardware-timestamped probe per enabled
// port and records the TX observations. It runs on the goroutine that
// calls Run, which the sender locks to a thread of its own, apart from
// the statistics reporter; the recorder it is given must belong to
// that thread.
type Engine struct {
	ports    []*Controller
	pool     *nic.Pool
	rec      *trace.Recorder
	interval time.Duration
	log      *zap.Logger
}

// NewEngine creates an engine for the given ports. rate is in probes
// per second per port; zero selects DefaultRate.
func NewEngine(ports []nic.Port, dstMAC net.HardwareAddr, rec *trace.Recorder, rate int, log *zap.Logger) *Engine {
	if rate <= 0 {
		rate = DefaultRate
	}

	ctls := make([]*Controller, 0, len(ports))
	for _, p := range ports {
		ctls = append(ctls, &Controller{
			port:   p,
			queue:  nic.QueueTXLatency,
			dstMAC: dstMAC,
		})
	}

	return &Engine{
		ports:    ctls,
		pool:     nic.NewPool(PoolSize, 2048),
		rec:      rec,
		interval: time.Second / time.Duration(rate),
		log:      log,
	}
}

// Run emits probes until the context is canceled. txEnabled gates each
// tick so the two-phase shutdown can stop probes with the TX job.
func (e *Engine) Run(ctx context.Context, txEnabled func() bool) error {
	e.measureReadTime()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if txEnabled() {
				e.Tick(ctx)
			}
		}
	}
}

// measureReadTime samples the cost of the PTP clock read on every
// port. The result is informational; the read latency is part of what
// the trace measures and is not hidden.
func (e *Engine) measureReadTime() {
	for _, ctl := range e.ports {
		start := nic.Cycles()
		for range readTimeSamples {
			ctl.port.ReadTime()
		}
		diff := nic.Cycles() - start

		e.log.Debug("measured PTP clock read cost",
			zap.Uint32("port", ctl.port.ID()),
			zap.Uint64("cycles", diff),
			zap.Float64("ns_per_read",
				float64(diff)/float64(nic.CyclesHz())*1e9/readTimeSamples))
	}
}

// Tick sends one probe on every port.
func (e *Engine) Tick(ctx context.Context) {
	for _, ctl := range e.ports {
		if ctl.next == nil {
			if err := e.construct(ctl); err != nil {
				e.log.Error("failed to construct probe",
					zap.Uint32("port", ctl.port.ID()), zap.Error(err))
				return
			}
		}

		if !e.hwTxPrepare(ctl) {
			continue
		}

		if sent := ctl.port.BurstTX(ctl.queue, []*nic.Packet{ctl.next}); sent < 1 {
			// Keep the packet cached; the next tick retries.
			e.log.Error("NIC rejected probe packet",
				zap.Uint32("port", ctl.port.ID()))
			continue
		}

		e.hwTxRecord(ctx, ctl, ctl.next)

		ctl.next.Free()
		ctl.next = nil
	}
}

// construct builds the next probe packet for the port.
func (e *Engine) construct(ctl *Controller) error {
	frame, err := Probe{
		DstMAC: ctl.dstMAC,
		SrcMAC: ctl.port.MAC(),
		Index:  ctl.nextIdx,
		Sender: ctl.port.ID(),
	}.Marshal()
	if err != nil {
		return err
	}

	pkt, err := e.pool.Alloc()
	if err != nil {
		return err
	}
	if err := pkt.SetLength(len(frame)); err != nil {
		pkt.Free()
		return err
	}
	copy(pkt.Data, frame)
	pkt.TXTimestamp = true

	ctl.next = pkt
	ctl.nextIdx++
	return nil
}

// hwTxPrepare drains the stale TX timestamp register so the probe
// about to be sent cannot latch onto an old value. Reports whether at
// least one probe packet with the timestamp flag is pending.
func (e *Engine) hwTxPrepare(ctl *Controller) bool {
	if ctl.next == nil || !ctl.next.TXTimestamp || !IsProbe(ctl.next.Data) {
		return false
	}
	ctl.port.ReadTXTimestamp()
	return true
}

// hwTxRecord polls the TX timestamp register and appends the HW_TX
// record. When the packet identity is gone (freed before the NIC
// latched), the recorder's last-seen slot attributes the timestamp.
func (e *Engine) hwTxRecord(ctx context.Context, ctl *Controller, pkt *nic.Packet) {
	ts, err := backoff.Retry(ctx, func() (nic.Timespec, error) {
		return ctl.port.ReadTXTimestamp()
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(txTimestampPoll)),
		backoff.WithMaxTries(txTimestampTries),
	)
	if err != nil {
		e.log.Error("failed to read HW TX timestamp",
			zap.Uint32("port", ctl.port.ID()), zap.Error(err))
		return
	}

	idx, sender := e.rec.LastSeen()
	if pkt != nil {
		if p, ok := Parse(pkt.Data); ok {
			idx, sender = p.Index, p.Sender
		}
	}

	e.rec.Record(trace.LocHardwareTX, idx, sender, trace.Timespec(ts.Sec, ts.Nsec))
	e.rec.Flush()
}
