// Package nic is the contract between the latency tracer and the
// underlying kernel-bypass NIC runtime: packet buffers, per-port burst
// TX/RX, the PTP clock registers and the cycle counter.
//
// Implementations live below this package: nictest provides connected
// in-memory port pairs with deterministic PTP clocks, afpacket drives
// a Linux interface through an AF_PACKET socket.
package nic

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
)

var (
	// ErrNoTimestamp is returned by the timestamp register reads when
	// the NIC has not latched a value yet.
	ErrNoTimestamp = errors.New("no timestamp latched")
	// ErrPoolEmpty is returned by Pool.Alloc when every buffer is in
	// flight.
	ErrPoolEmpty = errors.New("packet pool empty")
)

// Well-known queue assignment: probe traffic gets its own TX queue so
// its timestamps are not displaced by bulk bursts.
const (
	QueueRX        uint16 = 0
	QueueTXBulk    uint16 = 0
	QueueTXLatency uint16 = 1
)

// Timespec is a PTP clock reading.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// Packet is one packet buffer drawn from a Pool.
type Packet struct {
	// Data is the frame payload, sized to the frame length.
	Data []byte

	// TXTimestamp requests a hardware TX timestamp for this packet
	// (the IEEE-1588 offload flag).
	TXTimestamp bool
	// RXTimestamp is set by the NIC when a hardware RX timestamp was
	// latched for this packet.
	RXTimestamp bool

	buf  []byte
	pool *Pool
}

// SetLength resizes the packet to n bytes within its buffer capacity.
func (p *Packet) SetLength(n int) error {
	if n > cap(p.buf) {
		return fmt.Errorf("frame length %d exceeds buffer size %d: %w",
			n, cap(p.buf), xerror.ErrOutOfRange)
	}
	p.Data = p.buf[:n]
	return nil
}

// Free returns the packet to its pool.
func (p *Packet) Free() {
	if p.pool == nil {
		return
	}
	p.TXTimestamp = false
	p.RXTimestamp = false
	p.Data = p.buf[:0]
	p.pool.put(p)
}

// Pool is a fixed-size packet buffer pool.
type Pool struct {
	free chan *Packet
}

// NewPool creates a pool of size buffers of bufLen bytes each.
func NewPool(size, bufLen int) *Pool {
	p := &Pool{free: make(chan *Packet, size)}
	for range size {
		buf := make([]byte, bufLen)
		p.free <- &Packet{Data: buf[:0], buf: buf, pool: p}
	}
	return p
}

// Alloc takes a buffer from the pool.
func (p *Pool) Alloc() (*Packet, error) {
	select {
	case pkt := <-p.free:
		return pkt, nil
	default:
		return nil, ErrPoolEmpty
	}
}

func (p *Pool) put(pkt *Packet) {
	select {
	case p.free <- pkt:
	default:
	}
}

// Port is one NIC port.
type Port interface {
	// ID returns the port id used on the wire and in trace records.
	ID() uint32
	// MAC returns the port's hardware address.
	MAC() net.HardwareAddr

	// BurstRX receives up to len(pkts) packets from the given queue
	// without blocking and returns how many were stored.
	BurstRX(queue uint16, pkts []*Packet) int
	// BurstTX hands pkts to the given TX queue and returns how many
	// the NIC accepted. Accepted packets remain owned by the caller.
	BurstTX(queue uint16, pkts []*Packet) int

	// ReadTime reads the port's PTP clock.
	ReadTime() (Timespec, error)
	// ReadTXTimestamp reads and clears the latched hardware TX
	// timestamp, or ErrNoTimestamp.
	ReadTXTimestamp() (Timespec, error)
	// ReadRXTimestamp reads and clears the hardware RX timestamp
	// latched for the given queue, or ErrNoTimestamp.
	ReadRXTimestamp(queue uint16) (Timespec, error)

	Close() error
}

var bootTime = time.Now()

// Cycles reads the cycle counter used for software timestamps. The Go
// runtime exposes no portable TSC, so cycles are monotonic nanoseconds
// since process start and CyclesHz is fixed at 1e9.
func Cycles() uint64 {
	return uint64(time.Since(bootTime))
}

// CyclesHz returns the frequency of the Cycles counter.
func CyclesHz() uint64 {
	return 1e9
}
