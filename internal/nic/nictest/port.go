// Package nictest provides in-memory NIC ports for tests: two ports
// joined by a lossless wire, with deterministic PTP clocks and the
// same timestamp-latching behavior the tracer relies on.
package nictest

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/pktlat-platform/pktlat/internal/nic"
)

// ptpEtherType mirrors the probe EtherType: only such frames latch
// hardware timestamps, like a PTP-offloading NIC.
const ptpEtherType = 0x88F7

// Clock is a deterministic PTP clock advancing a fixed step on every
// reading.
type Clock struct {
	mu   sync.Mutex
	now  int64 // nanoseconds
	step int64
}

// NewClock creates a clock starting at start nanoseconds, advancing
// step nanoseconds per reading.
func NewClock(start, step int64) *Clock {
	return &Clock{now: start, step: step}
}

func (c *Clock) read() nic.Timespec {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now += c.step
	return nic.Timespec{Sec: t / 1e9, Nsec: t % 1e9}
}

// Port is an in-memory NIC port.
type Port struct {
	id   uint32
	mac  net.HardwareAddr
	clk  *Clock
	peer *Port

	mu sync.Mutex
	rx []*nic.Packet

	txTS      *nic.Timespec
	rxTS      map[uint16]nic.Timespec
	rxPool    *nic.Pool
	txBudget  int // -1: unlimited
	txLatency int // failed TX timestamp reads before the value appears
	txPending int
}

// Pair returns two ports connected back to back. Frames transmitted on
// one show up on the other's RX queue.
func Pair(idA, idB uint32, clk *Clock) (*Port, *Port) {
	a := newPort(idA, clk)
	b := newPort(idB, clk)
	a.peer, b.peer = b, a
	return a, b
}

// Loopback returns a port wired to itself.
func Loopback(id uint32, clk *Clock) *Port {
	p := newPort(id, clk)
	p.peer = p
	return p
}

func newPort(id uint32, clk *Clock) *Port {
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, byte(id)}
	return &Port{
		id:       id,
		mac:      mac,
		clk:      clk,
		rxTS:     map[uint16]nic.Timespec{},
		rxPool:   nic.NewPool(512, 2048),
		txBudget: -1,
	}
}

// SetTXBudget limits how many packets further BurstTX calls accept in
// total; use 0 to make the NIC refuse traffic.
func (p *Port) SetTXBudget(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txBudget = n
}

// SetTXTimestampDelay makes the next TX timestamp read fail n times
// before the latched value becomes visible.
func (p *Port) SetTXTimestampDelay(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.txLatency = n
}

func (p *Port) ID() uint32            { return p.id }
func (p *Port) MAC() net.HardwareAddr { return p.mac }

func (p *Port) BurstTX(queue uint16, pkts []*nic.Packet) int {
	type delivery struct {
		pkt   *nic.Packet
		isPTP bool
	}
	var out []delivery

	p.mu.Lock()
	sent := 0
	for _, pkt := range pkts {
		if p.txBudget == 0 {
			break
		}
		if p.txBudget > 0 {
			p.txBudget--
		}

		isPTP := len(pkt.Data) >= 14 &&
			binary.BigEndian.Uint16(pkt.Data[12:14]) == ptpEtherType
		if pkt.TXTimestamp && isPTP {
			ts := p.clk.read()
			p.txTS = &ts
			p.txPending = p.txLatency
		}

		// Hand a copy to the peer so the sender can free its buffer.
		rxPkt, err := p.peer.rxPool.Alloc()
		if err == nil {
			if err := rxPkt.SetLength(len(pkt.Data)); err == nil {
				copy(rxPkt.Data, pkt.Data)
				rxPkt.RXTimestamp = isPTP
				out = append(out, delivery{pkt: rxPkt, isPTP: isPTP})
			} else {
				rxPkt.Free()
			}
		}
		sent++
	}
	p.mu.Unlock()

	// Delivered outside the lock: the peer may be this very port when
	// wired as a loopback.
	for _, d := range out {
		p.peer.deliver(d.pkt, d.isPTP)
	}
	return sent
}

func (p *Port) deliver(pkt *nic.Packet, isPTP bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if isPTP {
		p.rxTS[nic.QueueRX] = p.clk.read()
	}
	p.rx = append(p.rx, pkt)
}

func (p *Port) BurstRX(queue uint16, pkts []*nic.Packet) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := min(len(pkts), len(p.rx))
	copy(pkts, p.rx[:n])
	p.rx = p.rx[n:]
	return n
}

func (p *Port) ReadTime() (nic.Timespec, error) {
	return p.clk.read(), nil
}

func (p *Port) ReadTXTimestamp() (nic.Timespec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.txTS == nil {
		return nic.Timespec{}, nic.ErrNoTimestamp
	}
	if p.txPending > 0 {
		p.txPending--
		return nic.Timespec{}, nic.ErrNoTimestamp
	}
	ts := *p.txTS
	p.txTS = nil
	return ts, nil
}

func (p *Port) ReadRXTimestamp(queue uint16) (nic.Timespec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts, ok := p.rxTS[queue]
	if !ok {
		return nic.Timespec{}, nic.ErrNoTimestamp
	}
	delete(p.rxTS, queue)
	return ts, nil
}

func (p *Port) Close() error { return nil }
