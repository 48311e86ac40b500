//go:build linux

// Package afpacket implements the NIC contract over a Linux AF_PACKET
// raw socket.
//
// Hardware timestamps come from SO_TIMESTAMPING: RX stamps ride in
// each packet's control messages, TX stamps are looped back through
// the socket error queue, which maps onto the latched-register reads
// of the contract. Interfaces are resolved through netlink.
package afpacket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
	"github.com/pktlat-platform/pktlat/internal/nic"
)

// Port is one AF_PACKET-backed NIC port.
type Port struct {
	id   uint32
	name string
	mac  net.HardwareAddr
	fd   int
	addr *unix.SockaddrLinklayer
	log  *zap.Logger

	rxPool *nic.Pool
	rxTS   map[uint16]nic.Timespec
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// Open binds a raw socket to the named interface and enables hardware
// timestamping. The interface must be up.
func Open(name string, id uint32, log *zap.Logger) (*Port, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up interface %s (%v): %w", name, err, xerror.ErrNICFault)
	}
	attrs := link.Attrs()
	if attrs.OperState != netlink.OperUp && attrs.OperState != netlink.OperUnknown {
		return nil, fmt.Errorf("interface %s is %s: %w", name, attrs.OperState, xerror.ErrNICFault)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create AF_PACKET socket (%v): %w", err, xerror.ErrNICFault)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  attrs.Index,
		Halen:    6,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind to %s (%v): %w", name, err, xerror.ErrNICFault)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set nonblocking mode (%v): %w", err, xerror.ErrNICFault)
	}

	// Ask for raw hardware stamps on both directions, with software
	// stamps as a fallback on NICs without PTP assist.
	flags := unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, flags); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to enable timestamping on %s (%v): %w", name, err, xerror.ErrNICFault)
	}

	log.Info("opened port",
		zap.Uint32("port", id),
		zap.String("iface", name),
		zap.Stringer("mac", attrs.HardwareAddr))

	return &Port{
		id:     id,
		name:   name,
		mac:    attrs.HardwareAddr,
		fd:     fd,
		addr:   addr,
		log:    log,
		rxPool: nic.NewPool(1024, 2048),
		rxTS:   map[uint16]nic.Timespec{},
	}, nil
}

func (p *Port) ID() uint32            { return p.id }
func (p *Port) MAC() net.HardwareAddr { return p.mac }

func (p *Port) Close() error {
	return unix.Close(p.fd)
}

// BurstTX writes the packets out. The socket carries the TX
// timestamping flags; the caller reads the resulting stamp back with
// ReadTXTimestamp before the next timestamped send.
func (p *Port) BurstTX(queue uint16, pkts []*nic.Packet) int {
	sent := 0
	for _, pkt := range pkts {
		if err := unix.Sendto(p.fd, pkt.Data, 0, p.addr); err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				p.log.Debug("send failed",
					zap.String("iface", p.name), zap.Error(err))
			}
			break
		}
		sent++
	}
	return sent
}

// BurstRX drains up to len(pkts) packets, latching the RX timestamp of
// the most recent stamped packet for ReadRXTimestamp.
func (p *Port) BurstRX(queue uint16, pkts []*nic.Packet) int {
	var oob [512]byte
	var buf [2048]byte

	n := 0
	for n < len(pkts) {
		nr, oobn, _, _, err := unix.Recvmsg(p.fd, buf[:], oob[:], unix.MSG_DONTWAIT)
		if err != nil || nr == 0 {
			break
		}

		pkt := p.allocRX(nr)
		if pkt == nil {
			break
		}
		copy(pkt.Data, buf[:nr])

		if ts, ok := parseTimestamping(oob[:oobn]); ok {
			pkt.RXTimestamp = true
			p.rxTS[queue] = ts
		}

		pkts[n] = pkt
		n++
	}
	return n
}

func (p *Port) allocRX(length int) *nic.Packet {
	pkt, err := p.rxPool.Alloc()
	if err != nil {
		p.log.Debug("RX pool exhausted, dropping packet")
		return nil
	}
	if err := pkt.SetLength(length); err != nil {
		pkt.Free()
		return nil
	}
	return pkt
}

// ReadTime reads the port clock. AF_PACKET exposes no per-NIC PTP
// clock register, so this is the system realtime clock that hardware
// stamps are correlated against.
func (p *Port) ReadTime() (nic.Timespec, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return nic.Timespec{}, fmt.Errorf("failed to read clock (%v): %w", err, xerror.ErrNICFault)
	}
	return nic.Timespec{Sec: ts.Sec, Nsec: ts.Nsec}, nil
}

// ReadTXTimestamp pops one TX timestamp off the socket error queue.
func (p *Port) ReadTXTimestamp() (nic.Timespec, error) {
	var oob [512]byte
	var buf [2048]byte

	_, oobn, _, _, err := unix.Recvmsg(p.fd, buf[:], oob[:],
		unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
	if err != nil {
		return nic.Timespec{}, nic.ErrNoTimestamp
	}

	ts, ok := parseTimestamping(oob[:oobn])
	if !ok {
		return nic.Timespec{}, nic.ErrNoTimestamp
	}
	return ts, nil
}

// ReadRXTimestamp reads and clears the timestamp latched by the last
// stamped packet of BurstRX.
func (p *Port) ReadRXTimestamp(queue uint16) (nic.Timespec, error) {
	ts, ok := p.rxTS[queue]
	if !ok {
		return nic.Timespec{}, nic.ErrNoTimestamp
	}
	delete(p.rxTS, queue)
	return ts, nil
}

// parseTimestamping extracts the SCM_TIMESTAMPING triplet: three
// timespecs, of which index 2 is the raw hardware stamp and index 0
// the software fallback.
func parseTimestamping(oob []byte) (nic.Timespec, bool) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nic.Timespec{}, false
	}

	for _, cmsg := range cmsgs {
		if cmsg.Header.Level != unix.SOL_SOCKET ||
			cmsg.Header.Type != unix.SCM_TIMESTAMPING ||
			len(cmsg.Data) < 48 {
			continue
		}

		hw := decodeTimespec(cmsg.Data[32:48])
		if hw.Sec != 0 || hw.Nsec != 0 {
			return hw, true
		}
		sw := decodeTimespec(cmsg.Data[0:16])
		if sw.Sec != 0 || sw.Nsec != 0 {
			return sw, true
		}
	}
	return nic.Timespec{}, false
}

func decodeTimespec(b []byte) nic.Timespec {
	return nic.Timespec{
		Sec:  int64(binary.LittleEndian.Uint64(b[0:8])),
		Nsec: int64(binary.LittleEndian.Uint64(b[8:16])),
	}
}
