package sender

import (
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/pktlat-platform/pktlat/internal/nic"
)

const (
	// maxBurst is the TX/RX burst size.
	maxBurst = 32

	// defaultRateBps paces bulk traffic when no rate was configured.
	defaultRateBps = 102400

	// Extra on-the-wire bytes per frame: inter-frame gap, preamble and
	// start delimiter, FCS.
	frameExtraBytes = 12 + 8 + 4

	templateLen = 60
)

// txCtl generates paced bulk traffic on one port's bulk queue.
type txCtl struct {
	port  nic.Port
	queue uint16
	pool  *nic.Pool
	stats *PortStats

	template []byte

	// cyclesPerByte converts on-the-wire bytes (frame plus
	// frameExtraBytes) to pacing delay in cycles.
	cyclesPerByte float64
	nextDue       uint64
}

// newTxCtl builds a transmitter for the port, with a static packet
// template generated once up front.
func newTxCtl(port nic.Port, dstMAC net.HardwareAddr, rateBps uint64, stats *PortStats) (*txCtl, error) {
	if rateBps == 0 {
		rateBps = defaultRateBps
	}

	template, err := buildTemplate(port.MAC(), dstMAC)
	if err != nil {
		return nil, fmt.Errorf("failed to build packet template: %w", err)
	}

	return &txCtl{
		port:          port,
		queue:         nic.QueueTXBulk,
		pool:          nic.NewPool(512, 2048),
		stats:         stats,
		template:      template,
		cyclesPerByte: float64(nic.CyclesHz()) * 8.0 / float64(rateBps),
		nextDue:       nic.Cycles(),
	}, nil
}

// buildTemplate serializes the static bulk frame: a minimal UDP/IPv4
// packet padded to the template length.
func buildTemplate(srcMAC, dstMAC net.HardwareAddr) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 0, 1).To4(),
		DstIP:    net.IPv4(192, 168, 0, 2).To4(),
	}
	udp := &layers.UDP{
		SrcPort: 1024,
		DstPort: 1024,
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		&layers.Ethernet{
			DstMAC:       dstMAC,
			SrcMAC:       srcMAC,
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip,
		udp,
		gopacket.Payload(make([]byte, templateLen-14-20-8)),
	)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// transmit sends one paced burst. It returns immediately when the
// pacer says the port is not due yet.
func (t *txCtl) transmit() error {
	now := nic.Cycles()
	if now < t.nextDue {
		return nil
	}

	pkts := make([]*nic.Packet, 0, maxBurst)
	for range maxBurst {
		pkt, err := t.pool.Alloc()
		if err != nil {
			break
		}
		if err := pkt.SetLength(len(t.template)); err != nil {
			pkt.Free()
			return err
		}
		copy(pkt.Data, t.template)
		pkts = append(pkts, pkt)
	}
	if len(pkts) == 0 {
		return nil
	}

	sent := t.port.BurstTX(t.queue, pkts)
	for _, pkt := range pkts {
		pkt.Free()
	}

	t.stats.TXPackets.Add(uint64(sent))
	t.stats.TXDrops.Add(uint64(len(pkts) - sent))

	wireBytes := uint64(sent) * uint64(len(t.template)+frameExtraBytes)
	t.stats.TXBytes.Add(uint64(sent) * uint64(len(t.template)))
	t.nextDue = now + uint64(float64(wireBytes)*t.cyclesPerByte)
	return nil
}
