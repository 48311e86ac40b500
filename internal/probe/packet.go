// Package probe builds and recognizes latency probe packets and hosts
// the probe transmit engine and receive hook.
package probe

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

const (
	// FrameLen is the probe frame length on the wire.
	FrameLen = 60
	// EtherType marks probe frames as PTP so the NIC latches hardware
	// timestamps for them.
	EtherType = 0x88F7
	// Magic guards against foreign PTP traffic.
	Magic = 0x12345678

	ptpMsgID   = 0x00
	ptpVersion = 0x02

	// Payload field offsets within the frame.
	offMsgID   = 14
	offVersion = 15
	offIndex   = 16
	offSender  = 24
	offMagic   = 28

	payloadLen = 18
)

// Probe is the decoded identity of one probe frame.
type Probe struct {
	DstMAC net.HardwareAddr
	SrcMAC net.HardwareAddr
	Index  uint64
	Sender uint32
}

// Marshal serializes the probe into a FrameLen-byte Ethernet frame:
// the PTP EtherType and header nibbles first, then the probe index,
// sender port and magic, zero-padded to the frame length.
func (p Probe) Marshal() ([]byte, error) {
	payload := make([]byte, payloadLen)
	payload[0] = ptpMsgID
	payload[1] = ptpVersion
	binary.LittleEndian.PutUint64(payload[2:], p.Index)
	binary.LittleEndian.PutUint32(payload[10:], p.Sender)
	binary.LittleEndian.PutUint32(payload[14:], Magic)

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{
			DstMAC:       p.DstMAC,
			SrcMAC:       p.SrcMAC,
			EthernetType: layers.EthernetType(EtherType),
		},
		gopacket.Payload(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize probe: %w", err)
	}

	frame := buf.Bytes()
	if len(frame) > FrameLen {
		return nil, fmt.Errorf("probe frame is %d bytes, want %d", len(frame), FrameLen)
	}
	// Zero-pad to the fixed probe length.
	for len(frame) < FrameLen {
		frame = append(frame, 0)
	}
	return frame, nil
}

// IsProbe reports whether the frame carries the probe EtherType.
func IsProbe(frame []byte) bool {
	return len(frame) >= offMsgID &&
		binary.BigEndian.Uint16(frame[12:14]) == EtherType
}

// Parse decodes the probe identity embedded in the frame. It returns
// false for frames without the probe EtherType or magic.
func Parse(frame []byte) (Probe, bool) {
	if len(frame) < offMagic+4 || !IsProbe(frame) {
		return Probe{}, false
	}
	if binary.LittleEndian.Uint32(frame[offMagic:]) != Magic {
		return Probe{}, false
	}
	return Probe{
		DstMAC: net.HardwareAddr(frame[0:6]),
		SrcMAC: net.HardwareAddr(frame[6:12]),
		Index:  binary.LittleEndian.Uint64(frame[offIndex:]),
		Sender: binary.LittleEndian.Uint32(frame[offSender:]),
	}, true
}
