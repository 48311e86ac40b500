// Package trace defines the on-disk trace record and the per-thread
// batched recorder that writes them.
package trace

import (
	"encoding/binary"
	"fmt"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
)

// Location identifies the observation point a record was taken at.
type Location uint8

const (
	// LocHardwareTX is the NIC transmit timestamp.
	LocHardwareTX Location = iota
	// LocHardwareRX is the NIC receive timestamp.
	LocHardwareRX
	// LocSoftwareTX is taken in software just before transmit.
	LocSoftwareTX
	// LocSoftwareRX is taken in software after receive.
	LocSoftwareRX
)

// MaxLocations bounds the location codes the analyzer accepts.
const MaxLocations = 16

func (l Location) String() string {
	switch l {
	case LocHardwareTX:
		return "hw_tx"
	case LocHardwareRX:
		return "hw_rx"
	case LocSoftwareTX:
		return "sw_tx"
	case LocSoftwareRX:
		return "sw_rx"
	}
	return fmt.Sprintf("loc%d", uint8(l))
}

// TimestampKind tags the clock a timestamp was read from.
type TimestampKind uint8

const (
	// TimestampCycles is a raw TSC reading.
	TimestampCycles TimestampKind = iota
	// TimestampTimespec is seconds+nanoseconds from the NIC PTP clock.
	TimestampTimespec
)

// Timestamp is a tagged timestamp value. One trace may mix both kinds.
type Timestamp struct {
	Kind TimestampKind

	// Cycles is valid when Kind is TimestampCycles.
	Cycles uint64
	// Sec and Nsec are valid when Kind is TimestampTimespec.
	Sec  int64
	Nsec int64
}

// Cycles builds a TSC timestamp.
func Cycles(c uint64) Timestamp {
	return Timestamp{Kind: TimestampCycles, Cycles: c}
}

// Timespec builds a PTP clock timestamp.
func Timespec(sec, nsec int64) Timestamp {
	return Timestamp{Kind: TimestampTimespec, Sec: sec, Nsec: nsec}
}

// Record is one observation of one probe at one location.
type Record struct {
	TID      int32
	Location Location
	Sender   uint32
	Index    uint64
	Time     Timestamp
}

// RecordSize is the fixed on-disk record stride. Trace files are bare
// concatenations of records, so file_size % RecordSize == 0.
const RecordSize = 36

// AppendBinary appends the little-endian encoding of r to b.
//
// Layout: tid i32 @0, location u8 @4, timestamp kind u8 @5, two
// reserved bytes, sender u32 @8, probe index u64 @12, then two u64
// timestamp words: sec/nsec for a timespec, cycles/zero for cycles.
func (r Record) AppendBinary(b []byte) []byte {
	var wordA, wordB uint64
	switch r.Time.Kind {
	case TimestampCycles:
		wordA = r.Time.Cycles
	case TimestampTimespec:
		wordA = uint64(r.Time.Sec)
		wordB = uint64(r.Time.Nsec)
	}

	b = binary.LittleEndian.AppendUint32(b, uint32(r.TID))
	b = append(b, byte(r.Location), byte(r.Time.Kind), 0, 0)
	b = binary.LittleEndian.AppendUint32(b, r.Sender)
	b = binary.LittleEndian.AppendUint64(b, r.Index)
	b = binary.LittleEndian.AppendUint64(b, wordA)
	b = binary.LittleEndian.AppendUint64(b, wordB)
	return b
}

// DecodeRecord decodes one record from the front of b.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) < RecordSize {
		return Record{}, fmt.Errorf("short record: %d bytes, want %d: %w",
			len(b), RecordSize, xerror.ErrBadFormat)
	}

	r := Record{
		TID:      int32(binary.LittleEndian.Uint32(b[0:])),
		Location: Location(b[4]),
		Sender:   binary.LittleEndian.Uint32(b[8:]),
		Index:    binary.LittleEndian.Uint64(b[12:]),
	}
	wordA := binary.LittleEndian.Uint64(b[20:])
	wordB := binary.LittleEndian.Uint64(b[28:])

	switch TimestampKind(b[5]) {
	case TimestampCycles:
		r.Time = Cycles(wordA)
	case TimestampTimespec:
		r.Time = Timespec(int64(wordA), int64(wordB))
	default:
		return Record{}, fmt.Errorf("unknown timestamp kind %d: %w", b[5], xerror.ErrBadFormat)
	}
	return r, nil
}
