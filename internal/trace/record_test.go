package trace

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
)

func TestRecordEncoding(t *testing.T) {
	for _, tc := range []struct {
		name string
		rec  Record
	}{
		{
			name: "timespec",
			rec: Record{
				TID:      7,
				Location: LocHardwareTX,
				Sender:   2,
				Index:    42,
				Time:     Timespec(1, 500_000_000),
			},
		},
		{
			name: "cycles",
			rec: Record{
				TID:      -1,
				Location: LocSoftwareRX,
				Sender:   3,
				Index:    1 << 40,
				Time:     Cycles(123456789),
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := tc.rec.AppendBinary(nil)
			require.Len(t, b, RecordSize)

			got, err := DecodeRecord(b)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.rec, got); diff != "" {
				t.Fatalf("record mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecordGoldenBytes(t *testing.T) {
	rec := Record{
		TID:      7,
		Location: LocHardwareRX,
		Sender:   2,
		Index:    42,
		Time:     Timespec(1, 900),
	}
	b := rec.AppendBinary(nil)

	want := []byte{
		7, 0, 0, 0, // tid
		1,    // location
		1,    // timestamp kind
		0, 0, // reserved
		2, 0, 0, 0, // sender
		42, 0, 0, 0, 0, 0, 0, 0, // index
		1, 0, 0, 0, 0, 0, 0, 0, // sec
		0x84, 0x03, 0, 0, 0, 0, 0, 0, // nsec = 900
	}
	assert.Equal(t, want, b)
}

func TestDecodeShortRecord(t *testing.T) {
	_, err := DecodeRecord(make([]byte, RecordSize-1))
	require.ErrorIs(t, err, xerror.ErrBadFormat)
}

func TestDecodeUnknownKind(t *testing.T) {
	b := Record{Time: Timespec(0, 0)}.AppendBinary(nil)
	b[5] = 9
	_, err := DecodeRecord(b)
	require.ErrorIs(t, err, xerror.ErrBadFormat)
}
