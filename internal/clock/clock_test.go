package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pktlat-platform/pktlat/internal/trace"
)

func TestTimespecNanoseconds(t *testing.T) {
	c := Converter{}
	assert.Equal(t, uint64(1_500_000_000), c.Nanoseconds(trace.Timespec(1, 500_000_000)))
	assert.Equal(t, uint64(0), c.Nanoseconds(trace.Timespec(0, 0)))
}

func TestCyclesNanoseconds(t *testing.T) {
	c := Converter{CPUHz: 2_000_000_000}
	// 2 GHz: one cycle is half a nanosecond.
	assert.Equal(t, uint64(500), c.Nanoseconds(trace.Cycles(1000)))

	// Unknown frequency cannot be converted.
	assert.Equal(t, uint64(0), Converter{}.Nanoseconds(trace.Cycles(1000)))
}
