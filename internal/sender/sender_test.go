package sender

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pktlat-platform/pktlat/internal/nic"
	"github.com/pktlat-platform/pktlat/internal/nic/nictest"
	"github.com/pktlat-platform/pktlat/internal/trace"
)

func TestMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "run1_")

	cfg := DefaultConfig()
	cfg.ProbeRate = 50
	meta := NewRunMeta(cfg, []uint32{0, 2})
	require.NoError(t, WriteMeta(prefix, meta))

	got, err := ReadMeta(prefix + MetaFileName)
	require.NoError(t, err)
	assert.Equal(t, meta.CPUHz, got.CPUHz)
	assert.Equal(t, 50, got.ProbeRate)
	assert.Equal(t, []uint32{0, 2}, got.Ports)
}

func TestBuildTemplate(t *testing.T) {
	src := []byte{0x02, 0, 0, 0, 0, 1}
	dst := []byte{0x02, 0, 0, 0, 0, 2}

	frame, err := buildTemplate(src, dst)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frame), templateLen)
	assert.Equal(t, dst, frame[0:6])
	assert.Equal(t, src, frame[6:12])
	assert.Equal(t, []byte{0x08, 0x00}, frame[12:14])
}

func TestTransmitterPacing(t *testing.T) {
	clk := nictest.NewClock(1e9, 1000)
	a, b := nictest.Pair(0, 1, clk)

	stats := &PortStats{}
	// A very low rate: one burst, then a long pause.
	ctl, err := newTxCtl(a, net6(0x02, 2), 1024, stats)
	require.NoError(t, err)

	require.NoError(t, ctl.transmit())
	first := stats.TXPackets.Load()
	require.Positive(t, first)

	// Immediately after a burst the pacer is not due again.
	require.NoError(t, ctl.transmit())
	assert.Equal(t, first, stats.TXPackets.Load())

	pkts := make([]*nic.Packet, 64)
	assert.Equal(t, int(first), b.BurstRX(nic.QueueRX, pkts))
}

func net6(prefix byte, last byte) []byte {
	return []byte{prefix, 0, 0, 0, 0, last}
}

func TestSenderEndToEnd(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	dir := t.TempDir()
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(wd)

	log := zaptest.NewLogger(t)
	clk := nictest.NewClock(1e9, 1000)
	a, b := nictest.Pair(0, 1, clk)

	cfg := DefaultConfig()
	cfg.Interfaces = []string{"test0", "test1"}
	cfg.PortMask = 0b11
	cfg.ProbeRate = 200
	cfg.StatsCore = 0
	cfg.Mappings = []Mapping{
		{Port: 0, Job: JobTX, Core: 1},
		{Port: 1, Job: JobRX, Core: 2},
	}

	s, err := New(cfg, []nic.Port{a, b}, log)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(context.Background())
	}()

	// Wait until traffic and probes flow.
	require.Eventually(t, func() bool {
		return s.stats.Port(0).TXPackets.Load() > 0 &&
			s.stats.Port(1).RXPackets.Load() > 0
	}, 10*time.Second, 10*time.Millisecond)

	// Phase one: TX stops, RX keeps tracing.
	s.state.StopTX()
	require.Eventually(t, func() bool {
		return !s.state.TXRunning()
	}, time.Second, 10*time.Millisecond)

	// Phase two: everything stops.
	s.state.StopAll()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("sender did not stop")
	}

	// The run leaves metadata and per-thread trace files behind.
	_, err = os.Stat(MetaFileName)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	traceFiles := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), trace.FilePrefix) {
			traceFiles++
			st, err := os.Stat(filepath.Join(dir, e.Name()))
			require.NoError(t, err)
			assert.Zero(t, st.Size()%trace.RecordSize,
				"%s is not record aligned", e.Name())
		}
	}
	assert.Positive(t, traceFiles, "no trace files written")
}
