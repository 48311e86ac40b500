package probe

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/pktlat-platform/pktlat/internal/nic"
	"github.com/pktlat-platform/pktlat/internal/nic/nictest"
	"github.com/pktlat-platform/pktlat/internal/trace"
)

func readTrace(t *testing.T, dir string) []trace.Record {
	t.Helper()

	path := fmt.Sprintf("%s/%s%d", dir, trace.FilePrefix, unix.Gettid())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Zero(t, len(b)%trace.RecordSize)

	var recs []trace.Record
	for off := 0; off < len(b); off += trace.RecordSize {
		rec, err := trace.DecodeRecord(b[off:])
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

func TestEngineTickRecordsHardwareTX(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dir := t.TempDir()
	log := zaptest.NewLogger(t)
	clk := nictest.NewClock(1e9, 1000)
	a, b := nictest.Pair(2, 3, clk)

	rec := trace.NewRecorder(dir, log)
	e := NewEngine([]nic.Port{a}, testDst, rec, 0, log)

	e.Tick(context.Background())
	e.Tick(context.Background())

	recs := readTrace(t, dir)
	require.Len(t, recs, 2)
	for i, r := range recs {
		assert.Equal(t, trace.LocHardwareTX, r.Location)
		assert.Equal(t, uint32(2), r.Sender)
		assert.Equal(t, uint64(i), r.Index)
		assert.Equal(t, trace.TimestampTimespec, r.Time.Kind)
	}
	// Consecutive HW timestamps from one clock must not go backwards.
	first := recs[0].Time.Sec*1e9 + recs[0].Time.Nsec
	second := recs[1].Time.Sec*1e9 + recs[1].Time.Nsec
	assert.Greater(t, second, first)

	// Both probes crossed the wire to the peer.
	pkts := make([]*nic.Packet, 32)
	n := b.BurstRX(nic.QueueRX, pkts)
	require.Equal(t, 2, n)
	p, ok := Parse(pkts[0].Data)
	require.True(t, ok)
	assert.Equal(t, uint64(0), p.Index)
	assert.Equal(t, uint32(2), p.Sender)
}

func TestEngineKeepsPacketWhenNICRefuses(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dir := t.TempDir()
	log := zaptest.NewLogger(t)
	clk := nictest.NewClock(1e9, 1000)
	a, _ := nictest.Pair(0, 1, clk)
	a.SetTXBudget(0)

	rec := trace.NewRecorder(dir, log)
	e := NewEngine([]nic.Port{a}, testDst, rec, 0, log)

	e.Tick(context.Background())
	// The refused probe stays cached: once the NIC accepts traffic
	// again, the same index goes out instead of being skipped.
	a.SetTXBudget(-1)
	e.Tick(context.Background())

	recs := readTrace(t, dir)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(0), recs[0].Index)
}

func TestEngineSurvivesTimestampDelay(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dir := t.TempDir()
	log := zaptest.NewLogger(t)
	clk := nictest.NewClock(1e9, 1000)
	a, _ := nictest.Pair(0, 1, clk)
	a.SetTXTimestampDelay(3)

	rec := trace.NewRecorder(dir, log)
	e := NewEngine([]nic.Port{a}, testDst, rec, 0, log)

	e.Tick(context.Background())

	recs := readTrace(t, dir)
	require.Len(t, recs, 1)
	assert.Equal(t, trace.LocHardwareTX, recs[0].Location)
}

func TestEngineSkipsProbeOnTimestampTimeout(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	dir := t.TempDir()
	log := zaptest.NewLogger(t)
	clk := nictest.NewClock(1e9, 1000)
	a, _ := nictest.Pair(0, 1, clk)
	a.SetTXTimestampDelay(txTimestampTries + 10)

	rec := trace.NewRecorder(dir, log)
	e := NewEngine([]nic.Port{a}, testDst, rec, 0, log)

	e.Tick(context.Background())
	rec.Flush()

	// Nothing was recorded, so the lazily opened trace file never
	// came into existence.
	path := fmt.Sprintf("%s/%s%d", dir, trace.FilePrefix, unix.Gettid())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "timed-out probe must not be recorded")
}
