// Package analyzer reassembles per-probe traces from per-thread trace
// files and renders them as a tab-separated time series.
//
// Records for one probe are scattered across the input files, one per
// observation point per thread. A cuckoo index keyed by (sender port,
// probe index) maps each record onto a dense row in a fixed slab;
// free rows are handed out by an SPSC ring, mirroring the live path's
// allocators so memory stays bounded no matter how large the inputs
// are.
package analyzer

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"go.uber.org/zap"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
	"github.com/pktlat-platform/pktlat/internal/clock"
	"github.com/pktlat-platform/pktlat/internal/cuckoo"
	"github.com/pktlat-platform/pktlat/internal/ring"
	"github.com/pktlat-platform/pktlat/internal/trace"
)

const (
	// MaxInputs bounds how many trace files one run may merge.
	MaxInputs = 10
	// MaxTraces bounds the distinct (port, probe) keys tracked at
	// once; once they are all taken, records for further keys are
	// dropped with a warning. Nothing is evicted.
	MaxTraces = 16384

	// DefaultOutput is the table file written when none is named.
	DefaultOutput = "trace.data"

	keyLen = 12
)

// row is the dense per-probe record: one (timestamp, tid) cell per
// observation point.
type row struct {
	ts   [trace.MaxLocations]trace.Timestamp
	tids [trace.MaxLocations]int32
}

// Analyzer merges trace records into per-probe rows.
type Analyzer struct {
	tbl       *cuckoo.Table
	rows      []row
	freeSlots *ring.Ring

	maxLoc  int
	conv    clock.Converter
	log     *zap.Logger
	dropped int
}

// New creates an analyzer with the default table capacity.
func New(conv clock.Converter, log *zap.Logger) (*Analyzer, error) {
	tbl, err := cuckoo.New(keyLen, MaxTraces)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace table: %w", err)
	}

	freeSlots, err := ring.New(4 * (MaxTraces + 1))
	if err != nil {
		tbl.Close()
		return nil, fmt.Errorf("failed to create free-slot ring: %w", err)
	}
	var idx [4]byte
	for i := uint32(0); i < MaxTraces; i++ {
		binary.LittleEndian.PutUint32(idx[:], i)
		freeSlots.Put(idx[:])
	}

	return &Analyzer{
		tbl:       tbl,
		rows:      make([]row, MaxTraces),
		freeSlots: freeSlots,
		conv:      conv,
		log:       log,
	}, nil
}

// Close releases the index memory.
func (a *Analyzer) Close() {
	a.tbl.Close()
	a.freeSlots.Close()
}

func traceKey(sender uint32, index uint64) []byte {
	var key [keyLen]byte
	binary.LittleEndian.PutUint32(key[0:], sender)
	binary.LittleEndian.PutUint64(key[4:], index)
	return key[:]
}

// AddFile streams one trace file into the index. A truncated record at
// the end of the file terminates ingestion with a warning; everything
// before it is kept.
func (a *Analyzer) AddFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open trace file %s (%v): %w", path, err, xerror.ErrIOFault)
	}
	defer f.Close()

	rd := bufio.NewReaderSize(f, 64*1024)
	buf := make([]byte, trace.RecordSize)
	n := 0

	for {
		if _, err := io.ReadFull(rd, buf); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				a.log.Warn("trace file ends mid-record",
					zap.String("file", path), zap.Int("records", n))
			} else if !errors.Is(err, io.EOF) {
				return fmt.Errorf("failed to read trace file %s (%v): %w", path, err, xerror.ErrIOFault)
			}
			break
		}

		rec, err := trace.DecodeRecord(buf)
		if err != nil {
			a.log.Warn("skipping undecodable record",
				zap.String("file", path), zap.Error(err))
			continue
		}
		a.addRecord(rec)
		n++
	}

	a.log.Debug("loaded trace file",
		zap.String("file", path), zap.Int("records", n))
	return nil
}

func (a *Analyzer) addRecord(rec trace.Record) {
	if int(rec.Location) >= trace.MaxLocations {
		a.dropped++
		a.log.Warn("dropping record",
			zap.Uint8("location", uint8(rec.Location)),
			zap.Error(xerror.ErrOutOfRange))
		return
	}
	if int(rec.Location) > a.maxLoc {
		a.maxLoc = int(rec.Location)
	}

	key := traceKey(rec.Sender, rec.Index)

	// Records for the same (port, probe, location) overwrite in file
	// order: the caller controls precedence by input ordering.
	if slot, ok := a.tbl.Lookup(key); ok {
		r := &a.rows[slot]
		r.ts[rec.Location] = rec.Time
		r.tids[rec.Location] = rec.TID
		return
	}

	var idx [4]byte
	if a.freeSlots.Get(idx[:]) != 4 {
		a.dropped++
		a.log.Warn("no space for new trace, dropping record",
			zap.Uint32("port", rec.Sender), zap.Uint64("probe", rec.Index))
		return
	}
	slot := binary.LittleEndian.Uint32(idx[:])

	r := &a.rows[slot]
	*r = row{}
	r.ts[rec.Location] = rec.Time
	r.tids[rec.Location] = rec.TID

	if _, err := a.tbl.Add(key, slot); err != nil {
		a.dropped++
		a.freeSlots.Put(idx[:])
		a.log.Warn("failed to index new trace, dropping record",
			zap.Uint32("port", rec.Sender), zap.Uint64("probe", rec.Index),
			zap.Error(err))
	}
}

// Dropped returns how many records were lost to a full table or an
// out-of-range location code.
func (a *Analyzer) Dropped() int {
	return a.dropped
}

// WriteTable renders all reassembled rows. Columns cover locations up
// to the highest one observed; cells with no observation read 0. The
// row order follows the index's bucket layout and is not otherwise
// meaningful.
func (a *Analyzer) WriteTable(w io.Writer) (int, error) {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "portid\tprobeid")
	for i := 0; i <= a.maxLoc; i++ {
		fmt.Fprintf(bw, "\tloc%d_tid\tloc%d_nsec", i, i)
	}
	fmt.Fprintln(bw)

	count := 0
	var cursor uint32
	for {
		key, slot, ok := a.tbl.Iterate(&cursor)
		if !ok {
			break
		}
		portid := binary.LittleEndian.Uint32(key[0:])
		probeid := binary.LittleEndian.Uint64(key[4:])
		r := &a.rows[slot]

		fmt.Fprintf(bw, "%d\t%d", portid, probeid)
		for i := 0; i <= a.maxLoc; i++ {
			fmt.Fprintf(bw, "\t%d\t%d", r.tids[i], a.conv.Nanoseconds(r.ts[i]))
		}
		fmt.Fprintln(bw)
		count++
	}

	if err := bw.Flush(); err != nil {
		return count, fmt.Errorf("failed to write table: %w", err)
	}
	return count, nil
}

// ExpandInputs resolves the analyzer's input arguments, expanding glob
// patterns against the filesystem, and enforces the input limit.
func ExpandInputs(args []string) ([]string, error) {
	var inputs []string

	for _, arg := range args {
		if !strings.ContainsAny(arg, "*?[{") {
			inputs = append(inputs, arg)
			continue
		}

		g, err := glob.Compile(filepath.Base(arg))
		if err != nil {
			return nil, fmt.Errorf("bad input pattern %q (%v): %w", arg, err, xerror.ErrBadParam)
		}

		dir := filepath.Dir(arg)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", dir, err)
		}

		matched := []string{}
		for _, e := range entries {
			if !e.IsDir() && g.Match(e.Name()) {
				matched = append(matched, filepath.Join(dir, e.Name()))
			}
		}
		sort.Strings(matched)
		inputs = append(inputs, matched...)
	}

	if len(inputs) == 0 {
		return nil, fmt.Errorf("no input files: %w", xerror.ErrBadParam)
	}
	if len(inputs) > MaxInputs {
		return nil, fmt.Errorf("%d input files exceed the limit of %d: %w",
			len(inputs), MaxInputs, xerror.ErrBadParam)
	}
	return inputs, nil
}
