package trace

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// FilePrefix is the trace file name prefix; the OS thread id of the
// writer is appended.
const FilePrefix = "trace_"

// batchRecords is how many records are buffered before a write.
const batchRecords = 10

// Recorder buffers trace records and writes them in batches to a
// per-thread file.
//
// A Recorder belongs to exactly one goroutine, which must be locked to
// its OS thread: the file name and the recorded tid are taken from
// gettid at first use. There is no Close; trace files are closed by
// the kernel at process exit so that asynchronously cancelled threads
// cannot lose batches to a half-run close path. Clean shutdown paths
// call Flush.
type Recorder struct {
	dir string
	log *zap.Logger

	tid int32
	f   *os.File
	buf []byte
	n   int

	lastIndex uint64
	lastPort  uint32
}

// NewRecorder creates a recorder writing into dir (the current
// directory when empty). The trace file is opened lazily by the first
// Record call on the owning thread.
func NewRecorder(dir string, log *zap.Logger) *Recorder {
	return &Recorder{
		dir: dir,
		log: log,
		buf: make([]byte, 0, batchRecords*RecordSize),
	}
}

func (r *Recorder) init() bool {
	r.tid = int32(unix.Gettid())

	name := fmt.Sprintf("%s%d", FilePrefix, r.tid)
	if r.dir != "" {
		name = r.dir + "/" + name
	}
	f, err := os.Create(name)
	if err != nil {
		r.log.Error("failed to open trace file, disabling recorder",
			zap.String("file", name), zap.Error(err))
		// Latch the failure: every further call on this thread no-ops.
		r.tid = -1
		return false
	}
	r.f = f

	r.log.Info("trace recorder ready",
		zap.Int32("tid", r.tid), zap.String("file", name))
	return true
}

// Disabled reports whether the recorder shut itself off after a failed
// trace file open.
func (r *Recorder) Disabled() bool {
	return r.tid < 0
}

// Record appends one observation to the batch, writing the batch out
// when it reaches capacity. It also remembers (idx, sender) so a late
// hardware TX timestamp can be attributed after the packet is gone.
func (r *Recorder) Record(loc Location, idx uint64, sender uint32, ts Timestamp) {
	if r.tid < 0 {
		return
	}
	if r.f == nil && !r.init() {
		return
	}

	rec := Record{
		TID:      r.tid,
		Location: loc,
		Sender:   sender,
		Index:    idx,
		Time:     ts,
	}
	r.buf = rec.AppendBinary(r.buf)
	r.n++

	r.lastIndex = idx
	r.lastPort = sender

	if r.n >= batchRecords {
		r.write()
	}
}

// LastSeen returns the (index, sender) pair of the most recent record.
func (r *Recorder) LastSeen() (idx uint64, sender uint32) {
	return r.lastIndex, r.lastPort
}

// Flush writes out a partially filled batch.
func (r *Recorder) Flush() {
	if r.tid < 0 || r.n == 0 {
		return
	}
	r.write()
}

func (r *Recorder) write() {
	buf := r.buf
	for len(buf) > 0 {
		n, err := r.f.Write(buf)
		if err != nil {
			r.log.Error("failed to write trace batch", zap.Error(err))
			break
		}
		buf = buf[n:]
	}
	r.buf = r.buf[:0]
	r.n = 0
}
