package sender

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// Job identifies one kind of worker duty.
type Job uint8

const (
	// JobRX receives and traces packets.
	JobRX Job = iota
	// JobTX generates bulk traffic and probes.
	JobTX

	jobMax
)

func (j Job) String() string {
	switch j {
	case JobRX:
		return "R"
	case JobTX:
		return "T"
	}
	return "?"
}

// Flag returns the job's bit in the state bitmap.
func (j Job) Flag() uint32 {
	return 1 << j
}

// jobFlagsAll has every job running.
const jobFlagsAll = uint32(1<<jobMax) - 1

// JobState is the global run-state bitmap. The signal handler is the
// only writer; worker loops read it with relaxed semantics on every
// iteration.
type JobState struct {
	bits atomic.Uint32
}

// NewJobState returns a state with all jobs running.
func NewJobState() *JobState {
	s := &JobState{}
	s.bits.Store(jobFlagsAll)
	return s
}

// Running reports whether any of the given jobs is still on.
func (s *JobState) Running(mask uint32) bool {
	return s.bits.Load()&mask != 0
}

// TXRunning reports whether the TX job is still on.
func (s *JobState) TXRunning() bool {
	return s.Running(JobTX.Flag())
}

// StopTX clears the TX bit; RX and tracing keep going.
func (s *JobState) StopTX() {
	s.bits.And(^JobTX.Flag())
}

// StopAll clears every bit.
func (s *JobState) StopAll() {
	s.bits.Store(0)
}

// HandleSignals implements the two-phase shutdown: the first SIGINT
// stops transmission, the second stops everything. It returns when the
// run is fully stopped or the context is canceled.
func (s *JobState) HandleSignals(ctx context.Context, log *zap.Logger) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	received := 0
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-ch:
			switch received {
			case 0:
				log.Info("caught first signal, stopping TX",
					zap.Stringer("signal", sig))
				s.StopTX()
			default:
				log.Info("caught second signal, stopping all jobs",
					zap.Stringer("signal", sig))
				s.StopAll()
				return
			}
			received++
		}
	}
}
