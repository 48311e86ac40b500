// Package sender is the live application: it owns the worker loops,
// the probe and statistics timers, the traffic generator and the
// two-phase shutdown.
package sender

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/pktlat-platform/pktlat/common/go/xerror"
	"github.com/pktlat-platform/pktlat/internal/nic"
	"github.com/pktlat-platform/pktlat/internal/probe"
	"github.com/pktlat-platform/pktlat/internal/trace"
)

// worker is the per-core loop state: which ports it receives from and
// which it transmits on.
type worker struct {
	core    int
	rxPorts []nic.Port
	txPorts []nic.Port
	jobMask uint32
}

// Sender wires ports, workers and timers together for one run.
type Sender struct {
	cfg     *Config
	ports   []nic.Port
	workers []*worker
	enabled []uint32

	state *JobState
	stats *Stats
	log   *zap.Logger
}

// New validates the configuration and mapping against the opened ports
// and builds the run plan. The ports slice is indexed by port id.
func New(cfg *Config, ports []nic.Port, log *zap.Logger) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var enabled []uint32
	for id := range ports {
		if cfg.PortEnabled(uint32(id)) {
			enabled = append(enabled, uint32(id))
		}
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("portmask %#x enables none of the %d ports: %w",
			cfg.PortMask, len(ports), xerror.ErrBadParam)
	}

	mappings := CheckMappings(cfg.Mappings, cfg, uint32(len(ports)), cfg.StatsCore, log)
	if len(mappings) == 0 {
		return nil, fmt.Errorf("no valid port/job/core mapping found: %w", xerror.ErrBadParam)
	}

	byCore := map[int]*worker{}
	order := []int{}
	for _, m := range mappings {
		w := byCore[m.Core]
		if w == nil {
			w = &worker{core: m.Core}
			byCore[m.Core] = w
			order = append(order, m.Core)
		}
		switch m.Job {
		case JobRX:
			w.rxPorts = append(w.rxPorts, ports[m.Port])
		case JobTX:
			w.txPorts = append(w.txPorts, ports[m.Port])
		}
		w.jobMask |= m.Job.Flag()
	}

	workers := make([]*worker, 0, len(order))
	for _, core := range order {
		workers = append(workers, byCore[core])
	}

	return &Sender{
		cfg:     cfg,
		ports:   ports,
		workers: workers,
		enabled: enabled,
		state:   NewJobState(),
		stats:   NewStats(enabled, log),
		log:     log,
	}, nil
}

// Run starts all loops and blocks until the second interrupt stops the
// run, or any loop fails.
func (s *Sender) Run(ctx context.Context) error {
	if err := WriteMeta(s.cfg.OutputPrefix, NewRunMeta(s.cfg, s.enabled)); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)

	// Shutdown driver: two SIGINTs, then every loop winds down.
	wg.Go(func() error {
		s.state.HandleSignals(ctx, s.log)
		cancel()
		return nil
	})

	// Statistics timer.
	wg.Go(func() error {
		return ignoreCanceled(s.stats.Run(ctx, s.cfg.MetricsAddr))
	})

	// Probe timer: its own locked thread so the trace recorder's tid
	// is stable.
	wg.Go(func() error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		rec := trace.NewRecorder("", s.log)
		defer rec.Flush()

		enginePorts := make([]nic.Port, 0, len(s.enabled))
		for _, id := range s.enabled {
			enginePorts = append(enginePorts, s.ports[id])
		}
		engine := probe.NewEngine(enginePorts, s.cfg.DstHardwareAddr(),
			rec, s.cfg.ProbeRate, s.log)
		return ignoreCanceled(engine.Run(ctx, s.state.TXRunning))
	})

	// Data-plane workers. Once the last worker observes the stopped
	// job state and exits, the timer loops and the signal handler are
	// wound down as well.
	wg.Go(func() error {
		workers, wctx := errgroup.WithContext(ctx)
		for _, w := range s.workers {
			workers.Go(func() error {
				return s.runWorker(wctx, w)
			})
		}
		err := workers.Wait()
		cancel()
		return err
	})

	err := wg.Wait()
	s.log.Info("run finished")
	return err
}

// runWorker is the tight per-core loop: RX burst, probe hook, free,
// then paced bulk TX while the TX job is on.
func (s *Sender) runWorker(ctx context.Context, w *worker) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if s.cfg.PinWorkers {
		var set unix.CPUSet
		set.Set(w.core)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			s.log.Warn("failed to pin worker",
				zap.Int("core", w.core), zap.Error(err))
		}
	}

	rec := trace.NewRecorder("", s.log)
	defer rec.Flush()

	hooks := make([]*probe.Hook, len(w.rxPorts))
	for i, p := range w.rxPorts {
		hooks[i] = probe.NewHook(p, rec, s.cfg.SoftwareRX, s.log)
	}

	txCtls := make([]*txCtl, len(w.txPorts))
	for i, p := range w.txPorts {
		ctl, err := newTxCtl(p, s.cfg.DstHardwareAddr(), s.cfg.TXRate, s.stats.Port(p.ID()))
		if err != nil {
			return err
		}
		txCtls[i] = ctl
	}

	s.log.Debug("worker started",
		zap.Int("core", w.core),
		zap.Int("rx_ports", len(w.rxPorts)),
		zap.Int("tx_ports", len(w.txPorts)))

	pkts := make([]*nic.Packet, maxBurst)
	for s.state.Running(w.jobMask) && ctx.Err() == nil {
		idle := true

		for i, p := range w.rxPorts {
			n := p.BurstRX(nic.QueueRX, pkts)
			if n == 0 {
				continue
			}
			idle = false

			s.stats.Port(p.ID()).RXPackets.Add(uint64(n))
			hooks[i].HandleBurst(pkts[:n])
			for _, pkt := range pkts[:n] {
				pkt.Free()
			}
		}

		if s.state.TXRunning() {
			for _, ctl := range txCtls {
				if err := ctl.transmit(); err != nil {
					return err
				}
			}
			idle = false
		}

		if idle {
			runtime.Gosched()
		}
	}

	s.log.Info("worker finished", zap.Int("core", w.core))
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
