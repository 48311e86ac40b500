package sender

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// statInterval is how often counters are reported.
const statInterval = time.Second

// PortStats are the per-port traffic counters. Workers update them
// with atomics; the reporter reads them.
type PortStats struct {
	RXPackets atomic.Uint64
	TXPackets atomic.Uint64
	TXBytes   atomic.Uint64
	TXDrops   atomic.Uint64
}

// Stats owns the counters of every port and reports them.
type Stats struct {
	ports map[uint32]*PortStats
	log   *zap.Logger
	p     *message.Printer

	promTX *prometheus.CounterVec
	promRX *prometheus.CounterVec
	reg    *prometheus.Registry

	lastRX map[uint32]uint64
	lastTX map[uint32]uint64
}

// NewStats creates counters for the given port ids.
func NewStats(portIDs []uint32, log *zap.Logger) *Stats {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	s := &Stats{
		ports: map[uint32]*PortStats{},
		log:   log,
		p:     message.NewPrinter(language.English),
		promTX: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pktlat_tx_packets_total",
			Help: "Packets transmitted per port.",
		}, []string{"port"}),
		promRX: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pktlat_rx_packets_total",
			Help: "Packets received per port.",
		}, []string{"port"}),
		reg:    reg,
		lastRX: map[uint32]uint64{},
		lastTX: map[uint32]uint64{},
	}
	for _, id := range portIDs {
		s.ports[id] = &PortStats{}
	}
	return s
}

// Port returns the counters of one port.
func (s *Stats) Port(id uint32) *PortStats {
	return s.ports[id]
}

// Run reports counters every statInterval until the context ends, and
// optionally serves Prometheus metrics.
func (s *Stats) Run(ctx context.Context, metricsAddr string) error {
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("metrics listener failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	ticker := time.NewTicker(statInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Report()
			return ctx.Err()
		case <-ticker.C:
			s.Report()
		}
	}
}

// Report logs the per-port counters and feeds the Prometheus series.
func (s *Stats) Report() {
	for id, ps := range s.ports {
		rx := ps.RXPackets.Load()
		tx := ps.TXPackets.Load()

		label := s.p.Sprintf("%d", id)
		s.promRX.WithLabelValues(label).Add(float64(rx - s.lastRX[id]))
		s.promTX.WithLabelValues(label).Add(float64(tx - s.lastTX[id]))
		s.lastRX[id] = rx
		s.lastTX[id] = tx

		s.log.Info("port counters",
			zap.Uint32("port", id),
			zap.String("rx_pkts", s.p.Sprintf("%d", rx)),
			zap.String("tx_pkts", s.p.Sprintf("%d", tx)),
			zap.String("tx_bytes", s.p.Sprintf("%d", ps.TXBytes.Load())),
			zap.String("tx_drops", s.p.Sprintf("%d", ps.TXDrops.Load())),
		)
	}
}
