package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	syncRounds       prometheus.Counter
	remoteRoots      *prometheus.CounterVec
	settlements      *prometheus.CounterVec
	pendingReads     prometheus.Gauge
	localUpdates     *prometheus.CounterVec
	chroniclesOpened *prometheus.CounterVec
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			syncRounds: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "ledger_sync_rounds_total",
				Help: "Count of synchronizer rounds dispatched.",
			}),
			remoteRoots: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_remote_roots_total",
				Help: "Remote root records processed per chain and outcome.",
			}, []string{"chain", "outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_settlements_total",
				Help: "Settlement batches processed by kind and result.",
			}, []string{"kind", "result"}),
			pendingReads: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ledger_pending_reads",
				Help: "Cross-chain read requests awaiting responses.",
			}),
			localUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_local_updates_total",
				Help: "Local state writes by kind.",
			}, []string{"kind"}),
			chroniclesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_chronicles_opened_total",
				Help: "Chronicle generations opened by scope.",
			}, []string{"scope"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.syncRounds,
			ledgerRegistry.remoteRoots,
			ledgerRegistry.settlements,
			ledgerRegistry.pendingReads,
			ledgerRegistry.localUpdates,
			ledgerRegistry.chroniclesOpened,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) SyncRound() {
	m.syncRounds.Inc()
}

func (m *LedgerMetrics) RemoteRoot(chain, outcome string) {
	m.remoteRoots.WithLabelValues(chain, outcome).Inc()
}

func (m *LedgerMetrics) Settlement(kind, result string) {
	m.settlements.WithLabelValues(kind, result).Inc()
}

func (m *LedgerMetrics) SetPendingReads(count int) {
	m.pendingReads.Set(float64(count))
}

func (m *LedgerMetrics) LocalUpdate(kind string) {
	m.localUpdates.WithLabelValues(kind).Inc()
}

func (m *LedgerMetrics) ChronicleOpened(scope string) {
	m.chroniclesOpened.WithLabelValues(scope).Inc()
}
