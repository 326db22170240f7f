package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Table metrics
	TableEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raidcfg_table_entries",
			Help: "Number of valid entries per configuration table",
		},
		[]string{"table"},
	)

	DatabaseState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raidcfg_database_state",
			Help: "Current database state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	Generation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raidcfg_generation",
			Help: "Configuration generation counter",
		},
	)

	// Transaction metrics
	TransactionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raidcfg_transactions_started_total",
			Help: "Total number of transactions started by kind",
		},
		[]string{"kind"},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raidcfg_commits_total",
			Help: "Total number of commit attempts by result",
		},
		[]string{"result"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raidcfg_commit_duration_seconds",
			Help:    "Time taken to validate, persist and apply a transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	RollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raidcfg_rollbacks_total",
			Help: "Total number of transactions rolled back or aborted",
		},
	)

	// Persistence metrics
	PersistRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raidcfg_persist_retries_total",
			Help: "Total number of persistence retries during commit",
		},
	)

	CompensationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raidcfg_persist_compensations_total",
			Help: "Total number of compensating writes issued after a failed persist",
		},
	)

	// Peer metrics
	PeerUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raidcfg_peer_up",
			Help: "Whether the peer controller is reachable (1 = up, 0 = lost)",
		},
	)

	PeerUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raidcfg_peer_updates_total",
			Help: "Total number of table updates sent to the peer by result",
		},
		[]string{"result"},
	)

	PeerUpdateLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raidcfg_peer_update_latency_seconds",
			Help:    "Time from sending a table update to its acknowledgement",
			Buckets: prometheus.DefBuckets,
		},
	)

	PeerResyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raidcfg_peer_resyncs_total",
			Help: "Total number of full table resynchronizations by direction",
		},
		[]string{"direction"},
	)

	PeerJournalLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raidcfg_peer_journal_lag",
			Help: "Number of journaled updates not yet acknowledged by the peer",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TableEntries)
	prometheus.MustRegister(DatabaseState)
	prometheus.MustRegister(Generation)
	prometheus.MustRegister(TransactionsStarted)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(PersistRetriesTotal)
	prometheus.MustRegister(CompensationsTotal)
	prometheus.MustRegister(PeerUp)
	prometheus.MustRegister(PeerUpdatesTotal)
	prometheus.MustRegister(PeerUpdateLatency)
	prometheus.MustRegister(PeerResyncsTotal)
	prometheus.MustRegister(PeerJournalLag)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
