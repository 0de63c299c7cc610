// Package metrics exposes the relayer's operational counters and the last
// committed cursor height over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Cycle result label values.
const (
	CycleResultCommitted = "committed"
	CycleResultIdle      = "idle"
	CycleResultError     = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	LastCommittedHeight *prometheus.GaugeVec
	EventsRelayed       *prometheus.CounterVec
	RelayFailures       *prometheus.CounterVec
	DeadLetters         *prometheus.CounterVec
	ScanCycles          *prometheus.CounterVec
	RpcErrors           *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	workerLabels := []string{"chain_id", "contract"}

	return &Metrics{
		registry: registry,
		LastCommittedHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relayer_last_committed_height",
			Help: "Last block height whose events are fully and safely relayed",
		}, workerLabels),
		EventsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_events_relayed_total",
			Help: "Bridge events successfully delivered to the destination",
		}, workerLabels),
		RelayFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_relay_failures_total",
			Help: "Relay attempts that exhausted their retry budget",
		}, workerLabels),
		DeadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_dead_letters_total",
			Help: "Events skipped and recorded for manual intervention",
		}, workerLabels),
		ScanCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_scan_cycles_total",
			Help: "Scan cycles by result",
		}, append(workerLabels, "result")),
		RpcErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relayer_rpc_errors_total",
			Help: "Source chain RPC failures after retries",
		}, workerLabels),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
