// Package metrics содержит метрики Prometheus сервиса.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics хранит счётчики операций и ретрансляции событий.
type Metrics struct {
	Operations    *prometheus.CounterVec
	EventsRelayed *prometheus.CounterVec
	RelayFailures *prometheus.CounterVec
	TotalSupply   prometheus.Gauge
	ActiveRecords prometheus.Gauge
}

// New создаёт и регистрирует метрики в reg. При nil используется реестр по умолчанию.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "campus_operations_total",
			Help: "Total number of ledger and registry operations by result",
		}, []string{"subsystem", "operation", "result"}),
		EventsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "campus_events_relayed_total",
			Help: "Total number of events written to a relay target",
		}, []string{"target"}),
		RelayFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "campus_relay_failures_total",
			Help: "Total number of failed relay attempts",
		}, []string{"target"}),
		TotalSupply: factory.NewGauge(prometheus.GaugeOpts{
			Name: "campus_credit_total_supply",
			Help: "Total amount of minted campus credit",
		}),
		ActiveRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: "campus_registry_active_records",
			Help: "Number of active identity records",
		}),
	}
}

// ObserveOperation учитывает выполненную операцию.
func (m *Metrics) ObserveOperation(subsystem, operation, result string) {
	m.Operations.WithLabelValues(subsystem, operation, result).Inc()
}
