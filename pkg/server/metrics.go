package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoindex_connections_active",
		Help: "Number of open websocket connections",
	})
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geoindex_connections_total",
		Help: "Total accepted websocket connections",
	})
	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geoindex_queries_total",
		Help: "Total query messages by outcome",
	}, []string{"result"})
	QueryDurationUs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "geoindex_query_duration_us",
		Help:    "Point lookup duration in microseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	})
	IndexBoundaries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geoindex_boundaries",
		Help: "Number of boundaries held by the served index",
	})
)

// Query outcomes used as the result label.
const (
	resultFound    = "found"
	resultNotFound = "not_found"
	resultInvalid  = "invalid"
)

func init() {
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryDurationUs)
	prometheus.MustRegister(IndexBoundaries)
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
