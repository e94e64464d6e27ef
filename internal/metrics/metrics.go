package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RegionUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mappoints_region_updates_total",
		Help: "Viewport-driven region recomputations",
	})
	SubscriptionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mappoints_subscriptions_total",
		Help: "Circle subscriptions by outcome (created, cancelled, failed, lost)",
	}, []string{"outcome"})
	QueryEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mappoints_query_events_total",
		Help: "Circle query events received by kind",
	}, []string{"kind"})
	PointLoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mappoints_point_loads_total",
		Help: "Entered point loads by result (loaded, failed, stale)",
	}, []string{"result"})
	PointWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mappoints_point_writes_total",
		Help: "Point create/remove operations by result",
	}, []string{"op", "result"})
	WriteDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mappoints_write_duration_ms",
		Help:    "Point create/remove duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 2000},
	}, []string{"op"})
	RelayMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mappoints_relay_messages_total",
		Help: "Geo-index change messages relayed between instances",
	}, []string{"direction"})
	LiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mappoints_live_sessions",
		Help: "Connected live map sessions",
	})
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mappoints_http_requests_total",
		Help: "HTTP requests by status class",
	}, []string{"class"})
)

func init() {
	prometheus.MustRegister(RegionUpdatesTotal)
	prometheus.MustRegister(SubscriptionsTotal)
	prometheus.MustRegister(QueryEventsTotal)
	prometheus.MustRegister(PointLoadsTotal)
	prometheus.MustRegister(PointWritesTotal)
	prometheus.MustRegister(WriteDurationMs)
	prometheus.MustRegister(RelayMessagesTotal)
	prometheus.MustRegister(LiveSessions)
	prometheus.MustRegister(RequestsTotal)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
