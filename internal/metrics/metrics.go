// Package metrics registers the Prometheus collectors exported by the scalper.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scalper_ticks_total", Help: "Count of market ticks ingested"},
		[]string{"symbol"},
	)
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scalper_cycles_total", Help: "Decision cycles run per symbol"},
		[]string{"symbol"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scalper_signals_total", Help: "Aggregated signals by direction"},
		[]string{"symbol", "direction"},
	)
	Confidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "scalper_confidence", Help: "Latest aggregate confidence"},
		[]string{"symbol"},
	)
	RiskRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scalper_risk_rejections_total", Help: "Plans refused by the risk gate"},
		[]string{"reason"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scalper_orders_total", Help: "Order lifecycle transitions"},
		[]string{"symbol", "side", "state"},
	)
	GatewayRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scalper_gateway_retries_total", Help: "Retried gateway calls"},
		[]string{"op"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "scalper_open_positions", Help: "Positions currently open"},
	)
	ReconcileDrift = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scalper_reconcile_drift_total", Help: "Reconciliation mismatches per symbol"},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		CyclesTotal,
		SignalsTotal,
		Confidence,
		RiskRejections,
		OrdersTotal,
		GatewayRetries,
		OpenPositions,
		ReconcileDrift,
	)
}

// Serve exposes /metrics on addr in a background goroutine.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
