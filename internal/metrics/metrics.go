// Package metrics exposes the node's Prometheus instrumentation and the
// operational HTTP surface that serves it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the node updates, registered on its
// own registry so multiple instances can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	OrdersAdmitted  *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrdersCancelled prometheus.Counter
	TradesSettled   prometheus.Counter
	OffersSent      prometheus.Counter
	OffersAccepted  prometheus.Counter
	OffersRejected  prometheus.Counter
	PendingTrades   prometheus.Gauge
	Accounts        prometheus.Gauge
	ClientSessions  prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		OrdersAdmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "orders_admitted_total",
			Help:      "Orders that passed the reservation check, by side.",
		}, []string{"side"}),
		OrdersRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "orders_rejected_total",
			Help:      "Orders rejected for insufficient balance or stock, by side.",
		}, []string{"side"}),
		OrdersCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "orders_cancelled_total",
			Help:      "Client-initiated order cancellations.",
		}),
		TradesSettled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "trades_settled_total",
			Help:      "Trades fully settled on this node, local and cross-node.",
		}),
		OffersSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "offers_sent_total",
			Help:      "Cross-node trade offers initiated by this node.",
		}),
		OffersAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "offers_accepted_total",
			Help:      "Incoming offers this node accepted.",
		}),
		OffersRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "offers_rejected_total",
			Help:      "Incoming offers this node rejected.",
		}),
		PendingTrades: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "exchange",
			Name:      "pending_trades",
			Help:      "Unresolved outbound offers awaiting a peer reply.",
		}),
		Accounts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "exchange",
			Name:      "accounts",
			Help:      "Accounts homed on this node.",
		}),
		ClientSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "exchange",
			Name:      "client_sessions",
			Help:      "Open client connections.",
		}),
	}
}
