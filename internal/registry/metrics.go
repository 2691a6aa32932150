package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registeredTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "corvusdb",
		Subsystem: "registry",
		Name:      "transactions",
		Help:      "Number of transactions currently registered.",
	})
	expiredTransactions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "corvusdb",
		Subsystem: "registry",
		Name:      "expired_transactions_total",
		Help:      "Total number of transactions removed by the expiry sweep.",
	})
)
