package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "backpack_liq_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry          *prometheus.Registry
	ordersPlaced      prometheus.Counter
	ordersFailed      prometheus.Counter
	cyclesCompleted   prometheus.Counter
	cyclesAborted     prometheus.Counter
	legsLiquidated    prometheus.Counter
	takeProfitsFilled prometheus.Counter
	sweepsCompleted   prometheus.Counter
	sweepsFailed      prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	cyclesCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_completed_total",
		Help:      "Total number of pair cycles reaching CLOSED.",
	})
	cyclesAborted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_aborted_total",
		Help:      "Total number of pair cycles aborted before arming.",
	})
	legsLiquidated := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "legs_liquidated_total",
		Help:      "Total number of legs closed by exchange liquidation.",
	})
	takeProfitsFilled := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "take_profits_filled_total",
		Help:      "Total number of legs closed by a filled take-profit order.",
	})
	sweepsCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "sweeps_completed_total",
		Help:      "Total number of successful per-account fund sweeps.",
	})
	sweepsFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "sweeps_failed_total",
		Help:      "Total number of per-account fund sweeps that exhausted retries.",
	})

	registry.MustRegister(ordersPlaced, ordersFailed, cyclesCompleted, cyclesAborted, legsLiquidated, takeProfitsFilled, sweepsCompleted, sweepsFailed)

	m := &Metrics{
		OrdersPlaced:      promCounter{ordersPlaced},
		OrdersFailed:      promCounter{ordersFailed},
		CyclesCompleted:   promCounter{cyclesCompleted},
		CyclesAborted:     promCounter{cyclesAborted},
		LegsLiquidated:    promCounter{legsLiquidated},
		TakeProfitsFilled: promCounter{takeProfitsFilled},
		SweepsCompleted:   promCounter{sweepsCompleted},
		SweepsFailed:      promCounter{sweepsFailed},
	}

	return &Prometheus{
		Metrics:           m,
		registry:          registry,
		ordersPlaced:      ordersPlaced,
		ordersFailed:      ordersFailed,
		cyclesCompleted:   cyclesCompleted,
		cyclesAborted:     cyclesAborted,
		legsLiquidated:    legsLiquidated,
		takeProfitsFilled: takeProfitsFilled,
		sweepsCompleted:   sweepsCompleted,
		sweepsFailed:      sweepsFailed,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
