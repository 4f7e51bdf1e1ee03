package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced      Counter
	OrdersFailed      Counter
	CyclesCompleted   Counter
	CyclesAborted     Counter
	LegsLiquidated    Counter
	TakeProfitsFilled Counter
	SweepsCompleted   Counter
	SweepsFailed      Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:      n,
		OrdersFailed:      n,
		CyclesCompleted:   n,
		CyclesAborted:     n,
		LegsLiquidated:    n,
		TakeProfitsFilled: n,
		SweepsCompleted:   n,
		SweepsFailed:      n,
	}
}
