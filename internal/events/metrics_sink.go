package events

import "github.com/digitalmandi/mandi-engine/internal/metrics"

// MetricsSink counts events into the Prometheus collectors.
type MetricsSink struct{}

func (MetricsSink) Emit(e Event) {
	switch e.Kind {
	case ListingCreated:
		metrics.ListingsCreated.Inc()
	case ListingExpired:
		metrics.ListingsExpired.Inc()
	case BidPlaced:
		metrics.BidsPlaced.Inc()
	case WinnerChanged:
		metrics.WinnerChanges.Inc()
	case EscrowHeld:
		metrics.EscrowTransitions.WithLabelValues("held").Inc()
	case EscrowReleased:
		metrics.EscrowTransitions.WithLabelValues("released").Inc()
	case EscrowFailed:
		metrics.EscrowTransitions.WithLabelValues("failed").Inc()
	case PoolUpdated:
		metrics.PoolUpdates.Inc()
	}
}
