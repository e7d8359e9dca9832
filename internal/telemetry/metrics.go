package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the engine exports.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// CallsDispatched counts dispatch outcomes by result.
	CallsDispatched = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "checkin_calls_dispatched_total",
		Help: "Dispatch attempts by result (placed, rejected, transport_error, duplicate, create_failed).",
	}, []string{"result"})

	// VendorLatency observes vendor call placement latency.
	VendorLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkin_vendor_request_seconds",
		Help:    "Latency of vendor call placement requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"vendor"})

	// WebhooksReceived counts webhook deliveries by outcome.
	WebhooksReceived = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "checkin_webhooks_received_total",
		Help: "Vendor webhooks by outcome.",
	}, []string{"outcome"})

	// RetriesScheduled counts business retries by the status that caused them.
	RetriesScheduled = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "checkin_retries_scheduled_total",
		Help: "Business retries enqueued, by triggering status.",
	}, []string{"status"})

	// SchedulerTicks counts eligibility ticks by result.
	SchedulerTicks = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "checkin_scheduler_ticks_total",
		Help: "Eligibility ticks by result (ok, error, skipped).",
	}, []string{"result"})

	// SchedulerEnqueued counts users enqueued by the scheduler.
	SchedulerEnqueued = factory.NewCounter(prometheus.CounterOpts{
		Name: "checkin_scheduler_enqueued_total",
		Help: "Users enqueued for a call by the scheduler.",
	})

	// StateInconsistencies counts live calls whose local record could not be updated.
	StateInconsistencies = factory.NewCounter(prometheus.CounterOpts{
		Name: "checkin_call_state_inconsistencies_total",
		Help: "Calls placed with the vendor whose record update failed.",
	})

	// ProviderFallbacks counts startups that fell back to the default vendor.
	ProviderFallbacks = factory.NewCounter(prometheus.CounterOpts{
		Name: "checkin_provider_fallback_total",
		Help: "Unknown vendor names replaced by the default provider.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
