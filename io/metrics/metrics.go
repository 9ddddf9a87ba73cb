package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const namespace = "glomers"

var (
	Registry = prometheus.NewRegistry()

	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events pulled off the ingress channel, by kind.",
		},
		[]string{"kind"},
	)

	StepsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "steps_in_flight",
			Help:      "Step invocations currently running.",
		},
	)

	StepFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Step invocations that returned an error or panicked.",
		},
		[]string{"reason"},
	)

	MalformedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_records_total",
			Help:      "Input lines that could not be decoded.",
		},
	)

	UnmatchedReplies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unmatched_replies_total",
			Help:      "Replies that matched no pending request and were dropped.",
		},
	)

	PendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a reply.",
		},
	)

	CasFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_failures_total",
			Help:      "Compare-and-store attempts rejected by the store, by operation.",
		},
		[]string{"op"},
	)

	AppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Entries appended to topic logs by this process.",
		},
	)

	GossipSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_sent_total",
			Help:      "Gossip messages sent to neighbors.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		EventsTotal, StepsInFlight, StepFailures, MalformedRecords, UnmatchedReplies,
		PendingRequests, CasFailures, AppendsTotal, GossipSent, uptime,
	)
}

// Handler exposes the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve starts a background /metrics endpoint on addr. An empty addr disables it.
func Serve(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	go func() {
		log.Infof("metrics listening on http://%s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Errorf("metrics endpoint stopped: %v", err)
		}
	}()
}
