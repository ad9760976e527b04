// Package metrics exposes fleetwatch counters and fleet gauges to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetwatch/internal/fleet"
)

const namespace = "fleetwatch"

type Metrics struct {
	Registry *prometheus.Registry

	reports     *prometheus.CounterVec
	provisions  *prometheus.CounterVec
	events      *prometheus.CounterVec
	transitions *prometheus.CounterVec
	requests    *prometheus.HistogramVec
}

// New builds a private registry with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Agent reports received, by transport and result.",
		}, []string{"transport", "result"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_requests_total",
			Help:      "Provisioning requests, by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Registry events, by kind.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_transitions_total",
			Help:      "Machine activity transitions.",
		}, []string{"from", "to"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.reports, m.provisions, m.events, m.transitions, m.requests,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveReport(transport, result string) {
	m.reports.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) ObserveProvision(result string) {
	m.provisions.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Observe(d.Seconds())
}

// Notify implements fleet.Notifier.
func (m *Metrics) Notify(_ context.Context, ev fleet.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == fleet.EventActivityChanged {
		m.transitions.WithLabelValues(string(ev.Previous), string(ev.Activity)).Inc()
	}
}

// Lister is the part of fleet.Registry the fleet collector reads.
type Lister interface {
	List(ctx context.Context) ([]fleet.MachineRecord, error)
}

// WatchFleet registers gauges computed from the registry on every scrape.
func (m *Metrics) WatchFleet(l Lister) {
	m.Registry.MustRegister(newFleetCollector(l))
}

type fleetCollector struct {
	lister   Lister
	machines *prometheus.Desc
	cpu      *prometheus.Desc
	mem      *prometheus.Desc
}

func newFleetCollector(l Lister) *fleetCollector {
	return &fleetCollector{
		lister: l,
		machines: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "machines"),
			"Registered machines, by current activity.",
			[]string{"activity"}, nil),
		cpu: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "machine", "cpu_percent"),
			"Last reported CPU load of live machines.",
			[]string{"address"}, nil),
		mem: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "machine", "memory_percent"),
			"Last reported memory load of live machines.",
			[]string{"address"}, nil),
	}
}

func (c *fleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.machines
	ch <- c.cpu
	ch <- c.mem
}

func (c *fleetCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recs, err := c.lister.List(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.machines, err)
		return
	}
	counts := map[fleet.Activity]int{
		fleet.ActivityIdle:     0,
		fleet.ActivityBusy:     0,
		fleet.ActivityInactive: 0,
	}
	for _, rec := range recs {
		counts[rec.Activity]++
		if rec.Activity == fleet.ActivityInactive {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, rec.CPULoad, rec.Address)
		ch <- prometheus.MustNewConstMetric(c.mem, prometheus.GaugeValue, rec.MemLoad, rec.Address)
	}
	for activity, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.machines, prometheus.GaugeValue, float64(n), string(activity))
	}
}
