package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// durationBucketsSeconds mirrors Prometheus's own default histogram
// buckets, since the gateway has no reason to diverge from them.
var durationBucketsSeconds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// metrics is a small hand-rolled Prometheus-text exporter: a request
// counter labeled (method, path, status, service), a duration histogram
// labeled (service), and a gauge of requests currently in flight. No
// Prometheus client library appears anywhere in the corpus, so this
// renders the exposition format directly rather than pulling one in.
type metrics struct {
	mu sync.Mutex

	requestTotal map[requestLabel]int64

	histBuckets map[string][]int64 // service -> per-bucket cumulative count
	histSum     map[string]float64
	histCount   map[string]int64

	activeRequests int64 // atomic
}

type requestLabel struct {
	method  string
	path    string
	status  int
	service string
}

func newMetrics() *metrics {
	return &metrics{
		requestTotal: make(map[requestLabel]int64),
		histBuckets:  make(map[string][]int64),
		histSum:      make(map[string]float64),
		histCount:    make(map[string]int64),
	}
}

func (m *metrics) incActive() { atomic.AddInt64(&m.activeRequests, 1) }
func (m *metrics) decActive() { atomic.AddInt64(&m.activeRequests, -1) }

func (m *metrics) observe(method, path, service string, status int, durationSeconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestTotal[requestLabel{method: method, path: path, status: status, service: service}]++

	buckets, ok := m.histBuckets[service]
	if !ok {
		buckets = make([]int64, len(durationBucketsSeconds))
		m.histBuckets[service] = buckets
	}
	for i, le := range durationBucketsSeconds {
		if durationSeconds <= le {
			buckets[i]++
		}
	}
	m.histSum[service] += durationSeconds
	m.histCount[service]++
}

// render writes the current snapshot in Prometheus text exposition format.
func (m *metrics) render() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder

	b.WriteString("# HELP gateway_requests_total Total HTTP requests handled by the gateway.\n")
	b.WriteString("# TYPE gateway_requests_total counter\n")
	labels := make([]requestLabel, 0, len(m.requestTotal))
	for l := range m.requestTotal {
		labels = append(labels, l)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].service != labels[j].service {
			return labels[i].service < labels[j].service
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	for _, l := range labels {
		fmt.Fprintf(&b, "gateway_requests_total{method=%q,path=%q,status=\"%d\",service=%q} %d\n",
			l.method, l.path, l.status, l.service, m.requestTotal[l])
	}

	b.WriteString("# HELP gateway_request_duration_seconds Request duration by service.\n")
	b.WriteString("# TYPE gateway_request_duration_seconds histogram\n")
	services := make([]string, 0, len(m.histCount))
	for s := range m.histCount {
		services = append(services, s)
	}
	sort.Strings(services)
	for _, s := range services {
		buckets := m.histBuckets[s]
		for i, le := range durationBucketsSeconds {
			fmt.Fprintf(&b, "gateway_request_duration_seconds_bucket{service=%q,le=\"%g\"} %d\n", s, le, buckets[i])
		}
		fmt.Fprintf(&b, "gateway_request_duration_seconds_bucket{service=%q,le=\"+Inf\"} %d\n", s, m.histCount[s])
		fmt.Fprintf(&b, "gateway_request_duration_seconds_sum{service=%q} %g\n", s, m.histSum[s])
		fmt.Fprintf(&b, "gateway_request_duration_seconds_count{service=%q} %d\n", s, m.histCount[s])
	}

	b.WriteString("# HELP gateway_active_requests Requests currently being handled.\n")
	b.WriteString("# TYPE gateway_active_requests gauge\n")
	fmt.Fprintf(&b, "gateway_active_requests %d\n", atomic.LoadInt64(&m.activeRequests))

	return b.String()
}
