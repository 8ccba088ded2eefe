// Package metrics keeps process counters, gauges and histograms and serves
// them in the Prometheus text format.
package metrics

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry the named metrics below live in.
var Collector = NewMetricsCollector()

type series interface {
	desc() *desc
	write(w io.Writer)
}

type desc struct {
	name   string
	help   string
	kind   string
	labels string
}

// selector renders name{labels} with extra appended to the label set.
func (d *desc) selector(suffix, extra string) string {
	labels := d.labels
	if extra != "" {
		if labels != "" {
			labels += ","
		}
		labels += extra
	}
	if labels == "" {
		return d.name + suffix
	}
	return d.name + suffix + "{" + labels + "}"
}

// MetricsCollector holds every registered series keyed by name and labels.
type MetricsCollector struct {
	mu      sync.RWMutex
	series  map[string]series
	started time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{series: make(map[string]series), started: time.Now()}
}

func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.started)
}

// register returns the series already stored under d, or stores the one mk
// builds. A name reused with another kind panics at init time.
func register[T series](c *MetricsCollector, d desc, mk func(*desc) T) T {
	key := d.selector("", "")
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.series[key]; ok {
		t, ok := s.(T)
		if !ok {
			panic(fmt.Sprintf("metrics: %s registered as %s", key, s.desc().kind))
		}
		return t
	}
	s := mk(&d)
	c.series[key] = s
	return s
}

// Counter only goes up.
type Counter struct {
	d     *desc
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }
func (c *Counter) desc() *desc { return c.d }
func (c *Counter) write(w io.Writer) {
	fmt.Fprintf(w, "%s %d\n", c.d.selector("", ""), c.Value())
}

// Gauge goes up and down.
type Gauge struct {
	d     *desc
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Add(n int64) { g.value.Add(n) }
func (g *Gauge) Value() int64 { return g.value.Load() }
func (g *Gauge) desc() *desc { return g.d }
func (g *Gauge) write(w io.Writer) {
	fmt.Fprintf(w, "%s %d\n", g.d.selector("", ""), g.Value())
}

// Histogram counts observations into cumulative buckets. The +Inf bucket
// is always present.
type Histogram struct {
	d      *desc
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

func (h *Histogram) desc() *desc { return h.d }

func (h *Histogram) write(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, le := range h.bounds {
		bound := "+Inf"
		if !math.IsInf(le, 1) {
			bound = strconv.FormatFloat(le, 'g', -1, 64)
		}
		fmt.Fprintf(w, "%s %d\n", h.d.selector("_bucket", `le="`+bound+`"`), h.counts[i])
	}
	fmt.Fprintf(w, "%s %g\n", h.d.selector("_sum", ""), h.sum)
	fmt.Fprintf(w, "%s %d\n", h.d.selector("_count", ""), h.count)
}

// Counter returns the counter registered under name and labels, creating it
// on first use.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return register(c, desc{name: name, help: help, kind: "counter", labels: labels}, func(d *desc) *Counter {
		return &Counter{d: d}
	})
}

func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return register(c, desc{name: name, help: help, kind: "gauge", labels: labels}, func(d *desc) *Gauge {
		return &Gauge{d: d}
	})
}

func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return register(c, desc{name: name, help: help, kind: "histogram", labels: labels}, func(d *desc) *Histogram {
		bounds := append([]float64(nil), buckets...)
		sort.Float64s(bounds)
		if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
			bounds = append(bounds, math.Inf(1))
		}
		return &Histogram{d: d, bounds: bounds, counts: make([]int64, len(bounds))}
	})
}

// Render writes every series grouped by name, in name order.
func (c *MetricsCollector) Render(w io.Writer) {
	c.mu.RLock()
	all := make([]series, 0, len(c.series))
	for _, s := range c.series {
		all = append(all, s)
	}
	c.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].desc(), all[j].desc()
		if a.name != b.name {
			return a.name < b.name
		}
		return a.labels < b.labels
	})

	bw := bufio.NewWriter(w)
	defer bw.Flush()
	fmt.Fprintf(bw, "# HELP suppliersync_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(bw, "# TYPE suppliersync_uptime_seconds gauge\n")
	fmt.Fprintf(bw, "suppliersync_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	last := ""
	for _, s := range all {
		d := s.desc()
		if d.name != last {
			fmt.Fprintf(bw, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, d.kind)
			last = d.name
		}
		s.write(bw)
	}
}

func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.Render(w)
	}
}

var (
	ObserversConnected = Collector.Gauge("suppliersync_observers_connected", "Currently attached thread observers", "")
	Broadcasts         = Collector.Counter("suppliersync_broadcasts_total", "Events broadcast to threads with observers", "")
	Deliveries         = Collector.Counter("suppliersync_deliveries_total", "Events delivered to observers", "")
	DeliveryFailures   = Collector.Counter("suppliersync_delivery_failures_total", "Observer sends that failed or timed out", "")
	RelayFallbacks     = Collector.Counter("suppliersync_relay_fallbacks_total", "Events delivered locally after a relay publish failed", "")

	RequestsCreated   = Collector.Counter("suppliersync_requests_created_total", "Supplier requests opened", "")
	ResponsesRecorded = Collector.Counter("suppliersync_responses_total", "Supplier responses accepted", "")
	RequestsExpired   = Collector.Counter("suppliersync_requests_expired_total", "Requests expired by the sweeper or API", "")
	RequestsCancelled = Collector.Counter("suppliersync_requests_cancelled_total", "Requests cancelled by an operator", "")

	ResumeAttempts  = Collector.Counter("suppliersync_resume_attempts_total", "Workflow resume attempts", "")
	ResumeCompleted = Collector.Counter("suppliersync_resume_completed_total", "Resume triggers completed", "")
	ResumeFailed    = Collector.Counter("suppliersync_resume_failed_total", "Resume triggers failed after retries", "")
	ResumeRejected  = Collector.Counter("suppliersync_resume_rejected_total", "Resolve calls rejected while a resume was processing", "")

	FollowUpsSent   = Collector.Counter("suppliersync_followups_sent_total", "Follow-up messages sent", "")
	FollowUpsFailed = Collector.Counter("suppliersync_followups_failed_total", "Follow-up messages that failed to send", "")

	ResumeLatency = Collector.Histogram("suppliersync_resume_latency_seconds", "Workflow resume attempt latency in seconds", "",
		[]float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30})
)
