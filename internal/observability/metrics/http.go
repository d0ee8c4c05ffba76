package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const namespace = "pricingflow"

var defaultBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type labelKey struct {
	a, b, c string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	return &histogram{
		buckets: defaultBuckets,
		counts:  make([]uint64, len(defaultBuckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			h.counts[idx]++
		}
	}
}

// gauge 在渲染时读取当前值。
type gauge struct {
	name string
	help string
	read func() float64
}

type collector struct {
	mu         sync.Mutex
	requests   map[labelKey]uint64
	errors     map[labelKey]uint64
	latency    map[labelKey]*histogram
	steps      map[labelKey]uint64
	stepTime   map[labelKey]*histogram
	executions map[string]uint64
	gauges     map[string]gauge
}

func newCollector() *collector {
	return &collector{
		requests:   make(map[labelKey]uint64),
		errors:     make(map[labelKey]uint64),
		latency:    make(map[labelKey]*histogram),
		steps:      make(map[labelKey]uint64),
		stepTime:   make(map[labelKey]*histogram),
		executions: make(map[string]uint64),
		gauges:     make(map[string]gauge),
	}
}

var defaultCollector = newCollector()

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[labelKey{handler, method, strconv.Itoa(status)}]++
	if status >= 500 {
		c.errors[labelKey{a: handler, b: method}]++
	}
	observeInto(c.latency, labelKey{a: handler, b: method}, duration)
}

// ObserveStep records one workflow step. outcome is "completed" or "failed".
func ObserveStep(agent, action, outcome string, duration time.Duration) {
	c := defaultCollector
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps[labelKey{agent, action, outcome}]++
	observeInto(c.stepTime, labelKey{a: agent, b: action}, duration)
}

// ObserveExecution counts executions that reached a terminal status.
func ObserveExecution(status string) {
	c := defaultCollector
	c.mu.Lock()
	c.executions[status]++
	c.mu.Unlock()
}

// RegisterGauge exposes a value that is read on every scrape. Registering the
// same name again replaces the previous reader.
func RegisterGauge(name, help string, read func() float64) {
	if name == "" || read == nil {
		return
	}
	c := defaultCollector
	c.mu.Lock()
	c.gauges[name] = gauge{name: name, help: help, read: read}
	c.mu.Unlock()
}

func observeInto(m map[labelKey]*histogram, key labelKey, duration time.Duration) {
	hist := m[key]
	if hist == nil {
		hist = newHistogram()
		m[key] = hist
	}
	hist.observe(duration.Seconds())
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	gauges := make([]gauge, 0, len(c.gauges))
	for _, g := range c.gauges {
		gauges = append(gauges, g)
	}
	var b strings.Builder
	b.Grow(2048)

	writeHeader(&b, "http_requests_total", "Total number of HTTP requests processed.", "counter")
	for _, k := range sortedKeys(c.requests) {
		fmt.Fprintf(&b, "%s_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			namespace, escape(k.a), escape(k.b), escape(k.c), c.requests[k])
	}
	writeHeader(&b, "http_request_errors_total", "Total number of HTTP requests that resulted in a server error.", "counter")
	for _, k := range sortedKeys(c.errors) {
		fmt.Fprintf(&b, "%s_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			namespace, escape(k.a), escape(k.b), c.errors[k])
	}
	writeHistogram(&b, "http_request_duration_seconds", "HTTP request duration in seconds.", "handler", "method", c.latency)

	writeHeader(&b, "workflow_steps_total", "Workflow steps by agent, action and outcome.", "counter")
	for _, k := range sortedKeys(c.steps) {
		fmt.Fprintf(&b, "%s_workflow_steps_total{agent=\"%s\",action=\"%s\",outcome=\"%s\"} %d\n",
			namespace, escape(k.a), escape(k.b), escape(k.c), c.steps[k])
	}
	writeHistogram(&b, "workflow_step_duration_seconds", "Workflow step duration in seconds.", "agent", "action", c.stepTime)

	writeHeader(&b, "executions_total", "Executions that reached a terminal status.", "counter")
	statuses := make([]string, 0, len(c.executions))
	for s := range c.executions {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(&b, "%s_executions_total{status=\"%s\"} %d\n", namespace, escape(s), c.executions[s])
	}
	c.mu.Unlock()

	// 读取 gauge 时不持有锁，读取函数可能访问缓存等外部资源。
	sort.Slice(gauges, func(i, j int) bool { return gauges[i].name < gauges[j].name })
	for _, g := range gauges {
		writeHeader(&b, g.name, g.help, "gauge")
		fmt.Fprintf(&b, "%s_%s %s\n", namespace, g.name, formatFloat(g.read()))
	}
	return b.String()
}

func writeHeader(b *strings.Builder, name, help, kind string) {
	fmt.Fprintf(b, "# HELP %s_%s %s\n", namespace, name, help)
	fmt.Fprintf(b, "# TYPE %s_%s %s\n", namespace, name, kind)
}

func writeHistogram(b *strings.Builder, name, help, labelA, labelB string, m map[labelKey]*histogram) {
	writeHeader(b, name, help, "histogram")
	for _, k := range sortedKeys(m) {
		h := m[k]
		labels := fmt.Sprintf("%s=\"%s\",%s=\"%s\"", labelA, escape(k.a), labelB, escape(k.b))
		for idx, bound := range h.buckets {
			fmt.Fprintf(b, "%s_%s_bucket{%s,le=\"%s\"} %d\n", namespace, name, labels, formatFloat(bound), h.counts[idx])
		}
		fmt.Fprintf(b, "%s_%s_bucket{%s,le=\"+Inf\"} %d\n", namespace, name, labels, h.count)
		fmt.Fprintf(b, "%s_%s_sum{%s} %s\n", namespace, name, labels, formatFloat(h.sum))
		fmt.Fprintf(b, "%s_%s_count{%s} %d\n", namespace, name, labels, h.count)
	}
}

func sortedKeys[V any](m map[labelKey]V) []labelKey {
	keys := make([]labelKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].a != keys[j].a {
			return keys[i].a < keys[j].a
		}
		if keys[i].b != keys[j].b {
			return keys[i].b < keys[j].b
		}
		return keys[i].c < keys[j].c
	})
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
