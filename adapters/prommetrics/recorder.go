package prommetrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-payhooks/core"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "payhooks"

// Recorder maps core metric names onto prometheus collectors registered
// lazily on first use. Label keys are fixed by the first observation.
type Recorder struct {
	registerer prometheus.Registerer
	namespace  string
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labels     map[string][]string
}

type Option func(*Recorder)

func WithNamespace(namespace string) Option {
	return func(r *Recorder) {
		if namespace = strings.TrimSpace(namespace); namespace != "" {
			r.namespace = namespace
		}
	}
}

func WithBuckets(buckets ...float64) Option {
	return func(r *Recorder) {
		if len(buckets) > 0 {
			r.buckets = append([]float64(nil), buckets...)
		}
	}
}

func NewRecorder(registerer prometheus.Registerer, opts ...Option) *Recorder {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	recorder := &Recorder{
		registerer: registerer,
		namespace:  defaultNamespace,
		buckets:    prometheus.DefBuckets,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		labels:     map[string][]string{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(recorder)
		}
	}
	return recorder
}

func (r *Recorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	if r == nil || value < 0 {
		return
	}
	counter, keys, err := r.counter(name, tags)
	if err != nil {
		return
	}
	counter.WithLabelValues(labelValues(keys, tags)...).Add(float64(value))
}

func (r *Recorder) ObserveHistogram(_ context.Context, name string, value float64, tags map[string]string) {
	if r == nil {
		return
	}
	histogram, keys, err := r.histogram(name, tags)
	if err != nil {
		return
	}
	histogram.WithLabelValues(labelValues(keys, tags)...).Observe(value)
}

func (r *Recorder) counter(name string, tags map[string]string) (*prometheus.CounterVec, []string, error) {
	metric := r.metricName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if counter, ok := r.counters[metric]; ok {
		return counter, r.labels[metric], nil
	}
	keys := labelKeys(tags)
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metric,
		Help: fmt.Sprintf("payhooks counter %s", strings.TrimSpace(name)),
	}, keys)
	registered, err := register(r.registerer, counter)
	if err != nil {
		return nil, nil, err
	}
	counter = registered.(*prometheus.CounterVec)
	r.counters[metric] = counter
	r.labels[metric] = keys
	return counter, keys, nil
}

func (r *Recorder) histogram(name string, tags map[string]string) (*prometheus.HistogramVec, []string, error) {
	metric := r.metricName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if histogram, ok := r.histograms[metric]; ok {
		return histogram, r.labels[metric], nil
	}
	keys := labelKeys(tags)
	histogram := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metric,
		Help:    fmt.Sprintf("payhooks histogram %s", strings.TrimSpace(name)),
		Buckets: r.buckets,
	}, keys)
	registered, err := register(r.registerer, histogram)
	if err != nil {
		return nil, nil, err
	}
	histogram = registered.(*prometheus.HistogramVec)
	r.histograms[metric] = histogram
	r.labels[metric] = keys
	return histogram, keys, nil
}

// metricName turns "payhooks.gatekeeper.decisions" into
// "payhooks_gatekeeper_decisions", adding the namespace when missing.
func (r *Recorder) metricName(name string) string {
	metric := sanitize(name)
	if metric == "" {
		metric = "unnamed"
	}
	prefix := sanitize(r.namespace)
	if prefix != "" && !strings.HasPrefix(metric, prefix+"_") {
		metric = prefix + "_" + metric
	}
	return metric
}

func register(registerer prometheus.Registerer, collector prometheus.Collector) (prometheus.Collector, error) {
	if err := registerer.Register(collector); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector, nil
		}
		return nil, err
	}
	return collector, nil
}

func labelKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for key := range tags {
		if key = sanitize(key); key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// labelValues fills values for the registered keys; tags outside the set
// are dropped and missing ones are empty.
func labelValues(keys []string, tags map[string]string) []string {
	normalized := make(map[string]string, len(tags))
	for key, value := range tags {
		normalized[sanitize(key)] = value
	}
	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = normalized[key]
	}
	return values
}

func sanitize(value string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	b.Grow(len(value))
	for i, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

var _ core.MetricsRecorder = (*Recorder)(nil)
