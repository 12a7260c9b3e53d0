// Package stats provides a set of minimal metric interfaces backed by
// go-metrics. We wrap go-metrics so the render farm core doesn't leak its
// metrics dependency to anyone embedding it as a library, and to get:
//   - A StatsReceiver object that can be passed down a call tree and scoped
//     to each level.
//   - A Latency instrument to record callsite latency.
//   - On-demand JSON rendering of the current instrument values.
//
// Original license: github.com/rcrowley/go-metrics/blob/master/LICENSE
package stats

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
)

// Stats users can either reference this global receiver or construct their own.
var CurrentStatsReceiver StatsReceiver = NilStatsReceiver()

// Overridable instrument creation.
var NewCounter func() Counter = newMetricCounter
var NewGauge func() Gauge = newMetricGauge
var NewGaugeFloat func() GaugeFloat = newMetricGaugeFloat
var NewLatency func() Latency = newMetricLatency

// StatsRegistry is the go-metrics registry surface we rely on.
type StatsRegistry interface {
	// Gets an existing metric or registers the given one.
	GetOrRegister(string, interface{}) interface{}

	// Unregister the metric with the given name.
	Unregister(string)

	// Call the given function for each registered metric.
	Each(func(string, interface{}))
}

// StatsReceiver is a registry wrapper for metrics collected about the
// runtime behavior of the farm. Hierarchical names use a '/' separator;
// variadic name elements have '/' characters scrubbed rather than failing,
// since names are sometimes dynamically generated (e.g. per client).
type StatsReceiver interface {
	// Return a receiver that automatically namespaces elements with the
	// given scope args:
	//
	//   statsReceiver.Scope("foo", "bar").Counter("baz")  // is equivalent to
	//   statsReceiver.Counter("foo", "bar", "baz")
	Scope(scope ...string) StatsReceiver

	// Provides an event counter.
	Counter(name ...string) Counter

	// Provides a histogram-backed latency instrument.
	Latency(name ...string) Latency

	// A gauge holding an int64 value that can be set arbitrarily.
	Gauge(name ...string) Gauge

	// A gauge holding a float64 value that can be set arbitrarily.
	GaugeFloat(name ...string) GaugeFloat

	// Removes the given named stats item if it exists.
	Remove(name ...string)

	// Construct a JSON string by marshaling the current instrument values.
	Render(pretty bool) []byte
}

// DefaultStatsReceiver is a small wrapper around a fresh go-metrics registry.
func DefaultStatsReceiver() StatsReceiver {
	return NewCustomStatsReceiver(nil)
}

// NewCustomStatsReceiver is like DefaultStatsReceiver with the registry made
// explicit, for tests that want to inspect raw instruments.
func NewCustomStatsReceiver(makeRegistry func() StatsRegistry) StatsReceiver {
	if makeRegistry == nil {
		makeRegistry = func() StatsRegistry { return metrics.NewRegistry() }
	}
	return &defaultStatsReceiver{registry: makeRegistry()}
}

type defaultStatsReceiver struct {
	registry StatsRegistry
	scope    []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{s.registry, s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), NewCounter).(Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), NewGauge).(Gauge)
}

func (s *defaultStatsReceiver) GaugeFloat(name ...string) GaugeFloat {
	return s.registry.GetOrRegister(s.scopedName(name...), NewGaugeFloat).(GaugeFloat)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	// Can't do lazy instantiation, metrics.Registry can't cast a factory return val.
	return s.registry.GetOrRegister(s.scopedName(name...), NewLatency()).(Latency)
}

func (s *defaultStatsReceiver) Remove(name ...string) {
	s.registry.Unregister(s.scopedName(name...))
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	values := map[string]interface{}{}
	s.registry.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case Counter:
			values[name] = m.Count()
		case Gauge:
			values[name] = m.Value()
		case GaugeFloat:
			values[name] = m.Value()
		case Latency:
			values[name] = m.Mean()
		}
	})
	var bytes []byte
	var err error
	if pretty {
		bytes, err = json.MarshalIndent(values, "", "  ")
	} else {
		bytes, err = json.Marshal(values)
	}
	if err != nil {
		panic("StatsRegistry bug, cannot be marshaled")
	}
	return bytes
}

// Append to existing scope and scrub slashes.
func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	for i, sc := range scope {
		scope[i] = strings.Replace(sc, "/", "_SLASH_", -1)
	}
	return append(s.scope[:], scope...)
}

// Append to the existing scope and convert to slash-delimited string.
func (s *defaultStatsReceiver) scopedName(scope ...string) string {
	return strings.Join(s.scoped(scope...), "/")
}

// NilStatsReceiver ignores all stats operations.
func NilStatsReceiver(scope ...string) StatsReceiver {
	return &nilStatsReceiver{}
}

type nilStatsReceiver struct{}

func (s *nilStatsReceiver) Scope(scope ...string) StatsReceiver { return s }
func (s *nilStatsReceiver) Counter(name ...string) Counter {
	return &metricCounter{metrics.NilCounter{}}
}
func (s *nilStatsReceiver) Gauge(name ...string) Gauge {
	return &metricGauge{metrics.NilGauge{}}
}
func (s *nilStatsReceiver) GaugeFloat(name ...string) GaugeFloat {
	return &metricGaugeFloat{metrics.NilGaugeFloat64{}}
}
func (s *nilStatsReceiver) Latency(name ...string) Latency { return &nilLatency{} }
func (s *nilStatsReceiver) Remove(name ...string)          {}
func (s *nilStatsReceiver) Render(pretty bool) []byte      { return []byte{} }

//
// Minimally mirror go-metrics instruments.
//

// Counter is an event counter.
type Counter interface {
	Clear()
	Count() int64
	Inc(int64)
}
type metricCounter struct{ metrics.Counter }

func newMetricCounter() Counter { return &metricCounter{metrics.NewCounter()} }

// Gauge holds an arbitrary int64 value.
type Gauge interface {
	Update(int64)
	Value() int64
}
type metricGauge struct{ metrics.Gauge }

func newMetricGauge() Gauge { return &metricGauge{metrics.NewGauge()} }

// GaugeFloat holds an arbitrary float64 value.
type GaugeFloat interface {
	Update(float64)
	Value() float64
}
type metricGaugeFloat struct{ metrics.GaugeFloat64 }

func newMetricGaugeFloat() GaugeFloat { return &metricGaugeFloat{metrics.NewGaugeFloat64()} }

// Latency records callsite latency into a histogram:
//
//	defer stat.Latency("foo_ms").Time().Stop()
type Latency interface {
	Time() Latency // returns self.
	Stop()
	Count() int64
	Mean() float64
}

type metricLatency struct {
	metrics.Histogram
	start time.Time
}

func newMetricLatency() Latency {
	return &metricLatency{Histogram: metrics.NewHistogram(metrics.NewUniformSample(1000))}
}

func (l *metricLatency) Time() Latency {
	l.start = time.Now()
	return l
}

func (l *metricLatency) Stop() {
	l.Update(int64(time.Since(l.start)))
}

type nilLatency struct{}

func (l *nilLatency) Time() Latency { return l }
func (l *nilLatency) Stop()         {}
func (l *nilLatency) Count() int64  { return 0 }
func (l *nilLatency) Mean() float64 { return 0 }
