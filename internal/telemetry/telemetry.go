// Package telemetry aggregates the metrics of orchestration runs and of the
// agent. Series are cumulative: counters add up, gauges keep the last value
// and durations keep a count and a total. They are served on /metrics and,
// when an endpoint is configured, pushed as OTLP/JSON.
package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindCounter  Kind = "counter"
	KindGauge    Kind = "gauge"
	KindDuration Kind = "duration"
)

// Series is one metric name with one label set.
type Series struct {
	Name   string
	Kind   Kind
	Labels map[string]string
	// Value is the counter total, the last gauge value, or the summed
	// duration in seconds.
	Value   float64
	Count   int64
	Start   time.Time
	Updated time.Time
}

// Config selects where metrics go. A zero Config collects nothing.
type Config struct {
	Enabled       bool
	Endpoint      string
	Service       string
	Version       string
	FlushInterval time.Duration
}

type Collector struct {
	cfg      Config
	exporter *OTLPExporter

	mu     sync.Mutex
	series map[string]*Series
	attrs  map[string]string

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a collector. With an endpoint it pushes every FlushInterval
// (30s by default) until Close.
func New(cfg Config) *Collector {
	if cfg.Service == "" {
		cfg.Service = "convoy"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 30 * time.Second
	}
	c := &Collector{
		cfg:    cfg,
		series: make(map[string]*Series),
		attrs:  make(map[string]string),
	}
	if cfg.Enabled && cfg.Endpoint != "" {
		c.exporter = NewOTLPExporter(cfg.Endpoint)
		c.stop = make(chan struct{})
		c.done = make(chan struct{})
		go c.loop()
	}
	return c
}

// Enabled reports whether the collector keeps anything.
func (c *Collector) Enabled() bool { return c.cfg.Enabled }

// SetAttribute adds a resource attribute sent with every export, such as
// the current run id.
func (c *Collector) SetAttribute(key, value string) {
	c.mu.Lock()
	c.attrs[key] = value
	c.mu.Unlock()
}

// Count adds one to a counter.
func (c *Collector) Count(name string, labels map[string]string) {
	c.update(name, KindCounter, labels, func(s *Series) { s.Value++ })
}

// Set records the current value of a gauge.
func (c *Collector) Set(name string, v float64, labels map[string]string) {
	c.update(name, KindGauge, labels, func(s *Series) { s.Value = v })
}

// Observe adds a duration sample.
func (c *Collector) Observe(name string, d time.Duration, labels map[string]string) {
	c.update(name, KindDuration, labels, func(s *Series) { s.Value += d.Seconds() })
}

func (c *Collector) update(name string, kind Kind, labels map[string]string, apply func(*Series)) {
	if !c.cfg.Enabled {
		return
	}
	key := seriesKey(name, labels)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[key]
	if !ok {
		s = &Series{Name: name, Kind: kind, Labels: copyLabels(labels), Start: now}
		c.series[key] = s
	}
	apply(s)
	s.Count++
	s.Updated = now
}

// Snapshot returns a copy of every series ordered by name and labels.
func (c *Collector) Snapshot() []Series {
	c.mu.Lock()
	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Series, 0, len(keys))
	for _, k := range keys {
		s := *c.series[k]
		s.Labels = copyLabels(s.Labels)
		out = append(out, s)
	}
	c.mu.Unlock()
	return out
}

// Value sums the series of name whose labels include every pair in match.
func (c *Collector) Value(name string, match map[string]string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, s := range c.series {
		if s.Name == name && labelsMatch(s.Labels, match) {
			total += s.Value
		}
	}
	return total
}

// Attributes returns the resource attributes sent with exports.
func (c *Collector) Attributes() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]string{
		"service.name":    c.cfg.Service,
		"service.version": c.cfg.Version,
	}
	for k, v := range c.attrs {
		out[k] = v
	}
	return out
}

// Flush pushes the current series to the endpoint. Without one it is a no-op.
func (c *Collector) Flush(ctx context.Context) error {
	if c.exporter == nil {
		return nil
	}
	series := c.Snapshot()
	if len(series) == 0 {
		return nil
	}
	if err := c.exporter.Export(ctx, c.Attributes(), series); err != nil {
		log.Warn().Err(err).Str("endpoint", c.cfg.Endpoint).Msg("metrics export failed")
		return err
	}
	return nil
}

func (c *Collector) loop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FlushInterval)
			_ = c.Flush(ctx)
			cancel()
		}
	}
}

// Close stops periodic pushes and sends a final one.
func (c *Collector) Close() error {
	if c.stop == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Flush(ctx)
}

func seriesKey(name string, labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func labelsMatch(labels, match map[string]string) bool {
	for k, v := range match {
		if labels[k] != v {
			return false
		}
	}
	return true
}

var (
	globalMu sync.Mutex
	global   *Collector
)

// InitGlobal replaces the process-wide collector used when a component has
// none of its own.
func InitGlobal(cfg Config) *Collector {
	c := New(cfg)
	globalMu.Lock()
	global = c
	globalMu.Unlock()
	return c
}

// GetGlobal returns the process-wide collector, a disabled one until
// InitGlobal runs.
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(Config{})
	}
	return global
}

// Shutdown closes the process-wide collector.
func Shutdown() error {
	globalMu.Lock()
	c := global
	globalMu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}
