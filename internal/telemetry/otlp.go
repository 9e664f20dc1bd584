package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

const scopeName = "github.com/3cpo-dev/convoy/internal/telemetry"

// OTLP aggregation temporality.
const temporalityCumulative = 2

// OTLPExporter posts series to an OTLP/HTTP endpoint as JSON.
type OTLPExporter struct {
	endpoint string
	client   *http.Client
}

func NewOTLPExporter(endpoint string) *OTLPExporter {
	return &OTLPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type otlpPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource struct {
		Attributes []otlpAttribute `json:"attributes"`
	} `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpScopeMetrics struct {
	Scope struct {
		Name string `json:"name"`
	} `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpMetric struct {
	Name      string         `json:"name"`
	Unit      string         `json:"unit,omitempty"`
	Sum       *otlpSum       `json:"sum,omitempty"`
	Gauge     *otlpGauge     `json:"gauge,omitempty"`
	Histogram *otlpHistogram `json:"histogram,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpPoint `json:"dataPoints"`
	AggregationTemporality int         `json:"aggregationTemporality"`
	IsMonotonic            bool        `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpPoint `json:"dataPoints"`
}

type otlpHistogram struct {
	DataPoints             []otlpHistogramPoint `json:"dataPoints"`
	AggregationTemporality int                  `json:"aggregationTemporality"`
}

// Integers are strings in OTLP/JSON.
type otlpPoint struct {
	Attributes        []otlpAttribute `json:"attributes,omitempty"`
	StartTimeUnixNano string          `json:"startTimeUnixNano,omitempty"`
	TimeUnixNano      string          `json:"timeUnixNano"`
	AsDouble          float64         `json:"asDouble"`
}

type otlpHistogramPoint struct {
	Attributes        []otlpAttribute `json:"attributes,omitempty"`
	StartTimeUnixNano string          `json:"startTimeUnixNano"`
	TimeUnixNano      string          `json:"timeUnixNano"`
	Count             string          `json:"count"`
	Sum               float64         `json:"sum"`
	BucketCounts      []string        `json:"bucketCounts"`
	ExplicitBounds    []float64       `json:"explicitBounds"`
}

type otlpAttribute struct {
	Key   string `json:"key"`
	Value struct {
		StringValue string `json:"stringValue"`
	} `json:"value"`
}

// Export posts one payload carrying resource attributes and every series.
func (e *OTLPExporter) Export(ctx context.Context, resource map[string]string, series []Series) error {
	data, err := json.Marshal(buildPayload(resource, series))
	if err != nil {
		return fmt.Errorf("marshal otlp payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build otlp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send otlp request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("otlp endpoint returned %s", resp.Status)
	}
	log.Debug().Str("endpoint", e.endpoint).Int("series", len(series)).Msg("metrics exported")
	return nil
}

func buildPayload(resource map[string]string, series []Series) otlpPayload {
	// One OTLP metric per name, one data point per label set.
	byName := map[string]*otlpMetric{}
	var names []string
	for _, s := range series {
		m, ok := byName[s.Name]
		if !ok {
			m = &otlpMetric{Name: s.Name}
			switch s.Kind {
			case KindCounter:
				m.Sum = &otlpSum{AggregationTemporality: temporalityCumulative, IsMonotonic: true}
			case KindGauge:
				m.Gauge = &otlpGauge{}
			case KindDuration:
				m.Unit = "s"
				m.Histogram = &otlpHistogram{AggregationTemporality: temporalityCumulative}
			}
			byName[s.Name] = m
			names = append(names, s.Name)
		}
		attrs := attributes(s.Labels)
		start, now := nanos(s.Start), nanos(s.Updated)
		switch s.Kind {
		case KindCounter:
			m.Sum.DataPoints = append(m.Sum.DataPoints, otlpPoint{Attributes: attrs, StartTimeUnixNano: start, TimeUnixNano: now, AsDouble: s.Value})
		case KindGauge:
			m.Gauge.DataPoints = append(m.Gauge.DataPoints, otlpPoint{Attributes: attrs, TimeUnixNano: now, AsDouble: s.Value})
		case KindDuration:
			count := fmt.Sprint(s.Count)
			m.Histogram.DataPoints = append(m.Histogram.DataPoints, otlpHistogramPoint{
				Attributes:        attrs,
				StartTimeUnixNano: start,
				TimeUnixNano:      now,
				Count:             count,
				Sum:               s.Value,
				BucketCounts:      []string{count},
				ExplicitBounds:    []float64{},
			})
		}
	}

	var rm otlpResourceMetrics
	rm.Resource.Attributes = attributes(resource)
	var sm otlpScopeMetrics
	sm.Scope.Name = scopeName
	for _, n := range names {
		sm.Metrics = append(sm.Metrics, *byName[n])
	}
	rm.ScopeMetrics = []otlpScopeMetrics{sm}
	return otlpPayload{ResourceMetrics: []otlpResourceMetrics{rm}}
}

func attributes(m map[string]string) []otlpAttribute {
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		var a otlpAttribute
		a.Key = k
		a.Value.StringValue = m[k]
		out = append(out, a)
	}
	return out
}

func nanos(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprint(t.UnixNano())
}
