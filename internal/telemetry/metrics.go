package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// MetricsHandler serves the collector's series in the Prometheus text format.
// Durations are rendered as summaries with _sum and _count.
func MetricsHandler(c *Collector) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		typed := map[string]bool{}
		for _, s := range c.Snapshot() {
			if !typed[s.Name] {
				fmt.Fprintf(w, "# TYPE %s %s\n", s.Name, promType(s.Kind))
				typed[s.Name] = true
			}
			labels := formatLabels(s.Labels)
			if s.Kind == KindDuration {
				fmt.Fprintf(w, "%s_sum%s %g\n", s.Name, labels, s.Value)
				fmt.Fprintf(w, "%s_count%s %d\n", s.Name, labels, s.Count)
				continue
			}
			fmt.Fprintf(w, "%s%s %g\n", s.Name, labels, s.Value)
		}
	})
}

func promType(k Kind) string {
	switch k {
	case KindCounter:
		return "counter"
	case KindDuration:
		return "summary"
	default:
		return "gauge"
	}
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}
