package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// GaugeFunc reports a point-in-time value at scrape time.
type GaugeFunc func() int64

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters share one metric name with an `event` label. The connected
// gauge is optional and omitted when nil.
func PrometheusHandler(m *Metrics, connected GaugeFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP varta_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE varta_events_total counter")
		escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "varta_events_total{event=\"%s\"} %d\n", escaper.Replace(k), snap[k])
		}

		if connected != nil {
			_, _ = fmt.Fprintln(w, "# HELP varta_connected_clients Clients currently registered.")
			_, _ = fmt.Fprintln(w, "# TYPE varta_connected_clients gauge")
			_, _ = fmt.Fprintf(w, "varta_connected_clients %d\n", connected())
		}
	})
}
