package metrics

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aero_sbc"

// GaugeFunc reports point-in-time values (active calls, bandwidth in use) by
// name at scrape time.
type GaugeFunc func() map[string]float64

// Collector exports every counter in Metrics as aero_sbc_events_total with an
// event label, plus the values of an optional GaugeFunc as aero_sbc_<name>.
type Collector struct {
	m      *Metrics
	gauges GaugeFunc

	eventsDesc *prometheus.Desc
}

func NewCollector(m *Metrics, gauges GaugeFunc) *Collector {
	return &Collector{
		m:      m,
		gauges: gauges,
		eventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_total"),
			"Internal event counters.",
			[]string{"event"}, nil,
		),
	}
}

// Describe sends nothing: gauge names are only known at scrape time, so this
// is an unchecked collector.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.m != nil {
		for event, v := range c.m.Snapshot() {
			ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.CounterValue, float64(v), event)
		}
	}
	if c.gauges == nil {
		return
	}
	values := c.gauges()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		desc := prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), "Current value of "+name+".", nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, values[name])
	}
}

// PrometheusHandler serves m (and gauges, if non-nil) together with the Go
// runtime and process collectors.
func PrometheusHandler(m *Metrics, gauges GaugeFunc) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m, gauges),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
