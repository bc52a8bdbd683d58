// Package metrics exposes NAPT stage counters to Prometheus.
package metrics

import (
	"github.com/igjeong/hyper-napt/nat"
	"github.com/prometheus/client_golang/prometheus"
)

// Source is what the collector reads on each scrape. *nat.Stage satisfies it.
type Source interface {
	Stats() nat.Stats
	TableStats() (active, capacity int)
}

// naptCollector implements prometheus.Collector, reading stage counters on
// each scrape.
type naptCollector struct {
	src Source

	packetsTotal      *prometheus.Desc
	translatedTotal   *prometheus.Desc
	untranslatedTotal *prometheus.Desc
	droppedTotal      *prometheus.Desc
	flowsCreatedTotal *prometheus.Desc

	flowsActive   *prometheus.Desc
	flowsCapacity *prometheus.Desc
}

// NewCollector returns a collector for src.
func NewCollector(src Source) prometheus.Collector {
	return &naptCollector{
		src: src,

		packetsTotal: prometheus.NewDesc(
			"hypernapt_packets_total",
			"Total packets processed.",
			nil, nil,
		),
		translatedTotal: prometheus.NewDesc(
			"hypernapt_translated_packets_total",
			"Total packets rewritten.",
			[]string{"direction"}, nil,
		),
		untranslatedTotal: prometheus.NewDesc(
			"hypernapt_untranslated_packets_total",
			"Total packets that left the stage without rewrite.",
			[]string{"reason"}, nil,
		),
		droppedTotal: prometheus.NewDesc(
			"hypernapt_dropped_packets_total",
			"Total packets sent to the drop gate by the miss policy.",
			nil, nil,
		),
		flowsCreatedTotal: prometheus.NewDesc(
			"hypernapt_flows_created_total",
			"Total flows admitted to the table.",
			nil, nil,
		),
		flowsActive: prometheus.NewDesc(
			"hypernapt_flows_active",
			"Current number of flow table entries.",
			nil, nil,
		),
		flowsCapacity: prometheus.NewDesc(
			"hypernapt_flows_capacity",
			"Flow table capacity.",
			nil, nil,
		),
	}
}

func (c *naptCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsTotal
	ch <- c.translatedTotal
	ch <- c.untranslatedTotal
	ch <- c.droppedTotal
	ch <- c.flowsCreatedTotal
	ch <- c.flowsActive
	ch <- c.flowsCapacity
}

func (c *naptCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()

	counter := func(desc *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.packetsTotal, st.Processed)
	counter(c.translatedTotal, st.TranslatedOutbound, "outbound")
	counter(c.translatedTotal, st.TranslatedInbound, "inbound")
	counter(c.untranslatedTotal, st.NotIPv4, "not_ipv4")
	counter(c.untranslatedTotal, st.UnsupportedProtocol, "unsupported_protocol")
	counter(c.untranslatedTotal, st.TableFull, "table_full")
	counter(c.untranslatedTotal, st.NoMatchingInbound, "no_matching_inbound")
	counter(c.untranslatedTotal, st.InvalidDirection, "invalid_direction")
	counter(c.droppedTotal, st.Dropped)
	counter(c.flowsCreatedTotal, st.FlowsCreated)

	active, capacity := c.src.TableStats()
	ch <- prometheus.MustNewConstMetric(c.flowsActive, prometheus.GaugeValue, float64(active))
	ch <- prometheus.MustNewConstMetric(c.flowsCapacity, prometheus.GaugeValue, float64(capacity))
}
