package bus

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector exports Bus.Status() as Prometheus metrics: scrape-time
// generation of ConstMetrics from a cheap snapshot call, no instrumentation
// on the publish/delivery hot path.
type PrometheusCollector struct {
	bus       *Bus
	namespace string

	depthDesc     *prometheus.Desc
	capacityDesc  *prometheus.Desc
	deliveredDesc *prometheus.Desc
	droppedDesc   *prometheus.Desc
	publishedDesc *prometheus.Desc
}

var errNilBus = errors.New("bus: nil Bus supplied to PrometheusCollector")

// NewPrometheusCollector builds a collector for bus. namespace defaults to
// "sentryd_bus" when empty.
func NewPrometheusCollector(b *Bus, namespace string) (*PrometheusCollector, error) {
	if b == nil {
		return nil, errNilBus
	}
	if namespace == "" {
		namespace = "sentryd_bus"
	}
	labels := []string{"subscription", "topic"}
	return &PrometheusCollector{
		bus:       b,
		namespace: namespace,
		depthDesc: prometheus.NewDesc(namespace+"_queue_depth", "Current queue depth for a subscription.", labels, nil),
		capacityDesc: prometheus.NewDesc(namespace+"_queue_capacity", "Configured queue capacity for a subscription.", labels, nil),
		deliveredDesc: prometheus.NewDesc(namespace+"_delivered_total", "Cumulative delivered envelope count for a subscription.", labels, nil),
		droppedDesc: prometheus.NewDesc(namespace+"_dropped_total", "Cumulative dropped envelope count for a subscription.", labels, nil),
		publishedDesc: prometheus.NewDesc(namespace+"_published_total", "Cumulative published envelope count across all topics.", nil, nil),
	}, nil
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depthDesc
	ch <- c.capacityDesc
	ch <- c.deliveredDesc
	ch <- c.droppedDesc
	ch <- c.publishedDesc
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	status := c.bus.Status()
	ch <- prometheus.MustNewConstMetric(c.publishedDesc, prometheus.CounterValue, float64(status.TotalPublished))
	for _, s := range status.Subscriptions {
		ch <- prometheus.MustNewConstMetric(c.depthDesc, prometheus.GaugeValue, float64(s.Depth), s.SubscriberID, s.Topic)
		ch <- prometheus.MustNewConstMetric(c.capacityDesc, prometheus.GaugeValue, float64(s.Capacity), s.SubscriberID, s.Topic)
		ch <- prometheus.MustNewConstMetric(c.deliveredDesc, prometheus.CounterValue, float64(s.Delivered), s.SubscriberID, s.Topic)
		ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(s.Dropped), s.SubscriberID, s.Topic)
	}
}
