package pager

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pager's Prometheus collectors. They are always updated;
// registering them is optional.
type Metrics struct {
	// PageIns counts page-in windows by result: "ok", "shared", "integrity",
	// "out_of_range" or "io".
	PageIns *prometheus.CounterVec
	// SuppliedBytes counts bytes installed into regions.
	SuppliedBytes prometheus.Counter
	// PageInLatency observes the duration of one window's AlignedRead.
	PageInLatency prometheus.Histogram
}

// NewMetrics creates unregistered pager collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		PageIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blobfs",
			Subsystem: "pager",
			Name:      "page_ins_total",
			Help:      "Page-in windows by result.",
		}, []string{"result"}),
		SuppliedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blobfs",
			Subsystem: "pager",
			Name:      "supplied_bytes_total",
			Help:      "Bytes installed into paged regions.",
		}),
		PageInLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blobfs",
			Subsystem: "pager",
			Name:      "page_in_seconds",
			Help:      "Duration of page-in reads.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}

// Register registers all collectors with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.PageIns, m.SuppliedBytes, m.PageInLatency} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
