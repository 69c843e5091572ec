// Package telemetry implements the Telemetry Collector (spec §4.7):
// walks the current trouble snapshot into `<bucket_key>=<count>[,id…]`
// strings, and additionally exposes the same counts as Prometheus
// gauges, grounded on the teacher's cmd/pulse-sensor-proxy/metrics.go
// prometheus.NewRegistry()-based metrics struct.
package telemetry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/homeguard/troubled/internal/trouble"
)

// Snapshotter is the subset of trouble.Manager the collector needs.
type Snapshotter interface {
	GetTroubles(includeAck bool, sortMode trouble.SortMode) []*trouble.Trouble
}

// Collector aggregates active troubles into telemetry strings and
// Prometheus gauges. It is idempotent and never mutates registry state.
type Collector struct {
	snapshot Snapshotter

	registry      *prometheus.Registry
	bucketGauge   *prometheus.GaugeVec
	registryTotal prometheus.Gauge
}

// New constructs a Collector backed by its own Prometheus registry (kept
// separate from the default global registry so this package can be
// embedded without surprising side effects on other metrics).
func New(snapshot Snapshotter) *Collector {
	reg := prometheus.NewRegistry()
	bucketGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "troubled",
		Subsystem: "trouble",
		Name:      "bucket_count",
		Help:      "Active trouble count per bucket key.",
	}, []string{"bucket"})
	total := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "troubled",
		Subsystem: "trouble",
		Name:      "active_total",
		Help:      "Total active troubles across all buckets.",
	})
	reg.MustRegister(bucketGauge, total)

	return &Collector{
		snapshot:      snapshot,
		registry:      reg,
		bucketGauge:   bucketGauge,
		registryTotal: total,
	}
}

// Registry exposes the Prometheus registry for mounting on an HTTP
// handler (see cmd/troubled).
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// bucketKey computes the §4.7 bucket key for a trouble.
func bucketKey(t *trouble.Trouble) string {
	switch t.Payload.Kind {
	case trouble.PayloadZone:
		return fmt.Sprintf("ZONE_%s", t.Reason)
	case trouble.PayloadCamera:
		return fmt.Sprintf("CAMERA_%s", t.Reason)
	case trouble.PayloadDevice:
		return fmt.Sprintf("%s_%s", t.Payload.DeviceClass, t.Reason)
	default:
		return fmt.Sprintf("SYSTEM_%s", t.Reason)
	}
}

// isDeviceBacked reports whether this bucket should include contributing
// trouble IDs in its telemetry string.
func isDeviceBacked(t *trouble.Trouble) bool {
	return t.Payload.Kind != trouble.PayloadNone
}

// Collect walks the current snapshot and returns the telemetry map:
// bucket key -> `<count>[,<id>,<id>…]` for device-backed entries, or just
// `<count>` for non-device entries (spec §4.7). It also refreshes the
// Prometheus gauges as a side effect.
func (c *Collector) Collect() map[string]string {
	troubles := c.snapshot.GetTroubles(true, trouble.SortByCreateDateAsc)

	type bucket struct {
		count int
		ids   []uint64
		deviceBacked bool
	}
	buckets := make(map[string]*bucket)

	for _, t := range troubles {
		key := bucketKey(t)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{deviceBacked: isDeviceBacked(t)}
			buckets[key] = b
		}
		b.count++
		if b.deviceBacked {
			b.ids = append(b.ids, t.TroubleID)
		}
	}

	c.bucketGauge.Reset()
	out := make(map[string]string, len(buckets))
	for key, b := range buckets {
		c.bucketGauge.WithLabelValues(key).Set(float64(b.count))
		if b.deviceBacked {
			sort.Slice(b.ids, func(i, j int) bool { return b.ids[i] < b.ids[j] })
			idStrs := make([]string, len(b.ids))
			for i, id := range b.ids {
				idStrs[i] = fmt.Sprintf("%d", id)
			}
			out[key] = fmt.Sprintf("%d,%s", b.count, strings.Join(idStrs, ","))
		} else {
			out[key] = fmt.Sprintf("%d", b.count)
		}
	}
	c.registryTotal.Set(float64(len(troubles)))

	return out
}
