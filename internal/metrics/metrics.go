// Package metrics exports dispatcher counters as Prometheus text format,
// built directly on prometheus/client_model and prometheus/common/expfmt
// rather than client_golang, since the dispatcher only needs a handful of
// hand-rolled gauges/counters rather than a full registry.
package metrics

import (
	"io"
	"math"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Collector holds the small set of counters/gauges the dispatcher exposes.
type Collector struct {
	activeRequests     int64
	availableRamGBBits uint64
	guardianBlocks     int64
	modelDownloads     int64
	modelLoadErrors    int64
}

// NewCollector creates an empty Collector. All fields start at zero.
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) SetActiveRequests(n int) {
	atomic.StoreInt64(&c.activeRequests, int64(n))
}

func (c *Collector) SetAvailableRamGB(v float64) {
	atomic.StoreUint64(&c.availableRamGBBits, math.Float64bits(v))
}

func (c *Collector) IncGuardianBlocks() {
	atomic.AddInt64(&c.guardianBlocks, 1)
}

func (c *Collector) IncModelDownloads() {
	atomic.AddInt64(&c.modelDownloads, 1)
}

func (c *Collector) IncModelLoadErrors() {
	atomic.AddInt64(&c.modelLoadErrors, 1)
}

// WriteTo encodes the collector's current values as Prometheus text
// exposition format.
func (c *Collector) WriteTo(w io.Writer) error {
	families := []*dto.MetricFamily{
		gaugeFamily("aid_active_requests", "Number of inference requests currently in flight.", float64(atomic.LoadInt64(&c.activeRequests))),
		gaugeFamily("aid_available_ram_gb", "Available host RAM in gigabytes, as last probed by the resource monitor.", math.Float64frombits(atomic.LoadUint64(&c.availableRamGBBits))),
		counterFamily("aid_guardian_blocks_total", "Total number of requests blocked by the guardian gate.", float64(atomic.LoadInt64(&c.guardianBlocks))),
		counterFamily("aid_model_downloads_total", "Total number of model downloads started.", float64(atomic.LoadInt64(&c.modelDownloads))),
		counterFamily("aid_model_load_errors_total", "Total number of runner load failures.", float64(atomic.LoadInt64(&c.modelLoadErrors))),
	}

	encoder := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, family := range families {
		if err := encoder.Encode(family); err != nil {
			return err
		}
	}
	return nil
}

func gaugeFamily(name, help string, value float64) *dto.MetricFamily {
	metricType := dto.MetricType_GAUGE
	return &dto.MetricFamily{
		Name: &name,
		Help: &help,
		Type: &metricType,
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: &value}},
		},
	}
}

func counterFamily(name, help string, value float64) *dto.MetricFamily {
	metricType := dto.MetricType_COUNTER
	return &dto.MetricFamily{
		Name: &name,
		Help: &help,
		Type: &metricType,
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: &value}},
		},
	}
}
