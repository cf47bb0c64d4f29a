package swap

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the engine's Prometheus surface, registered on the registry
// passed to NewMetrics. dptr.Manager's Statistics() snapshot does not read
// these counters or gauges.
type Metrics struct {
	SwapOutTotal    prometheus.Counter
	SwapInTotal     prometheus.Counter
	SwapOutBytes    prometheus.Counter
	SwapInBytes     prometheus.Counter
	OutOfSwappable  prometheus.Counter
	ResidentGauge   *prometheus.GaugeVec
	LockedGauge     *prometheus.GaugeVec
}

// NewMetrics registers the engine's counters/gauges against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across parallel specs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SwapOutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tensorswap_swap_out_total",
			Help: "Number of handles evicted from device memory.",
		}),
		SwapInTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tensorswap_swap_in_total",
			Help: "Number of handles re-admitted to device memory.",
		}),
		SwapOutBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tensorswap_swap_out_bytes_total",
			Help: "Bytes copied device to host across all evictions.",
		}),
		SwapInBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tensorswap_swap_in_bytes_total",
			Help: "Bytes copied host to device across all admissions.",
		}),
		OutOfSwappable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tensorswap_out_of_swappable_total",
			Help: "Number of SwapOut calls that found no evictable handle.",
		}),
		ResidentGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tensorswap_resident_handles",
			Help: "Resident, swappable handles per device.",
		}, []string{"device"}),
		LockedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tensorswap_locked_handles",
			Help: "Locked (pinned) handles per device.",
		}, []string{"device"}),
	}
	reg.MustRegister(m.SwapOutTotal, m.SwapInTotal, m.SwapOutBytes,
		m.SwapInBytes, m.OutOfSwappable, m.ResidentGauge, m.LockedGauge)
	return m
}
