package patch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Stats are the counters of the run-time patching.
type Stats struct {
	InlineCacheFills    prometheus.Counter
	InlineCacheMisses   prometheus.Counter
	GuardTrips          prometheus.Counter
	CallSiteResolutions *prometheus.CounterVec
	StackGrowths        prometheus.Counter
}

// NewStats returns zeroed Stats which are not registered anywhere.
func NewStats() *Stats {
	return &Stats{
		InlineCacheFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitlink_inline_cache_fills_total",
			Help: "Number of inline cache slots filled.",
		}),
		InlineCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitlink_inline_cache_misses_total",
			Help: "Number of inline cache misses which found no empty slot.",
		}),
		GuardTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitlink_guard_trips_total",
			Help: "Number of devirtualization guards tripped by class loading.",
		}),
		CallSiteResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jitlink_call_site_resolutions_total",
			Help: "Number of call sites patched after resolution.",
		}, []string{"kind"}),
		StackGrowths: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jitlink_stack_growths_total",
			Help: "Number of stack growths requested by failed stack probes.",
		}),
	}
}

func (s *Stats) collectors() []prometheus.Collector {
	return []prometheus.Collector{s.InlineCacheFills, s.InlineCacheMisses, s.GuardTrips, s.CallSiteResolutions, s.StackGrowths}
}

// Register registers every counter on r.
func (s *Stats) Register(r prometheus.Registerer) error {
	for _, c := range s.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
