package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// KernelCollector bundles the Prometheus metrics the simulation kernel
// reports to over its Metrics hook, and exposes a /metrics handler for the
// headless simulator process.
type KernelCollector struct {
	gatherer prometheus.Gatherer

	eventsDispatched prometheus.Counter
	queueDepth       prometheus.Gauge
	pollChannelDepth prometheus.Gauge
	speedRatio       prometheus.Gauge
	governorSleep    prometheus.Histogram
	motes            prometheus.Gauge
	moteTypes        prometheus.Gauge
}

// NewKernelCollector registers kernel Prometheus metrics against the
// provided registerer, defaulting to the global Prometheus registry when nil.
func NewKernelCollector(reg prometheus.Registerer) (*KernelCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	events, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kernel_events_dispatched_total",
		Help: "Cumulative number of events dispatched by the simulation loop.",
	}), "kernel_events_dispatched_total")
	if err != nil {
		return nil, err
	}

	queueDepth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kernel_queue_depth",
		Help: "Current number of linked events in the simulation event queue.",
	}), "kernel_queue_depth")
	if err != nil {
		return nil, err
	}

	pollDepth, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kernel_poll_channel_depth",
		Help: "Current number of actions queued on the poll channel.",
	}), "kernel_poll_channel_depth")
	if err != nil {
		return nil, err
	}

	speedRatio, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kernel_speed_ratio",
		Help: "Active speed governor ratio; 0 when unlimited.",
	}), "kernel_speed_ratio")
	if err != nil {
		return nil, err
	}

	governorSleep, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernel_governor_sleep_seconds",
		Help:    "Duration the speed governor slept per firing to hold its ratio.",
		Buckets: []float64{0, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "kernel_governor_sleep_seconds")
	if err != nil {
		return nil, err
	}

	motes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kernel_motes",
		Help: "Current number of motes registered with the kernel.",
	}), "kernel_motes")
	if err != nil {
		return nil, err
	}

	moteTypes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kernel_mote_types",
		Help: "Current number of mote types registered with the kernel.",
	}), "kernel_mote_types")
	if err != nil {
		return nil, err
	}

	return &KernelCollector{
		gatherer:         gatherer,
		eventsDispatched: events,
		queueDepth:       queueDepth,
		pollChannelDepth: pollDepth,
		speedRatio:       speedRatio,
		governorSleep:    governorSleep,
		motes:            motes,
		moteTypes:        moteTypes,
	}, nil
}

// IncEventsDispatched implements kernel.Metrics.
func (c *KernelCollector) IncEventsDispatched() {
	if c == nil || c.eventsDispatched == nil {
		return
	}
	c.eventsDispatched.Inc()
}

// SetQueueDepth implements kernel.Metrics.
func (c *KernelCollector) SetQueueDepth(n int) {
	if c == nil || c.queueDepth == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// SetPollChannelDepth implements kernel.Metrics.
func (c *KernelCollector) SetPollChannelDepth(n int) {
	if c == nil || c.pollChannelDepth == nil {
		return
	}
	c.pollChannelDepth.Set(float64(n))
}

// SetSpeedRatio implements kernel.Metrics. A ratio of 0 signals unlimited.
func (c *KernelCollector) SetSpeedRatio(ratio float64) {
	if c == nil || c.speedRatio == nil {
		return
	}
	c.speedRatio.Set(ratio)
}

// ObserveGovernorSleep implements kernel.Metrics.
func (c *KernelCollector) ObserveGovernorSleep(d time.Duration) {
	if c == nil || c.governorSleep == nil {
		return
	}
	c.governorSleep.Observe(d.Seconds())
}

// SetMoteCount implements kernel.Metrics.
func (c *KernelCollector) SetMoteCount(n int) {
	if c == nil || c.motes == nil {
		return
	}
	c.motes.Set(float64(n))
}

// SetMoteTypeCount implements kernel.Metrics.
func (c *KernelCollector) SetMoteTypeCount(n int) {
	if c == nil || c.moteTypes == nil {
		return
	}
	c.moteTypes.Set(float64(n))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *KernelCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}
