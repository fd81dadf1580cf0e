package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by module connections and the
// routing service.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with the handshake and release paths.
type Collector interface {
	IncConfigure(result string)
	IncRelease()
	IncDescriptorRetry()
	SetModules(count int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncConfigure(string) {}
func (noopCollector) IncRelease()         {}
func (noopCollector) IncDescriptorRetry() {}
func (noopCollector) SetModules(int)      {}

// PrometheusCollector exposes connection telemetry via Prometheus.
type PrometheusCollector struct {
	configures        *prometheus.CounterVec
	releases          prometheus.Counter
	descriptorRetries prometheus.Counter
	modules           prometheus.Gauge
}

var (
	configureCounter         *prometheus.CounterVec
	configureCounterLock     sync.Mutex
	releaseCounter           prometheus.Counter
	releaseCounterLock       sync.Mutex
	descriptorRetryCounter   prometheus.Counter
	descriptorRetryCountLock sync.Mutex
	moduleGauge              prometheus.Gauge
	moduleGaugeLock          sync.Mutex
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer, reusing collectors that a previous instance already registered.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	configureCounterLock.Lock()
	if configureCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchbay_module_configure_total",
			Help: "Number of module configure attempts by result.",
		}, []string{"result"})
		registered, err := registerCounterVec(reg, counter)
		if err != nil {
			configureCounterLock.Unlock()
			return nil, err
		}
		configureCounter = registered
	}
	configureCounterLock.Unlock()

	releaseCounterLock.Lock()
	if releaseCounter == nil {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_module_release_total",
			Help: "Number of module releases.",
		})
		registered, err := registerCounter(reg, counter)
		if err != nil {
			releaseCounterLock.Unlock()
			return nil, err
		}
		releaseCounter = registered
	}
	releaseCounterLock.Unlock()

	descriptorRetryCountLock.Lock()
	if descriptorRetryCounter == nil {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchbay_descriptor_send_retry_total",
			Help: "Number of retried shared-memory descriptor send requests.",
		})
		registered, err := registerCounter(reg, counter)
		if err != nil {
			descriptorRetryCountLock.Unlock()
			return nil, err
		}
		descriptorRetryCounter = registered
	}
	descriptorRetryCountLock.Unlock()

	moduleGaugeLock.Lock()
	if moduleGauge == nil {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patchbay_modules",
			Help: "Number of modules currently registered with the service.",
		})
		registered, err := registerGauge(reg, gauge)
		if err != nil {
			moduleGaugeLock.Unlock()
			return nil, err
		}
		moduleGauge = registered
	}
	moduleGaugeLock.Unlock()

	return &PrometheusCollector{
		configures:        configureCounter,
		releases:          releaseCounter,
		descriptorRetries: descriptorRetryCounter,
		modules:           moduleGauge,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, counter *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

// IncConfigure increments the configure counter for the given result label.
func (p *PrometheusCollector) IncConfigure(result string) {
	if p == nil || p.configures == nil {
		return
	}
	p.configures.WithLabelValues(result).Inc()
}

// IncRelease increments the release counter.
func (p *PrometheusCollector) IncRelease() {
	if p == nil || p.releases == nil {
		return
	}
	p.releases.Inc()
}

// IncDescriptorRetry increments the descriptor send retry counter.
func (p *PrometheusCollector) IncDescriptorRetry() {
	if p == nil || p.descriptorRetries == nil {
		return
	}
	p.descriptorRetries.Inc()
}

// SetModules updates the registered-module gauge.
func (p *PrometheusCollector) SetModules(count int) {
	if p == nil || p.modules == nil {
		return
	}
	p.modules.Set(float64(count))
}

// ResetForTest clears the shared collectors so tests can register against a
// fresh registry.
func ResetForTest() {
	configureCounterLock.Lock()
	configureCounter = nil
	configureCounterLock.Unlock()
	releaseCounterLock.Lock()
	releaseCounter = nil
	releaseCounterLock.Unlock()
	descriptorRetryCountLock.Lock()
	descriptorRetryCounter = nil
	descriptorRetryCountLock.Unlock()
	moduleGaugeLock.Lock()
	moduleGauge = nil
	moduleGaugeLock.Unlock()
}
