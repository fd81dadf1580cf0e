package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncConfigure("success")
	collector.IncRelease()
	collector.IncDescriptorRetry()
	collector.SetModules(3)
}

func TestPrometheusCollectorRegistersAndReusesCounters(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncConfigure("success")
	collector.IncRelease()
	collector.SetModules(2)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	configures := byName["patchbay_module_configure_total"]
	require.NotNil(t, configures)
	require.Len(t, configures.Metric, 1)
	require.Equal(t, float64(1), configures.Metric[0].Counter.GetValue())

	releases := byName["patchbay_module_release_total"]
	require.NotNil(t, releases)
	require.Equal(t, float64(1), releases.Metric[0].Counter.GetValue())

	modules := byName["patchbay_modules"]
	require.NotNil(t, modules)
	require.Equal(t, float64(2), modules.Metric[0].Gauge.GetValue())

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.configures, again.configures)

	again.IncConfigure("success")
	families, err = reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "patchbay_module_configure_total" {
			require.Equal(t, float64(2), mf.Metric[0].Counter.GetValue())
		}
	}
}
