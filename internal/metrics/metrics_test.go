package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/tonk-labs/bundle-runtime-router/internal/registry"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRefreshFromRegistryCountsActiveAndReconnecting(t *testing.T) {
	reg := registry.New()
	reg.SetActive("L1", registry.BundleState{LauncherBundleID: "L1", ConnectionHealthy: true})
	reg.SetActive("L2", registry.BundleState{LauncherBundleID: "L2", ConnectionHealthy: false})
	reg.SetLoading("L3", "L3")

	m := New(prometheus.NewRegistry())
	m.RefreshFromRegistry(reg)

	if got := gaugeValue(t, m.ActiveBundles); got != 2 {
		t.Fatalf("ActiveBundles = %v, want 2", got)
	}
	if got := gaugeValue(t, m.ReconnectsInFlight); got != 1 {
		t.Fatalf("ReconnectsInFlight = %v, want 1", got)
	}
}

func TestRecordLoadIncrementsByOutcome(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordLoad("active")
	m.RecordLoad("active")
	m.RecordLoad("error")

	if got := counterValue(t, m.BundleLoadsTotal.WithLabelValues("active")); got != 2 {
		t.Fatalf("active loads = %v, want 2", got)
	}
	if got := counterValue(t, m.BundleLoadsTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("error loads = %v, want 1", got)
	}
}

func TestCacheHitMissCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.CacheHits.Inc()
	m.CacheHits.Inc()
	m.CacheMisses.Inc()

	if got := counterValue(t, m.CacheHits); got != 2 {
		t.Fatalf("CacheHits = %v, want 2", got)
	}
	if got := counterValue(t, m.CacheMisses); got != 1 {
		t.Fatalf("CacheMisses = %v, want 1", got)
	}
}
