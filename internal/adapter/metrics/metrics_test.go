package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestCacheMetrics_ObserveMutation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCacheMetrics(reg)

	m.ObserveMutation("add", nil)
	m.ObserveMutation("add", nil)
	m.ObserveMutation("add", errors.New("boom"))

	name := "markov_tower_store_text_mutations_total"
	if got := counterValue(t, reg, name, map[string]string{"op": "add", "status": "ok"}); got != 2 {
		t.Errorf("ok mutations got = %v, want 2", got)
	}
	if got := counterValue(t, reg, name, map[string]string{"op": "add", "status": "error"}); got != 1 {
		t.Errorf("failed mutations got = %v, want 1", got)
	}

	var nilMetrics *CacheMetrics
	nilMetrics.ObserveMutation("add", nil)
}
