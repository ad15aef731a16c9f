package metrics

import (
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func findMetric(t *testing.T, families []*dto.MetricFamily, name string) *dto.MetricFamily {
	t.Helper()
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	return nil
}

func counterValue(family *dto.MetricFamily, labels map[string]string) (float64, bool) {
	if family == nil {
		return 0, false
	}
	for _, metric := range family.GetMetric() {
		matched := true
		for _, pair := range metric.GetLabel() {
			if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
				matched = false
				break
			}
		}
		if matched {
			return metric.GetCounter().GetValue(), true
		}
	}
	return 0, false
}

func TestObserveCommand(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCommand("status", "ok", 120*time.Millisecond)
	rec.ObserveCommand("status", "ok", 80*time.Millisecond)
	rec.ObserveCommand("status", "timeout", 9*time.Second)

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)

	invocations := findMetric(t, families, "nuxgate_command_invocations_total")
	require.NotNil(t, invocations)

	okCount, found := counterValue(invocations, map[string]string{"command": "status", "outcome": "ok"})
	require.True(t, found)
	require.Equal(t, float64(2), okCount)

	timeoutCount, found := counterValue(invocations, map[string]string{"command": "status", "outcome": "timeout"})
	require.True(t, found)
	require.Equal(t, float64(1), timeoutCount)

	latency := findMetric(t, families, "nuxgate_command_duration_seconds")
	require.NotNil(t, latency)
	require.Equal(t, uint64(3), latency.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestObserveCacheOperations(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup("customers", CacheLookupHit)
	rec.ObserveCacheLookup("customers", CacheLookupMiss)
	rec.ObserveCacheStore("customers", nil)
	rec.ObserveCacheStore("customers", errors.New("backend down"))

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)

	ops := findMetric(t, families, "nuxgate_cache_operations_total")
	require.NotNil(t, ops)

	hits, found := counterValue(ops, map[string]string{"space": "customers", "operation": "lookup", "result": "hit"})
	require.True(t, found)
	require.Equal(t, float64(1), hits)

	storeErrors, found := counterValue(ops, map[string]string{"space": "customers", "operation": "store", "result": "error"})
	require.True(t, found)
	require.Equal(t, float64(1), storeErrors)
}

func TestObserveRateLimited(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRateLimited()
	rec.ObserveRateLimited()

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)

	limited := findMetric(t, families, "nuxgate_admission_rate_limited_total")
	require.NotNil(t, limited)
	require.Equal(t, float64(2), limited.GetMetric()[0].GetCounter().GetValue())
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveCommand("status", "ok", time.Second)
	rec.ObserveCacheLookup("customers", CacheLookupHit)
	rec.ObserveCacheStore("customers", nil)
	rec.ObserveDownstream("billing", "customers", nil)
	rec.ObserveRateLimited()
	require.NotNil(t, rec.Handler())
	require.NotNil(t, rec.Gatherer())
}
