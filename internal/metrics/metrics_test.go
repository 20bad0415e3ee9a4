package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObservePoll(1, "success", time.Second)
	m.AddRecords(1, "listings", 3)
	m.ObserveRequest("listings", "200", time.Millisecond)
	m.SetActiveAccounts(2)
	m.TokenCacheHit()
	m.TokenCacheMiss()
	m.TokenRefresh("success")
}

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObservePoll(7, "success", 2*time.Second)
	m.AddRecords(7, "listings", 5)
	m.ObserveRequest("listings", "200", 10*time.Millisecond)
	m.SetActiveAccounts(3)
	m.TokenCacheHit()
	m.TokenCacheMiss()
	m.TokenRefresh("success")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := make(map[string]bool, len(families))
	for _, f := range families {
		got[f.GetName()] = true
	}
	for _, name := range []string{
		"hostaway_polls_total",
		"hostaway_poll_duration_seconds",
		"hostaway_records_synced_total",
		"hostaway_api_requests_total",
		"hostaway_api_latency_seconds",
		"hostaway_active_accounts",
		"hostaway_token_cache_hits_total",
		"hostaway_token_cache_misses_total",
		"hostaway_token_refreshes_total",
	} {
		if !got[name] {
			t.Errorf("metric %s not registered", name)
		}
	}
}
