package metrics

import (
	"testing"

	"github.com/1ureka/apbridge/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersFollowStats(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}

	before := util.Stats.UDPPolicyDrp.Load()
	util.Stats.UDPPolicyDrp.Add(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != len(counterDefs()) {
		t.Fatalf("got %d metric families, want %d", len(families), len(counterDefs()))
	}

	for _, mf := range families {
		if mf.GetName() != "apbridge_udp_policy_dropped_total" {
			continue
		}
		got := mf.GetMetric()[0].GetCounter().GetValue()
		if want := float64(before + 3); got != want {
			t.Fatalf("policy drops = %v, want %v", got, want)
		}
		return
	}
	t.Fatal("apbridge_udp_policy_dropped_total not exported")
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err == nil {
		t.Fatal("second register should report duplicates")
	}
}

func TestEachCollectorExportsOneSeries(t *testing.T) {
	for _, c := range newCollectors() {
		if n := testutil.CollectAndCount(c); n != 1 {
			t.Fatalf("collector exported %d metrics, want 1", n)
		}
	}
}
