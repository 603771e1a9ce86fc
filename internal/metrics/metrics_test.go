package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Upgrade("chat", "accepted")
	m.Upgrade("none", "no_route")
	m.ConnOpened("chat")
	m.ConnOpened("document")
	m.ConnClosed("document")
	m.Rooms("chat", 3)
	m.Publish("ok", 2*time.Millisecond)
	m.Publish("persist_failed", 0)
	m.Delivered("chat", 4)
	m.Relayed(128)
	m.Dropped("document", "slow_consumer")
	m.Breaker(true)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"roomrelay_connections_total",
		"roomrelay_active_connections",
		"roomrelay_active_rooms",
		"roomrelay_chat_publishes_total",
		"roomrelay_deliveries_total",
		"roomrelay_persist_duration_seconds",
		"roomrelay_document_bytes_total",
		"roomrelay_dropped_peers_total",
		"roomrelay_store_breaker_open",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("missing metric: %s", name)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Upgrade("chat", "accepted")
	m.ConnOpened("chat")
	m.ConnClosed("chat")
	m.Rooms("chat", 1)
	m.Publish("ok", time.Second)
	m.Delivered("chat", 1)
	m.Relayed(1)
	m.Dropped("chat", "slow_consumer")
	m.Breaker(false)
}
