package main

import (
	"math"
	"testing"
	"time"

	"github.com/juanpablocruz/alpha/pkg/tunnel"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

func TestPercentiles(t *testing.T) {
	got := percentiles([]float64{4, 1, 3, 2, 5}, 0, 50, 100)
	if got[0] != 1 || got[1] != 3 || got[2] != 5 {
		t.Fatalf("percentiles = %v", got)
	}
	if !math.IsNaN(percentiles(nil, 50)[0]) {
		t.Fatalf("empty input should give NaN")
	}
	if got := percentiles([]float64{0, 10}, 25)[0]; got != 2.5 {
		t.Fatalf("interpolated p25 = %v", got)
	}
}

func TestTelemetryTracksLatencyAndDuplicates(t *testing.T) {
	tel := newTelemetry()
	t0 := time.Unix(0, 0)
	tel.submit("b", []byte("x"), t0, nil)
	tel.submit("b", []byte("y"), t0, nil)
	tel.deliver("b", tunnel.Delivery{Peer: "a", Payload: []byte("x")}, t0.Add(20*time.Millisecond))
	tel.deliver("b", tunnel.Delivery{Peer: "a", Payload: []byte("x")}, t0.Add(30*time.Millisecond))
	tel.handle(tunnel.Event{Type: tunnel.EventRetransmit, Fields: map[string]any{"packet": "S1"}})

	if tel.delivered != 1 || tel.dupes != 1 {
		t.Fatalf("delivered=%d dupes=%d", tel.delivered, tel.dupes)
	}
	if n := tel.missing(); n != 1 {
		t.Fatalf("missing = %d", n)
	}
	if len(tel.latency) != 1 || math.Abs(tel.latency[0]-0.02) > 1e-9 {
		t.Fatalf("latency = %v", tel.latency)
	}
	if tel.retrans["S1"] != 1 {
		t.Fatalf("retransmits %v", tel.retrans)
	}
}

func TestParseModes(t *testing.T) {
	got, err := parseModes("N=2, M=1,c=3")
	if err != nil {
		t.Fatalf("parseModes: %v", err)
	}
	if got[wire.ModeN] != 2 || got[wire.ModeM] != 1 || got[wire.ModeC] != 3 {
		t.Fatalf("counts %v", got)
	}
	for _, bad := range []string{"N", "Q=1", "N=-1", "N=x"} {
		if _, err := parseModes(bad); err == nil {
			t.Fatalf("%q accepted", bad)
		}
	}
}
