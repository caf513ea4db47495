package main

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"slices"

	"github.com/juanpablocruz/alpha/pkg/tunnel"
)

type flowKey struct {
	to      string
	payload string
}

type telemetry struct {
	mu sync.Mutex

	submitted int64
	rejected  int64
	delivered int64
	dupes     int64
	bytesRx   int64

	sentAt  map[flowKey]time.Time
	seen    map[flowKey]bool
	latency []float64 // seconds
	rows    [][]string

	byType map[string]int64
	// per-packet retransmissions and verification failures
	retrans map[string]int64
	verify  map[string]int64
}

func newTelemetry() *telemetry {
	return &telemetry{
		sentAt:  make(map[flowKey]time.Time),
		seen:    make(map[flowKey]bool),
		byType:  make(map[string]int64),
		retrans: make(map[string]int64),
		verify:  make(map[string]int64),
	}
}

func (t *telemetry) submit(to string, payload []byte, at time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.rejected++
		return
	}
	t.submitted++
	k := flowKey{to: to, payload: string(payload)}
	if _, ok := t.sentAt[k]; !ok {
		t.sentAt[k] = at
	}
}

func (t *telemetry) deliver(at string, d tunnel.Delivery, when time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := flowKey{to: at, payload: string(d.Payload)}
	t.bytesRx += int64(len(d.Payload))
	if t.seen[k] {
		t.dupes++
		return
	}
	t.seen[k] = true
	t.delivered++
	if sent, ok := t.sentAt[k]; ok {
		lat := when.Sub(sent)
		t.latency = append(t.latency, lat.Seconds())
		t.rows = append(t.rows, []string{d.Peer, at, fmt.Sprintf("%d", len(d.Payload)), fmt.Sprintf("%.6f", lat.Seconds())})
	}
}

func (t *telemetry) handle(e tunnel.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byType[string(e.Type)]++
	pkt := fmt.Sprint(e.Fields["packet"])
	switch e.Type {
	case tunnel.EventRetransmit:
		t.retrans[pkt]++
	case tunnel.EventVerifyFail:
		t.verify[pkt]++
	}
}

// missing counts submitted payloads never delivered.
func (t *telemetry) missing() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k := range t.sentAt {
		if !t.seen[k] {
			n++
		}
	}
	return n
}

func (t *telemetry) statsLines(elapsed time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := percentiles(t.latency, 50, 95, 99)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(t.bytesRx) / elapsed.Seconds() / 1024
	}
	lines := []string{
		fmt.Sprintf("Payloads: submitted=%d rejected=%d delivered=%d duplicates=%d", t.submitted, t.rejected, t.delivered, t.dupes),
		fmt.Sprintf("Latency(ms): mean=%.2f p50=%.2f p95=%.2f p99=%.2f samples=%d",
			meanFloat(t.latency)*1000, p[0]*1000, p[1]*1000, p[2]*1000, len(t.latency)),
		fmt.Sprintf("Goodput(KiB/s): %.2f", rate),
	}
	for _, k := range sortedKeys(t.retrans) {
		lines = append(lines, fmt.Sprintf("Retransmit %s: %d", k, t.retrans[k]))
	}
	for _, k := range sortedKeys(t.verify) {
		lines = append(lines, fmt.Sprintf("VerifyFail %s: %d", k, t.verify[k]))
	}
	return lines
}

func (t *telemetry) writeLatencyCSV(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return writeCSV(path, []string{"from", "to", "bytes", "latency_seconds"}, t.rows)
}

func (t *telemetry) writeEventsCSV(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var rows [][]string
	for _, k := range sortedKeys(t.byType) {
		rows = append(rows, []string{k, fmt.Sprintf("%d", t.byType[k])})
	}
	return writeCSV(path, []string{"type", "count"}, rows)
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write(header)
	_ = w.WriteAll(rows)
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// helpers

func sortedKeys(m map[string]int64) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}

func percentiles(xs []float64, ps ...int) []float64 {
	ys := slices.Clone(xs)
	sort.Float64s(ys)
	out := make([]float64, len(ps))
	for i, p := range ps {
		if len(ys) == 0 {
			out[i] = math.NaN()
			continue
		}
		rank := (float64(p) / 100.0) * float64(len(ys)-1)
		lo := int(math.Floor(rank))
		hi := int(math.Ceil(rank))
		if lo == hi {
			out[i] = ys[lo]
			continue
		}
		frac := rank - float64(lo)
		out[i] = ys[lo]*(1-frac) + ys[hi]*frac
	}
	return out
}

func meanFloat(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var s float64
	for _, v := range xs {
		s += v
	}
	return s / float64(len(xs))
}
