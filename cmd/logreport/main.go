package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/juanpablocruz/alpha/internal/eventlog"
)

func main() {
	dir := flag.String("dir", "logs", "directory with *.jsonl logs")
	flag.Parse()

	events, err := eventlog.ReadLatest[eventlog.Line](*dir, eventlog.EventsPattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read events: %v\n", err)
	}
	snaps, err := eventlog.ReadLatest[eventlog.SnapshotLine](*dir, eventlog.SnapshotsPattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read snapshots: %v\n", err)
	}

	printHeader(os.Stdout, "LOG REPORT")
	fmt.Printf("Directory: %s\n\n", *dir)
	printEvents(os.Stdout, events)
	printDelivery(os.Stdout, events)
	printHandshakes(os.Stdout, events)
	printSnapshots(os.Stdout, snaps)
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, strings.Repeat("=", len(title)))
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("=", len(title)))
}

func printEvents(w io.Writer, events []eventlog.Line) {
	fmt.Fprintln(w, "Events Summary")
	if len(events) == 0 {
		fmt.Fprintln(w, "  (no events)")
		fmt.Fprintln(w)
		return
	}
	byType := map[string]int{}
	byTunnel := map[string]int{}
	verify := map[string]int{}
	retrans := map[string]int{}
	for _, e := range events {
		byType[e.Type]++
		byTunnel[e.Tunnel]++
		pkt := fmt.Sprint(e.Fields["packet"])
		switch e.Type {
		case "verify_fail":
			verify[pkt]++
		case "retransmit":
			retrans[pkt]++
		}
	}
	fmt.Fprintln(w, "  By type:")
	for _, k := range sortedKeys(byType) {
		fmt.Fprintf(w, "    %-16s %6d\n", k, byType[k])
	}
	fmt.Fprintln(w, "  By tunnel:")
	for _, k := range sortedKeys(byTunnel) {
		fmt.Fprintf(w, "    %-8s %6d\n", k, byTunnel[k])
	}
	if len(verify) > 0 {
		fmt.Fprintln(w, "  Verification failures by packet:")
		for _, k := range sortedKeys(verify) {
			fmt.Fprintf(w, "    %-8s %6d\n", k, verify[k])
		}
	}
	if len(retrans) > 0 {
		fmt.Fprintln(w, "  Retransmissions by packet:")
		for _, k := range sortedKeys(retrans) {
			fmt.Fprintf(w, "    %-8s %6d\n", k, retrans[k])
		}
	}
	fmt.Fprintln(w)
}

func printDelivery(w io.Writer, events []eventlog.Line) {
	fmt.Fprintln(w, "Delivery Summary")
	type agg struct{ Count, Bytes int }
	byRoute := map[string]agg{}
	byMode := map[string]int{}
	for _, e := range events {
		if e.Type != "deliver" {
			continue
		}
		key := fmt.Sprintf("%s <- %s", e.Tunnel, e.Peer)
		a := byRoute[key]
		a.Count++
		if b, ok := e.Fields["bytes"].(float64); ok {
			a.Bytes += int(b)
		}
		byRoute[key] = a
		byMode[fmt.Sprint(e.Fields["mode"])]++
	}
	if len(byRoute) == 0 {
		fmt.Fprintln(w, "  (no deliveries)")
		fmt.Fprintln(w)
		return
	}
	keys := make([]string, 0, len(byRoute))
	for k := range byRoute {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-16s  payloads=%6d  bytes=%8d\n", k, byRoute[k].Count, byRoute[k].Bytes)
	}
	fmt.Fprintln(w, "  By mode:")
	for _, k := range sortedKeys(byMode) {
		fmt.Fprintf(w, "    %-4s %6d\n", k, byMode[k])
	}
	fmt.Fprintln(w)
}

// printHandshakes reports how long each run took from start to its first
// completed handshake.
func printHandshakes(w io.Writer, events []eventlog.Line) {
	fmt.Fprintln(w, "Handshakes")
	start := map[string]time.Time{}
	var lines []string
	for _, e := range events {
		key := e.Tunnel + "/" + e.Instance
		switch e.Type {
		case "start":
			start[key] = e.Time
		case "handshake_ready":
			if t0, ok := start[key]; ok {
				lines = append(lines, fmt.Sprintf("  %-8s -> %-8s ready after %s", e.Tunnel, e.Peer, e.Time.Sub(t0).Round(time.Millisecond)))
				delete(start, key)
			}
		case "peer_restart", "peer_lost":
			lines = append(lines, fmt.Sprintf("  %-8s -> %-8s %s at %s", e.Tunnel, e.Peer, e.Type, e.Time.Format("15:04:05.000")))
		}
	}
	if len(lines) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	fmt.Fprintln(w)
}

// printSnapshots shows the last snapshot of every tunnel.
func printSnapshots(w io.Writer, snaps []eventlog.SnapshotLine) {
	fmt.Fprintln(w, "Final State")
	last := map[string]eventlog.SnapshotLine{}
	for _, s := range snaps {
		last[s.Tunnel] = s
	}
	if len(last) == 0 {
		fmt.Fprintln(w, "  (no snapshots)")
		fmt.Fprintln(w)
		return
	}
	names := make([]string, 0, len(last))
	for k := range last {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, n := range names {
		s := last[n]
		fmt.Fprintf(w, "  %s at %s\n", n, s.Time.Format(time.RFC3339))
		for _, p := range s.Peers {
			fmt.Fprintf(w, "    %-8s %-22s queue=%d ready=%d assocs=%d\n", p.Name, p.Handshake, p.Queue, p.Ready, len(p.Assocs))
		}
	}
	fmt.Fprintln(w)
}

func sortedKeys(m map[string]int) []string {
	ks := make([]string, 0, len(m))
	for k := range m {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	return ks
}
