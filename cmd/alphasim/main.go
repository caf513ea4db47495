package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/juanpablocruz/alpha/internal/eventlog"
	"github.com/juanpablocruz/alpha/internal/feed"
	"github.com/juanpablocruz/alpha/internal/logging"
	"github.com/juanpablocruz/alpha/pkg/association"
	"github.com/juanpablocruz/alpha/pkg/cachetree"
	"github.com/juanpablocruz/alpha/pkg/digest"
	"github.com/juanpablocruz/alpha/pkg/eventbus"
	"github.com/juanpablocruz/alpha/pkg/metrics"
	"github.com/juanpablocruz/alpha/pkg/peer"
	"github.com/juanpablocruz/alpha/pkg/transport"
	"github.com/juanpablocruz/alpha/pkg/tunnel"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

var (
	flDuration = flag.Duration("duration", 20*time.Second, "run duration")
	flOutDir   = flag.String("out", "out", "output directory")
	flFeed     = flag.String("feed", "", "workload CSV (at_ms;from;to;payload); empty uses a synthetic workload")
	flCount    = flag.Int("payloads", 500, "synthetic payloads per direction")
	flSize     = flag.Int("size", 256, "synthetic payload size in bytes")
	flEvery    = flag.Duration("every", 10*time.Millisecond, "spacing of synthetic payloads")
	flBidir    = flag.Bool("bidir", true, "synthetic traffic in both directions")

	// protocol
	flSuite     = flag.String("suite", "sha1", "digest suite: sha1, blake3, blake2b")
	flChain     = flag.Int("chain", 1000, "hash chain length")
	flSecMode   = flag.Int("sec-mode", 1, "merkle cache carry budget per packet (1 or 2)")
	flModes     = flag.String("modes", "N=1,C=1,M=1,Z=1", "associations per mode")
	flS1Timeout = flag.Duration("s1-timeout", 200*time.Millisecond, "base S1 retransmission timeout")
	flRetries   = flag.Int("retries", 8, "S1 retransmissions before an association is replaced")

	// chaos knobs (uniform for both directions)
	flLoss   = flag.Float64("loss", 0.0, "drop probability [0..1]")
	flDup    = flag.Float64("dup", 0.0, "dup probability [0..1]")
	flReord  = flag.Float64("reorder", 0.0, "reorder probability [0..1]")
	flDelay  = flag.Duration("delay", 0, "base one-way delay")
	flJitter = flag.Duration("jitter", 0, "jitter (+/-)")

	flFailurePeriod = flag.Duration("failure-period", 0, "mean time between link failures (0=off)")
	flRecoveryDelay = flag.Duration("recovery-delay", 2*time.Second, "time a failed link stays down")

	// diagnostics
	flLogLevel    = flag.String("log-level", "warn", "log level")
	flPrintEvents = flag.Bool("print-events", false, "print selected events to stdout")
	flTypes       = flag.String("types", "handshake_ready,assoc_new,assoc_die,control_swap,peer_lost,verify_fail,warn", "comma-separated event types to print")
)

type simEnd struct {
	name   string
	link   *transport.ChaosEP
	tun    *tunnel.Tunnel
	stats  *metrics.Collector
	events chan tunnel.Event
}

func main() {
	flag.Parse()
	level, err := logging.ParseLevel(*flLogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logging.New(os.Stderr, level, false))

	if err := run(); err != nil {
		slog.Error("sim_failed", "err", err)
		os.Exit(1)
	}
}

func parseModes(s string) (map[wire.Mode]int, error) {
	out := map[wire.Mode]int{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, count, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("bad mode spec %q", part)
		}
		m, err := wire.ParseMode(name)
		if err != nil {
			return nil, err
		}
		var n int
		if _, err := fmt.Sscanf(count, "%d", &n); err != nil || n < 0 {
			return nil, fmt.Errorf("bad count in %q", part)
		}
		out[m] += n
	}
	return out, nil
}

func protocolConfig() (peer.Config, error) {
	suite, err := digest.ByName(*flSuite)
	if err != nil {
		return peer.Config{}, err
	}
	counts, err := parseModes(*flModes)
	if err != nil {
		return peer.Config{}, err
	}
	return peer.Config{
		Params: association.Params{
			Suite:        suite,
			ChainLength:  *flChain,
			SecMode:      cachetree.Mode(*flSecMode),
			S1Timeout:    *flS1Timeout,
			MaxS1Retries: *flRetries,
		},
		Counts:           counts,
		HandshakeTimeout: *flS1Timeout,
	}, nil
}

func workload() ([]feed.Item, error) {
	if *flFeed != "" {
		return feed.Load(*flFeed)
	}
	items := feed.Synthetic(*flCount, *flSize, *flEvery, "a", "b")
	if *flBidir {
		items = append(items, feed.Synthetic(*flCount, *flSize, *flEvery, "b", "a")...)
	}
	return items, nil
}

func run() error {
	if err := os.MkdirAll(*flOutDir, 0o755); err != nil {
		return err
	}
	cfg, err := protocolConfig()
	if err != nil {
		return err
	}
	items, err := workload()
	if err != nil {
		return err
	}
	logs, err := eventlog.Create(filepath.Join(*flOutDir, "logs"))
	if err != nil {
		return err
	}
	defer logs.Close()

	tele := newTelemetry()
	ends, err := buildEnds(cfg, tele)
	if err != nil {
		return err
	}
	defer func() {
		for _, e := range ends {
			e.link.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *flDuration)
	defer cancel()

	typeFilter := map[string]bool{}
	for _, t := range strings.Split(*flTypes, ",") {
		if t = strings.TrimSpace(t); t != "" {
			typeFilter[t] = true
		}
	}

	bus := eventbus.New[tunnel.Event]()
	bus.Subscribe("telemetry", tele.handle)
	bus.Subscribe("eventlog", func(ev tunnel.Event) {
		if err := logs.Event(ev); err != nil {
			slog.Warn("eventlog_write", "err", err)
		}
	})
	if *flPrintEvents {
		bus.Subscribe("print", func(ev tunnel.Event) {
			if typeFilter[string(ev.Type)] {
				fmt.Printf("%s %-4s %-4s %-16s %v\n", ev.Time.Format("15:04:05.000"), ev.Tunnel, ev.Peer, ev.Type, ev.Fields)
			}
		})
	}
	bus.Start()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range ends {
		g.Go(func() error { return e.tun.Run(ctx) })
		g.Go(func() error { bus.Pump(ctx.Done(), e.events); return nil })
	}
	g.Go(func() error { return feedLoop(ctx, ends, items, tele, start) })
	g.Go(func() error { return snapshotLoop(ctx, ends, logs) })
	if *flFailurePeriod > 0 && *flRecoveryDelay > 0 {
		g.Go(func() error { flapLoop(ctx, ends, *flFailurePeriod, *flRecoveryDelay); return nil })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	bus.Stop()
	elapsed := time.Since(start)

	sum, err := os.Create(filepath.Join(*flOutDir, "summary.txt"))
	if err != nil {
		return err
	}
	defer sum.Close()
	fmt.Fprintf(sum, "Duration: %s\nSuite: %s  Chain: %d  SecMode: %d  Modes: %s\n",
		flDuration.String(), *flSuite, *flChain, *flSecMode, *flModes)
	fmt.Fprintf(sum, "Chaos: loss=%.2f dup=%.2f reorder=%.2f delay=%s jitter=%s\n",
		*flLoss, *flDup, *flReord, flDelay.String(), flJitter.String())
	for _, l := range tele.statsLines(elapsed) {
		fmt.Fprintln(sum, l)
	}
	fmt.Fprintf(sum, "Undelivered: %d\n", tele.missing())
	for _, e := range ends {
		fmt.Fprintf(sum, "%s: %s\n", e.name, e.stats.Read())
	}
	_ = tele.writeLatencyCSV(filepath.Join(*flOutDir, "latency.csv"))
	_ = tele.writeEventsCSV(filepath.Join(*flOutDir, "events_by_type.csv"))

	fmt.Printf("summary written to %s\n", sum.Name())
	return nil
}

func buildEnds(cfg peer.Config, tele *telemetry) ([]*simEnd, error) {
	sw := transport.NewSwitch()
	names := []string{"a", "b"}
	pubs := make([]ed25519.PublicKey, 2)
	keys := make([]ed25519.PrivateKey, 2)
	for i := range names {
		var err error
		pubs[i], keys[i], err = ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
	}
	ends := make([]*simEnd, 2)
	for i, name := range names {
		raw, err := sw.Listen(transport.Addr(name))
		if err != nil {
			return nil, err
		}
		link := transport.WrapChaos(raw, transport.ChaosConfig{
			Loss: *flLoss, Dup: *flDup, Reorder: *flReord,
			BaseDelay: *flDelay, Jitter: *flJitter, Up: true,
		})
		stats, err := metrics.New(nil)
		if err != nil {
			return nil, err
		}
		other := 1 - i
		e := &simEnd{name: name, link: link, stats: stats, events: make(chan tunnel.Event, 8192)}
		e.tun, err = tunnel.New(name,
			tunnel.WithEndpoint(link),
			tunnel.WithConfig(cfg),
			tunnel.WithSigner(keys[i]),
			tunnel.WithPeer(names[other], transport.Addr(names[other]), pubs[other], i == 0),
			tunnel.WithEvents(e.events),
			tunnel.WithMetrics(stats),
			tunnel.WithDeliver(func(d tunnel.Delivery) { tele.deliver(name, d, time.Now()) }),
		)
		if err != nil {
			return nil, err
		}
		ends[i] = e
	}
	return ends, nil
}

// feedLoop submits the workload on schedule.
func feedLoop(ctx context.Context, ends []*simEnd, items []feed.Item, tele *telemetry, start time.Time) error {
	byName := map[string]*simEnd{}
	for _, e := range ends {
		byName[e.name] = e
	}
	for _, it := range items {
		if wait := time.Until(start.Add(it.At)); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}
		from, ok := byName[it.From]
		if !ok {
			return fmt.Errorf("workload names unknown endpoint %q", it.From)
		}
		sent := time.Now()
		err := from.tun.Send(ctx, it.To, it.Payload)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("submit_rejected", "from", it.From, "to", it.To, "err", err)
		}
		tele.submit(it.To, it.Payload, sent, err)
	}
	return nil
}

func snapshotLoop(ctx context.Context, ends []*simEnd, logs *eventlog.Writer) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			for _, e := range ends {
				infos, err := e.tun.Snapshot(ctx)
				if err != nil {
					continue
				}
				_ = logs.Snapshot(e.name, infos, now)
			}
		}
	}
}

// flapLoop takes the link down at exponentially distributed intervals.
func flapLoop(ctx context.Context, ends []*simEnd, meanPeriod, down time.Duration) {
	lambda := 1.0 / meanPeriod.Seconds()
	for {
		sleep := time.Duration(rand.ExpFloat64() / lambda * 1e9)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		slog.Info("link_down", "for", down)
		for _, e := range ends {
			e.link.SetUp(false)
		}
		select {
		case <-ctx.Done():
		case <-time.After(down):
		}
		for _, e := range ends {
			e.link.SetUp(true)
		}
	}
}
