// Command alphatop runs two tunnels over a simulated link and shows them
// on an interactive dashboard.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/juanpablocruz/alpha/internal/eventlog"
	"github.com/juanpablocruz/alpha/internal/gui"
	"github.com/juanpablocruz/alpha/internal/logging"
	"github.com/juanpablocruz/alpha/pkg/association"
	"github.com/juanpablocruz/alpha/pkg/eventbus"
	"github.com/juanpablocruz/alpha/pkg/metrics"
	"github.com/juanpablocruz/alpha/pkg/peer"
	"github.com/juanpablocruz/alpha/pkg/transport"
	"github.com/juanpablocruz/alpha/pkg/tunnel"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

type Config struct {
	// Chaos network parameters
	Loss   float64
	Dup    float64
	Reord  float64
	Delay  time.Duration
	Jitter time.Duration

	// Background traffic; zero disables it.
	WriteInterval time.Duration
	PayloadSize   int

	ChainLength int
	S1Timeout   time.Duration
	LogDir      string
}

func parseFlags() *Config {
	cfg := &Config{}
	flag.Float64Var(&cfg.Loss, "loss", 0.0, "drop probability [0..1]")
	flag.Float64Var(&cfg.Dup, "dup", 0.0, "dup probability [0..1]")
	flag.Float64Var(&cfg.Reord, "reorder", 0.0, "reorder probability [0..1]")
	flag.DurationVar(&cfg.Delay, "delay", 2*time.Millisecond, "base one-way delay")
	flag.DurationVar(&cfg.Jitter, "jitter", time.Millisecond, "jitter (+/-)")
	flag.DurationVar(&cfg.WriteInterval, "write-interval", 200*time.Millisecond, "mean interval between background payloads per side (0=off)")
	flag.IntVar(&cfg.PayloadSize, "size", 64, "background payload size")
	flag.IntVar(&cfg.ChainLength, "chain", 1000, "hash chain length")
	flag.DurationVar(&cfg.S1Timeout, "s1-timeout", 200*time.Millisecond, "base S1 retransmission timeout")
	flag.StringVar(&cfg.LogDir, "logs", "logs", "directory for event and snapshot logs")
	flag.Parse()
	return cfg
}

func (cfg *Config) Validate() error {
	for name, p := range map[string]float64{"loss": cfg.Loss, "dup": cfg.Dup, "reorder": cfg.Reord} {
		if p < 0 || p > 1 {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, p)
		}
	}
	if cfg.ChainLength < 4 {
		return fmt.Errorf("chain length %d too short", cfg.ChainLength)
	}
	if cfg.PayloadSize < 1 {
		return fmt.Errorf("payload size must be positive")
	}
	return nil
}

type simEnd struct {
	name  string
	other string
	link  *transport.ChaosEP
	tun   *tunnel.Tunnel
	stats *metrics.Collector
	raw   chan tunnel.Event
	ui    chan tunnel.Event
}

func main() {
	cfg := parseFlags()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	logs, err := eventlog.Create(cfg.LogDir)
	if err != nil {
		return err
	}
	defer logs.Close()

	// The dashboard owns the terminal; slog goes to a file.
	logFile, err := os.Create(filepath.Join(cfg.LogDir, "alphatop.log"))
	if err != nil {
		return err
	}
	defer logFile.Close()
	slog.SetDefault(logging.New(logFile, slog.LevelInfo, true))

	ends, err := buildEnds(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventBus(ends, logs)
	bus.Start()
	defer bus.Stop()

	errs := make(chan error, len(ends))
	for _, e := range ends {
		go func() { errs <- e.tun.Run(ctx) }()
		go bus.Pump(ctx.Done(), e.raw)
		if cfg.WriteInterval > 0 {
			go writerLoop(ctx, e, cfg.WriteInterval, cfg.PayloadSize)
		}
	}
	go snapshotLoop(ctx, ends, logs)

	eps := make([]gui.Endpoint, len(ends))
	for i, e := range ends {
		eps[i] = gui.Endpoint{
			Name:   e.name,
			Tunnel: e.tun,
			Events: e.ui,
			Stats:  e.stats.Read,
			Link:   e.link,
		}
	}
	uiErr := gui.Run(eps)

	cancel()
	for range ends {
		<-errs
	}
	for _, e := range ends {
		e.link.Close()
	}
	return uiErr
}

func buildEnds(cfg *Config) ([]*simEnd, error) {
	sw := transport.NewSwitch()
	names := [2]string{"alpha", "beta"}
	var pubs [2]ed25519.PublicKey
	var keys [2]ed25519.PrivateKey
	for i := range names {
		var err error
		if pubs[i], keys[i], err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, err
		}
	}
	pcfg := peer.Config{
		Params: association.Params{
			ChainLength: cfg.ChainLength,
			S1Timeout:   cfg.S1Timeout,
		},
		Counts: map[wire.Mode]int{wire.ModeN: 1, wire.ModeC: 1, wire.ModeM: 1, wire.ModeZ: 1},
	}

	ends := make([]*simEnd, len(names))
	for i, name := range names {
		raw, err := sw.Listen(transport.Addr(name))
		if err != nil {
			return nil, err
		}
		link := transport.WrapChaos(raw, transport.ChaosConfig{
			Loss: cfg.Loss, Dup: cfg.Dup, Reorder: cfg.Reord,
			BaseDelay: cfg.Delay, Jitter: cfg.Jitter, Up: true,
		})
		stats, err := metrics.New(nil)
		if err != nil {
			return nil, err
		}
		o := 1 - i
		e := &simEnd{
			name:  name,
			other: names[o],
			link:  link,
			stats: stats,
			raw:   make(chan tunnel.Event, 4096),
			ui:    make(chan tunnel.Event, 4096),
		}
		e.tun, err = tunnel.New(name,
			tunnel.WithEndpoint(link),
			tunnel.WithConfig(pcfg),
			tunnel.WithSigner(keys[i]),
			tunnel.WithPeer(names[o], transport.Addr(names[o]), pubs[o], i == 0),
			tunnel.WithEvents(e.raw),
			tunnel.WithMetrics(stats),
		)
		if err != nil {
			return nil, err
		}
		ends[i] = e
	}
	return ends, nil
}

// eventBus copies events to the log and to the dashboard. The dashboard
// drops events it cannot keep up with.
func eventBus(ends []*simEnd, logs *eventlog.Writer) *eventbus.Bus[tunnel.Event] {
	ui := map[string]chan tunnel.Event{}
	for _, e := range ends {
		ui[e.name] = e.ui
	}
	bus := eventbus.New[tunnel.Event]()
	bus.Subscribe("eventlog", func(ev tunnel.Event) {
		if err := logs.Event(ev); err != nil {
			slog.Warn("eventlog_write", "err", err)
		}
	})
	bus.Subscribe("ui", func(ev tunnel.Event) {
		select {
		case ui[ev.Tunnel] <- ev:
		default:
		}
	}, eventbus.Lossy())
	return bus
}

func writerLoop(ctx context.Context, e *simEnd, mean time.Duration, size int) {
	seq := 0
	for {
		d := time.Duration(mrand.ExpFloat64() * float64(mean))
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
		seq++
		p := make([]byte, size)
		copy(p, fmt.Sprintf("%s#%d ", e.name, seq))
		if err := e.tun.Send(ctx, e.other, p); err != nil && ctx.Err() == nil {
			slog.Debug("background_send", "from", e.name, "err", err)
		}
	}
}

func snapshotLoop(ctx context.Context, ends []*simEnd, logs *eventlog.Writer) {
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			for _, e := range ends {
				if infos, err := e.tun.Snapshot(ctx); err == nil {
					_ = logs.Snapshot(e.name, infos, now)
				}
			}
		}
	}
}
