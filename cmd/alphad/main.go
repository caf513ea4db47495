// Command alphad runs an authenticated tunnel between configured peers.
// Each peer can expose a local UDP socket: datagrams received on it are
// signed and sent to the peer, and the peer's verified payloads are
// forwarded to another local address.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	golog "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/juanpablocruz/alpha/internal/logging"
	"github.com/juanpablocruz/alpha/internal/network"
	"github.com/juanpablocruz/alpha/pkg/config"
	"github.com/juanpablocruz/alpha/pkg/metrics"
	"github.com/juanpablocruz/alpha/pkg/transport"
	"github.com/juanpablocruz/alpha/pkg/tunnel"
)

func main() {
	cfgPath := flag.String("config", "alpha.yaml", "configuration file")
	noColor := flag.Bool("no-color", false, "disable colored logs")
	genKey := flag.Bool("genkey", false, "print a new private key seed and its public key, then exit")
	flag.Parse()

	if *genKey {
		pub, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("private_key: %s\npublic_key:  %s\n", hex.EncodeToString(priv.Seed()), hex.EncodeToString(pub))
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(os.Stderr, level, *noColor)
	slog.SetDefault(log)

	// libp2p logs through go-log; keep it quiet unless we are debugging.
	if level <= slog.LevelDebug {
		golog.SetAllLoggers(golog.LevelInfo)
	} else {
		golog.SetAllLoggers(golog.LevelError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Error("alphad_failed", "err", err)
		os.Exit(1)
	}
}

type route struct {
	peer    config.Peer
	local   *net.UDPConn
	forward *net.UDPAddr
	out     chan []byte
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	key, err := cfg.SigningKey()
	if err != nil {
		return err
	}
	if key == nil {
		_, key, err = ed25519.GenerateKey(nil)
		if err != nil {
			return err
		}
		log.Warn("ephemeral_key", "hint", "set private_key to keep the identity across restarts")
	}
	log.Info("identity", "name", cfg.Name, "public_key", hex.EncodeToString(key.Public().(ed25519.PublicKey)))

	ep, addrs, err := openEndpoint(cfg, log)
	if err != nil {
		return err
	}
	defer ep.Close()

	pcfg, err := cfg.Protocol(key)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	stats, err := metrics.New(reg)
	if err != nil {
		return err
	}

	routes := map[string]*route{}
	defer func() {
		for _, r := range routes {
			if r.local != nil {
				r.local.Close()
			}
		}
	}()
	opts := []tunnel.Option{
		tunnel.WithEndpoint(ep),
		tunnel.WithConfig(pcfg),
		tunnel.WithSigner(key),
		tunnel.WithLogger(log),
		tunnel.WithMetrics(stats),
		tunnel.WithDeliver(func(d tunnel.Delivery) {
			r, ok := routes[d.Peer]
			if !ok || r.out == nil {
				return
			}
			select {
			case r.out <- d.Payload:
			default:
				log.Warn("forward_overflow", "peer", d.Peer)
			}
		}),
	}
	for i, p := range cfg.Peers {
		pub, err := p.Key()
		if err != nil {
			return err
		}
		opts = append(opts, tunnel.WithPeer(p.Name, addrs[i], pub, p.Initiate))
		r, err := openRoute(p)
		if err != nil {
			return err
		}
		routes[p.Name] = r
	}

	events := make(chan tunnel.Event, 1024)
	opts = append(opts, tunnel.WithEvents(events))
	tun, err := tunnel.New(cfg.Name, opts...)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tun.Run(ctx) })
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case e := <-events:
				logEvent(log, e)
			}
		}
	})
	for _, r := range routes {
		if r.local != nil {
			g.Go(func() error { return readLocal(ctx, tun, r, log) })
			go func() {
				<-ctx.Done()
				r.local.Close()
			}()
		}
		if r.forward != nil {
			g.Go(func() error { return writeForward(ctx, r, log) })
		}
	}
	if cfg.MetricsListen != "" {
		srv := &http.Server{Addr: cfg.MetricsListen, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("metrics_listen", "addr", cfg.MetricsListen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	err = g.Wait()
	log.Info("stopped", "stats", stats.Read().String())
	return err
}

// openEndpoint starts the configured transport and resolves each peer's
// address into the form the endpoint reports for inbound frames.
func openEndpoint(cfg *config.Config, log *slog.Logger) (transport.EndpointIF, []transport.Addr, error) {
	addrs := make([]transport.Addr, len(cfg.Peers))
	switch cfg.Transport {
	case config.TransportUDP:
		ep, err := transport.ListenUDP(cfg.Listen)
		if err != nil {
			return nil, nil, err
		}
		for i, p := range cfg.Peers {
			ua, err := net.ResolveUDPAddr("udp", p.Addr)
			if err != nil {
				ep.Close()
				return nil, nil, fmt.Errorf("peer %s: %w", p.Name, err)
			}
			addrs[i] = transport.Addr(ua.String())
		}
		log.Info("listen", "transport", "udp", "addr", ep.Addr())
		return ep, addrs, nil
	case config.TransportTCP:
		ep, err := transport.ListenTCP(cfg.Listen)
		if err != nil {
			return nil, nil, err
		}
		for i, p := range cfg.Peers {
			addrs[i] = transport.Addr(p.Addr)
		}
		log.Info("listen", "transport", "tcp", "addr", ep.Addr())
		return ep, addrs, nil
	case config.TransportP2P:
		ep, err := network.Listen(cfg.Listen, log)
		if err != nil {
			return nil, nil, err
		}
		for i, p := range cfg.Peers {
			a, err := ep.AddPeer(p.Addr)
			if err != nil {
				ep.Close()
				return nil, nil, fmt.Errorf("peer %s: %w", p.Name, err)
			}
			addrs[i] = a
		}
		for _, a := range ep.FullAddrs() {
			log.Info("listen", "transport", "p2p", "addr", a)
		}
		return ep, addrs, nil
	}
	return nil, nil, fmt.Errorf("%w: transport %q", config.ErrInvalid, cfg.Transport)
}

func openRoute(p config.Peer) (*route, error) {
	r := &route{peer: p}
	if p.LocalListen != "" {
		la, err := net.ResolveUDPAddr("udp", p.LocalListen)
		if err != nil {
			return nil, fmt.Errorf("peer %s local_listen: %w", p.Name, err)
		}
		r.local, err = net.ListenUDP("udp", la)
		if err != nil {
			return nil, fmt.Errorf("peer %s local_listen: %w", p.Name, err)
		}
	}
	if p.LocalForward != "" {
		fa, err := net.ResolveUDPAddr("udp", p.LocalForward)
		if err != nil {
			return nil, fmt.Errorf("peer %s local_forward: %w", p.Name, err)
		}
		r.forward = fa
		r.out = make(chan []byte, 1024)
	}
	return r, nil
}

func readLocal(ctx context.Context, tun *tunnel.Tunnel, r *route, log *slog.Logger) error {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := r.local.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("peer %s local_listen: %w", r.peer.Name, err)
		}
		if err := tun.Send(ctx, r.peer.Name, buf[:n]); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("local_send_err", "peer", r.peer.Name, "err", err)
		}
	}
}

func writeForward(ctx context.Context, r *route, log *slog.Logger) error {
	conn, err := net.DialUDP("udp", nil, r.forward)
	if err != nil {
		return fmt.Errorf("peer %s local_forward: %w", r.peer.Name, err)
	}
	defer conn.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-r.out:
			if _, err := conn.Write(p); err != nil {
				log.Debug("forward_err", "peer", r.peer.Name, "err", err)
			}
		}
	}
}

func logEvent(log *slog.Logger, e tunnel.Event) {
	level := slog.LevelDebug
	switch e.Type {
	case tunnel.EventStart, tunnel.EventStop, tunnel.EventHandshakeReady, tunnel.EventPeerRestart:
		level = slog.LevelInfo
	case tunnel.EventPeerLost, tunnel.EventVerifyFail, tunnel.EventWarn:
		level = slog.LevelWarn
	}
	args := []any{"peer", e.Peer}
	for k, v := range e.Fields {
		args = append(args, k, v)
	}
	log.Log(context.Background(), level, string(e.Type), args...)
}
