package tunnel

import (
	"crypto/ed25519"
	"log/slog"
	"time"

	"github.com/juanpablocruz/alpha/pkg/clock"
	"github.com/juanpablocruz/alpha/pkg/metrics"
	"github.com/juanpablocruz/alpha/pkg/peer"
	"github.com/juanpablocruz/alpha/pkg/transport"
)

// Option configures a Tunnel in New.
type Option func(*Tunnel)

func WithEndpoint(ep transport.EndpointIF) Option {
	return func(t *Tunnel) { t.EP = ep }
}

// WithConfig sets the protocol configuration. A signer set with WithSigner
// takes precedence over cfg.Key regardless of option order.
func WithConfig(cfg peer.Config) Option {
	return func(t *Tunnel) { t.cfg = cfg }
}
func WithSigner(key ed25519.PrivateKey) Option {
	return func(t *Tunnel) { t.key = key }
}

// WithPeer registers a remote endpoint. The initiating side sends CONNECT
// when Run starts and needs the peer's public key.
func WithPeer(name string, addr transport.Addr, pub ed25519.PublicKey, initiate bool) Option {
	return func(t *Tunnel) {
		t.specs = append(t.specs, peer.Spec{Name: name, Addr: string(addr), PublicKey: pub, Initiate: initiate})
	}
}
func WithClock(c clock.Clock) Option {
	return func(t *Tunnel) { t.clk = c }
}
func WithLogger(l *slog.Logger) Option {
	return func(t *Tunnel) { t.log = l }
}
func WithEvents(ch chan Event) Option {
	return func(t *Tunnel) { t.Events = ch }
}

// WithDeliver sets the callback for authenticated payloads. It runs on
// the event loop and must not block.
func WithDeliver(fn func(Delivery)) Option {
	return func(t *Tunnel) { t.deliver = fn }
}
func WithMetrics(m *metrics.Collector) Option {
	return func(t *Tunnel) { t.metrics = m }
}
func WithFlushEvery(d time.Duration) Option {
	return func(t *Tunnel) { t.flushEvery = d }
}
