package transport

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

type ChaosConfig struct {
	// Probabilities [0..1]
	Loss    float64
	Dup     float64
	Reorder float64

	BaseDelay time.Duration
	Jitter    time.Duration // +/- uniformly
	MaxQueue  int

	Up bool

	// Seed 0 means time.Now().UnixNano().
	Seed int64
}

// ChaosEP wraps an endpoint so both directions pass through a lossy,
// jittery link model.
type ChaosEP struct {
	under EndpointIF

	in     chan envelope
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	up atomic.Bool

	cfgMu sync.RWMutex
	cfg   ChaosConfig

	rngMu sync.Mutex
	rng   *rand.Rand

	dropped atomic.Int64
}

func WrapChaos(under EndpointIF, cfg ChaosConfig) *ChaosEP {
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1024
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	cep := &ChaosEP{
		under: under,
		in:    make(chan envelope, cfg.MaxQueue),
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	cep.up.Store(cfg.Up)

	cep.ctx, cep.cancel = context.WithCancel(context.Background())
	cep.wg.Add(1)
	go cep.pumpRecv()
	return cep
}

func (c *ChaosEP) Close() {
	c.cancel()
	c.under.Close()
	c.wg.Wait()
}

func (c *ChaosEP) Addr() Addr { return c.under.Addr() }

func (c *ChaosEP) RecvFrom(ctx context.Context) (Addr, []byte, bool) {
	return recvFrom(ctx, c.ctx.Done(), c.in)
}

// Dropped counts frames the link model discarded in either direction.
func (c *ChaosEP) Dropped() int64 { return c.dropped.Load() }

// Send applies loss, duplication and delay. Undelayed sends report the
// underlying error; delayed ones cannot.
func (c *ChaosEP) Send(to Addr, frame []byte) error {
	if !c.up.Load() {
		return ErrLinkDown
	}
	cfg := c.getCfg()
	if c.roll() < cfg.Loss {
		c.dropped.Add(1)
		return nil
	}

	deliver := func(b []byte, extra time.Duration) error {
		delay := c.delayWithJitter(cfg) + extra
		if delay <= 0 {
			return c.under.Send(to, b)
		}
		time.AfterFunc(delay, func() { _ = c.under.Send(to, b) })
		return nil
	}

	err := deliver(clone(frame), 0)
	if c.roll() < cfg.Dup {
		_ = deliver(clone(frame), c.delayWithJitter(cfg))
	}
	return err
}

func (c *ChaosEP) pumpRecv() {
	defer c.wg.Done()
	for {
		from, frame, ok := c.under.RecvFrom(c.ctx)
		if !ok {
			return
		}
		cfg := c.getCfg()
		if c.roll() < cfg.Loss || !c.up.Load() {
			c.dropped.Add(1)
			continue
		}
		extra := time.Duration(0)
		if c.roll() < cfg.Reorder {
			extra = c.delayWithJitter(cfg)
		}
		delay := c.delayWithJitter(cfg) + extra
		env := envelope{from: from, data: clone(frame)}
		if delay <= 0 {
			c.push(env)
			continue
		}
		time.AfterFunc(delay, func() { c.push(env) })
	}
}

func (c *ChaosEP) push(env envelope) {
	select {
	case <-c.ctx.Done():
	case c.in <- env:
	default:
		c.dropped.Add(1)
	}
}

func (c *ChaosEP) SetUp(up bool)        { c.up.Store(up) }
func (c *ChaosEP) SetLoss(p float64)    { c.cfgMu.Lock(); c.cfg.Loss = clamp01(p); c.cfgMu.Unlock() }
func (c *ChaosEP) SetDup(p float64)     { c.cfgMu.Lock(); c.cfg.Dup = clamp01(p); c.cfgMu.Unlock() }
func (c *ChaosEP) SetReorder(p float64) { c.cfgMu.Lock(); c.cfg.Reorder = clamp01(p); c.cfgMu.Unlock() }
func (c *ChaosEP) SetBaseDelay(d time.Duration) {
	c.cfgMu.Lock()
	c.cfg.BaseDelay = d
	c.cfgMu.Unlock()
}
func (c *ChaosEP) SetJitter(d time.Duration) { c.cfgMu.Lock(); c.cfg.Jitter = d; c.cfgMu.Unlock() }
func (c *ChaosEP) GetConfig() ChaosConfig {
	cfg := c.getCfg()
	cfg.Up = c.up.Load()
	return cfg
}

func (c *ChaosEP) getCfg() ChaosConfig { c.cfgMu.RLock(); defer c.cfgMu.RUnlock(); return c.cfg }

func (c *ChaosEP) delayWithJitter(cfg ChaosConfig) time.Duration {
	if cfg.Jitter <= 0 {
		return cfg.BaseDelay
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	j := time.Duration(c.rng.Int63n(int64(cfg.Jitter)*2)) - cfg.Jitter
	return cfg.BaseDelay + j
}

func (c *ChaosEP) roll() float64 {
	c.rngMu.Lock()
	x := c.rng.Float64()
	c.rngMu.Unlock()
	return x
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
