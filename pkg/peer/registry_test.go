package peer

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/juanpablocruz/alpha/pkg/association"
	"github.com/juanpablocruz/alpha/pkg/cachetree"
	"github.com/juanpablocruz/alpha/pkg/clock"
	"github.com/juanpablocruz/alpha/pkg/digest"
	"github.com/juanpablocruz/alpha/pkg/wire"
	"github.com/stretchr/testify/require"
)

type queueSender struct{ q *[][]byte }

func (s queueSender) Send(_ ClientID, f []byte) error {
	*s.q = append(*s.q, append([]byte(nil), f...))
	return nil
}

// harness connects two registries through in-memory queues. Each registry
// knows the other as client id 1.
type harness struct {
	t        *testing.T
	clk      *clock.Fake
	a, b     *Registry
	toA, toB [][]byte
	gotA     [][]byte
	gotB     [][]byte
	evA, evB []Event
	dropToB  func(f []byte) bool
}

func newHarness(t *testing.T, mut func(*Config)) *harness {
	t.Helper()
	h := &harness{t: t, clk: clock.NewFake(time.Unix(1_700_000_000, 0))}
	_, aKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bPub, bKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	cfg := func(key ed25519.PrivateKey) Config {
		c := Config{
			Params: association.Params{
				Suite:        digest.SHA1,
				ChainLength:  200,
				SecMode:      cachetree.OneNode,
				S1Timeout:    time.Second,
				MaxS1Retries: 4,
			},
			Counts: map[wire.Mode]int{wire.ModeN: 1, wire.ModeC: 1, wire.ModeM: 1, wire.ModeZ: 1},
			Key:    key,
		}
		if mut != nil {
			mut(&c)
		}
		return c
	}
	h.a, err = NewRegistry(cfg(aKey), queueSender{&h.toB}, WithClock(h.clk),
		WithDeliverer(func(_ ClientID, p []byte) { h.gotA = append(h.gotA, p) }),
		WithEvents(func(e Event) { h.evA = append(h.evA, e) }))
	require.NoError(t, err)
	h.b, err = NewRegistry(cfg(bKey), queueSender{&h.toA}, WithClock(h.clk),
		WithDeliverer(func(_ ClientID, p []byte) { h.gotB = append(h.gotB, p) }),
		WithEvents(func(e Event) { h.evB = append(h.evB, e) }))
	require.NoError(t, err)

	id, err := h.a.AddPeer(Spec{Name: "b", Addr: "10.0.0.2:4000", PublicKey: bPub, Initiate: true})
	require.NoError(t, err)
	require.Equal(t, ClientID(1), id)
	id, err = h.b.AddPeer(Spec{Name: "a", Addr: "10.0.0.1:4000"})
	require.NoError(t, err)
	require.Equal(t, ClientID(1), id)
	return h
}

// pump exchanges frames until both sides go quiet.
func (h *harness) pump() {
	h.t.Helper()
	for i := 0; i < 10000; i++ {
		if len(h.toA) == 0 && len(h.toB) == 0 {
			_ = h.a.DistributeQueuedPackets(1)
			_ = h.b.DistributeQueuedPackets(1)
			if len(h.toA) == 0 && len(h.toB) == 0 {
				return
			}
			continue
		}
		fa, fb := h.toA, h.toB
		h.toA, h.toB = nil, nil
		for _, f := range fb {
			if h.dropToB != nil && h.dropToB(f) {
				continue
			}
			if err := h.b.ProcessIncoming(1, f); err != nil {
				h.t.Logf("b: %v", err)
			}
		}
		for _, f := range fa {
			if err := h.a.ProcessIncoming(1, f); err != nil {
				h.t.Logf("a: %v", err)
			}
		}
		_ = h.a.DistributeQueuedPackets(1)
		_ = h.b.DistributeQueuedPackets(1)
	}
	h.t.Fatalf("exchange did not settle")
}

// settle pumps and fires timers until nothing is pending.
func (h *harness) settle() {
	h.t.Helper()
	for i := 0; i < 200; i++ {
		h.pump()
		next := earliest(h.a.NextDeadline(), h.b.NextDeadline())
		if next.IsZero() {
			return
		}
		if next.After(h.clk.Now()) {
			h.clk.Set(next)
		}
		_ = h.a.HandleTimeouts(1)
		_ = h.b.HandleTimeouts(1)
	}
	h.t.Fatalf("timers did not settle")
}

func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	}
	return a
}

func (h *harness) connect() {
	h.t.Helper()
	require.NoError(h.t, h.a.Connect(1))
	h.settle()
}

func countType(evs []Event, typ string) int {
	n := 0
	for _, e := range evs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func outAssocs(in Info) []AssocInfo {
	var out []AssocInfo
	for _, a := range in.Assocs {
		if a.Dir == association.Outgoing.String() {
			out = append(out, a)
		}
	}
	return out
}

func TestHandshakeAndBootstrap(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	for name, r := range map[string]*Registry{"a": h.a, "b": h.b} {
		info := r.Snapshot()[0]
		if info.Handshake != "READY" {
			t.Fatalf("%s: handshake %s", name, info.Handshake)
		}
		// control, four outgoing and four incoming
		require.Len(t, info.Assocs, 9, name)
		for _, a := range outAssocs(info) {
			require.Equal(t, "READY", a.Sending, "%s assoc %d", name, a.ID)
		}
		require.True(t, r.Ready(1), name)
	}
	require.Equal(t, 1, countType(h.evA, "handshake_ready"))
	require.Equal(t, 1, countType(h.evB, "handshake_ready"))
	require.Equal(t, 4, countType(h.evA, "assoc_new"))
}

func TestDeliverAcrossModes(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	var sent [][]byte
	for i := 0; i < 40; i++ {
		p := []byte(fmt.Sprintf("payload-%02d", i))
		sent = append(sent, p)
		require.NoError(t, h.a.Enqueue(1, p))
	}
	h.settle()
	require.ElementsMatch(t, sent, h.gotB)
	require.Empty(t, h.gotA)
}

func TestMerkleFlushAfterPacketTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Counts = map[wire.Mode]int{wire.ModeM: 1}
		c.PacketTimeout = 100 * time.Millisecond
	})
	h.connect()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.a.Enqueue(1, []byte{byte(i)}))
	}
	h.pump()
	require.Len(t, h.gotB, 4)
	require.Equal(t, 1, h.a.Snapshot()[0].Queue)

	h.settle()
	require.Len(t, h.gotB, 5)
	require.Equal(t, []byte{4}, h.gotB[4])
}

func TestKillReplacesAssociation(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Counts = map[wire.Mode]int{wire.ModeN: 1} })
	h.connect()

	before := outAssocs(h.a.Snapshot()[0])
	require.Len(t, before, 1)
	old := before[0].ID

	require.NoError(t, h.a.KillAssociations(1, []uint8{old}))
	h.settle()

	after := outAssocs(h.a.Snapshot()[0])
	require.Len(t, after, 1)
	require.NotEqual(t, old, after[0].ID)
	require.Equal(t, "READY", after[0].Sending)
	require.Equal(t, 1, countType(h.evB, "assoc_removed"))

	require.NoError(t, h.a.Enqueue(1, []byte("after-kill")))
	h.settle()
	require.Equal(t, [][]byte{[]byte("after-kill")}, h.gotB)
}

func TestChainExhaustionAndControlSwap(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Params.ChainLength = 30
		c.Counts = map[wire.Mode]int{wire.ModeN: 1}
	})
	h.connect()

	var sent [][]byte
	for i := 0; i < 100; i++ {
		p := []byte(fmt.Sprintf("m%03d", i))
		sent = append(sent, p)
		require.NoError(t, h.a.Enqueue(1, p))
		h.settle()
	}
	require.Equal(t, sent, h.gotB)
	require.Positive(t, countType(h.evA, "assoc_worn"))
	require.Positive(t, countType(h.evA, "control_swap"))
	require.Positive(t, countType(h.evB, "control_swap"))
	require.Zero(t, countType(h.evA, "peer_lost"))
}

func TestLostAckIsRetransmitted(t *testing.T) {
	h := newHarness(t, nil)
	dropped := false
	h.dropToB = func(f []byte) bool {
		if !dropped && wire.Type(f[0]) == wire.MT_ACKACK {
			dropped = true
			return true
		}
		return false
	}
	h.connect()
	require.True(t, dropped)
	require.Equal(t, "READY", h.b.Snapshot()[0].Handshake)
	require.True(t, h.a.Ready(1))
}

func TestPeerRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.connect()
	require.Equal(t, 1, countType(h.evB, "peer_restart"))
	require.Equal(t, "READY", h.b.Snapshot()[0].Handshake)

	require.NoError(t, h.a.Enqueue(1, []byte("again")))
	h.settle()
	require.Equal(t, [][]byte{[]byte("again")}, h.gotB)
}

func TestBadSignatureRejected(t *testing.T) {
	h := newHarness(t, nil)
	other, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	h.a.peers[1].PublicKey = other

	require.NoError(t, h.a.Connect(1))
	h.pump()
	require.Equal(t, association.SentSynWaitAck.String(), h.a.Snapshot()[0].Handshake)
	require.Positive(t, countType(h.evA, "verify_fail"))
}

func TestProtocolErrors(t *testing.T) {
	h := newHarness(t, nil)

	s1 := wire.EncodeS1HMAC(0, make([]byte, wire.H), [][]byte{make([]byte, wire.H)})
	err := h.b.ProcessIncoming(1, s1)
	require.True(t, errors.Is(err, ErrInvalidState), "got %v", err)

	require.ErrorIs(t, h.b.ProcessIncoming(9, s1), ErrUnknownPeer)
	require.ErrorIs(t, h.b.ProcessIncoming(1, []byte{}), wire.ErrMalformed)

	h.connect()
	a1 := wire.A1{Assoc: 99, Anchor: make([]byte, wire.H), ReturnAnchor: make([]byte, wire.H)}.Encode()
	require.ErrorIs(t, h.a.ProcessIncoming(1, a1), ErrUnknownAssociation)
}

func TestEnqueueLimits(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxHostQueue = 2 })
	require.NoError(t, h.a.Enqueue(1, []byte("1")))
	require.NoError(t, h.a.Enqueue(1, []byte("2")))
	require.ErrorIs(t, h.a.Enqueue(1, []byte("3")), ErrQueueFull)
	require.ErrorIs(t, h.a.Enqueue(7, []byte("x")), ErrUnknownPeer)
	require.False(t, h.a.Ready(1))
}

func TestAllocIDSkipsUsed(t *testing.T) {
	p := newPeer(1, Spec{})
	p.lastID = 253
	p.out[254] = nil
	id, ok := p.allocID()
	require.True(t, ok)
	require.Equal(t, uint8(1), id)

	for i := uint8(1); i <= 254; i++ {
		p.out[i] = nil
	}
	_, ok = p.allocID()
	require.False(t, ok)
}

func dropFirstControlS2(dropped *bool) func([]byte) bool {
	return func(f []byte) bool {
		if *dropped || wire.Type(f[0]) != wire.MT_S2 {
			return false
		}
		s2, err := wire.DecodeS2(f)
		if err != nil || s2.Assoc != 0 {
			return false
		}
		*dropped = true
		return true
	}
}

func TestLostAnnouncementIsReplaced(t *testing.T) {
	h := newHarness(t, nil)
	dropped := false
	h.dropToB = dropFirstControlS2(&dropped)
	h.connect()
	require.True(t, dropped)

	outs := outAssocs(h.a.Snapshot()[0])
	require.Len(t, outs, 4)
	for _, a := range outs {
		require.Equal(t, "READY", a.Sending, "assoc %d", a.ID)
	}
	require.True(t, h.a.Ready(1))
	require.Positive(t, countType(h.evA, "warn"))
	require.Equal(t, 4, countType(h.evA, "assoc_new"))

	var sent [][]byte
	for i := 0; i < 8; i++ {
		p := []byte(fmt.Sprintf("after-loss-%d", i))
		sent = append(sent, p)
		require.NoError(t, h.a.Enqueue(1, p))
	}
	h.settle()
	require.ElementsMatch(t, sent, h.gotB)
}

// returnConnectHash asks b for the address hash it hands to a.
func (h *harness) returnConnectHash() []byte {
	h.t.Helper()
	require.NoError(h.t, h.b.ProcessIncoming(1, wire.Connect{}.Encode()))
	require.Len(h.t, h.toA, 1)
	rc, err := wire.DecodeReturnConnect(h.toA[0])
	require.NoError(h.t, err)
	h.toA = nil
	return rc.AddrHash
}

func synWith(hash []byte) []byte {
	return wire.Syn{
		Challenge: 42,
		AddrHash:  hash,
		Sign:      bytes.Repeat([]byte{1}, wire.H),
		Ack:       bytes.Repeat([]byte{2}, wire.H),
	}.Encode()
}

func TestConnectHashTimeslots(t *testing.T) {
	cases := []struct {
		name   string
		after  time.Duration
		accept bool
	}{
		{"same slot", time.Second, true},
		{"previous slot", TimeslotSize + time.Second, true},
		{"two slots old", 2*TimeslotSize + time.Second, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, nil)
			start := h.clk.Now().Truncate(TimeslotSize)
			h.clk.Set(start)
			hash := h.returnConnectHash()

			h.clk.Set(start.Add(c.after))
			require.NoError(t, h.b.ProcessIncoming(1, synWith(hash)))
			if c.accept {
				require.Len(t, h.toA, 1)
				require.Equal(t, wire.MT_ACK, wire.Type(h.toA[0][0]))
				require.Equal(t, association.SentAckWaitAckAck.String(), h.b.Snapshot()[0].Handshake)
				return
			}
			require.Empty(t, h.toA)
			require.Equal(t, 1, countType(h.evB, "verify_fail"))
			require.Equal(t, association.HandshakeNew.String(), h.b.Snapshot()[0].Handshake)
		})
	}
}

func TestConnectHashBoundToAddress(t *testing.T) {
	h := newHarness(t, nil)
	other := h.b.addrHash("10.0.0.9:4000", timeslot(h.clk.Now()))
	require.NoError(t, h.b.ProcessIncoming(1, synWith(other)))
	require.Empty(t, h.toA)
	require.Equal(t, 1, countType(h.evB, "verify_fail"))
	require.Equal(t, association.HandshakeNew.String(), h.b.Snapshot()[0].Handshake)
}

func TestForgedAckAckIgnored(t *testing.T) {
	h := newHarness(t, nil)
	dropped := false
	h.dropToB = func(f []byte) bool {
		if !dropped && wire.Type(f[0]) == wire.MT_ACKACK {
			dropped = true
			return true
		}
		return false
	}
	require.NoError(t, h.a.Connect(1))
	h.pump()
	require.True(t, dropped)
	require.Equal(t, association.SentAckWaitAckAck.String(), h.b.Snapshot()[0].Handshake)

	forged := wire.AckAck{Ack: bytes.Repeat([]byte{0xee}, wire.H)}.Encode()
	require.NoError(t, h.b.ProcessIncoming(1, forged))
	require.Equal(t, 1, countType(h.evB, "verify_fail"))
	require.Equal(t, association.SentAckWaitAckAck.String(), h.b.Snapshot()[0].Handshake)

	h.settle()
	require.Equal(t, "READY", h.b.Snapshot()[0].Handshake)
	require.True(t, h.a.Ready(1))
}

// Unauthenticated A1s on unknown ids collapse into one kill message per
// grace period.
func TestUnknownA1KillsAreBatched(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	a1 := func(id uint8) []byte {
		return wire.A1{Assoc: id, Anchor: make([]byte, wire.H), ReturnAnchor: make([]byte, wire.H)}.Encode()
	}
	controlS1s := func() int {
		n := 0
		for _, f := range h.toB {
			if wire.Type(f[0]) != wire.MT_S1 {
				continue
			}
			if s1, err := wire.DecodeS1(f); err == nil && s1.Assoc == 0 {
				n++
			}
		}
		return n
	}

	var free []uint8
	for id := uint8(1); len(free) < 4; id++ {
		if _, used := h.a.peers[1].out[id]; !used {
			free = append(free, id)
		}
	}
	for i := 0; i < 50; i++ {
		require.ErrorIs(t, h.a.ProcessIncoming(1, a1(free[i%3])), ErrUnknownAssociation)
	}
	require.Empty(t, h.toB)
	require.NoError(t, h.a.DistributeQueuedPackets(1))
	require.Equal(t, 1, controlS1s())
	h.pump()

	require.ErrorIs(t, h.a.ProcessIncoming(1, a1(free[3])), ErrUnknownAssociation)
	require.NoError(t, h.a.DistributeQueuedPackets(1))
	require.Zero(t, controlS1s())
	require.Equal(t, []uint8{free[3]}, h.a.peers[1].orphans)

	h.settle()
	require.Empty(t, h.a.peers[1].orphans)
}
