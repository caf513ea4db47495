package association

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/juanpablocruz/alpha/pkg/cachetree"
	"github.com/juanpablocruz/alpha/pkg/digest"
	"github.com/juanpablocruz/alpha/pkg/wire"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_700_000_000, 0)

func params() Params {
	return Params{Suite: digest.SHA1, ChainLength: 200, SecMode: cachetree.OneNode, S1Timeout: time.Second, MaxS1Retries: 3}
}

// pair bootstraps an outgoing association and its mirrored incoming one the
// way the control protocol does.
func pair(t *testing.T, p Params, mode wire.Mode) (*Association, *Association) {
	t.Helper()
	out, err := New(p, 7, Outgoing, mode)
	require.NoError(t, err)
	in, err := New(p, 7, Incoming, mode)
	require.NoError(t, err)
	in.AddSignAnchor(out.SignElement())
	out.AddAckAnchor(in.AckElement())
	require.NoError(t, in.PopAck())
	require.NoError(t, out.PopSign())
	out.SetReady()
	in.SetReady()
	return out, in
}

// round runs S1, A1 and every S2 in order and returns what was delivered.
func round(t *testing.T, out, in *Association) [][]byte {
	t.Helper()
	o, err := out.SendS1(t0)
	require.NoError(t, err)
	require.Len(t, o.Frames, 1)
	require.Equal(t, SentS1WaitA1, out.Sending())

	s1, err := wire.DecodeS1(o.Frames[0])
	require.NoError(t, err)
	r, err := in.HandleS1(s1)
	require.NoError(t, err)
	require.True(t, r.Valid)
	require.Equal(t, SentA1WaitS2, in.Receiving())

	a1, err := wire.DecodeA1(r.Frames[0])
	require.NoError(t, err)
	o, err = out.HandleA1(a1)
	require.NoError(t, err)
	require.True(t, o.Valid)
	require.Equal(t, SendReady, out.Sending())

	var got [][]byte
	for _, f := range o.Frames {
		s2, err := wire.DecodeS2(f)
		require.NoError(t, err)
		res, err := in.HandleS2(s2)
		require.NoError(t, err)
		require.True(t, res.Valid)
		got = append(got, res.Delivered...)
	}
	require.Equal(t, RecvReady, in.Receiving())
	return got
}

func payloads(n int, tag string) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("%s-%d", tag, i))
	}
	return out
}

func TestRoundLivenessAllModes(t *testing.T) {
	cases := []struct {
		mode wire.Mode
		n    int
	}{
		{wire.ModeN, 1},
		{wire.ModeC, 5},
		{wire.ModeC, wire.MaxPresigCount},
		{wire.ModeM, 2},
		{wire.ModeM, 5},
		{wire.ModeM, 64},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s/%d", c.mode, c.n), func(t *testing.T) {
			out, in := pair(t, params(), c.mode)
			for r := 0; r < 3; r++ {
				ps := payloads(c.n, fmt.Sprintf("r%d", r))
				for _, p := range ps {
					out.Enqueue(p)
				}
				got := round(t, out, in)
				require.Equal(t, ps, got)
			}
		})
	}
}

func TestModeNScenario(t *testing.T) {
	p := params()
	out, in := pair(t, p, wire.ModeN)
	payload := []byte("P")
	anchor := append([]byte(nil), out.SignElement()...)
	key, _ := out.sign.Next()
	out.Enqueue(payload)

	o, _ := out.SendS1(t0)
	s1, _ := wire.DecodeS1(o.Frames[0])
	require.Equal(t, anchor, s1.Anchor)
	sigs, err := s1.HMACs()
	require.NoError(t, err)
	require.Equal(t, p.Suite.HMAC(payload, key), sigs[0])

	r, _ := in.HandleS1(s1)
	a1, _ := wire.DecodeA1(r.Frames[0])
	o, _ = out.HandleA1(a1)
	s2, _ := wire.DecodeS2(o.Frames[0])
	require.Equal(t, key, s2.Anchor)
	require.Equal(t, payload, s2.Payload())
	require.True(t, digest.Equal(p.Suite.HMAC(s2.Payload(), s2.Anchor), sigs[0]))

	res, err := in.HandleS2(s2)
	require.NoError(t, err)
	require.Equal(t, [][]byte{payload}, res.Delivered)
}

func TestReplayRejected(t *testing.T) {
	out, in := pair(t, params(), wire.ModeN)
	out.Enqueue([]byte("first"))
	o, _ := out.SendS1(t0)
	s1, _ := wire.DecodeS1(o.Frames[0])
	r, _ := in.HandleS1(s1)
	a1, _ := wire.DecodeA1(r.Frames[0])
	o, _ = out.HandleA1(a1)
	old, _ := wire.DecodeS2(o.Frames[0])
	res, err := in.HandleS2(old)
	require.NoError(t, err)
	require.Len(t, res.Delivered, 1)

	_, err = in.HandleS2(old)
	require.ErrorIs(t, err, ErrInvalidState)

	out.Enqueue([]byte("second"))
	o, _ = out.SendS1(t0)
	s1, _ = wire.DecodeS1(o.Frames[0])
	_, err = in.HandleS1(s1)
	require.NoError(t, err)

	res, err = in.HandleS2(old)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Empty(t, res.Delivered)

	// the consumed S1 no longer verifies either
	stale, _ := wire.DecodeS1(wire.EncodeS1HMAC(7, old.Anchor, [][]byte{make([]byte, wire.H)}))
	res, err = in.HandleS1(stale)
	require.NoError(t, err)
	require.False(t, res.Valid)
}

func TestTamperedPayloadDropped(t *testing.T) {
	for _, mode := range []wire.Mode{wire.ModeN, wire.ModeC, wire.ModeM} {
		out, in := pair(t, params(), mode)
		out.Enqueue([]byte("a"))
		out.Enqueue([]byte("b"))
		o, _ := out.SendS1(t0)
		s1, _ := wire.DecodeS1(o.Frames[0])
		r, _ := in.HandleS1(s1)
		a1, _ := wire.DecodeA1(r.Frames[0])
		o, _ = out.HandleA1(a1)

		f := append([]byte(nil), o.Frames[0]...)
		f[len(f)-1] ^= 0xff
		s2, _ := wire.DecodeS2(f)
		res, err := in.HandleS2(s2)
		require.NoError(t, err, "mode %s", mode)
		require.False(t, res.Valid, "mode %s", mode)
		require.Equal(t, SentA1WaitS2, in.Receiving())
	}
}

func TestWrongReturnAnchorIgnored(t *testing.T) {
	out, in := pair(t, params(), wire.ModeN)
	out.Enqueue([]byte("x"))
	o, _ := out.SendS1(t0)
	s1, _ := wire.DecodeS1(o.Frames[0])
	r, _ := in.HandleS1(s1)
	a1, _ := wire.DecodeA1(r.Frames[0])
	a1.ReturnAnchor = bytes.Repeat([]byte{1}, wire.H)
	res, err := out.HandleA1(a1)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, SentS1WaitA1, out.Sending())
}

func TestS1RetransmitReusesA1(t *testing.T) {
	out, in := pair(t, params(), wire.ModeC)
	for _, p := range payloads(3, "c") {
		out.Enqueue(p)
	}
	o, _ := out.SendS1(t0)

	none, err := out.HandleTimeouts(t0.Add(500 * time.Millisecond))
	require.NoError(t, err)
	require.Empty(t, none.Frames)

	rt, err := out.HandleTimeouts(t0.Add(3 * time.Second))
	require.NoError(t, err)
	require.True(t, rt.Retransmit)
	require.Equal(t, o.Frames, rt.Frames)

	s1, _ := wire.DecodeS1(o.Frames[0])
	first, _ := in.HandleS1(s1)
	again, err := in.HandleS1(s1)
	require.NoError(t, err)
	require.True(t, again.Retransmit)
	require.Equal(t, first.Frames, again.Frames)
}

func TestRetriesExhausted(t *testing.T) {
	out, _ := pair(t, params(), wire.ModeN)
	out.Enqueue([]byte("lost"))
	_, _ = out.SendS1(t0)
	now := t0
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		now = now.Add(3 * time.Second)
		_, err = out.HandleTimeouts(now)
	}
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, [][]byte{[]byte("lost")}, out.DrainQueue())
}

func TestLostS2RoundIsAbandoned(t *testing.T) {
	out, in := pair(t, params(), wire.ModeN)
	out.Enqueue([]byte("dropped"))
	o, _ := out.SendS1(t0)
	s1, _ := wire.DecodeS1(o.Frames[0])
	r, _ := in.HandleS1(s1)
	a1, _ := wire.DecodeA1(r.Frames[0])
	_, err := out.HandleA1(a1)
	require.NoError(t, err)
	// S2 never arrives

	out.Enqueue([]byte("next"))
	o, _ = out.SendS1(t0)
	s1, _ = wire.DecodeS1(o.Frames[0])
	r, err = in.HandleS1(s1)
	require.NoError(t, err)
	require.True(t, r.Valid)
	require.True(t, r.Abandoned)

	a1, _ = wire.DecodeA1(r.Frames[0])
	o, err = out.HandleA1(a1)
	require.NoError(t, err)
	require.True(t, o.Valid)
	s2, _ := wire.DecodeS2(o.Frames[0])
	res, err := in.HandleS2(s2)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("next")}, res.Delivered)
}

func TestModeZDirect(t *testing.T) {
	out, in := pair(t, params(), wire.ModeZ)
	out.Enqueue([]byte("z1"))
	out.Enqueue([]byte("z2"))
	o, err := out.SendS1(t0)
	require.NoError(t, err)
	require.Len(t, o.Frames, 2)
	require.Equal(t, SendReady, out.Sending())
	for i, f := range o.Frames {
		z, err := wire.DecodeZ(f)
		require.NoError(t, err)
		res, err := in.HandleZ(z)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("z%d", i+1), string(res.Delivered[0]))
	}
}

func TestModeMDuplicateIgnored(t *testing.T) {
	out, in := pair(t, params(), wire.ModeM)
	for _, p := range payloads(4, "m") {
		out.Enqueue(p)
	}
	o, _ := out.SendS1(t0)
	s1, _ := wire.DecodeS1(o.Frames[0])
	r, _ := in.HandleS1(s1)
	a1, _ := wire.DecodeA1(r.Frames[0])
	o, _ = out.HandleA1(a1)
	s2, _ := wire.DecodeS2(o.Frames[0])
	res, _ := in.HandleS2(s2)
	require.True(t, res.Valid)
	res, err := in.HandleS2(s2)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Empty(t, res.Delivered)
}

func TestFillPerMode(t *testing.T) {
	host := payloads(7, "h")
	m, _ := New(params(), 1, Outgoing, wire.ModeM)
	require.Equal(t, 4, m.Fill(&host, false))
	require.Len(t, host, 3)

	one := payloads(1, "h")
	m2, _ := New(params(), 2, Outgoing, wire.ModeM)
	require.Equal(t, 0, m2.Fill(&one, false))
	require.Equal(t, 1, m2.Fill(&one, true))

	many := payloads(100, "h")
	c, _ := New(params(), 3, Outgoing, wire.ModeC)
	require.Equal(t, wire.MaxPresigCount, c.Fill(&many, false))

	n, _ := New(params(), 4, Outgoing, wire.ModeN)
	require.Equal(t, 1, n.Fill(&many, false))
	require.Equal(t, 0, n.Fill(&many, false))
}

func TestChainExhaustionFlagged(t *testing.T) {
	p := params()
	p.ChainLength = 30
	out, in := pair(t, p, wire.ModeN)
	rounds := 0
	for !out.NeedsReplacement() {
		out.Enqueue([]byte("p"))
		round(t, out, in)
		rounds++
		require.Less(t, rounds, 30)
	}
	require.LessOrEqual(t, out.SignRemaining(), MinAnchors)
}

// A worn association keeps answering rounds until its replacement is up;
// only an empty ack chain refuses an S1.
func TestWornAssociationStillReceives(t *testing.T) {
	p := params()
	p.ChainLength = 30
	out, in := pair(t, p, wire.ModeN)
	for out.SignRemaining() > MinAnchors/2 && in.AckRemaining() > MinAnchors/2 {
		out.Enqueue([]byte("late"))
		require.Equal(t, [][]byte{[]byte("late")}, round(t, out, in))
	}
	require.LessOrEqual(t, in.AckRemaining(), MinAnchors)
	require.True(t, in.NeedsReplacement())
}

func TestStateChecks(t *testing.T) {
	out, in := pair(t, params(), wire.ModeN)
	_, err := out.HandleA1(wire.A1{Assoc: 7, Anchor: make([]byte, wire.H), ReturnAnchor: make([]byte, wire.H)})
	require.True(t, errors.Is(err, ErrInvalidState))
	_, err = in.HandleS2(wire.S2{Assoc: 7, Anchor: make([]byte, wire.H)})
	require.True(t, errors.Is(err, ErrInvalidState))
	_, err = New(params(), 1, Outgoing, wire.Mode(9))
	require.ErrorIs(t, err, ErrInvalidMode)
}
