// Package network runs the tunnel over libp2p streams as an alternative to
// raw UDP, for endpoints behind NATs that libp2p can traverse.
package network

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	pNetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/juanpablocruz/alpha/pkg/transport"
)

// ProtocolID names the tunnel stream protocol.
const ProtocolID = protocol.ID("/alpha/tunnel/1.0.0")

const maxFrame = 64 * 1024

type envelope struct {
	from transport.Addr
	data []byte
}

// P2PEndpoint implements transport.EndpointIF. Addresses are libp2p peer
// ids; AddPeer teaches the host how to reach one.
type P2PEndpoint struct {
	host host.Host
	log  *slog.Logger

	in     chan envelope
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[peer.ID]*p2pStream
}

type p2pStream struct {
	s   pNetwork.Stream
	wmu sync.Mutex
}

// Listen starts a libp2p host on the given multiaddress, for example
// /ip4/0.0.0.0/tcp/4001.
func Listen(listen string, log *slog.Logger) (*P2PEndpoint, error) {
	priv, _, err := crypto.GenerateKeyPairWithReader(crypto.Ed25519, -1, rand.Reader)
	if err != nil {
		return nil, err
	}
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(listen),
		libp2p.Identity(priv),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &P2PEndpoint{
		host:    h,
		log:     log,
		in:      make(chan envelope, 1024),
		ctx:     ctx,
		cancel:  cancel,
		streams: map[peer.ID]*p2pStream{},
	}
	h.SetStreamHandler(ProtocolID, func(s pNetwork.Stream) {
		e.readLoop(s)
	})
	return e, nil
}

// Addr is the local peer id.
func (e *P2PEndpoint) Addr() transport.Addr { return transport.Addr(e.host.ID().String()) }

// FullAddrs are the dialable multiaddresses including the /p2p component.
func (e *P2PEndpoint) FullAddrs() []string {
	hostAddr, err := ma.NewMultiaddr(fmt.Sprintf("/p2p/%s", e.host.ID()))
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range e.host.Addrs() {
		out = append(out, a.Encapsulate(hostAddr).String())
	}
	return out
}

// AddPeer registers a remote /p2p multiaddress and returns its address.
func (e *P2PEndpoint) AddPeer(target string) (transport.Addr, error) {
	maddr, err := ma.NewMultiaddr(target)
	if err != nil {
		return "", err
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", err
	}
	e.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
	return transport.Addr(info.ID.String()), nil
}

func (e *P2PEndpoint) RecvFrom(ctx context.Context) (transport.Addr, []byte, bool) {
	select {
	case <-e.ctx.Done():
		return "", nil, false
	case <-ctx.Done():
		return "", nil, false
	case env := <-e.in:
		return env.from, env.data, true
	}
}

func (e *P2PEndpoint) Send(to transport.Addr, frame []byte) error {
	if len(frame) > maxFrame {
		return fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLarge, len(frame))
	}
	id, err := peer.Decode(string(to))
	if err != nil {
		return fmt.Errorf("%w: %s", transport.ErrUnknownAddr, to)
	}
	st, err := e.stream(id)
	if err != nil {
		return err
	}
	st.wmu.Lock()
	err = writeFrame(st.s, frame)
	st.wmu.Unlock()
	if err != nil {
		e.mu.Lock()
		if e.streams[id] == st {
			delete(e.streams, id)
		}
		e.mu.Unlock()
		_ = st.s.Reset()
	}
	return err
}

func (e *P2PEndpoint) stream(id peer.ID) (*p2pStream, error) {
	e.mu.Lock()
	if st, ok := e.streams[id]; ok {
		e.mu.Unlock()
		return st, nil
	}
	e.mu.Unlock()

	s, err := e.host.NewStream(e.ctx, id, ProtocolID)
	if err != nil {
		return nil, err
	}
	st := &p2pStream{s: s}
	e.mu.Lock()
	if cur, ok := e.streams[id]; ok {
		e.mu.Unlock()
		_ = s.Reset()
		return cur, nil
	}
	e.streams[id] = st
	e.mu.Unlock()
	go e.readLoop(s)
	return st, nil
}

func (e *P2PEndpoint) readLoop(s pNetwork.Stream) {
	from := transport.Addr(s.Conn().RemotePeer().String())
	r := bufio.NewReader(s)
	for {
		b, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Debug("p2p_stream_closed", "peer", from, "err", err)
			}
			_ = s.Close()
			return
		}
		select {
		case e.in <- envelope{from: from, data: b}:
		case <-e.ctx.Done():
			return
		default:
			// tunnel loop is behind; datagram semantics allow the drop
		}
	}
}

func (e *P2PEndpoint) Close() {
	e.cancel()
	e.mu.Lock()
	for id, st := range e.streams {
		_ = st.s.Close()
		delete(e.streams, id)
	}
	e.mu.Unlock()
	if err := e.host.Close(); err != nil {
		e.log.Warn("p2p_close", "err", err)
	}
}

func writeFrame(w io.Writer, p []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(p)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return nil, fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
