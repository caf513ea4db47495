package eventlog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/alpha/pkg/peer"
	"github.com/juanpablocruz/alpha/pkg/tunnel"
)

func TestWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir)
	require.NoError(t, err)

	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, w.Event(tunnel.Event{Time: when, Tunnel: "a", Peer: "b", Type: tunnel.EventDeliver, Fields: map[string]any{"bytes": 12}}))
	require.NoError(t, w.Event(tunnel.Event{Time: when, Tunnel: "a", Type: tunnel.EventStart}))
	require.NoError(t, w.Snapshot("a", []peer.Info{{ID: 1, Name: "b", Handshake: "READY"}}, when))
	require.NoError(t, w.Close())

	evs, err := ReadLatest[Line](dir, EventsPattern)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, "deliver", evs[0].Type)
	require.Equal(t, "b", evs[0].Peer)
	require.Equal(t, float64(12), evs[0].Fields["bytes"])
	require.True(t, evs[0].Time.Equal(when))

	snaps, err := ReadLatest[SnapshotLine](dir, SnapshotsPattern)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, "READY", snaps[0].Peers[0].Handshake)
}

func TestReadLatestEmptyDir(t *testing.T) {
	out, err := ReadLatest[Line](t.TempDir(), EventsPattern)
	require.NoError(t, err)
	require.Empty(t, out)
}
