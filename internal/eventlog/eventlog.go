// Package eventlog writes tunnel events and periodic peer snapshots as JSON
// lines for offline analysis with cmd/logreport.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/juanpablocruz/alpha/pkg/peer"
	"github.com/juanpablocruz/alpha/pkg/tunnel"
)

const (
	EventsPattern    = "events-*.jsonl"
	SnapshotsPattern = "snapshots-*.jsonl"
)

// Line is one event record.
type Line struct {
	Kind     string         `json:"kind"`
	Time     time.Time      `json:"time"`
	Tunnel   string         `json:"tunnel"`
	Instance string         `json:"instance,omitempty"`
	Peer     string         `json:"peer,omitempty"`
	Type     string         `json:"type"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// SnapshotLine records every peer of one tunnel at a point in time.
type SnapshotLine struct {
	Kind   string      `json:"kind"`
	Time   time.Time   `json:"time"`
	Tunnel string      `json:"tunnel"`
	Peers  []peer.Info `json:"peers"`
}

// Writer appends to an events file and a snapshots file created side by
// side in one directory.
type Writer struct {
	mu    sync.Mutex
	evF   *os.File
	snapF *os.File
	evW   *bufio.Writer
	snapW *bufio.Writer
}

func Create(dir string) (*Writer, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("make log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	ef, err := os.Create(filepath.Join(dir, fmt.Sprintf("events-%s.jsonl", ts)))
	if err != nil {
		return nil, err
	}
	sf, err := os.Create(filepath.Join(dir, fmt.Sprintf("snapshots-%s.jsonl", ts)))
	if err != nil {
		_ = ef.Close()
		return nil, err
	}
	return &Writer{
		evF:   ef,
		snapF: sf,
		evW:   bufio.NewWriterSize(ef, 64<<10),
		snapW: bufio.NewWriterSize(sf, 64<<10),
	}, nil
}

func (w *Writer) Event(e tunnel.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return json.NewEncoder(w.evW).Encode(Line{
		Kind:     "event",
		Time:     e.Time,
		Tunnel:   e.Tunnel,
		Instance: e.Instance,
		Peer:     e.Peer,
		Type:     string(e.Type),
		Fields:   e.Fields,
	})
}

func (w *Writer) Snapshot(tunnelName string, peers []peer.Info, when time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return json.NewEncoder(w.snapW).Encode(SnapshotLine{Kind: "snapshot", Time: when, Tunnel: tunnelName, Peers: peers})
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Join(w.evW.Flush(), w.snapW.Flush(), w.evF.Close(), w.snapF.Close())
}

// ReadLatest decodes the newest file in dir matching pattern. Lines that do
// not decode are skipped.
func ReadLatest[T any](dir, pattern string) ([]T, error) {
	files, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil || len(files) == 0 {
		return nil, err
	}
	sort.Strings(files)
	f, err := os.Open(files[len(files)-1])
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64<<10), 4<<20)
	var out []T
	for s.Scan() {
		var v T
		if err := json.Unmarshal(s.Bytes(), &v); err == nil {
			out = append(out, v)
		}
	}
	return out, s.Err()
}
