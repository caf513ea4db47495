// Package feed reads simulator workloads: which endpoint sends what to
// whom, and when.
package feed

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Item is one payload submission.
type Item struct {
	At      time.Duration
	From    string
	To      string
	Payload []byte
}

func readCsvFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readCsv(f)
}

func readCsv(r io.Reader) ([][]string, error) {
	csvReader := csv.NewReader(r)
	csvReader.Comma = ';'
	csvReader.LazyQuotes = true
	csvReader.Comment = '#'
	csvReader.FieldsPerRecord = -1
	return csvReader.ReadAll()
}

// Load reads a workload file with rows `at_ms;from;to;payload`. A payload
// written as `hex:...` is decoded, `rand:N` becomes N filler bytes, and
// anything else is sent as text. Items come back ordered by time.
func Load(path string) ([]Item, error) {
	records, err := readCsvFile(path)
	if err != nil {
		return nil, err
	}
	return parse(records)
}

func Read(r io.Reader) ([]Item, error) {
	records, err := readCsv(r)
	if err != nil {
		return nil, err
	}
	return parse(records)
}

func parse(records [][]string) ([]Item, error) {
	items := make([]Item, 0, len(records))
	for i, rec := range records {
		if len(rec) != 4 {
			return nil, fmt.Errorf("feed: row %d: want 4 fields, got %d", i+1, len(rec))
		}
		ms, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("feed: row %d: bad time %q", i+1, rec[0])
		}
		p, err := payload(rec[3])
		if err != nil {
			return nil, fmt.Errorf("feed: row %d: %w", i+1, err)
		}
		items = append(items, Item{
			At:      time.Duration(ms) * time.Millisecond,
			From:    strings.TrimSpace(rec[1]),
			To:      strings.TrimSpace(rec[2]),
			Payload: p,
		})
	}
	sort.SliceStable(items, func(a, b int) bool { return items[a].At < items[b].At })
	return items, nil
}

func payload(s string) ([]byte, error) {
	switch {
	case strings.HasPrefix(s, "hex:"):
		return hex.DecodeString(s[4:])
	case strings.HasPrefix(s, "rand:"):
		n, err := strconv.Atoi(s[5:])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad size %q", s)
		}
		b := make([]byte, n)
		for i := range b {
			b[i] = byte('a' + i%26)
		}
		return b, nil
	}
	return []byte(s), nil
}

// Synthetic builds n evenly spaced items of size bytes from one endpoint
// to another. Each payload starts with its sequence number so receivers
// can tell them apart.
func Synthetic(n, size int, every time.Duration, from, to string) []Item {
	items := make([]Item, n)
	for i := range items {
		p := []byte(fmt.Sprintf("%s>%s#%06d ", from, to, i))
		for len(p) < size {
			p = append(p, byte('a'+len(p)%26))
		}
		items[i] = Item{At: time.Duration(i) * every, From: from, To: to, Payload: p}
	}
	return items
}
