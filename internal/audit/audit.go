// Package audit keeps a tamper-evident, append-only record of administrative
// changes: mode transitions and sensor edits made through the UI or API.
//
// Each line is one JSON entry carrying a sequence number, timestamp, the
// change record, the previous entry's hash and its own SHA-256 hash:
//
//	event_hash = SHA-256( JSON({seq, ts, record, prev_hash}) )
//
// The first entry links to GenesisHash. Rewriting or dropping any line
// breaks the chain, which Verify detects.
package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/wargotik/wargot-ha-addons/internal/events"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// ErrTornTail reports that only the last line is unreadable, as left by a
// write cut short. Open truncates such a line; Verify reports it.
var ErrTornTail = errors.New("audit: torn final entry")

// Record is what changed.
type Record struct {
	Action   string         `json:"action"`
	SensorID string         `json:"sensor_id,omitempty"`
	Mode     string         `json:"mode,omitempty"`
	PrevMode string         `json:"prev_mode,omitempty"`
	Changes  map[string]any `json:"changes,omitempty"`
}

// Entry is one line of the log.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Record    Record    `json:"record"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

type hashed struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Record    Record    `json:"record"`
	PrevHash  string    `json:"prev_hash"`
}

func (e Entry) computeHash() string {
	raw, err := json.Marshal(hashed{e.Seq, e.Timestamp, e.Record, e.PrevHash})
	if err != nil {
		// Record holds only JSON-encodable values.
		panic(fmt.Sprintf("audit: marshal entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Log appends entries to a file. It is safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	seq      int64
	prevHash string
	logger   *slog.Logger
	now      func() time.Time
}

// Open verifies any existing chain at path and opens it for appending. A
// torn final line is truncated and the chain continues from the last
// complete entry; any other defect fails Open.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	seq, prev := int64(0), GenesisHash

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("audit: open %q: %w", path, err)
	default:
		entries, good, err := readChain(f)
		f.Close()
		if errors.Is(err, ErrTornTail) {
			logger.Warn("audit: truncating torn final entry",
				slog.String("path", path), slog.Int64("offset", good), slog.Any("error", err))
			if terr := os.Truncate(path, good); terr != nil {
				return nil, fmt.Errorf("audit: truncate %q: %w", path, terr)
			}
			err = nil
		}
		if err != nil {
			return nil, fmt.Errorf("audit: existing log %q: %w", path, err)
		}
		if n := len(entries); n > 0 {
			seq, prev = entries[n-1].Seq, entries[n-1].EventHash
		}
	}

	out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for append %q: %w", path, err)
	}
	return &Log{file: out, seq: seq, prevHash: prev, logger: logger, now: time.Now}, nil
}

// Append adds rec to the chain and returns the written entry.
func (l *Log) Append(rec Record) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC(),
		Record:    rec,
		PrevHash:  l.prevHash,
	}
	e.EventHash = e.computeHash()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write: %w", err)
	}
	l.seq, l.prevHash = e.Seq, e.EventHash
	return e, nil
}

// Publish implements events.Sink. Only administrative events are kept.
func (l *Log) Publish(ev events.Event) {
	var rec Record
	switch ev.Kind {
	case events.KindModeChanged:
		rec = Record{Action: string(ev.Kind), Mode: ev.Mode, PrevMode: ev.PrevMode}
	case events.KindSensorUpdated:
		rec = Record{Action: string(ev.Kind), SensorID: ev.SensorID, Changes: ev.Detail}
	default:
		return
	}
	if _, err := l.Append(rec); err != nil {
		l.logger.Warn("audit: append failed", slog.String("action", rec.Action), slog.Any("error", err))
	}
}

// Close syncs and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify checks the whole chain at path and returns its entries.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()
	entries, _, err := readChain(f)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// readChain returns the verified entries and the byte offset just past the
// last one. An unreadable line followed only by blank space is reported
// as ErrTornTail together with the entries before it.
func readChain(r io.Reader) ([]Entry, int64, error) {
	var (
		out  []Entry
		prev = GenesisHash
		pos  int64
		good int64
		torn error
	)

	br := bufio.NewReader(r)
	for {
		raw, rerr := br.ReadBytes('\n')
		pos += int64(len(raw))
		if line := bytes.TrimSpace(raw); len(line) > 0 {
			if torn != nil {
				return nil, good, torn
			}
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				torn = fmt.Errorf("audit: malformed entry after seq %d: %w", lastSeq(out), err)
			} else {
				if e.PrevHash != prev {
					return nil, good, fmt.Errorf("audit: chain break at seq %d", e.Seq)
				}
				if got := e.computeHash(); got != e.EventHash {
					return nil, good, fmt.Errorf("audit: hash mismatch at seq %d", e.Seq)
				}
				prev = e.EventHash
				out = append(out, e)
				good = pos
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return nil, good, fmt.Errorf("audit: read: %w", rerr)
		}
	}
	if torn != nil {
		return out, good, fmt.Errorf("%w: %w", ErrTornTail, torn)
	}
	return out, good, nil
}

func lastSeq(entries []Entry) int64 {
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Seq
}
