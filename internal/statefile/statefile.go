// Package statefile persists the small JSON document that survives add-on
// restarts: the mirrored mode switch states and the "last poll completed"
// marker read by the dashboard.
//
// The document is a flat JSON object:
//
//	{"away": "off", "night": "on", "perimeter": "off",
//	 "last_sensor_poll": "2024-01-01T10:00:00Z"}
//
// Every write is a read-modify-write of the whole object, so keys written by
// other components are preserved. The file is replaced atomically (temp file
// in the same directory, fsync, rename) so a reader never sees a torn write.
package statefile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const lastPollKey = "last_sensor_poll"

// File is a handle on the state document. It is safe for concurrent use
// within one process.
type File struct {
	mu   sync.Mutex
	path string
}

// New returns a File for path. The file is created lazily on first write.
func New(path string) *File {
	return &File{path: path}
}

// Path returns the location of the state document.
func (f *File) Path() string { return f.path }

// LoadSwitches returns the mirrored switch states keyed by mode name. Values
// other than "on" and "off" are dropped. A missing file yields an empty map.
func (f *File) LoadSwitches() (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(doc))
	for k, raw := range doc {
		if k == lastPollKey {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) != nil {
			continue
		}
		switch s {
		case "on":
			out[k] = true
		case "off":
			out[k] = false
		}
	}
	return out, nil
}

// SaveSwitches writes the given switch states as "on"/"off" strings.
func (f *File) SaveSwitches(states map[string]bool) error {
	return f.update(func(doc map[string]json.RawMessage) error {
		for k, on := range states {
			v := "off"
			if on {
				v = "on"
			}
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			doc[k] = raw
		}
		return nil
	})
}

// MarkPoll records t (converted to UTC, second precision, "Z" suffix) as the
// completion time of the latest poll.
func (f *File) MarkPoll(t time.Time) error {
	return f.update(func(doc map[string]json.RawMessage) error {
		raw, err := json.Marshal(t.UTC().Format(time.RFC3339))
		if err != nil {
			return err
		}
		doc[lastPollKey] = raw
		return nil
	})
}

// LastPoll returns the recorded poll completion time. ok is false when no
// poll has been recorded yet.
func (f *File) LastPoll() (t time.Time, ok bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return time.Time{}, false, err
	}
	raw, found := doc[lastPollKey]
	if !found {
		return time.Time{}, false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false, fmt.Errorf("statefile: %s: %w", lastPollKey, err)
	}
	t, err = time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("statefile: %s: %w", lastPollKey, err)
	}
	return t, true, nil
}

func (f *File) update(mutate func(map[string]json.RawMessage) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		// A corrupt document is replaced rather than blocking every write.
		doc = make(map[string]json.RawMessage)
	}
	if err := mutate(doc); err != nil {
		return fmt.Errorf("statefile: encode: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("statefile: marshal: %w", err)
	}
	return writeAtomic(f.path, data)
}

func (f *File) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("statefile: read %q: %w", f.path, err)
	}
	doc := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("statefile: parse %q: %w", f.path, err)
	}
	return doc, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statefile: mkdir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("statefile: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statefile: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statefile: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statefile: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("statefile: rename: %w", err)
	}
	return nil
}
