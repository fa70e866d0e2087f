package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/ernie/imuhub/internal/domain"
)

// LatestFile keeps a file holding the most recent frame, pretty-printed.
// Frames arriving faster than the disk coalesce: only the newest is written.
type LatestFile struct {
	path string

	mu      sync.Mutex
	pending json.RawMessage

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewLatestFile starts the background writer for path
func NewLatestFile(path string) *LatestFile {
	f := &LatestFile{
		path:    path,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go f.loop()
	return f
}

// Path returns the snapshot file location
func (f *LatestFile) Path() string {
	return f.path
}

// ObserveEvent replaces the pending snapshot with rec's payload
func (f *LatestFile) ObserveEvent(rec domain.EventRecord) {
	f.mu.Lock()
	f.pending = rec.Payload
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *LatestFile) loop() {
	defer close(f.stopped)
	for {
		select {
		case <-f.wake:
			f.writePending()
		case <-f.done:
			f.writePending()
			return
		}
	}
}

func (f *LatestFile) writePending() {
	f.mu.Lock()
	payload := f.pending
	f.pending = nil
	f.mu.Unlock()
	if payload == nil {
		return
	}
	if err := writeIndented(f.path, payload); err != nil {
		log.Printf("Error writing %s: %v", f.path, err)
	}
}

// writeIndented replaces path atomically so readers never see a partial file
func writeIndented(path string, payload json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return fmt.Errorf("indenting payload: %w", err)
	}
	buf.WriteByte('\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".latest-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Close writes any pending snapshot and stops the writer
func (f *LatestFile) Close() error {
	f.once.Do(func() { close(f.done) })
	<-f.stopped
	return nil
}
