// Package audit writes the human-readable side records of hub traffic: the
// append-only NDJSON log and the latest-payload snapshot file.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/ernie/imuhub/internal/domain"
)

// Log appends one JSON line per accepted frame. Writes happen on a
// background goroutine; a full buffer drops lines rather than stall the hub.
type Log struct {
	path     string
	maxBytes int64

	lines   chan []byte
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu        sync.Mutex
	file      *os.File
	w         *bufio.Writer
	size      int64
	dropped   int64
	rotations int

	compressing sync.WaitGroup
}

// NewLog opens path for appending. maxBytes > 0 enables rotation: once the
// file grows past it, it is gzipped alongside as <path>.<timestamp>.gz and
// a fresh file is started.
func NewLog(path string, maxBytes int64) (*Log, error) {
	l := &Log{
		path:     path,
		maxBytes: maxBytes,
		lines:    make(chan []byte, 4096),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	go l.writeLoop()
	return l, nil
}

// Path returns the log file location
func (l *Log) Path() string {
	return l.path
}

func (l *Log) open() error {
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	l.file = f
	l.w = bufio.NewWriter(f)
	l.size = info.Size()
	return nil
}

// ObserveEvent queues rec for writing
func (l *Log) ObserveEvent(rec domain.EventRecord) {
	data, err := json.Marshal(rec.Line())
	if err != nil {
		log.Printf("Error encoding log line for %s: %v", rec.UID, err)
		return
	}
	select {
	case l.lines <- append(data, '\n'):
	case <-l.done:
	default:
		l.mu.Lock()
		l.dropped++
		l.mu.Unlock()
	}
}

func (l *Log) writeLoop() {
	defer close(l.stopped)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line := <-l.lines:
			l.write(line)
		case <-ticker.C:
			l.flush()
		case <-l.done:
			for {
				select {
				case line := <-l.lines:
					l.write(line)
				default:
					l.flush()
					return
				}
			}
		}
	}
}

func (l *Log) write(line []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		if err := l.open(); err != nil {
			log.Printf("Error reopening %s: %v", l.path, err)
			l.dropped++
			return
		}
	}
	n, err := l.w.Write(line)
	l.size += int64(n)
	if err != nil {
		log.Printf("Error writing %s: %v", l.path, err)
		return
	}
	if l.maxBytes > 0 && l.size >= l.maxBytes {
		if err := l.rotate(); err != nil {
			log.Printf("Error rotating %s: %v", l.path, err)
		}
	}
}

func (l *Log) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return
	}
	if err := l.w.Flush(); err != nil {
		log.Printf("Error flushing %s: %v", l.path, err)
	}
	if l.dropped > 0 {
		log.Printf("Log %s dropped %d lines (writer behind)", l.path, l.dropped)
		l.dropped = 0
	}
}

// rotate is called with mu held. On failure the log either stays on
// path or is left closed for write to reopen.
func (l *Log) rotate() error {
	if err := l.w.Flush(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return err
	}
	l.file, l.w = nil, nil
	l.rotations++
	rotated := fmt.Sprintf("%s.%s-%d", l.path, time.Now().UTC().Format("20060102T150405.000"), l.rotations)
	if err := os.Rename(l.path, rotated); err != nil {
		// Keep appending to path; the next write retries if this fails too
		if oerr := l.open(); oerr != nil {
			log.Printf("Error reopening %s: %v", l.path, oerr)
		}
		return err
	}
	if err := l.open(); err != nil {
		return err
	}
	l.compressing.Add(1)
	go func() {
		defer l.compressing.Done()
		if err := compressFile(rotated); err != nil {
			log.Printf("Error compressing %s: %v", rotated, err)
		}
	}()
	return nil
}

// compressFile gzips path to path.gz and removes the original
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, src); err != nil {
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	src.Close()
	return os.Remove(path)
}

// Rotated lists the compressed logs next to the live one, oldest first
func (l *Log) Rotated() ([]string, error) {
	matches, err := filepath.Glob(l.path + ".*.gz")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Close drains queued lines and closes the file
func (l *Log) Close() error {
	l.once.Do(func() { close(l.done) })
	<-l.stopped
	defer l.compressing.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return err
	}
	err := l.file.Close()
	l.file = nil
	return err
}
