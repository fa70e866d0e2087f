package audit

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Tailer follows a log file, surviving rotation and truncation
type Tailer struct {
	path     string
	file     *os.File
	position int64
	Lines    chan string
	Errors   chan error
	done     chan struct{}
	once     sync.Once
}

// NewTailer creates a tailer for path. Call Start to begin following.
func NewTailer(path string) *Tailer {
	return &Tailer{
		path:   path,
		Lines:  make(chan string, 100),
		Errors: make(chan error, 10),
		done:   make(chan struct{}),
	}
}

// ReadLastNLines reads the last n lines of the file
func (t *Tailer) ReadLastNLines(n int) ([]string, error) {
	file, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	fileSize := stat.Size()
	if fileSize == 0 || n <= 0 {
		return []string{}, nil
	}

	// Read backwards in blocks until enough newlines are found
	const blockSize = 4096
	var lines []string
	var partial string
	position := fileSize

	for position > 0 && len(lines) < n {
		readSize := int64(blockSize)
		if readSize > position {
			readSize = position
		}
		position -= readSize

		buf := make([]byte, readSize)
		_, err := file.ReadAt(buf, position)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading block: %w", err)
		}

		content := string(buf) + partial
		partial = ""

		for i := len(content) - 1; i >= 0; i-- {
			if content[i] == '\n' {
				line := content[i+1:]
				if line != "" {
					lines = append(lines, line)
					if len(lines) >= n {
						break
					}
				}
				content = content[:i]
			}
		}

		if len(lines) < n {
			partial = content
		}
	}

	if partial != "" && len(lines) < n {
		lines = append(lines, partial)
	}

	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}

	return lines, nil
}

// Start begins following from the current end of the file. A missing file
// is waited for.
func (t *Tailer) Start() error {
	if err := t.reopen(true); err != nil && !os.IsNotExist(err) {
		return err
	}
	go t.tailLoop()
	return nil
}

// Stop ends the follow loop
func (t *Tailer) Stop() {
	t.once.Do(func() { close(t.done) })
}

// Done is closed once Stop has been called
func (t *Tailer) Done() <-chan struct{} {
	return t.done
}

func (t *Tailer) reopen(atEnd bool) error {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
	file, err := os.Open(t.path)
	if err != nil {
		return err
	}
	t.position = 0
	if atEnd {
		pos, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			file.Close()
			return fmt.Errorf("seeking to end: %w", err)
		}
		t.position = pos
	}
	t.file = file
	return nil
}

func (t *Tailer) tailLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer func() {
		ticker.Stop()
		if t.file != nil {
			t.file.Close()
		}
	}()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.readNewContent(); err != nil {
				select {
				case t.Errors <- err:
				default:
				}
			}
		}
	}
}

// rotated reports whether path now names a different file than the one held open
func (t *Tailer) rotated() bool {
	onDisk, err := os.Stat(t.path)
	if err != nil {
		return false
	}
	held, err := t.file.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(onDisk, held)
}

func (t *Tailer) readNewContent() error {
	if t.file == nil {
		if err := t.reopen(false); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("opening log file: %w", err)
		}
	}

	if t.rotated() {
		// finish the old file before switching
		if err := t.drain(); err != nil {
			return err
		}
		if err := t.reopen(false); err != nil {
			return fmt.Errorf("reopening after rotation: %w", err)
		}
	}

	stat, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}

	// Truncated in place
	if stat.Size() < t.position {
		t.position = 0
	}
	if stat.Size() == t.position {
		return nil
	}
	return t.drain()
}

// drain sends every complete line past position
func (t *Tailer) drain() error {
	if _, err := t.file.Seek(t.position, io.SeekStart); err != nil {
		return fmt.Errorf("seeking: %w", err)
	}
	reader := bufio.NewReader(t.file)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// Partial line, picked up on the next pass
			break
		}
		if err != nil {
			return fmt.Errorf("reading line: %w", err)
		}

		t.position += int64(len(line))
		line = line[:len(line)-1]
		if line != "" {
			select {
			case t.Lines <- line:
			case <-t.done:
				return nil
			}
		}
	}
	return nil
}
