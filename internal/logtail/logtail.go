// Package logtail streams the newest lines of a job log and keeps following
// it across appends, truncation and rotation.
package logtail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	logx "cupcake/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

// DefaultLines is how many trailing lines are sent before following.
const DefaultLines = 200

const maxLineBytes = 1 << 20

// LineFunc receives one line without its trailing newline. A non-nil error
// stops the stream and is returned by Follow.
type LineFunc func(line string) error

type Options struct {
	Lines int
	// Poll is a fallback re-read interval for filesystems that do not
	// deliver write events. 0 disables polling.
	Poll time.Duration
	Log  logx.Logger
}

func Header(path string) string   { return fmt.Sprintf("Tailing log file: %s ...", path) }
func NotFound(path string) string { return fmt.Sprintf("Log file %s not found.", path) }

// Last returns up to n trailing lines of the file at path.
func Last(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	lines, _, err := lastLines(f, n)
	return lines, err
}

// lastLines reads r to EOF and keeps the last n complete or trailing lines.
// It returns the number of bytes consumed.
func lastLines(r io.Reader, n int) ([]string, int64, error) {
	if n <= 0 {
		n = DefaultLines
	}
	ring := make([]string, 0, n)
	start := 0
	var read int64

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		read += int64(len(line))
		if line != "" {
			line = trimEOL(line)
			if len(ring) < n {
				ring = append(ring, line)
			} else {
				ring[start] = line
				start = (start + 1) % n
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, read, err
		}
	}

	out := make([]string, 0, len(ring))
	for i := 0; i < len(ring); i++ {
		out = append(out, ring[(start+i)%len(ring)])
	}
	return out, read, nil
}

func trimEOL(s string) string {
	s = trimSuffixByte(s, '\n')
	return trimSuffixByte(s, '\r')
}

func trimSuffixByte(s string, b byte) string {
	if len(s) > 0 && s[len(s)-1] == b {
		return s[:len(s)-1]
	}
	return s
}

// Follow sends Header(path), the last Lines lines of the file and then every
// line appended to it until ctx is canceled or send fails. If the file does
// not exist, NotFound(path) is sent and Follow returns nil.
func Follow(ctx context.Context, path string, opts Options, send LineFunc) error {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "logtail"), logx.String("path", path))

	if err := send(Header(path)); err != nil {
		return err
	}

	t := &tailer{path: path, send: send, log: log}
	if err := t.open(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return send(NotFound(path))
		}
		return err
	}
	defer t.close()

	lines, n, err := lastLines(t.f, opts.Lines)
	if err != nil {
		return err
	}
	t.offset = n
	for _, l := range lines {
		if err := send(l); err != nil {
			return err
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// Watch the directory so rotation (rename + create) is observed.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var poll <-chan time.Time
	if opts.Poll > 0 {
		tk := time.NewTicker(opts.Poll)
		defer tk.Stop()
		poll = tk.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				log.Debug("log file recreated")
				t.close()
				if err := t.open(); err != nil {
					continue
				}
				t.offset = 0
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				// Keep reading the old handle until the new file shows up.
				continue
			}
			if err := t.drain(); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("log watcher error", logx.Err(err))
		case <-poll:
			if t.f == nil {
				if err := t.open(); err != nil {
					continue
				}
				t.offset = 0
			}
			if err := t.drain(); err != nil {
				return err
			}
		}
	}
}

type tailer struct {
	path    string
	f       *os.File
	offset  int64
	partial []byte
	send    LineFunc
	log     logx.Logger
}

func (t *tailer) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	t.f = f
	t.partial = t.partial[:0]
	return nil
}

func (t *tailer) close() {
	if t.f != nil {
		_ = t.f.Close()
		t.f = nil
	}
}

// drain sends every complete line written since the last read.
func (t *tailer) drain() error {
	if t.f == nil {
		return nil
	}
	if st, err := t.f.Stat(); err == nil && st.Size() < t.offset {
		t.log.Debug("log file truncated")
		t.offset = 0
		t.partial = t.partial[:0]
	}
	if _, err := t.f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := t.f.Read(buf)
		if n > 0 {
			t.offset += int64(n)
			t.partial = append(t.partial, buf[:n]...)
			for {
				i := bytes.IndexByte(t.partial, '\n')
				if i < 0 {
					break
				}
				line := trimEOL(string(t.partial[:i+1]))
				t.partial = t.partial[i+1:]
				if err := t.send(line); err != nil {
					return err
				}
			}
			if len(t.partial) > maxLineBytes {
				line := string(t.partial)
				t.partial = t.partial[:0]
				if err := t.send(line); err != nil {
					return err
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
