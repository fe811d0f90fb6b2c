// Package logmux streams child process output into tagged console lines and
// an append-only per-service log file.
package logmux

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Multiplexer owns one output stream and one log file. Only its reader
// goroutine writes to the file.
type Multiplexer struct {
	tag     string
	path    string
	r       io.ReadCloser
	file    *os.File
	console *Console

	lines     atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

// Start creates a fresh log file at logPath and begins copying lines from r.
// The returned Multiplexer finishes when r reaches EOF or Stop is called.
func Start(tag string, r io.ReadCloser, logPath string, console *Console) (*Multiplexer, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "mkdir log dir")
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	m := &Multiplexer{
		tag:     tag,
		path:    logPath,
		r:       r,
		file:    f,
		console: console,
		done:    make(chan struct{}),
	}
	go m.run()
	return m, nil
}

func (m *Multiplexer) Path() string          { return m.path }
func (m *Multiplexer) Lines() int64          { return m.lines.Load() }
func (m *Multiplexer) Done() <-chan struct{} { return m.done }

func (m *Multiplexer) run() {
	defer close(m.done)
	defer func() {
		_ = m.file.Sync()
		_ = m.file.Close()
	}()

	br := bufio.NewReaderSize(m.r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			m.emit(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug().Err(err).Str("service", m.tag).Msg("log stream read error")
			}
			m.closeReader()
			return
		}
	}
}

// emit appends the raw line to the log file and a CR-trimmed copy to the
// console.
func (m *Multiplexer) emit(line string) {
	line = strings.TrimSuffix(line, "\n")
	m.lines.Add(1)
	if _, err := m.file.WriteString(line + "\n"); err != nil {
		log.Debug().Err(err).Str("service", m.tag).Msg("log file write failed")
	}
	if m.console != nil {
		m.console.Line(m.tag, strings.TrimSuffix(line, "\r"))
	}
}

func (m *Multiplexer) closeReader() {
	m.closeOnce.Do(func() { _ = m.r.Close() })
}

// Stop lets the reader drain for up to timeout, then closes the stream so
// the reader returns. It never blocks longer than about twice timeout.
func (m *Multiplexer) Stop(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	select {
	case <-m.done:
		return
	case <-time.After(timeout):
	}

	log.Debug().Str("service", m.tag).Msg("log drain timed out; closing stream")
	m.closeReader()
	select {
	case <-m.done:
	case <-time.After(timeout):
		log.Warn().Str("service", m.tag).Msg("log multiplexer did not stop")
	}
}
