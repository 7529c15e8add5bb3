// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/rbmk-project/mesh/message"
)

// ScanLines reads lines from r and posts them on out until r reaches EOF,
// reading fails, or eof is closed. It does not close out.
//
// Lines have no length limit, like the lines posted by [LineWriter].
func ScanLines(r io.Reader, out chan<- string, eof <-chan struct{}) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if err == nil || line != "" {
			line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
			select {
			case <-eof:
				return nil
			case out <- line:
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

// LineWriter is an [io.Writer] posting each written line on a channel.
//
// Construct using [NewLineWriter].
type LineWriter struct {
	// buf contains the incomplete line.
	buf bytes.Buffer

	// eof unblocks Write when the reader is gone.
	eof <-chan struct{}

	// mu provides mutual exclusion.
	mu sync.Mutex

	// out receives complete lines.
	out chan<- string
}

// NewLineWriter creates a new [*LineWriter] posting lines on out. Writes
// fail with [io.ErrClosedPipe] once eof is closed.
func NewLineWriter(out chan<- string, eof <-chan struct{}) *LineWriter {
	return &LineWriter{out: out, eof: eof}
}

// Write implements [io.Writer].
func (lw *LineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	total := 0
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		if idx < 0 {
			lw.buf.Write(p)
			total += len(p)
			break
		}
		lw.buf.Write(p[:idx])
		if err := lw.emitLocked(); err != nil {
			return total, err
		}
		p = p[idx+1:]
		total += idx + 1
	}
	return total, nil
}

// Flush posts any incomplete line.
func (lw *LineWriter) Flush() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.buf.Len() <= 0 {
		return nil
	}
	return lw.emitLocked()
}

// emitLocked posts the buffered line. The caller must hold mu.
func (lw *LineWriter) emitLocked() error {
	line := strings.TrimSuffix(lw.buf.String(), "\r")
	lw.buf.Reset()
	select {
	case <-lw.eof:
		return io.ErrClosedPipe
	case lw.out <- line:
		return nil
	}
}

// WriteLoop writes each [*message.Message] received from in to w as a
// single JSON line until eof is closed or writing fails.
func WriteLoop(w io.Writer, in <-chan *message.Message, eof <-chan struct{}) error {
	for {
		select {
		case <-eof:
			return nil
		case msg := <-in:
			if err := message.Encode(w, msg); err != nil {
				return err
			}
		}
	}
}
