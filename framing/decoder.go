// SPDX-License-Identifier: GPL-3.0-or-later

// Package framing reconstructs [*message.Message] from a stream of text lines.
//
// Nodes write brace-delimited JSON objects to their output. Objects may span
// several lines and there is no length prefix, so a [*Decoder] tracks the
// nesting depth of braces outside of string literals and parses the
// accumulated bytes once the outermost object closes.
package framing

import (
	"fmt"
	"strings"

	"github.com/rbmk-project/mesh/errclass"
	"github.com/rbmk-project/mesh/message"
)

// ErrDecode wraps every error returned when a complete object is not a message.
var ErrDecode = errclass.Sentinel(errclass.EDECODE, "cannot decode message")

// scanState is the state of the brace-depth scanner.
type scanState uint8

const (
	// stateOutside means we are not inside a string literal.
	stateOutside scanState = iota

	// stateInString means we are inside a string literal.
	stateInString

	// stateEscape means the previous byte was a backslash inside a string.
	stateEscape
)

// Decoder reconstructs messages from the lines of a single output stream.
//
// The zero value is ready to use. A [*Decoder] is not goroutine safe and
// must be bound to exactly one stream.
type Decoder struct {
	// buffer accumulates the bytes of the current object.
	buffer []byte

	// depth is the current brace nesting depth.
	depth int

	// started is true once the opening brace has been seen.
	started bool

	// state is the scanner state.
	state scanState

	// tail contains the unscanned input following a complete object.
	tail string
}

// NewDecoder creates a new [*Decoder].
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed scans the given line and appends it to the current object.
//
// While the object is incomplete, done is false. When the brace depth returns
// to zero after the opening brace, Feed parses the buffer and returns done set
// to true along with either the message or an error wrapping [ErrDecode].
//
// The caller MUST call Reset after each completed result. Input preceding the
// opening brace of an object is discarded, so plain-text lines interleaved
// with messages are ignored. Input following the closing brace on the same
// line is retained and reported by Pending.
func (d *Decoder) Feed(line string) (msg *message.Message, done bool, err error) {
	input := line
	if d.tail != "" {
		input = d.tail
		if line != "" {
			input += "\n" + line
		}
		d.tail = ""
	}

	from := -1
	if d.started {
		from = 0
		if len(d.buffer) > 0 {
			d.buffer = append(d.buffer, '\n')
		}
	}

	end := len(input)
	for idx := 0; idx < len(input); idx++ {
		ch := input[idx]
		if !d.started {
			if ch != '{' {
				continue
			}
			d.started = true
			from = idx
		}
		if d.step(ch) {
			done = true
			end = idx + 1
			break
		}
	}

	if from >= 0 {
		d.buffer = append(d.buffer, input[from:end]...)
	}
	if !done {
		return nil, false, nil
	}

	if rest := input[end:]; strings.TrimSpace(rest) != "" {
		d.tail = rest
	}

	msg, err = message.Decode(d.buffer)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return msg, true, nil
}

// step advances the state machine by one byte and returns true
// when the outermost object has just been closed.
func (d *Decoder) step(ch byte) bool {
	switch d.state {
	case stateEscape:
		d.state = stateInString

	case stateInString:
		switch ch {
		case '\\':
			d.state = stateEscape
		case '"':
			d.state = stateOutside
		}

	case stateOutside:
		switch ch {
		case '"':
			d.state = stateInString
		case '{':
			d.depth++
		case '}':
			d.depth--
			return d.depth == 0
		}
	}
	return false
}

// Reset clears the buffer and the scanner state so that the next call to
// Feed starts a fresh object. Pending input is preserved.
func (d *Decoder) Reset() {
	d.buffer = d.buffer[:0]
	d.depth = 0
	d.started = false
	d.state = stateOutside
}

// Pending returns whether input following the last complete object is
// waiting to be scanned. Call Feed with an empty line to scan it.
func (d *Decoder) Pending() bool {
	return d.tail != ""
}

// Buffer returns the bytes accumulated for the current object.
func (d *Decoder) Buffer() string {
	return string(d.buffer)
}

// Depth returns the current brace nesting depth.
func (d *Decoder) Depth() int {
	return d.depth
}

// FeedAll scans the given line and invokes fn for every completed result,
// including objects left pending on the same line. The raw argument contains
// the bytes of the object. FeedAll resets the decoder after each result.
func (d *Decoder) FeedAll(line string, fn func(msg *message.Message, raw string, err error)) {
	msg, done, err := d.Feed(line)
	for {
		if done {
			fn(msg, d.Buffer(), err)
			d.Reset()
		}
		if !d.Pending() {
			return
		}
		msg, done, err = d.Feed("")
	}
}
