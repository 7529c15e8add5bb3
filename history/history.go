// SPDX-License-Identifier: GPL-3.0-or-later

// Package history records the messages produced during a test.
//
// A [History] lists every message decoded from any node output, in the order
// the [*Collector] dequeued it. Init messages injected by the harness are not
// part of it. The [*Collector] stops once no message arrives for its idle
// timeout, and the resulting history is final.
package history

import (
	"io"
	"strings"

	"github.com/rbmk-project/mesh/message"
)

// History is the ordered list of messages produced during a test.
type History []*message.Message

// Len returns the number of messages.
func (h History) Len() int {
	return len(h)
}

// String returns a human readable representation of the history.
func (h History) String() string {
	var sb strings.Builder
	sb.WriteString("History(\n")
	for _, msg := range h {
		sb.WriteString("    ")
		sb.WriteString(msg.String())
		sb.WriteString(",\n")
	}
	sb.WriteString(")")
	return sb.String()
}

// WriteJSONL writes each message to w as a JSON line.
func (h History) WriteJSONL(w io.Writer) error {
	for _, msg := range h {
		if err := message.Encode(w, msg); err != nil {
			return err
		}
	}
	return nil
}

// Filter returns the messages for which pred returns true.
func (h History) Filter(pred func(msg *message.Message) bool) History {
	out := History{}
	for _, msg := range h {
		if pred(msg) {
			out = append(out, msg)
		}
	}
	return out
}

// Kind returns a predicate for [History.Filter] selecting a given kind.
func Kind(kind message.Kind) func(msg *message.Message) bool {
	return func(msg *message.Message) bool {
		return msg.Kind == kind
	}
}

// From returns a predicate for [History.Filter] selecting a given source.
func From(src message.NodeID) func(msg *message.Message) bool {
	return func(msg *message.Message) bool {
		id, ok := msg.Src()
		return ok && id == src
	}
}
