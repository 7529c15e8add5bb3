// SPDX-License-Identifier: GPL-3.0-or-later

// Package message contains [*Message] and the related definitions.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// NodeID is the opaque identity of a node within a test run.
type NodeID = string

// Kind is the kind of a [*Message].
type Kind uint8

const (
	// KindUnicast is a message addressed to exactly one node.
	KindUnicast Kind = iota + 1

	// KindBroadcast is a message delivered to every node except its source.
	KindBroadcast

	// KindInit is harness input delivered directly to one node.
	KindInit
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindUnicast:
		return "unicast"

	case KindBroadcast:
		return "broadcast"

	case KindInit:
		return "init"

	default:
		return "unknown"
	}
}

// parseKind maps a wire discriminator to a [Kind].
//
// The "rpc" discriminator is the legacy name for unicast.
func parseKind(value string) (Kind, bool) {
	switch value {
	case "unicast", "rpc":
		return KindUnicast, true

	case "broadcast":
		return KindBroadcast, true

	case "init":
		return KindInit, true

	default:
		return 0, false
	}
}

// Message is a message exchanged between nodes and the harness.
//
// Construct using [NewUnicast], [NewBroadcast], or [NewInit]. Once a
// message has been handed to a router or a node it must not be mutated.
type Message struct {
	// Kind is the message kind.
	Kind Kind

	// Source is the sending node. Empty for [KindInit].
	Source NodeID

	// Destination is the receiving node for [KindUnicast] and the
	// target node for [KindInit]. Empty for [KindBroadcast].
	Destination NodeID

	// Payload is the opaque message payload.
	Payload []byte
}

// NewUnicast creates a new unicast [*Message].
func NewUnicast(src, dst NodeID, payload []byte) *Message {
	return &Message{Kind: KindUnicast, Source: src, Destination: dst, Payload: payload}
}

// NewBroadcast creates a new broadcast [*Message].
func NewBroadcast(src NodeID, payload []byte) *Message {
	return &Message{Kind: KindBroadcast, Source: src, Payload: payload}
}

// NewInit creates a new init [*Message] targeting the given node.
func NewInit(node NodeID, payload []byte) *Message {
	return &Message{Kind: KindInit, Destination: node, Payload: payload}
}

// Src returns the message source, if any.
func (m *Message) Src() (NodeID, bool) {
	switch m.Kind {
	case KindUnicast, KindBroadcast:
		return m.Source, true
	default:
		return "", false
	}
}

// Dst returns the single message destination, if any.
func (m *Message) Dst() (NodeID, bool) {
	switch m.Kind {
	case KindUnicast, KindInit:
		return m.Destination, true
	default:
		return "", false
	}
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	out := *m
	if m.Payload != nil {
		out.Payload = bytes.Clone(m.Payload)
	}
	return &out
}

// Equal returns whether two messages have the same kind, addressing, and payload.
func (m *Message) Equal(other *Message) bool {
	return m.Kind == other.Kind &&
		m.Source == other.Source &&
		m.Destination == other.Destination &&
		bytes.Equal(m.Payload, other.Payload)
}

// String returns the string representation of the message.
func (m *Message) String() string {
	switch m.Kind {
	case KindBroadcast:
		return fmt.Sprintf("%s %s -> * length=%d", m.Kind, m.Source, len(m.Payload))
	case KindInit:
		return fmt.Sprintf("%s harness -> %s length=%d", m.Kind, m.Destination, len(m.Payload))
	default:
		return fmt.Sprintf("%s %s -> %s length=%d", m.Kind, m.Source, m.Destination, len(m.Payload))
	}
}

// ErrInvalidMessage indicates a structurally valid object that is not a message.
var ErrInvalidMessage = errors.New("invalid message")

// wireMessage is the JSON representation of a [*Message].
type wireMessage struct {
	Type   string `json:"type"`
	Src    string `json:"src,omitempty"`
	Dst    string `json:"dst,omitempty"`
	NodeID string `json:"node_id,omitempty"`
	Data   []byte `json:"data"`
}

// MarshalJSON implements [json.Marshaler].
func (m *Message) MarshalJSON() ([]byte, error) {
	wm := wireMessage{Type: m.Kind.String(), Data: m.Payload}
	if wm.Data == nil {
		wm.Data = []byte{}
	}
	switch m.Kind {
	case KindUnicast:
		wm.Src, wm.Dst = m.Source, m.Destination
	case KindBroadcast:
		wm.Src = m.Source
	case KindInit:
		wm.NodeID = m.Destination
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidMessage, m.Kind)
	}
	return json.Marshal(wm)
}

// UnmarshalJSON implements [json.Unmarshaler].
func (m *Message) UnmarshalJSON(data []byte) error {
	var wm wireMessage
	if err := json.Unmarshal(data, &wm); err != nil {
		return err
	}
	kind, ok := parseKind(wm.Type)
	if !ok {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, wm.Type)
	}
	switch kind {
	case KindUnicast:
		if wm.Src == "" || wm.Dst == "" {
			return fmt.Errorf("%w: unicast requires src and dst", ErrInvalidMessage)
		}
		*m = Message{Kind: kind, Source: wm.Src, Destination: wm.Dst, Payload: wm.Data}
	case KindBroadcast:
		if wm.Src == "" {
			return fmt.Errorf("%w: broadcast requires src", ErrInvalidMessage)
		}
		*m = Message{Kind: kind, Source: wm.Src, Payload: wm.Data}
	case KindInit:
		if wm.NodeID == "" {
			return fmt.Errorf("%w: init requires node_id", ErrInvalidMessage)
		}
		*m = Message{Kind: kind, Destination: wm.NodeID, Payload: wm.Data}
	}
	return nil
}

// Decode parses a single JSON-encoded [*Message].
func Decode(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode writes the message to w as a single newline-terminated line.
func Encode(w io.Writer, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
