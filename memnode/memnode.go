// SPDX-License-Identifier: GPL-3.0-or-later

// Package memnode implements scriptable in-memory nodes for testing.
//
// A [*Node] emits the lines it has been scripted with and records every
// message it receives. A [*Launcher] creates nodes on demand and can be
// instructed to fail launching specific nodes.
package memnode

import (
	"context"
	"errors"
	"sync"

	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
)

// Node is an in-memory [node.Node].
//
// Construct using [New].
type Node struct {
	// StopErr is the error returned by Stop.
	StopErr error

	// changed is closed and replaced whenever received changes.
	changed chan struct{}

	// eof is closed by Stop.
	eof chan struct{}

	// eofOnce ensures we close eof just once.
	eofOnce sync.Once

	// id is the node identity.
	id message.NodeID

	// input is the inbound channel.
	input chan *message.Message

	// mu protects changed, received, and stops.
	mu sync.Mutex

	// output is the outbound channel of raw lines.
	output chan string

	// outClosed is true once output has been closed.
	outClosed bool

	// outMu serializes sending to and closing output.
	outMu sync.Mutex

	// received contains the received messages.
	received []*message.Message

	// stops counts the calls to Stop.
	stops int
}

var _ node.Node = &Node{}

// New creates a new [*Node] that emits the given lines on its output.
func New(id message.NodeID, lines ...string) *Node {
	return newNode(id, &node.Config{}, lines...)
}

// newNode creates a new [*Node] given a [*node.Config].
func newNode(id message.NodeID, cfg *node.Config, lines ...string) *Node {
	n := &Node{
		changed: make(chan struct{}),
		eof:     make(chan struct{}),
		id:      id,
		input:   cfg.NewInput(),
		output:  make(chan string, max(len(lines), 64)),
	}
	for _, line := range lines {
		n.output <- line
	}
	go n.recvLoop()
	return n
}

// ID implements [node.Node].
func (n *Node) ID() message.NodeID {
	return n.id
}

// EOF implements [node.Node].
func (n *Node) EOF() <-chan struct{} {
	return n.eof
}

// Input implements [node.Node].
func (n *Node) Input() chan<- *message.Message {
	return n.input
}

// Output implements [node.Node].
func (n *Node) Output() <-chan string {
	return n.output
}

// Stop implements [node.Node]. It ends the output stream.
func (n *Node) Stop(ctx context.Context) error {
	n.eofOnce.Do(func() { close(n.eof) })
	n.CloseOutput()
	n.mu.Lock()
	n.stops++
	n.mu.Unlock()
	return n.StopErr
}

// Stopped returns how many times Stop was called.
func (n *Node) Stopped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stops
}

// errStopped indicates that the node has been stopped.
var errStopped = errors.New("memnode: node stopped")

// Emit posts the given lines on the node output, blocking until
// each line is read or the node is stopped.
func (n *Node) Emit(lines ...string) error {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	if n.outClosed {
		return errStopped
	}
	for _, line := range lines {
		select {
		case <-n.eof:
			return errStopped
		case n.output <- line:
		}
	}
	return nil
}

// EmitMessage encodes msg and posts it on the node output.
func (n *Node) EmitMessage(msg *message.Message) error {
	data, err := msg.MarshalJSON()
	if err != nil {
		return err
	}
	return n.Emit(string(data))
}

// CloseOutput ends the node output stream.
func (n *Node) CloseOutput() {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	if !n.outClosed {
		n.outClosed = true
		close(n.output)
	}
}

// recvLoop records the messages sent to the node.
func (n *Node) recvLoop() {
	for {
		select {
		case <-n.eof:
			return
		case msg := <-n.input:
			n.mu.Lock()
			n.received = append(n.received, msg)
			close(n.changed)
			n.changed = make(chan struct{})
			n.mu.Unlock()
		}
	}
}

// Received returns a copy of the messages received so far.
func (n *Node) Received() []*message.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*message.Message{}, n.received...)
}

// WaitReceived waits until the node has received at least count
// messages or the context is done and returns the received messages.
func (n *Node) WaitReceived(ctx context.Context, count int) ([]*message.Message, error) {
	for {
		n.mu.Lock()
		received := append([]*message.Message{}, n.received...)
		changed := n.changed
		n.mu.Unlock()
		if len(received) >= count {
			return received, nil
		}
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case <-changed:
		}
	}
}
