// SPDX-License-Identifier: GPL-3.0-or-later

package router

import (
	"sync"

	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
)

// linkKey identifies a link.
type linkKey struct {
	src, dst message.NodeID
}

// link moves the messages of one source to one destination in order.
//
// Construct using [newLink].
type link struct {
	// dst is the destination node.
	dst node.Node

	// mu protects queue.
	mu sync.Mutex

	// queue contains the messages waiting for delivery.
	queue []*message.Message

	// wakeup signals that the queue is not empty.
	wakeup chan struct{}
}

// newLink creates a new [*link] towards dst.
func newLink(dst node.Node) *link {
	return &link{
		dst:    dst,
		wakeup: make(chan struct{}, 1),
	}
}

// push enqueues a message without blocking.
func (lnk *link) push(msg *message.Message) {
	lnk.mu.Lock()
	lnk.queue = append(lnk.queue, msg)
	lnk.mu.Unlock()
	select {
	case lnk.wakeup <- struct{}{}:
	default:
	}
}

// pop dequeues all the pending messages.
func (lnk *link) pop() []*message.Message {
	lnk.mu.Lock()
	defer lnk.mu.Unlock()
	out := lnk.queue
	lnk.queue = nil
	return out
}

// move delivers queued messages to the destination until eof is closed.
// Once the destination is down, every message is passed to drop.
func (lnk *link) move(eof <-chan struct{}, drop func(dst message.NodeID, msg *message.Message)) {
	for {
		select {
		case <-eof:
			return
		case <-lnk.wakeup:
		}

		for _, msg := range lnk.pop() {
			select {
			case <-lnk.dst.EOF():
				drop(lnk.dst.ID(), msg)
				continue
			default:
			}
			select {
			case <-eof:
				return
			case <-lnk.dst.EOF():
				drop(lnk.dst.ID(), msg)
			case lnk.dst.Input() <- msg:
				// success
			}
		}
	}
}
