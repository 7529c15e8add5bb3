// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package router moves messages between the nodes of a test.

A [*Router] reads the raw lines written by each attached [node.Node],
reconstructs messages using a [*framing.Decoder] bound to that node, forwards
each message to the history channel, and then delivers it according to its
kind: a unicast message goes to its destination, a broadcast message goes to
every other registered node.

Delivery never blocks a read loop. Messages travel on one link per (source,
destination) pair: an unbounded queue drained by a dedicated goroutine into
the destination's bounded input channel. A slow destination only stalls the
links towards it, and each destination receives the messages of a given
source in the order the source produced them.
*/
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbmk-project/mesh/errclass"
	"github.com/rbmk-project/mesh/framing"
	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
)

var (
	// ErrNoRoute indicates a unicast message for an unregistered node.
	ErrNoRoute = errclass.Sentinel(errclass.ENOROUTE, "no route to node")

	// ErrProtocol indicates a node emitting an init message.
	ErrProtocol = errclass.Sentinel(errclass.EPROTO, "init message emitted by a node")

	// ErrNodeDown indicates a destination that is no longer running.
	ErrNodeDown = errclass.Sentinel(errclass.ENODEDOWN, "destination node is down")
)

// Stats contains the router counters.
type Stats struct {
	// Routed counts messages decoded and enqueued on the history
	// channel. Messages still buffered there when the consumer stops
	// reading are counted, so Routed may exceed the history length.
	Routed int64

	// Dropped counts messages or deliveries that were discarded.
	Dropped int64

	// DecodeErrors counts objects that could not be decoded.
	DecodeErrors int64
}

// Router routes messages between nodes.
//
// Construct using [New]. Set the optional fields before calling
// AddRoute and Attach, and do not modify them afterwards.
type Router struct {
	// Logger is the optional structured logger for emitting
	// structured diagnostic events. If this field is nil, we
	// will not be emitting structured logs.
	Logger *slog.Logger

	// TimeNow is an optional function that returns the current time.
	// If this field is nil, the [time.Now] function will be used.
	TimeNow func() time.Time

	// decodeErrors counts decoding failures.
	decodeErrors atomic.Int64

	// devs is the static routing table.
	devs map[message.NodeID]node.Node

	// dropped counts dropped messages and deliveries.
	dropped atomic.Int64

	// eof unblocks any blocking channel operation.
	eof chan struct{}

	// eofOnce ensures we close eof just once.
	eofOnce sync.Once

	// history receives each decoded message.
	history chan<- *message.Message

	// links contains the links indexed by (source, destination).
	links map[linkKey]*link

	// mu protects links.
	mu sync.Mutex

	// order contains the registered identities in registration order.
	order []message.NodeID

	// routed counts messages enqueued for history.
	routed atomic.Int64

	// wg tracks the background goroutines.
	wg sync.WaitGroup
}

// New creates a new [*Router] forwarding every decoded message to history.
func New(history chan<- *message.Message) *Router {
	return &Router{
		devs:    make(map[message.NodeID]node.Node),
		eof:     make(chan struct{}),
		history: history,
		links:   make(map[linkKey]*link),
	}
}

// AddRoute registers the given [node.Node] as the destination for its
// identity. Call AddRoute for every node before the first Attach.
func (r *Router) AddRoute(dev node.Node) {
	id := dev.ID()
	if _, found := r.devs[id]; !found {
		r.order = append(r.order, id)
	}
	r.devs[id] = dev
}

// Attach starts reading messages from the given [node.Node].
func (r *Router) Attach(dev node.Node) {
	r.wg.Add(1)
	go r.readLoop(dev)
}

// Close stops the read loops and the links and waits for their
// goroutines to terminate. Undelivered messages are discarded.
func (r *Router) Close() error {
	r.eofOnce.Do(func() { close(r.eof) })
	r.wg.Wait()
	return nil
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Routed:       r.routed.Load(),
		Dropped:      r.dropped.Load(),
		DecodeErrors: r.decodeErrors.Load(),
	}
}

// timeNow returns the current time.
func (r *Router) timeNow() time.Time {
	if r.TimeNow != nil {
		return r.TimeNow()
	}
	return time.Now()
}

// readLoop reads lines from a [node.Node] until its output ends.
func (r *Router) readLoop(dev node.Node) {
	defer r.wg.Done()
	decoder := framing.NewDecoder()
	for {
		select {
		case <-r.eof:
			return
		case line, good := <-dev.Output():
			if !good {
				return
			}
			var stop bool
			decoder.FeedAll(line, func(msg *message.Message, raw string, err error) {
				if stop {
					return
				}
				if err != nil {
					r.decodeError(dev.ID(), raw, err)
					return
				}
				stop = !r.forward(dev.ID(), msg)
			})
			if stop {
				return
			}
		}
	}
}

// decodeError records an object that could not be decoded.
func (r *Router) decodeError(id message.NodeID, raw string, err error) {
	r.decodeErrors.Add(1)
	if r.Logger != nil {
		r.Logger.WarnContext(
			context.Background(),
			"decodeError",
			slog.String("node", id),
			slog.String("buffer", raw),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Time("t", r.timeNow()),
		)
	}
}

// forward records a message in history and then routes it. It returns
// false when the router has been closed.
func (r *Router) forward(id message.NodeID, msg *message.Message) bool {
	select {
	case <-r.eof:
		return false
	case r.history <- msg:
		r.routed.Add(1)
	}
	if err := r.route(id, msg); err != nil {
		r.routeDrop(id, msg, err)
	}
	return true
}

// route delivers a given message emitted by the node with the given identity.
func (r *Router) route(id message.NodeID, msg *message.Message) error {
	switch msg.Kind {
	case message.KindUnicast:
		dst := r.devs[msg.Destination]
		if dst == nil {
			return ErrNoRoute
		}
		r.linkFor(id, dst).push(msg)
		return nil

	case message.KindBroadcast:
		for _, dstID := range r.order {
			if dstID == msg.Source {
				continue
			}
			r.linkFor(id, r.devs[dstID]).push(msg)
		}
		return nil

	default:
		return ErrProtocol
	}
}

// routeDrop records a message that could not be routed.
func (r *Router) routeDrop(id message.NodeID, msg *message.Message, err error) {
	r.dropped.Add(1)
	if r.Logger != nil {
		r.Logger.WarnContext(
			context.Background(),
			"routeDrop",
			slog.String("node", id),
			slog.String("kind", msg.Kind.String()),
			slog.String("src", msg.Source),
			slog.String("dst", msg.Destination),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Time("t", r.timeNow()),
		)
	}
}

// deliverDrop records a delivery to a node that is no longer running.
func (r *Router) deliverDrop(dst message.NodeID, msg *message.Message) {
	r.dropped.Add(1)
	if r.Logger != nil {
		r.Logger.WarnContext(
			context.Background(),
			"deliverDrop",
			slog.String("kind", msg.Kind.String()),
			slog.String("src", msg.Source),
			slog.String("dst", dst),
			slog.Any("err", ErrNodeDown),
			slog.String("errClass", errclass.New(ErrNodeDown)),
			slog.Time("t", r.timeNow()),
		)
	}
}

// linkFor returns the link from src to dst, creating it if needed.
func (r *Router) linkFor(src message.NodeID, dst node.Node) *link {
	key := linkKey{src: src, dst: dst.ID()}
	r.mu.Lock()
	defer r.mu.Unlock()
	lnk := r.links[key]
	if lnk == nil {
		lnk = newLink(dst)
		r.links[key] = lnk
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			lnk.move(r.eof, r.deliverDrop)
		}()
	}
	return lnk
}
