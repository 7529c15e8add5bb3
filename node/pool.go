// SPDX-License-Identifier: GPL-3.0-or-later

package node

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Pool allows pooling a set of [Node] and stopping them in a single operation.
//
// The zero value is ready to use.
type Pool struct {
	// nodes contains the [Node] to stop.
	nodes []Node

	// Timeout is the optional time allowed to stop each node. If
	// this field is zero, all the nodes share the context passed
	// to [*Pool.Stop].
	Timeout time.Duration

	// mu provides mutual exclusion.
	mu sync.Mutex
}

// Add adds a given [Node] to the pool.
func (p *Pool) Add(n Node) {
	p.mu.Lock()
	p.nodes = append(p.nodes, n)
	p.mu.Unlock()
}

// Len returns the number of nodes in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.nodes)
}

// Stop stops all the [Node] inside the pool iterating in backward
// order and empties the pool. The returned error is the join of all
// the errors that occurred when stopping nodes.
//
// When Timeout is positive, each node gets its own deadline, so a
// node that is slow to stop does not consume the budget of the others.
func (p *Pool) Stop(ctx context.Context) error {
	// Lock and copy the [Node] to stop.
	p.mu.Lock()
	nodes := p.nodes
	p.nodes = nil
	p.mu.Unlock()

	// Stop all the [Node].
	var errv []error
	for _, n := range slices.Backward(nodes) {
		if err := p.stop(ctx, n); err != nil {
			errv = append(errv, fmt.Errorf("stop %s: %w", n.ID(), err))
		}
	}
	return errors.Join(errv...)
}

// stop stops a single [Node] honouring Timeout.
func (p *Pool) stop(ctx context.Context, n Node) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return n.Stop(ctx)
}
