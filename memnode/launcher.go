// SPDX-License-Identifier: GPL-3.0-or-later

package memnode

import (
	"context"
	"sync"

	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
)

// Launcher is a [node.Launcher] creating [*Node] instances.
//
// Construct using [NewLauncher].
type Launcher struct {
	// configs contains the configurations passed to Launch.
	configs []*node.Config

	// failures maps node identities to launch errors.
	failures map[message.NodeID]error

	// mu provides mutual exclusion.
	mu sync.Mutex

	// nodes contains the launched nodes.
	nodes map[message.NodeID]*Node

	// scripts maps node identities to the lines they emit.
	scripts map[message.NodeID][]string
}

var _ node.Launcher = &Launcher{}

// NewLauncher creates a new [*Launcher].
func NewLauncher() *Launcher {
	return &Launcher{
		failures: make(map[message.NodeID]error),
		nodes:    make(map[message.NodeID]*Node),
		scripts:  make(map[message.NodeID][]string),
	}
}

// Script sets the lines the node with the given identity emits once launched.
func (l *Launcher) Script(id message.NodeID, lines ...string) {
	l.mu.Lock()
	l.scripts[id] = append(l.scripts[id], lines...)
	l.mu.Unlock()
}

// FailWith causes launching the node with the given identity to fail.
func (l *Launcher) FailWith(id message.NodeID, err error) {
	l.mu.Lock()
	l.failures[id] = err
	l.mu.Unlock()
}

// Launch implements [node.Launcher].
func (l *Launcher) Launch(ctx context.Context, cfg *node.Config, id message.NodeID) (node.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs = append(l.configs, cfg)
	if err := l.failures[id]; err != nil {
		return nil, err
	}
	n := newNode(id, cfg, l.scripts[id]...)
	l.nodes[id] = n
	return n, nil
}

// Node returns the launched node with the given identity or nil.
func (l *Launcher) Node(id message.NodeID) *Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nodes[id]
}

// Launched returns the number of launched nodes.
func (l *Launcher) Launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.nodes)
}

// Configs returns the configurations passed to Launch.
func (l *Launcher) Configs() []*node.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*node.Config{}, l.configs...)
}
