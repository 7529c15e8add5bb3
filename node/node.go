// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package node defines the capability the harness consumes to run nodes.

A [Node] is a running participant of a test. The harness reads the raw
lines the node writes to its output using [Node.Output] and sends
messages to the node using [Node.Input]. The [Launcher] interface creates
nodes. Backends live in sibling packages:

- memnode: scriptable in-memory nodes for tests

- procnode: nodes running as local processes

- dockernode: nodes running as containers

Backends share the plumbing in this package: [ScanLines] and [LineWriter]
turn a byte stream into lines, and [WriteLoop] writes one JSON message per
line to a node's input stream.
*/
package node

import (
	"context"
	"fmt"

	"github.com/rbmk-project/mesh/message"
)

// DefaultInputBuffer is the default capacity of a node's input channel.
const DefaultInputBuffer = 10

const (
	// EnvNodeID is the environment variable containing the node identity.
	EnvNodeID = "MESH_NODE_ID"

	// EnvRunID is the environment variable containing the run identifier.
	EnvRunID = "MESH_RUN_ID"
)

// Node is a running node.
type Node interface {
	// ID returns the node identity.
	ID() message.NodeID

	// EOF returns a channel that is closed when the node is stopped
	// or has exited. Senders blocked on Input should give up then.
	EOF() <-chan struct{}

	// Input returns the channel to send [*message.Message] to the node.
	//
	// The channel is stable for the node lifetime and bounded.
	Input() chan<- *message.Message

	// Output returns the channel from which to read the raw lines
	// written by the node. The channel is closed when the output
	// stream ends and cannot be restarted.
	Output() <-chan string

	// Stop stops the node on a best-effort basis.
	Stop(ctx context.Context) error
}

// Env is an environment variable passed to a node.
type Env struct {
	// Name is the variable name.
	Name string `json:"name" yaml:"name" toml:"name"`

	// Value is the variable value.
	Value string `json:"value" yaml:"value" toml:"value"`
}

// String returns the NAME=VALUE representation.
func (e Env) String() string {
	return fmt.Sprintf("%s=%s", e.Name, e.Value)
}

// Config contains the configuration to launch a [Node].
type Config struct {
	// Image is the image name for container backends.
	Image string

	// Tag is the image tag for container backends.
	Tag string

	// Command is the command to run. Process backends require it,
	// container backends use it to override the image command.
	Command []string

	// Env contains environment variables for the node.
	Env []Env

	// RunID identifies the test run the node belongs to.
	RunID string

	// InputBuffer is the capacity of the node input channel. If zero,
	// we use [DefaultInputBuffer].
	InputBuffer int
}

// inputBuffer returns the effective input channel capacity.
func (cfg *Config) inputBuffer() int {
	if cfg.InputBuffer > 0 {
		return cfg.InputBuffer
	}
	return DefaultInputBuffer
}

// NewInput creates the input channel for a node launched with cfg.
func (cfg *Config) NewInput() chan *message.Message {
	return make(chan *message.Message, cfg.inputBuffer())
}

// Environ returns the node environment in NAME=VALUE form.
func (cfg *Config) Environ() []string {
	out := make([]string, 0, len(cfg.Env))
	for _, e := range cfg.Env {
		out = append(out, e.String())
	}
	return out
}

// EnvironFor returns the environment of the node with the given identity,
// which also includes [EnvNodeID] and [EnvRunID].
func (cfg *Config) EnvironFor(id message.NodeID) []string {
	return append(cfg.Environ(), EnvNodeID+"="+id, EnvRunID+"="+cfg.RunID)
}

// Launcher launches nodes.
type Launcher interface {
	// Launch launches the node with the given identity.
	Launch(ctx context.Context, cfg *Config, id message.NodeID) (Node, error)
}

// LauncherFunc adapts a function to the [Launcher] interface.
type LauncherFunc func(ctx context.Context, cfg *Config, id message.NodeID) (Node, error)

var _ Launcher = LauncherFunc(nil)

// Launch implements [Launcher].
func (fx LauncherFunc) Launch(ctx context.Context, cfg *Config, id message.NodeID) (Node, error) {
	return fx(ctx, cfg, id)
}
