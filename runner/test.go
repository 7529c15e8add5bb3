// SPDX-License-Identifier: GPL-3.0-or-later

package runner

import (
	"errors"
	"fmt"
	"time"

	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
)

// ErrInvalidTest indicates a [*Test] that cannot be run.
var ErrInvalidTest = errors.New("invalid test")

// Test describes a test run.
type Test struct {
	// Nodes contains the identities of the nodes to launch.
	Nodes []message.NodeID

	// Input maps node identities to the payloads injected into
	// each node as init messages, in order.
	Input map[message.NodeID][][]byte

	// Image is the image name for container backends.
	Image string

	// Tag is the image tag for container backends.
	Tag string

	// Command is the command each node runs.
	Command []string

	// Env contains environment variables for every node.
	Env []node.Env

	// IdleTimeout is how long to wait for the next message
	// before considering the test complete.
	IdleTimeout time.Duration
}

// Validate returns an error wrapping [ErrInvalidTest] when the test
// declares no nodes, duplicate or empty identities, a non-positive
// idle timeout, or input for undeclared nodes.
func (t *Test) Validate() error {
	if len(t.Nodes) <= 0 {
		return fmt.Errorf("%w: no nodes", ErrInvalidTest)
	}
	seen := make(map[message.NodeID]bool, len(t.Nodes))
	for _, id := range t.Nodes {
		if id == "" {
			return fmt.Errorf("%w: empty node id", ErrInvalidTest)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidTest, id)
		}
		seen[id] = true
	}
	if t.IdleTimeout <= 0 {
		return fmt.Errorf("%w: idle timeout must be positive", ErrInvalidTest)
	}
	for id := range t.Input {
		if !seen[id] {
			return fmt.Errorf("%w: input for undeclared node %q", ErrInvalidTest, id)
		}
	}
	return nil
}

// config returns the [*node.Config] for the given run.
func (t *Test) config(runID string) *node.Config {
	return &node.Config{
		Image:   t.Image,
		Tag:     t.Tag,
		Command: t.Command,
		Env:     t.Env,
		RunID:   runID,
	}
}
