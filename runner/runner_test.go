// SPDX-License-Identifier: GPL-3.0-or-later

package runner_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rbmk-project/mesh/memnode"
	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
	"github.com/rbmk-project/mesh/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustEncode returns the JSON line for a message.
func mustEncode(t *testing.T, msg *message.Message) string {
	data, err := msg.MarshalJSON()
	require.NoError(t, err)
	return string(data)
}

// newTest returns a three-node test with a short idle timeout.
func newTest() *runner.Test {
	return &runner.Test{
		Nodes:       []message.NodeID{"node1", "node2", "node3"},
		IdleTimeout: 100 * time.Millisecond,
	}
}

func TestRunnerUnicast(t *testing.T) {
	msg := message.NewUnicast("node1", "node2", []byte("payload"))
	launcher := memnode.NewLauncher()
	launcher.Script("node1", mustEncode(t, msg))

	h, err := runner.New(launcher).Run(context.Background(), newTest())
	require.NoError(t, err)

	require.Equal(t, 1, h.Len())
	assert.True(t, h[0].Equal(msg))

	received := launcher.Node("node2").Received()
	require.Len(t, received, 1)
	assert.True(t, received[0].Equal(msg))
	assert.Empty(t, launcher.Node("node1").Received())
	assert.Empty(t, launcher.Node("node3").Received())

	for _, id := range []message.NodeID{"node1", "node2", "node3"} {
		assert.Equal(t, 1, launcher.Node(id).Stopped(), id)
	}
}

func TestRunnerBroadcast(t *testing.T) {
	msg := message.NewBroadcast("node1", []byte("hello"))
	launcher := memnode.NewLauncher()
	launcher.Script("node1", mustEncode(t, msg))

	h, err := runner.New(launcher).Run(context.Background(), newTest())
	require.NoError(t, err)

	require.Equal(t, 1, h.Len())
	assert.True(t, h[0].Equal(msg))
	assert.Len(t, launcher.Node("node2").Received(), 1)
	assert.Len(t, launcher.Node("node3").Received(), 1)
	assert.Empty(t, launcher.Node("node1").Received())
}

func TestRunnerHistoryCount(t *testing.T) {
	launcher := memnode.NewLauncher()
	launcher.Script("node1",
		mustEncode(t, message.NewUnicast("node1", "node2", nil)),
		mustEncode(t, message.NewBroadcast("node1", nil)),
	)
	launcher.Script("node2", "not a message", mustEncode(t, message.NewUnicast("node2", "node9", nil)))
	launcher.Script("node3", mustEncode(t, message.NewUnicast("node3", "node1", nil)))

	h, err := runner.New(launcher).Run(context.Background(), newTest())
	require.NoError(t, err)
	assert.Equal(t, 4, h.Len())
}

// echoLauncher returns a launcher whose nodes broadcast the payload of
// every init message they receive.
func echoLauncher(nodes map[message.NodeID]*memnode.Node) node.Launcher {
	mu := &sync.Mutex{}
	return node.LauncherFunc(func(ctx context.Context, cfg *node.Config, id message.NodeID) (node.Node, error) {
		n := memnode.New(id)
		mu.Lock()
		nodes[id] = n
		mu.Unlock()
		go func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				<-n.EOF()
				cancel()
			}()
			for count := 1; ; count++ {
				received, err := n.WaitReceived(ctx, count)
				if err != nil {
					return
				}
				msg := received[count-1]
				if msg.Kind == message.KindInit {
					n.EmitMessage(message.NewBroadcast(id, msg.Payload))
				}
			}
		}()
		return n, nil
	})
}

func TestRunnerInjectsInput(t *testing.T) {
	nodes := make(map[message.NodeID]*memnode.Node)
	tt := newTest()
	tt.Input = map[message.NodeID][][]byte{
		"node1": {[]byte("a"), []byte("b")},
		"node3": {[]byte("c")},
	}

	h, err := runner.New(echoLauncher(nodes)).Run(context.Background(), tt)
	require.NoError(t, err)

	// init messages are not part of the history
	require.Equal(t, 3, h.Len())
	for _, msg := range h {
		assert.Equal(t, message.KindBroadcast, msg.Kind)
	}

	// each node receives its input in order
	var inits []*message.Message
	for _, msg := range nodes["node1"].Received() {
		if msg.Kind == message.KindInit {
			inits = append(inits, msg)
		}
	}
	require.Len(t, inits, 2)
	assert.Equal(t, message.NewInit("node1", []byte("a")), inits[0])
	assert.Equal(t, message.NewInit("node1", []byte("b")), inits[1])

	// node2 only sees the broadcasts
	assert.Len(t, nodes["node2"].Received(), 3)
}

func TestRunnerLaunchFailure(t *testing.T) {
	expected := errors.New("mocked error")
	launcher := memnode.NewLauncher()
	launcher.FailWith("node2", expected)

	h, err := runner.New(launcher).Run(context.Background(), newTest())
	assert.Nil(t, h)
	assert.ErrorIs(t, err, runner.ErrLaunch)
	assert.ErrorIs(t, err, expected)

	for _, id := range []message.NodeID{"node1", "node3"} {
		if n := launcher.Node(id); n != nil {
			assert.Equal(t, 1, n.Stopped(), id)
		}
	}
}

func TestRunnerStopFailure(t *testing.T) {
	expected := errors.New("mocked error")
	msg := message.NewBroadcast("node1", nil)
	launcher := node.LauncherFunc(func(ctx context.Context, cfg *node.Config, id message.NodeID) (node.Node, error) {
		var lines []string
		if id == "node1" {
			lines = append(lines, mustEncode(t, msg))
		}
		n := memnode.New(id, lines...)
		if id == "node3" {
			n.StopErr = expected
		}
		return n, nil
	})

	h, err := runner.New(launcher).Run(context.Background(), newTest())
	assert.ErrorIs(t, err, runner.ErrStop)
	assert.ErrorIs(t, err, expected)
	require.Equal(t, 1, h.Len())
	assert.True(t, h[0].Equal(msg))
}

// slowStopNode is a memnode.Node whose Stop blocks until ctx is done.
type slowStopNode struct {
	*memnode.Node

	// errAtStart is the ctx error observed when Stop starts.
	errAtStart error
}

func (n *slowStopNode) Stop(ctx context.Context) error {
	n.errAtStart = ctx.Err()
	<-ctx.Done()
	return errors.Join(ctx.Err(), n.Node.Stop(context.Background()))
}

func TestRunnerSlowStop(t *testing.T) {
	var (
		mu    sync.Mutex
		nodes []*slowStopNode
	)
	launcher := node.LauncherFunc(func(ctx context.Context, cfg *node.Config, id message.NodeID) (node.Node, error) {
		n := &slowStopNode{Node: memnode.New(id)}
		mu.Lock()
		nodes = append(nodes, n)
		mu.Unlock()
		return n, nil
	})

	r := runner.New(launcher)
	r.StopTimeout = 50 * time.Millisecond
	_, err := r.Run(context.Background(), newTest())
	assert.ErrorIs(t, err, runner.ErrStop)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// every node gets its own budget, so none starts already expired
	require.Len(t, nodes, 3)
	for _, n := range nodes {
		assert.NoError(t, n.errAtStart, n.ID())
		assert.Equal(t, 1, n.Stopped(), n.ID())
	}
}

func TestRunnerContextDone(t *testing.T) {
	launcher := memnode.NewLauncher()
	launcher.Script("node1", mustEncode(t, message.NewBroadcast("node1", nil)))
	tt := newTest()
	tt.IdleTimeout = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	h, err := runner.New(launcher).Run(ctx, tt)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 1, launcher.Node("node2").Stopped())
}

func TestRunnerRunID(t *testing.T) {
	t.Run("custom", func(t *testing.T) {
		launcher := memnode.NewLauncher()
		r := runner.New(launcher)
		r.NewRunID = func() string { return "run-1" }

		_, err := r.Run(context.Background(), newTest())
		require.NoError(t, err)
		for _, cfg := range launcher.Configs() {
			assert.Equal(t, "run-1", cfg.RunID)
		}
	})

	t.Run("default", func(t *testing.T) {
		launcher := memnode.NewLauncher()
		_, err := runner.New(launcher).Run(context.Background(), newTest())
		require.NoError(t, err)
		configs := launcher.Configs()
		require.Len(t, configs, 3)
		_, err = uuid.Parse(configs[0].RunID)
		assert.NoError(t, err)
	})
}

func TestRunnerInvalidTest(t *testing.T) {
	launcher := memnode.NewLauncher()
	tt := newTest()
	tt.Nodes = nil

	h, err := runner.New(launcher).Run(context.Background(), tt)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, runner.ErrInvalidTest)
	assert.Equal(t, 0, launcher.Launched())
}

func TestRunnerLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
	launcher := memnode.NewLauncher()
	launcher.Script("node1", mustEncode(t, message.NewUnicast("node1", "node2", nil)))
	tt := newTest()
	tt.Input = map[message.NodeID][][]byte{"node2": {[]byte("x")}}

	r := runner.New(launcher)
	r.Logger = logger
	_, err := r.Run(context.Background(), tt)
	require.NoError(t, err)

	counts := make(map[string]int)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		counts[entry["msg"].(string)]++
	}
	assert.Equal(t, map[string]int{
		"launchStart": 3,
		"launchDone":  3,
		"injectInit":  1,
		"historyDone": 1,
		"runDone":     1,
		"stopDone":    1,
	}, counts)
}
