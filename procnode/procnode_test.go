//go:build unix

// SPDX-License-Identifier: GPL-3.0-or-later

package procnode_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
	"github.com/rbmk-project/mesh/procnode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// readLine reads the next line from a node output.
func readLine(t *testing.T, n node.Node) (string, bool) {
	select {
	case line, good := <-n.Output():
		return line, good
	case <-time.After(5 * time.Second):
		t.Fatal("timeout reading the node output")
		return "", false
	}
}

// launch launches a shell script as a node.
func launch(t *testing.T, l *procnode.Launcher, cfg *node.Config, script string) node.Node {
	cfg.Command = []string{"sh", "-c", script}
	n, err := l.Launch(context.Background(), cfg, "n1")
	require.NoError(t, err)
	return n
}

func TestLauncher(t *testing.T) {
	t.Run("echoes messages and logs stderr", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
		l := &procnode.Launcher{Logger: logger}
		n := launch(t, l, &node.Config{}, `echo "started $MESH_NODE_ID"; echo oops >&2; exec cat`)

		line, good := readLine(t, n)
		require.True(t, good)
		assert.Equal(t, "started n1", line)

		msg := message.NewInit("n1", []byte("hello"))
		n.Input() <- msg
		line, good = readLine(t, n)
		require.True(t, good)
		assert.Equal(t, `{"type":"init","node_id":"n1","data":"aGVsbG8="}`, line)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, n.Stop(ctx))
		<-n.EOF()

		assert.Contains(t, buf.String(), `"msg":"nodeStderr"`)
		assert.Contains(t, buf.String(), `"line":"oops"`)
		assert.Contains(t, buf.String(), `"msg":"nodeExit"`)
	})

	t.Run("exports the environment", func(t *testing.T) {
		l := &procnode.Launcher{}
		cfg := &node.Config{
			Env:   []node.Env{{Name: "FOO", Value: "bar"}},
			RunID: "run-1",
		}
		n := launch(t, l, cfg, `echo "$FOO $MESH_RUN_ID $MESH_NODE_ID"`)
		defer n.Stop(context.Background())

		line, good := readLine(t, n)
		require.True(t, good)
		assert.Equal(t, "bar run-1 n1", line)
	})

	t.Run("process exit ends the output", func(t *testing.T) {
		l := &procnode.Launcher{}
		n := launch(t, l, &node.Config{}, `echo one; echo two`)

		var lines []string
		for {
			line, good := readLine(t, n)
			if !good {
				break
			}
			lines = append(lines, line)
		}
		assert.Equal(t, []string{"one", "two"}, lines)

		select {
		case <-n.EOF():
		case <-time.After(5 * time.Second):
			t.Fatal("expected EOF to be closed")
		}
		assert.NoError(t, n.Stop(context.Background()))
	})

	t.Run("stop kills processes ignoring SIGTERM", func(t *testing.T) {
		l := &procnode.Launcher{}
		n := launch(t, l, &node.Config{}, `trap "" TERM; echo ready; while true; do sleep 0.1; done`)

		line, good := readLine(t, n)
		require.True(t, good)
		assert.Equal(t, "ready", line)

		pid := n.(*procnode.Node).Pid()
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		err := n.Stop(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH)
	})

	t.Run("missing command", func(t *testing.T) {
		l := &procnode.Launcher{}
		n, err := l.Launch(context.Background(), &node.Config{}, "n1")
		assert.ErrorIs(t, err, procnode.ErrNoCommand)
		assert.Nil(t, n)
	})

	t.Run("command not found", func(t *testing.T) {
		l := &procnode.Launcher{}
		cfg := &node.Config{Command: []string{"/nonexistent/mesh-node"}}
		n, err := l.Launch(context.Background(), cfg, "n1")
		assert.Error(t, err)
		assert.Nil(t, n)
	})

	t.Run("cancelled context", func(t *testing.T) {
		l := &procnode.Launcher{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		cfg := &node.Config{Command: []string{"true"}}
		_, err := l.Launch(ctx, cfg, "n1")
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNodeStopTwice(t *testing.T) {
	l := &procnode.Launcher{}
	n := launch(t, l, &node.Config{}, `exec cat`)
	pid := n.(*procnode.Node).Pid()
	assert.NoError(t, unix.Kill(pid, 0))
	require.NoError(t, n.Stop(context.Background()))
	assert.ErrorIs(t, unix.Kill(pid, 0), unix.ESRCH)
	require.NoError(t, n.Stop(context.Background()))
	assert.Equal(t, "n1", n.ID())
	<-n.EOF()
}
