// SPDX-License-Identifier: GPL-3.0-or-later

package node_test

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains the given channel.
func collect(ch <-chan string) (out []string) {
	for line := range ch {
		out = append(out, line)
	}
	return
}

func TestScanLines(t *testing.T) {
	t.Run("posts every line", func(t *testing.T) {
		out := make(chan string, 10)
		eof := make(chan struct{})
		err := node.ScanLines(strings.NewReader("a\nb\r\n\nc"), out, eof)
		require.NoError(t, err)
		close(out)
		assert.Equal(t, []string{"a", "b", "", "c"}, collect(out))
	})

	t.Run("stops on eof", func(t *testing.T) {
		out := make(chan string) // nobody reads
		eof := make(chan struct{})
		close(eof)
		err := node.ScanLines(strings.NewReader("a\nb\n"), out, eof)
		assert.NoError(t, err)
	})

	t.Run("reports read errors", func(t *testing.T) {
		expected := errors.New("mocked error")
		out := make(chan string, 10)
		err := node.ScanLines(io.MultiReader(strings.NewReader("a\n"), &failingReader{expected}), out, nil)
		assert.ErrorIs(t, err, expected)
		assert.Equal(t, "a", <-out)
	})

	t.Run("keeps going after a very long line", func(t *testing.T) {
		long := strings.Repeat("x", 5<<20)
		valid := `{"type":"broadcast","src":"n1","data":""}`
		out := make(chan string, 10)
		err := node.ScanLines(strings.NewReader(long+"\n"+valid+"\n"), out, nil)
		require.NoError(t, err)
		close(out)
		lines := collect(out)
		require.Len(t, lines, 2)
		assert.Len(t, lines[0], 5<<20)
		assert.Equal(t, valid, lines[1])
	})
}

// failingReader is an [io.Reader] that always fails.
type failingReader struct {
	err error
}

func (r *failingReader) Read([]byte) (int, error) {
	return 0, r.err
}

func TestLineWriter(t *testing.T) {
	t.Run("splits writes into lines", func(t *testing.T) {
		out := make(chan string, 10)
		lw := node.NewLineWriter(out, nil)

		count, err := lw.Write([]byte("{\"a\":"))
		require.NoError(t, err)
		assert.Equal(t, 5, count)

		count, err = lw.Write([]byte("1}\r\nsecond\nthi"))
		require.NoError(t, err)
		assert.Equal(t, 14, count)

		require.NoError(t, lw.Flush())
		require.NoError(t, lw.Flush()) // nothing left
		close(out)
		assert.Equal(t, []string{`{"a":1}`, "second", "thi"}, collect(out))
	})

	t.Run("fails once the reader is gone", func(t *testing.T) {
		out := make(chan string)
		eof := make(chan struct{})
		close(eof)
		lw := node.NewLineWriter(out, eof)

		count, err := lw.Write([]byte("a\nb\n"))
		assert.ErrorIs(t, err, io.ErrClosedPipe)
		assert.Equal(t, 0, count)
	})
}

func TestWriteLoop(t *testing.T) {
	t.Run("writes one line per message", func(t *testing.T) {
		var buf bytes.Buffer
		in := make(chan *message.Message, 2)
		eof := make(chan struct{})
		in <- message.NewInit("n1", []byte("go"))
		in <- message.NewBroadcast("n2", nil)

		done := make(chan error)
		go func() { done <- node.WriteLoop(&buf, in, eof) }()

		// wait for the messages to be consumed before stopping
		assert.Eventually(t, func() bool { return len(in) == 0 }, 5*time.Second, time.Millisecond)
		close(eof)
		require.NoError(t, <-done)

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, `{"type":"init","node_id":"n1","data":"Z28="}`, lines[0])
		assert.Equal(t, `{"type":"broadcast","src":"n2","data":""}`, lines[1])
	})

	t.Run("reports write errors", func(t *testing.T) {
		expected := errors.New("mocked error")
		in := make(chan *message.Message, 1)
		in <- message.NewInit("n1", nil)
		err := node.WriteLoop(&failingWriter{expected}, in, nil)
		assert.ErrorIs(t, err, expected)
	})
}

// failingWriter is an [io.Writer] that always fails.
type failingWriter struct {
	err error
}

func (w *failingWriter) Write([]byte) (int, error) {
	return 0, w.err
}

func TestConfig(t *testing.T) {
	cfg := &node.Config{Env: []node.Env{{Name: "A", Value: "1"}, {Name: "B", Value: "x=y"}}}
	assert.Equal(t, []string{"A=1", "B=x=y"}, cfg.Environ())
	assert.Equal(t, node.DefaultInputBuffer, cap(cfg.NewInput()))

	cfg.RunID = "run-1"
	assert.Equal(t, []string{"A=1", "B=x=y", "MESH_NODE_ID=n1", "MESH_RUN_ID=run-1"}, cfg.EnvironFor("n1"))

	cfg.InputBuffer = 3
	assert.Equal(t, 3, cap(cfg.NewInput()))
}
