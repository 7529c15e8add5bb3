// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package procnode runs nodes as local processes.

Each node runs the configured command with its standard input receiving one
JSON message per line and its standard output streamed to the harness. The
standard error of each node is logged line by line. The node identity and the
run identifier are exported to the process using the MESH_NODE_ID and the
MESH_RUN_ID environment variables.
*/
package procnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rbmk-project/mesh/errclass"
	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
)

// ErrNoCommand indicates a [*node.Config] without a command.
var ErrNoCommand = errors.New("procnode: no command to run")

// Launcher is a [node.Launcher] running nodes as local processes.
//
// The zero value is ready to use.
type Launcher struct {
	// Dir is the optional working directory of the processes. If
	// this field is empty, we use the current directory.
	Dir string

	// Logger is the optional structured logger for emitting
	// structured diagnostic events. If this field is nil, we
	// will not be emitting structured logs.
	Logger *slog.Logger

	// TimeNow is an optional function that returns the current time.
	// If this field is nil, the [time.Now] function will be used.
	TimeNow func() time.Time
}

var _ node.Launcher = &Launcher{}

// timeNow returns the current time.
func (l *Launcher) timeNow() time.Time {
	if l.TimeNow != nil {
		return l.TimeNow()
	}
	return time.Now()
}

// Launch implements [node.Launcher].
//
// The context only bounds starting the process. Use [*Node.Stop]
// to terminate the process.
func (l *Launcher) Launch(ctx context.Context, cfg *node.Config, id message.NodeID) (node.Node, error) {
	if len(cfg.Command) <= 0 {
		return nil, ErrNoCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), cfg.EnvironFor(id)...)
	prepareCommand(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	n := &Node{
		cmd:      cmd,
		eof:      make(chan struct{}),
		id:       id,
		input:    cfg.NewInput(),
		launcher: l,
		output:   make(chan string, outputBuffer),
		waitDone: make(chan struct{}),
	}
	readers := &sync.WaitGroup{}
	readers.Add(2)
	go func() {
		defer readers.Done()
		n.readStdout(stdout)
	}()
	go func() {
		defer readers.Done()
		n.readStderr(stderr)
	}()
	go n.writeStdin(stdin)
	go n.wait(readers)
	return n, nil
}

// outputBuffer is the capacity of the output channel.
const outputBuffer = 50

// Node is a [node.Node] running as a local process.
//
// Construct using [*Launcher.Launch].
type Node struct {
	// cmd is the running command.
	cmd *exec.Cmd

	// eof is closed when the node is stopped or the process exits.
	eof chan struct{}

	// eofOnce ensures we close eof just once.
	eofOnce sync.Once

	// id is the node identity.
	id message.NodeID

	// input is the inbound channel.
	input chan *message.Message

	// launcher is the [*Launcher] that created the node.
	launcher *Launcher

	// output is the outbound channel of raw lines.
	output chan string

	// waitDone is closed once the process has been reaped.
	waitDone chan struct{}
}

var _ node.Node = &Node{}

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

// Pid returns the process identifier.
func (n *Node) Pid() int {
	return n.cmd.Process.Pid
}

// Stop implements [node.Node]. It asks the process to terminate and
// kills it when it is still running once ctx is done.
func (n *Node) Stop(ctx context.Context) error {
	n.closeEOF()
	select {
	case <-n.waitDone:
		return nil
	default:
	}

	// Ignore the error: the process may exit in the meanwhile.
	_ = terminate(n.cmd.Process)

	select {
	case <-n.waitDone:
		return nil
	case <-ctx.Done():
		_ = kill(n.cmd.Process)
		<-n.waitDone
		return fmt.Errorf("process killed: %w", ctx.Err())
	}
}

// closeEOF closes the eof channel.
func (n *Node) closeEOF() {
	n.eofOnce.Do(func() { close(n.eof) })
}

// readStdout posts the lines written on the standard output.
func (n *Node) readStdout(r io.Reader) {
	defer close(n.output)
	if err := node.ScanLines(r, n.output, n.eof); err != nil {
		n.launcher.logError(n.id, "stdoutError", err)
	}
	// Unblock the process if we stopped reading early.
	_, _ = io.Copy(io.Discard, r)
}

// readStderr logs the lines written on the standard error.
func (n *Node) readStderr(r io.Reader) {
	lines := make(chan string)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for line := range lines {
			n.launcher.logStderr(n.id, line)
		}
	}()
	err := node.ScanLines(r, lines, nil)
	close(lines)
	<-done
	if err != nil {
		n.launcher.logError(n.id, "stderrError", err)
	}
}

// writeStdin writes the inbound messages to the standard input.
func (n *Node) writeStdin(w io.WriteCloser) {
	defer w.Close()
	if err := node.WriteLoop(w, n.input, n.eof); err != nil {
		n.launcher.logError(n.id, "stdinError", err)
	}
}

// wait reaps the process once the output readers are done.
func (n *Node) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := n.cmd.Wait()
	n.closeEOF()
	n.launcher.logExit(n.id, err)
	close(n.waitDone)
}

// logStderr logs a line written on the standard error of a node.
func (l *Launcher) logStderr(id message.NodeID, line string) {
	if l.Logger != nil {
		l.Logger.InfoContext(
			context.Background(),
			"nodeStderr",
			slog.String("node", id),
			slog.String("line", line),
			slog.Time("t", l.timeNow()),
		)
	}
}

// logError logs an I/O error affecting a node.
func (l *Launcher) logError(id message.NodeID, event string, err error) {
	if l.Logger != nil {
		l.Logger.WarnContext(
			context.Background(),
			event,
			slog.String("node", id),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Time("t", l.timeNow()),
		)
	}
}

// logExit logs the termination of a node process.
func (l *Launcher) logExit(id message.NodeID, err error) {
	if l.Logger != nil {
		l.Logger.InfoContext(
			context.Background(),
			"nodeExit",
			slog.String("node", id),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Time("t", l.timeNow()),
		)
	}
}
