// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package dockernode runs nodes as Docker containers.

Each node is a container named after the node identity, created from the
configured image with its standard input kept open. We attach to the
container before starting it, so no output is lost, and we demultiplex the
attached stream into the node output (standard output) and the structured
logs (standard error).
*/
package dockernode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rbmk-project/mesh/errclass"
	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
)

const (
	// DefaultNamePrefix is the default container name prefix.
	DefaultNamePrefix = "mesh-"

	// DefaultTag is the image tag used when the configuration has none.
	DefaultTag = "latest"

	// LabelRun is the container label containing the run identifier.
	LabelRun = "mesh.run"

	// LabelNode is the container label containing the node identity.
	LabelNode = "mesh.node"

	// DefaultRemoveTimeout is the default time allowed to remove a container.
	DefaultRemoveTimeout = 5 * time.Second
)

// ErrNoImage indicates a [*node.Config] without an image.
var ErrNoImage = errors.New("dockernode: no image to run")

// Client is the subset of the Docker client API used by [*Launcher].
//
// The [*client.Client] type implements this interface.
type Client interface {
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform,
		containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options container.StartOptions) error
	ContainerStop(ctx context.Context, container string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, container string, options container.RemoveOptions) error
}

var _ Client = &client.Client{}

// NewClient creates a [*client.Client] configured from the environment.
func NewClient() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// Launcher is a [node.Launcher] running nodes as containers.
//
// Construct using [NewLauncher].
type Launcher struct {
	// Client is the Docker client to use.
	Client Client

	// Logger is the optional structured logger for emitting
	// structured diagnostic events. If this field is nil, we
	// will not be emitting structured logs.
	Logger *slog.Logger

	// NamePrefix is the prefix of the container names.
	NamePrefix string

	// Pull indicates whether to pull the image before creating
	// each container.
	Pull bool

	// RemoveTimeout is the optional time allowed to remove a container
	// when stopping a node, regardless of the stop context. If this
	// field is zero, we use [DefaultRemoveTimeout].
	RemoveTimeout time.Duration

	// TimeNow is an optional function that returns the current time.
	// If this field is nil, the [time.Now] function will be used.
	TimeNow func() time.Time
}

var _ node.Launcher = &Launcher{}

// NewLauncher creates a new [*Launcher] using the given [Client].
func NewLauncher(clnt Client) *Launcher {
	return &Launcher{
		Client:     clnt,
		NamePrefix: DefaultNamePrefix,
	}
}

// timeNow returns the current time.
func (l *Launcher) timeNow() time.Time {
	if l.TimeNow != nil {
		return l.TimeNow()
	}
	return time.Now()
}

// imageRef returns the image reference for a given configuration.
func imageRef(cfg *node.Config) string {
	tag := cfg.Tag
	if tag == "" {
		tag = DefaultTag
	}
	return cfg.Image + ":" + tag
}

// Launch implements [node.Launcher].
func (l *Launcher) Launch(ctx context.Context, cfg *node.Config, id message.NodeID) (node.Node, error) {
	if cfg.Image == "" {
		return nil, ErrNoImage
	}
	ref := imageRef(cfg)

	// 1. Pull the image
	if l.Pull {
		if err := l.pull(ctx, ref); err != nil {
			return nil, fmt.Errorf("pull %s: %w", ref, err)
		}
	}

	// 2. Create the container
	config := &container.Config{
		Image:        ref,
		Cmd:          cfg.Command,
		Env:          cfg.EnvironFor(id),
		Hostname:     id,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels: map[string]string{
			LabelRun:  cfg.RunID,
			LabelNode: id,
		},
	}
	resp, err := l.Client.ContainerCreate(ctx, config, &container.HostConfig{}, nil, nil, l.NamePrefix+id)
	if err != nil {
		return nil, fmt.Errorf("create container for %s: %w", id, err)
	}

	// 3. Attach before starting so that we do not lose any output
	hijacked, err := l.Client.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = l.remove(ctx, resp.ID)
		return nil, fmt.Errorf("attach container for %s: %w", id, err)
	}

	// 4. Start the container
	if err := l.Client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		hijacked.Close()
		_ = l.remove(ctx, resp.ID)
		return nil, fmt.Errorf("start container for %s: %w", id, err)
	}

	n := &Node{
		containerID: resp.ID,
		copyDone:    make(chan struct{}),
		eof:         make(chan struct{}),
		hijacked:    hijacked,
		id:          id,
		input:       cfg.NewInput(),
		launcher:    l,
		output:      make(chan string, outputBuffer),
	}
	go n.readLoop()
	go n.writeLoop()
	return n, nil
}

// pull pulls the given image reference.
func (l *Launcher) pull(ctx context.Context, ref string) error {
	rc, err := l.Client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

// removeTimeout returns the effective remove timeout.
func (l *Launcher) removeTimeout() time.Duration {
	if l.RemoveTimeout > 0 {
		return l.RemoveTimeout
	}
	return DefaultRemoveTimeout
}

// remove forcibly removes a container. It ignores the cancellation of
// ctx so that containers do not outlive a run whose stop budget expired.
func (l *Launcher) remove(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.removeTimeout())
	defer cancel()
	return l.Client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// stopOptions returns the [container.StopOptions] for ctx. When ctx has a
// deadline, the grace period before the engine kills the container ends
// halfway to it, rounded down to whole seconds and never negative, since
// the engine reads a negative grace period as "wait forever".
func stopOptions(ctx context.Context) container.StopOptions {
	deadline, ok := ctx.Deadline()
	if !ok {
		return container.StopOptions{}
	}
	grace := max(0, int(time.Until(deadline)/2/time.Second))
	return container.StopOptions{Timeout: &grace}
}

// outputBuffer is the capacity of the output channel.
const outputBuffer = 50

// Node is a [node.Node] running as a container.
//
// Construct using [*Launcher.Launch].
type Node struct {
	// containerID is the container identifier.
	containerID string

	// copyDone is closed when the attached stream has been drained.
	copyDone chan struct{}

	// eof is closed when the node is stopped or the stream ends.
	eof chan struct{}

	// eofOnce ensures we close eof just once.
	eofOnce sync.Once

	// hijacked is the attached stream.
	hijacked types.HijackedResponse

	// id is the node identity.
	id message.NodeID

	// input is the inbound channel.
	input chan *message.Message

	// launcher is the [*Launcher] that created the node.
	launcher *Launcher

	// output is the outbound channel of raw lines.
	output chan string

	// stopOnce ensures we stop the container just once.
	stopOnce sync.Once

	// stopErr is the result of stopping the container.
	stopErr error
}

var _ node.Node = &Node{}

// ID implements [node.Node].
func (n *Node) ID() message.NodeID {
	return n.id
}

// ContainerID returns the container identifier.
func (n *Node) ContainerID() string {
	return n.containerID
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

// Stop implements [node.Node]. It stops and removes the container.
//
// The container is removed even when ctx is done before it stops.
func (n *Node) Stop(ctx context.Context) error {
	n.stopOnce.Do(func() {
		n.closeEOF()
		var errv []error
		if err := n.launcher.Client.ContainerStop(ctx, n.containerID, stopOptions(ctx)); err != nil {
			errv = append(errv, fmt.Errorf("stop container: %w", err))
		}
		if err := n.launcher.remove(ctx, n.containerID); err != nil {
			errv = append(errv, fmt.Errorf("remove container: %w", err))
		}
		n.hijacked.Close()
		select {
		case <-n.copyDone:
		case <-ctx.Done():
			errv = append(errv, ctx.Err())
		}
		n.stopErr = errors.Join(errv...)
	})
	return n.stopErr
}

// closeEOF closes the eof channel.
func (n *Node) closeEOF() {
	n.eofOnce.Do(func() { close(n.eof) })
}

// readLoop demultiplexes the attached stream until it ends.
func (n *Node) readLoop() {
	defer close(n.copyDone)
	defer n.closeEOF()
	defer close(n.output)

	stderrLines := make(chan string)
	logged := make(chan struct{})
	go func() {
		defer close(logged)
		for line := range stderrLines {
			n.launcher.logStderr(n.id, line)
		}
	}()

	stdout := node.NewLineWriter(n.output, n.eof)
	stderr := node.NewLineWriter(stderrLines, nil)
	_, err := stdcopy.StdCopy(stdout, stderr, n.hijacked.Reader)
	stdout.Flush()
	stderr.Flush()
	close(stderrLines)
	<-logged

	if err != nil && !n.stopped() {
		n.launcher.logError(n.id, "stdoutError", err)
	}
}

// stopped returns whether eof has been closed.
func (n *Node) stopped() bool {
	select {
	case <-n.eof:
		return true
	default:
		return false
	}
}

// writeLoop writes the inbound messages to the attached stream.
func (n *Node) writeLoop() {
	if err := node.WriteLoop(n.hijacked.Conn, n.input, n.eof); err != nil {
		n.launcher.logError(n.id, "stdinError", err)
	}
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
