// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package runner orchestrates a test run.

A [*Runner] launches every node of a [*Test] concurrently, wires the nodes
to a [*router.Router], injects the test input as init messages, collects
the history until the network goes idle, and stops the nodes.

The history of a successful run lists the messages produced by the nodes.
The injected init messages are not part of it.
*/
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbmk-project/mesh/errclass"
	"github.com/rbmk-project/mesh/history"
	"github.com/rbmk-project/mesh/message"
	"github.com/rbmk-project/mesh/node"
	"github.com/rbmk-project/mesh/router"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrLaunch indicates that a node could not be launched.
	ErrLaunch = errclass.Sentinel(errclass.ELAUNCH, "cannot launch node")

	// ErrStop indicates that some nodes could not be stopped.
	ErrStop = errclass.Sentinel(errclass.ESTOP, "cannot stop nodes")
)

// DefaultStopTimeout is the default time allowed to stop each node.
const DefaultStopTimeout = 10 * time.Second

// Runner runs tests.
//
// Construct using [New] or by filling the fields directly; the
// Launcher field is mandatory.
type Runner struct {
	// Launcher launches the nodes.
	Launcher node.Launcher

	// Logger is the optional structured logger for emitting
	// structured diagnostic events. If this field is nil, we
	// will not be emitting structured logs.
	Logger *slog.Logger

	// NewRunID is an optional function returning the identifier
	// of a run. If this field is nil, we use a random UUID.
	NewRunID func() string

	// StopTimeout is the optional time allowed to stop each node.
	// If this field is zero, we use [DefaultStopTimeout].
	StopTimeout time.Duration

	// TimeNow is an optional function that returns the current time.
	// If this field is nil, the [time.Now] function will be used.
	TimeNow func() time.Time
}

// New creates a new [*Runner] using the given [node.Launcher].
func New(launcher node.Launcher) *Runner {
	return &Runner{Launcher: launcher}
}

// timeNow returns the current time.
func (r *Runner) timeNow() time.Time {
	if r.TimeNow != nil {
		return r.TimeNow()
	}
	return time.Now()
}

// newRunID returns a new run identifier.
func (r *Runner) newRunID() string {
	if r.NewRunID != nil {
		return r.NewRunID()
	}
	return uuid.NewString()
}

// stopTimeout returns the effective stop timeout.
func (r *Runner) stopTimeout() time.Duration {
	if r.StopTimeout > 0 {
		return r.StopTimeout
	}
	return DefaultStopTimeout
}

// Run runs the given [*Test] and returns its history.
//
// When ctx is done before the network goes idle, Run returns the
// history collected so far along with the context error. When some
// node cannot be stopped, Run returns the final history along with
// an error wrapping [ErrStop].
func (r *Runner) Run(ctx context.Context, t *Test) (history.History, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	runID := r.newRunID()
	cfg := t.config(runID)

	// Launch all the nodes.
	pool := &node.Pool{Timeout: r.stopTimeout()}
	nodes, err := r.launchAll(ctx, cfg, t.Nodes, pool)
	if err != nil {
		return nil, errors.Join(err, r.stopAll(ctx, runID, pool))
	}

	// Wire the nodes together.
	historyCh := make(chan *message.Message, history.ChannelBuffer)
	rt := router.New(historyCh)
	rt.Logger = r.Logger
	rt.TimeNow = r.TimeNow
	for _, n := range nodes {
		rt.AddRoute(n)
	}
	collector := &history.Collector{
		Idle:    t.IdleTimeout,
		Logger:  r.Logger,
		TimeNow: r.TimeNow,
	}
	collected := make(chan history.History, 1)
	go func() {
		collected <- collector.Run(ctx, historyCh)
	}()
	for _, n := range nodes {
		rt.Attach(n)
	}

	// Inject the input and wait for the network to go idle.
	injectDone := make(chan struct{})
	wg := &sync.WaitGroup{}
	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.inject(ctx, n, t.Input[n.ID()], injectDone)
		}()
	}
	h := <-collected
	close(injectDone)
	wg.Wait()

	// Tear everything down.
	rt.Close()
	r.runDone(ctx, runID, h, rt.Stats())
	stopErr := r.stopAll(ctx, runID, pool)
	return h, errors.Join(ctx.Err(), stopErr)
}

// launchAll launches the nodes concurrently and adds the launched ones to
// the pool in declaration order. On failure, it returns an error wrapping
// [ErrLaunch] and the pool contains the nodes to stop.
func (r *Runner) launchAll(
	ctx context.Context, cfg *node.Config, ids []message.NodeID, pool *node.Pool) ([]node.Node, error) {
	nodes := make([]node.Node, len(ids))
	group, gctx := errgroup.WithContext(ctx)
	for idx, id := range ids {
		group.Go(func() error {
			n, err := r.launch(gctx, cfg, id)
			if err != nil {
				return fmt.Errorf("%w %s: %w", ErrLaunch, id, err)
			}
			nodes[idx] = n
			return nil
		})
	}
	err := group.Wait()
	for _, n := range nodes {
		if n != nil {
			pool.Add(n)
		}
	}
	return nodes, err
}

// launch launches a single node.
func (r *Runner) launch(ctx context.Context, cfg *node.Config, id message.NodeID) (node.Node, error) {
	t0 := r.timeNow()
	if r.Logger != nil {
		r.Logger.InfoContext(
			ctx,
			"launchStart",
			slog.String("node", id),
			slog.String("runID", cfg.RunID),
			slog.Time("t", t0),
		)
	}

	n, err := r.Launcher.Launch(ctx, cfg, id)

	if r.Logger != nil {
		r.Logger.InfoContext(
			ctx,
			"launchDone",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.String("node", id),
			slog.String("runID", cfg.RunID),
			slog.Time("t0", t0),
			slog.Time("t", r.timeNow()),
		)
	}
	return n, err
}

// inject sends the given payloads to a node as init messages, in order,
// bypassing the router.
func (r *Runner) inject(ctx context.Context, n node.Node, payloads [][]byte, done <-chan struct{}) {
	for _, payload := range payloads {
		msg := message.NewInit(n.ID(), payload)
		if r.Logger != nil {
			r.Logger.InfoContext(
				ctx,
				"injectInit",
				slog.String("node", n.ID()),
				slog.Int("length", len(payload)),
				slog.Time("t", r.timeNow()),
			)
		}
		select {
		case <-done:
			return
		case <-n.EOF():
			return
		case n.Input() <- msg:
		}
	}
}

// runDone logs the outcome of a run.
func (r *Runner) runDone(ctx context.Context, runID string, h history.History, stats router.Stats) {
	if r.Logger != nil {
		r.Logger.InfoContext(
			ctx,
			"runDone",
			slog.Int("count", h.Len()),
			slog.Int64("decodeErrors", stats.DecodeErrors),
			slog.Int64("dropped", stats.Dropped),
			slog.Int64("routed", stats.Routed),
			slog.String("runID", runID),
			slog.Time("t", r.timeNow()),
		)
	}
}

// stopAll stops the nodes in the pool and returns an error wrapping
// [ErrStop] if some node could not be stopped. The pool bounds the
// time allowed to stop each node, so we ignore the ctx cancellation.
func (r *Runner) stopAll(ctx context.Context, runID string, pool *node.Pool) error {
	t0 := r.timeNow()
	ctx = context.WithoutCancel(ctx)

	count := pool.Len()
	err := pool.Stop(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStop, err)
	}

	if r.Logger != nil {
		r.Logger.InfoContext(
			ctx,
			"stopDone",
			slog.Int("count", count),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.String("runID", runID),
			slog.Time("t0", t0),
			slog.Time("t", r.timeNow()),
		)
	}
	return err
}
