// SPDX-License-Identifier: GPL-3.0-or-later

package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbmk-project/mesh/message"
)

// DefaultIdle is the default idle timeout of a [*Collector].
const DefaultIdle = time.Second

// ChannelBuffer is the suggested capacity of the channel feeding a [*Collector].
const ChannelBuffer = 100

// Collector gathers messages into a [History].
//
// The zero value is ready to use.
type Collector struct {
	// Idle is the maximum time to wait for the next message. If
	// this field is zero, we use [DefaultIdle].
	Idle time.Duration

	// Logger is the optional structured logger for emitting
	// structured diagnostic events. If this field is nil, we
	// will not be emitting structured logs.
	Logger *slog.Logger

	// TimeNow is an optional function that returns the current time.
	// If this field is nil, the [time.Now] function will be used.
	TimeNow func() time.Time
}

// timeNow returns the current time.
func (c *Collector) timeNow() time.Time {
	if c.TimeNow != nil {
		return c.TimeNow()
	}
	return time.Now()
}

// idle returns the effective idle timeout.
func (c *Collector) idle() time.Duration {
	if c.Idle > 0 {
		return c.Idle
	}
	return DefaultIdle
}

// Run collects messages from in until no message arrives within the
// idle timeout, in is closed, or ctx is done, and returns the history.
func (c *Collector) Run(ctx context.Context, in <-chan *message.Message) History {
	t0 := c.timeNow()
	idle := c.idle()
	timer := time.NewTimer(idle)
	defer timer.Stop()

	out := History{}
	reason := "idle"

loop:
	for {
		select {
		case <-ctx.Done():
			reason = "context"
			break loop

		case <-timer.C:
			break loop

		case msg, good := <-in:
			if !good {
				reason = "closed"
				break loop
			}
			out = append(out, msg)
			c.appended(ctx, msg, len(out))
			timer.Reset(idle)
		}
	}

	if c.Logger != nil {
		c.Logger.InfoContext(
			ctx,
			"historyDone",
			slog.Int("count", len(out)),
			slog.String("reason", reason),
			slog.Time("t0", t0),
			slog.Time("t", c.timeNow()),
		)
	}
	return out
}

// appended logs a message appended to the history.
func (c *Collector) appended(ctx context.Context, msg *message.Message, count int) {
	if c.Logger != nil {
		c.Logger.DebugContext(
			ctx,
			"historyAppend",
			slog.Int("count", count),
			slog.String("kind", msg.Kind.String()),
			slog.String("src", msg.Source),
			slog.String("dst", msg.Destination),
			slog.Time("t", c.timeNow()),
		)
	}
}
