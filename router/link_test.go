// SPDX-License-Identifier: GPL-3.0-or-later

package router

import (
	"context"
	"testing"
	"time"

	"github.com/rbmk-project/mesh/memnode"
	"github.com/rbmk-project/mesh/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLink(t *testing.T) {
	t.Run("push never blocks", func(t *testing.T) {
		lnk := newLink(memnode.New("n2"))
		for idx := 0; idx < 1000; idx++ {
			lnk.push(message.NewBroadcast("n1", nil))
		}
		assert.Len(t, lnk.pop(), 1000)
		assert.Empty(t, lnk.pop())
	})

	t.Run("move delivers in order", func(t *testing.T) {
		dst := memnode.New("n2")
		defer dst.Stop(context.Background())
		lnk := newLink(dst)
		eof := make(chan struct{})
		done := make(chan struct{})
		go func() {
			lnk.move(eof, func(message.NodeID, *message.Message) {
				t.Error("unexpected drop")
			})
			close(done)
		}()

		lnk.push(message.NewBroadcast("n1", []byte("a")))
		lnk.push(message.NewBroadcast("n1", []byte("b")))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		received, err := dst.WaitReceived(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), received[0].Payload)
		assert.Equal(t, []byte("b"), received[1].Payload)

		close(eof)
		<-done
	})

	t.Run("move drops when the destination is down", func(t *testing.T) {
		dst := memnode.New("n2")
		require.NoError(t, dst.Stop(context.Background()))
		lnk := newLink(dst)
		eof := make(chan struct{})
		dropped := make(chan message.NodeID, 1)
		go lnk.move(eof, func(id message.NodeID, _ *message.Message) {
			dropped <- id
		})
		defer close(eof)

		lnk.push(message.NewBroadcast("n1", nil))
		select {
		case id := <-dropped:
			assert.Equal(t, "n2", id)
		case <-time.After(5 * time.Second):
			t.Fatal("expected a drop")
		}
	})
}
