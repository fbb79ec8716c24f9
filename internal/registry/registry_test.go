// ABOUTME: Tests for the connection registry
// ABOUTME: Covers presence refcounting, room membership, and fan-out semantics

package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(c *Conn) [][]byte {
	var got [][]byte
	for {
		select {
		case p := <-c.Out():
			got = append(got, p)
		default:
			return got
		}
	}
}

func TestRegister_PresenceRefcount(t *testing.T) {
	r := New(nil)

	first, cameOnline := r.Register("alice")
	assert.True(t, cameOnline)
	assert.True(t, r.Online("alice"))

	second, cameOnline := r.Register("alice")
	assert.False(t, cameOnline, "second connection must not re-announce online")

	wentOffline := r.Unregister(first)
	assert.False(t, wentOffline, "user still has a live connection")
	assert.True(t, r.Online("alice"))

	wentOffline = r.Unregister(second)
	assert.True(t, wentOffline)
	assert.False(t, r.Online("alice"))
}

func TestUnregister_Idempotent(t *testing.T) {
	r := New(nil)
	conn, _ := r.Register("alice")

	assert.True(t, r.Unregister(conn))
	assert.False(t, r.Unregister(conn), "double unregister must be a no-op")
}

func TestJoinLeaveRoom(t *testing.T) {
	r := New(nil)
	conn, _ := r.Register("alice")

	r.JoinRoom(conn, "conv-1")
	assert.True(t, r.InRoom(conn, "conv-1"))

	// Joining twice is a no-op
	r.JoinRoom(conn, "conv-1")
	r.Broadcast("conv-1", []byte("hello"))
	assert.Len(t, drain(conn), 1)

	r.LeaveRoom(conn, "conv-1")
	assert.False(t, r.InRoom(conn, "conv-1"))

	// Leaving a room never joined is fine
	r.LeaveRoom(conn, "conv-9")
}

func TestBroadcast_RoomScoped(t *testing.T) {
	r := New(nil)
	alice, _ := r.Register("alice")
	bob, _ := r.Register("bob")
	carol, _ := r.Register("carol")

	r.JoinRoom(alice, "conv-1")
	r.JoinRoom(bob, "conv-1")
	r.JoinRoom(carol, "conv-2")

	r.Broadcast("conv-1", []byte("for conv-1"))

	assert.Len(t, drain(alice), 1)
	assert.Len(t, drain(bob), 1)
	assert.Empty(t, drain(carol))
}

func TestBroadcastExcept_SkipsSender(t *testing.T) {
	r := New(nil)
	alice, _ := r.Register("alice")
	bob, _ := r.Register("bob")
	r.JoinRoom(alice, "conv-1")
	r.JoinRoom(bob, "conv-1")

	r.BroadcastExcept("conv-1", []byte("typing"), alice.ID)

	assert.Empty(t, drain(alice))
	assert.Len(t, drain(bob), 1)
}

func TestBroadcastAll(t *testing.T) {
	r := New(nil)
	alice, _ := r.Register("alice")
	bob, _ := r.Register("bob")

	r.BroadcastAll([]byte("presence"))

	assert.Len(t, drain(alice), 1)
	assert.Len(t, drain(bob), 1)
}

func TestBroadcast_EmptyRoomIsNoop(t *testing.T) {
	r := New(nil)
	// Must not panic or block with zero subscribers
	r.Broadcast("conv-1", []byte("into the void"))
}

func TestSend_DropsWhenQueueFull(t *testing.T) {
	r := New(nil)
	conn, _ := r.Register("alice")
	r.JoinRoom(conn, "conv-1")

	for i := 0; i < connBufferSize+10; i++ {
		r.Broadcast("conv-1", []byte("x"))
	}

	// Queue holds exactly connBufferSize; the overflow was dropped
	assert.Len(t, drain(conn), connBufferSize)
}

func TestSendAfterUnregister_Drops(t *testing.T) {
	r := New(nil)
	staying, _ := r.Register("alice")
	leaving, _ := r.Register("bob")
	r.JoinRoom(staying, "conv-1")
	r.JoinRoom(leaving, "conv-1")

	// Simulates a broadcaster that copied its targets before the
	// unregister: the send must drop, never panic
	r.Unregister(leaving)
	assert.False(t, leaving.trySend([]byte("late")))

	r.Broadcast("conv-1", []byte("after"))
	assert.Len(t, drain(staying), 1)
}

func TestBroadcast_ConcurrentWithUnregister(t *testing.T) {
	for i := 0; i < 200; i++ {
		r := New(nil)
		conns := make([]*Conn, 4)
		for j := range conns {
			conns[j], _ = r.Register("user")
			r.JoinRoom(conns[j], "conv-1")
		}

		var wg sync.WaitGroup
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for k := 0; k < 50; k++ {
					r.Broadcast("conv-1", []byte("x"))
					r.BroadcastAll([]byte("y"))
				}
			}()
		}
		for _, c := range conns {
			wg.Add(1)
			go func(c *Conn) {
				defer wg.Done()
				r.Unregister(c)
			}(c)
		}
		wg.Wait()
	}
}

func TestUnregister_ClosesOutChannel(t *testing.T) {
	r := New(nil)
	conn, _ := r.Register("alice")
	r.Unregister(conn)

	_, open := <-conn.Out()
	require.False(t, open)
}
