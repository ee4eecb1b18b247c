package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/sessiond/internal/connstate"
)

func TestFakeConnListeners(t *testing.T) {
	c := NewFakeConn("U1")

	var a, b int
	detachA := c.Subscribe(func(Update) { a++ })
	c.Subscribe(func(Update) { b++ })
	assert.Equal(t, 2, c.Listeners())

	c.Emit(Update{Connection: ConnOpen})
	detachA()
	detachA()
	c.Emit(Update{Connection: ConnOpen})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, c.Listeners())

	c.RemoveAllListeners()
	c.Emit(Update{Connection: ConnOpen})
	assert.Equal(t, 2, b)
	assert.Zero(t, c.Listeners())
}

func TestFakeConnListenerMayDetachItself(t *testing.T) {
	c := NewFakeConn("U1")

	calls := 0
	var detach func()
	detach = c.Subscribe(func(Update) {
		calls++
		detach()
	})

	c.Emit(Update{})
	c.Emit(Update{})
	assert.Equal(t, 1, calls)
}

func TestFakeConnRecordsCalls(t *testing.T) {
	c := NewFakeConn("U1")
	ctx := context.Background()

	code, err := c.RequestPairingCode(ctx, "6281234567890")
	require.NoError(t, err)
	assert.Equal(t, "ABCD1234", code)
	assert.Equal(t, []string{"6281234567890"}, c.PairCalls())

	require.NoError(t, c.SendMessage(ctx, "jid", "hi"))
	assert.Equal(t, []SentMessage{{JID: "jid", Text: "hi"}}, c.Sent())

	c.PairError = errors.New("rate limited")
	_, err = c.RequestPairingCode(ctx, "6281234567890")
	assert.Error(t, err)

	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.Equal(t, connstate.ReadyClosed, c.ReadyState())
	assert.ErrorIs(t, c.SendMessage(ctx, "jid", "hi"), ErrClosed)
}

func TestFakeDialer(t *testing.T) {
	d := NewFakeDialer()
	d.Prepare = func(c *FakeConn) { c.Authenticate("cred", "remote") }

	conn, err := d.Open(context.Background(), "U1", DefaultOptions())
	require.NoError(t, err)
	assert.Same(t, d.Conn("U1"), conn)
	assert.Equal(t, connstate.ReadyOpen, conn.ReadyState())
	assert.Equal(t, []string{"U1"}, d.Opens())

	d.OpenError = errors.New("gateway down")
	_, err = d.Open(context.Background(), "U2", DefaultOptions())
	assert.Error(t, err)
	assert.Nil(t, d.Conn("U2"))
}
