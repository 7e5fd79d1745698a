package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClientSendQueue(t *testing.T) {
	c := NewClient(nil, "127.0.0.1:1", NewConfig(), zap.NewNop())

	for range sendQueueSize {
		require.NoError(t, c.Send([]byte(`{"type":"pong"}`)))
	}
	assert.ErrorIs(t, c.Send([]byte(`{}`)), ErrQueueFull)
}

func TestClientSendAfterClose(t *testing.T) {
	c := NewClient(nil, "127.0.0.1:1", NewConfig(), zap.NewNop())
	require.NoError(t, c.Refuse(4000, "Username already taken"))

	assert.ErrorIs(t, c.Send([]byte(`{}`)), ErrClientClosed)

	// Closing twice keeps the first close frame.
	c.closeWith(1000, "")
	assert.Equal(t, []byte{0x0f, 0xa0}, c.closePayload[:2])
	assert.Equal(t, "Username already taken", string(c.closePayload[2:]))
}
