package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliverWithoutSubscribers(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	err := hub.Deliver(context.Background(), "C", "hello")
	assert.ErrorIs(t, err, ErrNoAdapter)
}

func TestDeliverReachesSubscriber(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Deliver(ctx, "C", "Anyone still around?"))

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var msg Outbound
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "C", msg.ChannelID)
	assert.Equal(t, "Anyone still around?", msg.Content)
	_, err = uuid.Parse(msg.ID)
	assert.NoError(t, err)

	_ = conn.Close(websocket.StatusNormalClosure, "done")
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
