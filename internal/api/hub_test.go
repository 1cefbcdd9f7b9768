package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DropsStalledClient(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	hub := NewHub(nil, log)
	hub.writeWait = 50 * time.Millisecond

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	// the peer connects and never reads
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	big := Event{Type: EventOffers, Data: strings.Repeat("x", 1<<20)}
	deadline := time.Now().Add(20 * time.Second)
	for hub.Clients() > 0 && time.Now().Before(deadline) {
		start := time.Now()
		hub.Broadcast(big)
		assert.Less(t, time.Since(start), 5*time.Second, "broadcast blocked on a stalled client")
	}
	assert.Equal(t, 0, hub.Clients())
}
