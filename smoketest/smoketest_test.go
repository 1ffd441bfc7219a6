package smoketest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aukilabs/spatialgrid/models"
	sgwebsocket "github.com/aukilabs/spatialgrid/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func newTestServer(t *testing.T, spaces *models.SpaceStore) *httptest.Server {
	var mux http.ServeMux
	mux.Handle("/ws", websocket.Server{
		Handshake: func(c *websocket.Config, r *http.Request) error {
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			h := &sgwebsocket.RealtimeHandler{
				ClientIdleTimeout: time.Minute,
				Spaces:            spaces,
			}
			defer h.Close()

			sgwebsocket.Handle(context.Background(), conn, h)
		},
	})

	server := httptest.NewServer(&mux)
	t.Cleanup(server.Close)
	return server
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		endpoint string
		expected string
	}{
		{endpoint: "http://localhost:4000", expected: "ws://localhost:4000/ws"},
		{endpoint: "https://grid.example.com/", expected: "wss://grid.example.com/ws"},
		{endpoint: "https://grid.example.com/api", expected: "wss://grid.example.com/api/ws"},
	}

	for _, test := range tests {
		t.Run(test.endpoint, func(t *testing.T) {
			u, err := WebSocketURL(test.endpoint)
			require.NoError(t, err)
			require.Equal(t, test.expected, u)
		})
	}
}

func TestSmokeTest(t *testing.T) {
	t.Run("smoke test success", func(t *testing.T) {
		var spaces models.SpaceStore
		server := newTestServer(t, &spaces)

		endpoint, err := WebSocketURL(server.URL)
		require.NoError(t, err)

		res, err := Run(context.Background(), Options{
			Endpoint: endpoint,
			Spaces:   &spaces,
			Timeout:  time.Second * 5,
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Empty(t, res.Error)
		require.Len(t, res.Steps, 5)
		require.Equal(t, "ping", res.Steps[0].Name)
		require.Equal(t, "body_remove", res.Steps[4].Name)

		// The temporary space is removed.
		require.Zero(t, spaces.Count())
	})

	t.Run("smoke test failure", func(t *testing.T) {
		var spaces models.SpaceStore
		server := newTestServer(t, &spaces)
		endpoint, err := WebSocketURL(server.URL)
		require.NoError(t, err)
		server.Close()

		res, err := Run(context.Background(), Options{
			Endpoint: endpoint,
			Spaces:   &spaces,
			Timeout:  time.Second,
		})
		require.Error(t, err)
		require.False(t, res.Success)
		require.Equal(t, ErrTypeSmokeTestFailed, res.ErrorType)
		require.Empty(t, res.Steps)
		require.Zero(t, spaces.Count())
	})
}

func TestHandleSmokeTest(t *testing.T) {
	var spaces models.SpaceStore
	server := newTestServer(t, &spaces)

	endpoint, err := WebSocketURL(server.URL)
	require.NoError(t, err)

	for _, test := range []struct {
		name     string
		endpoint string
		status   int
		success  bool
	}{
		{name: "reachable endpoint", endpoint: endpoint, status: http.StatusOK, success: true},
		{name: "unreachable endpoint", endpoint: "ws://127.0.0.1:1/ws", status: http.StatusServiceUnavailable},
	} {
		t.Run(test.name, func(t *testing.T) {
			h := HandleSmokeTest(Options{
				Endpoint: test.endpoint,
				Spaces:   &spaces,
				Timeout:  time.Second * 5,
			})

			w := httptest.NewRecorder()
			h(w, httptest.NewRequest(http.MethodPost, "/smoke-test", nil))
			require.Equal(t, test.status, w.Code)

			var res Result
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
			require.Equal(t, test.success, res.Success)
			require.Equal(t, test.endpoint, res.Endpoint)
		})
	}
}
