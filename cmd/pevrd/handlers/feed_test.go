package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/pevr/cmd/pevrd/feed"
	"github.com/lyzr/pevr/common/logger"
)

func newFeedServer(t *testing.T, origins []string) (*feed.Hub, string) {
	t.Helper()
	hub := feed.NewHub(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(cancel)

	e := echo.New()
	e.GET("/api/v1/projects/:project_id/feed", NewFeedHandler(hub, origins, logger.Discard()).Stream)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/projects/proj/feed"
}

func TestFeedStreamsProjectSnapshots(t *testing.T) {
	hub, url := newFeedServer(t, []string{"*"})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish("other", []byte(`{"status":"failed"}`))
	hub.Publish("proj", []byte(`{"status":"planning"}`))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"planning"}`, string(msg))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFeedRejectsUnknownOrigin(t *testing.T) {
	_, url := newFeedServer(t, []string{"https://console.example.com"})

	header := http.Header{"Origin": []string{"https://elsewhere.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
