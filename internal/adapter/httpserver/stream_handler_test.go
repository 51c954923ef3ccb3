package httpserver

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vedfolnir/vedfolnir/internal/broadcaster"
)

func newStreamTestServer(t *testing.T, hub *broadcaster.Hub) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/v1/tasks/{id}/stream", NewStreamHandler(hub).ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamHandler_SSEDeliversEvent(t *testing.T) {
	hub := broadcaster.NewHub()
	srv := newStreamTestServer(t, hub)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/tasks/task1/stream?subscriber_id=sub1", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	for hub.SubscriberCount("task1") == 0 {
		time.Sleep(time.Millisecond)
	}
	hub.Publish(broadcaster.Event{Type: broadcaster.EventProgress, TaskID: "task1", ImagesCaptioned: 2})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "event: progress"))
}

func TestStreamHandler_WebsocketDeliversEvent(t *testing.T) {
	hub := broadcaster.NewHub()
	srv := newStreamTestServer(t, hub)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/tasks/task1/stream?subscriber_id=sub1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	for hub.SubscriberCount("task1") == 0 {
		time.Sleep(time.Millisecond)
	}
	hub.Publish(broadcaster.Event{Type: broadcaster.EventCompleted, TaskID: "task1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev broadcaster.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, broadcaster.EventCompleted, ev.Type)
}

func TestStreamHandler_MissingTaskIDIsBadRequest(t *testing.T) {
	hub := broadcaster.NewHub()
	r := chi.NewRouter()
	r.Get("/v1/tasks/{id}/stream", NewStreamHandler(hub).ServeHTTP)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("%s/v1/tasks//stream", srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NotEqual(t, http.StatusOK, resp.StatusCode)
}
