package watch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"pi-executor/internal/domain"
	"pi-executor/internal/usecase/eventbus"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTestServer(t *testing.T, bus domain.EventBus, opts ...Option) *Server {
	t.Helper()
	srv := NewServer(bus, "127.0.0.1:0", newTestLogger(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() { _ = srv.Start(ctx) }()

	select {
	case <-srv.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("server did not start in time")
	}
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return srv
}

func dialWS(t *testing.T, srv *Server, query string) *websocket.Conn {
	t.Helper()
	before := srv.clientCount()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })

	require.Eventually(t, func() bool { return srv.clientCount() > before }, 3*time.Second, 5*time.Millisecond)
	return ws
}

func readEvent(t *testing.T, ws *websocket.Conn) domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var frame Frame
	require.NoError(t, wsjson.Read(ctx, ws, &frame))
	assert.Equal(t, FrameTypeEvent, frame.Type)

	var evt domain.Event
	require.NoError(t, json.Unmarshal(frame.Payload, &evt))
	return evt
}

func TestServerForwardsEventsInOrder(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	defer bus.Close()
	srv := startTestServer(t, bus)
	ws := dialWS(t, srv, "")

	for i := range 3 {
		bus.Publish(context.Background(), domain.NewEvent(domain.EventEntryAdded, "run-1",
			domain.EntryPatchPayload{Index: i, Entry: domain.NewAssistantMessage("x")}))
	}

	for i := range 3 {
		evt := readEvent(t, ws)
		assert.Equal(t, domain.EventEntryAdded, evt.Type)
		var p domain.EntryPatchPayload
		require.NoError(t, json.Unmarshal(evt.Payload, &p))
		assert.Equal(t, i, p.Index)
	}
}

func TestServerFiltersByRunID(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	defer bus.Close()
	srv := startTestServer(t, bus)
	ws := dialWS(t, srv, "?run_id=wanted")

	bus.Publish(context.Background(), domain.NewEvent(domain.EventProcessStarted, "other", nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventProcessExited, "wanted", nil))

	evt := readEvent(t, ws)
	assert.Equal(t, "wanted", evt.RunID)
	assert.Equal(t, domain.EventProcessExited, evt.Type)
}

func TestServerRejectsForeignOrigin(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	defer bus.Close()
	srv := startTestServer(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example"}},
	})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

func TestServerLimitsUpgrades(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	defer bus.Close()
	srv := startTestServer(t, bus, WithUpgradeLimit(1, 1))
	dialWS(t, srv, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws://"+srv.BoundAddr()+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestServerStopDisconnectsClients(t *testing.T) {
	bus := eventbus.New(newTestLogger())
	defer bus.Close()
	srv := startTestServer(t, bus)
	ws := dialWS(t, srv, "")

	require.NoError(t, srv.Stop(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var frame Frame
	assert.Error(t, wsjson.Read(ctx, ws, &frame))
}

func TestStartFailsOnBadAddr(t *testing.T) {
	srv := NewServer(eventbus.New(newTestLogger()), "256.0.0.1:bad", newTestLogger())
	assert.Error(t, srv.Start(context.Background()))
}
