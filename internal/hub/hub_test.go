package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/model"
)

type fakeEngine struct {
	mu        sync.Mutex
	calls     []string
	output    string
	err       error
	block     chan struct{}
	cancelled bool
}

func (f *fakeEngine) Container(ctx context.Context, container, action string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, container+":"+action)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled = true
			f.mu.Unlock()
			return "", ctx.Err()
		}
	}
	return f.output, f.err
}

func (f *fakeEngine) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// wireEnvelope mirrors model.Envelope with raw data for assertions.
type wireEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newTestHub(t *testing.T, engine ActionRunner, queueSize int) (*Hub, string) {
	t.Helper()
	h := New(config.HubConfig{
		QueueSize:   queueSize,
		IdleTimeout: config.Duration{Duration: 30 * time.Second},
	}, engine)

	ts := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(ts.Close)
	t.Cleanup(h.Shutdown)

	return h, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env wireEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func send(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": msgType, "data": data}))
}

func subscribe(t *testing.T, conn *websocket.Conn, topic string) {
	t.Helper()
	send(t, conn, model.MsgSubscribe, model.TopicData{Topic: topic})
	env := readEnvelope(t, conn)
	require.Equal(t, model.MsgSubscribed, env.Type)
}

func TestSubscribeAndPublish(t *testing.T) {
	h, url := newTestHub(t, &fakeEngine{}, 16)
	conn := dialHub(t, url)

	assert.False(t, h.HasSubscribers(model.TopicSites))
	subscribe(t, conn, model.TopicSites)
	assert.True(t, h.HasSubscribers(model.TopicSites))
	assert.False(t, h.HasSubscribers(model.TopicGraph))

	h.Publish(model.TopicSites, model.Envelope{Type: model.MsgSitesUpdate, Data: map[string]any{"sites": []any{}}})

	env := readEnvelope(t, conn)
	assert.Equal(t, model.MsgSitesUpdate, env.Type)
}

func TestPublish_TopicScoped(t *testing.T) {
	h, url := newTestHub(t, &fakeEngine{}, 16)
	conn := dialHub(t, url)
	subscribe(t, conn, model.TopicGraph)

	// Nothing for sites subscribers; the graph update must arrive first.
	h.Publish(model.TopicSites, model.Envelope{Type: model.MsgSitesUpdate})
	h.Publish(model.TopicGraph, model.Envelope{Type: model.MsgGraphUpdate})

	env := readEnvelope(t, conn)
	assert.Equal(t, model.MsgGraphUpdate, env.Type)
}

func TestUnsubscribe(t *testing.T) {
	h, url := newTestHub(t, &fakeEngine{}, 16)
	conn := dialHub(t, url)
	subscribe(t, conn, model.TopicSites)

	send(t, conn, model.MsgUnsubscribe, model.TopicData{Topic: model.TopicSites})
	env := readEnvelope(t, conn)
	assert.Equal(t, model.MsgUnsubscribed, env.Type)

	var data model.TopicData
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, model.TopicSites, data.Topic)
	assert.False(t, h.HasSubscribers(model.TopicSites))
}

func TestSubscribe_UnknownTopic(t *testing.T) {
	_, url := newTestHub(t, &fakeEngine{}, 16)
	conn := dialHub(t, url)

	send(t, conn, model.MsgSubscribe, model.TopicData{Topic: "weather"})
	env := readEnvelope(t, conn)
	assert.Equal(t, model.MsgError, env.Type)
}

func TestPing(t *testing.T) {
	_, url := newTestHub(t, &fakeEngine{}, 16)
	conn := dialHub(t, url)

	send(t, conn, model.MsgPing, nil)
	env := readEnvelope(t, conn)
	assert.Equal(t, model.MsgPong, env.Type)
}

func TestUnknownMessageType(t *testing.T) {
	_, url := newTestHub(t, &fakeEngine{}, 16)
	conn := dialHub(t, url)

	send(t, conn, "reboot", nil)
	env := readEnvelope(t, conn)
	assert.Equal(t, model.MsgError, env.Type)
}

func TestActionStart(t *testing.T) {
	engine := &fakeEngine{output: "container started"}
	_, url := newTestHub(t, engine, 16)
	conn := dialHub(t, url)

	send(t, conn, model.MsgActionStart, model.ActionStartData{Container: "blog-web-1", Action: "start"})

	started := readEnvelope(t, conn)
	require.Equal(t, model.MsgActionOutput, started.Type)
	var out model.ActionOutputData
	require.NoError(t, json.Unmarshal(started.Data, &out))
	assert.Equal(t, model.ActionStarted, out.Status)
	assert.Equal(t, "blog-web-1", out.Container)

	completed := readEnvelope(t, conn)
	require.Equal(t, model.MsgActionOutput, completed.Type)
	require.NoError(t, json.Unmarshal(completed.Data, &out))
	assert.Equal(t, model.ActionCompleted, out.Status)
	assert.Equal(t, "container started", out.Output)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Equal(t, []string{"blog-web-1:start"}, engine.calls)
}

func TestActionStart_Failure(t *testing.T) {
	engine := &fakeEngine{err: model.CommandError("docker start failed", "Error: no such container")}
	_, url := newTestHub(t, engine, 16)
	conn := dialHub(t, url)

	send(t, conn, model.MsgActionStart, model.ActionStartData{Container: "ghost", Action: "start"})

	readEnvelope(t, conn) // started
	failed := readEnvelope(t, conn)
	var out model.ActionOutputData
	require.NoError(t, json.Unmarshal(failed.Data, &out))
	assert.Equal(t, model.ActionFailed, out.Status)
	assert.Contains(t, out.Error, "docker start failed")
	assert.Equal(t, "Error: no such container", out.Output)
}

func TestActionStart_InvalidPayload(t *testing.T) {
	engine := &fakeEngine{}
	_, url := newTestHub(t, engine, 16)
	conn := dialHub(t, url)

	send(t, conn, model.MsgActionStart, map[string]any{"container": "blog-web-1"})
	env := readEnvelope(t, conn)
	assert.Equal(t, model.MsgError, env.Type)

	engine.mu.Lock()
	defer engine.mu.Unlock()
	assert.Empty(t, engine.calls)
}

func TestActionStart_MirroredToActionsTopic(t *testing.T) {
	engine := &fakeEngine{output: "ok"}
	_, url := newTestHub(t, engine, 16)

	watcher := dialHub(t, url)
	subscribe(t, watcher, model.TopicActions)
	actor := dialHub(t, url)

	send(t, actor, model.MsgActionStart, model.ActionStartData{Container: "blog-web-1", Action: "restart"})

	env := readEnvelope(t, watcher)
	require.Equal(t, model.MsgActionOutput, env.Type)
	var out model.ActionOutputData
	require.NoError(t, json.Unmarshal(env.Data, &out))
	assert.Equal(t, model.ActionStarted, out.Status)
	assert.Equal(t, "restart", out.Action)
}

func TestActionStart_CancelledOnDisconnect(t *testing.T) {
	engine := &fakeEngine{block: make(chan struct{})}
	_, url := newTestHub(t, engine, 16)
	conn := dialHub(t, url)

	send(t, conn, model.MsgActionStart, model.ActionStartData{Container: "blog-web-1", Action: "logs"})
	readEnvelope(t, conn) // started

	conn.Close()
	require.Eventually(t, engine.wasCancelled, 3*time.Second, 10*time.Millisecond,
		"closing the client must cancel its running action")
}

func TestSlowConsumerDropped(t *testing.T) {
	h, url := newTestHub(t, &fakeEngine{}, 1)
	conn := dialHub(t, url)
	subscribe(t, conn, model.TopicSites)
	require.Equal(t, 1, h.ClientCount())

	// Stop reading and flood: the bounded queue fills once the socket
	// buffers are full, and the hub drops the connection.
	payload := strings.Repeat("x", 256<<10)
	require.Eventually(t, func() bool {
		for range 10 {
			h.Publish(model.TopicSites, model.Envelope{
				Type: model.MsgSitesUpdate,
				Data: map[string]string{"blob": payload},
			})
		}
		return h.ClientCount() == 0
	}, 10*time.Second, 10*time.Millisecond)

	assert.False(t, h.HasSubscribers(model.TopicSites))
}

func TestShutdown(t *testing.T) {
	h, url := newTestHub(t, &fakeEngine{}, 16)
	conn := dialHub(t, url)
	subscribe(t, conn, model.TopicSites)

	h.Shutdown()

	assert.Zero(t, h.ClientCount())

	// The socket closes once the writer drains.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env wireEnvelope
	require.Error(t, conn.ReadJSON(&env))

	// New connections are refused.
	_, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
}

func TestClientCount(t *testing.T) {
	h, url := newTestHub(t, &fakeEngine{}, 16)
	assert.Zero(t, h.ClientCount())

	first := dialHub(t, url)
	subscribe(t, first, model.TopicSites)
	dialSecond := dialHub(t, url)
	subscribe(t, dialSecond, model.TopicGraph)
	assert.Equal(t, 2, h.ClientCount())

	first.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestRun_ClosesOnCancel(t *testing.T) {
	h, url := newTestHub(t, &fakeEngine{}, 16)
	conn := dialHub(t, url)
	subscribe(t, conn, model.TopicSites)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop on cancel")
	}
	assert.Zero(t, h.ClientCount())
}
