// Package health adapts the uptime monitor's socket protocol to the
// monitor map the REST surface and graph overlay consume. The monitor
// service authenticates a session, then pushes monitorList and
// heartbeatList events; commands are acknowledged by id.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/siteflow/siteflow/internal/config"
	"github.com/siteflow/siteflow/internal/model"
)

const (
	dialTimeout    = 5 * time.Second
	commandTimeout = 10 * time.Second
	reconnectDelay = 5 * time.Second
	defaultWindow  = 30
)

// frame is one protocol message in either direction. Commands carry an
// id the server echoes back on the matching ack.
type frame struct {
	Event string          `json:"event"`
	ID    int64           `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ack struct {
	OK        bool   `json:"ok"`
	Msg       string `json:"msg,omitempty"`
	MonitorID int64  `json:"monitorID,omitempty"`
}

type monitorMeta struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// Adapter maintains a logged-in session against the uptime monitor.
// It is failure tolerant: while disconnected, ListMonitors returns an
// empty map and commands fail with a transport error.
type Adapter struct {
	cfg    config.UptimeConfig
	window int
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	monitors map[int64]monitorMeta
	beats    map[int64][]model.Heartbeat
	pending  map[int64]chan ack
	nextID   int64
}

// New returns an adapter for the configured endpoint. An empty URL
// leaves the adapter permanently disconnected.
func New(cfg config.UptimeConfig) *Adapter {
	window := cfg.HeartbeatWindow
	if window < 1 {
		window = defaultWindow
	}
	return &Adapter{
		cfg:      cfg,
		window:   window,
		dialer:   &websocket.Dialer{HandshakeTimeout: dialTimeout},
		monitors: map[int64]monitorMeta{},
		beats:    map[int64][]model.Heartbeat{},
		pending:  map[int64]chan ack{},
	}
}

// Enabled reports whether an endpoint is configured.
func (a *Adapter) Enabled() bool {
	return a.cfg.Enabled()
}

// Run keeps the session alive until the context is cancelled,
// re-dialing and re-authenticating after any disconnect.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.Enabled() {
		slog.Info("uptime monitor not configured, health adapter idle")
		<-ctx.Done()
		return ctx.Err()
	}

	slog.Info("health adapter started", "url", a.cfg.URL)
	for {
		if err := a.session(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("uptime monitor session ended", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("health adapter stopped")
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// session dials, logs in, and serves pushed events until the
// connection drops or the context is cancelled.
func (a *Adapter) session(ctx context.Context) error {
	conn, _, err := a.dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer a.teardown(conn)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	a.mu.Lock()
	loginID := a.nextCommandID()
	a.mu.Unlock()

	login, _ := json.Marshal(map[string]string{
		"username": a.cfg.Username,
		"password": a.cfg.Password,
		"token":    "",
	})
	if err := a.write(conn, frame{Event: "login", ID: loginID, Data: login}); err != nil {
		return err
	}

	// The server may push events before the login ack; commands stay
	// unavailable until the ack arrives.
	for loggedIn := false; ; {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}

		switch f.Event {
		case "ack":
			if !loggedIn && f.ID == loginID {
				var result ack
				if err := json.Unmarshal(f.Data, &result); err != nil || !result.OK {
					return model.Errorf(model.KindTransport, "uptime monitor login failed: %s", result.Msg)
				}
				loggedIn = true
				a.mu.Lock()
				a.conn = conn
				a.mu.Unlock()
				slog.Debug("uptime monitor session established")
				continue
			}
			a.resolve(f)
		case "monitorList":
			a.setMonitors(f.Data)
		case "heartbeatList":
			a.setHeartbeats(f.Data)
		default:
			slog.Debug("ignoring uptime monitor event", "event", f.Event)
		}
	}
}

// teardown clears connection state so readers degrade to empty results.
func (a *Adapter) teardown(conn *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != conn {
		return
	}
	a.conn = nil
	a.monitors = map[int64]monitorMeta{}
	a.beats = map[int64][]model.Heartbeat{}
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
}

// ListMonitors projects the current session state into per-monitor
// status. While disconnected it returns an empty map, never an error.
func (a *Adapter) ListMonitors() map[string]model.MonitorStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]model.MonitorStatus, len(a.monitors))
	if a.conn == nil {
		return out
	}

	for id, meta := range a.monitors {
		history := a.beats[id]

		status := model.MonitorStatus{Heartbeats: []model.Heartbeat{}}
		if len(history) > 0 {
			latest := history[len(history)-1]
			status.Up = latest.Status == model.HeartbeatUp
			status.Ping = latest.Ping

			up := 0
			for _, hb := range history {
				if hb.Status == model.HeartbeatUp {
					up++
				}
			}
			status.Uptime = math.Round(float64(up)/float64(len(history))*1000) / 10

			window := history
			if len(window) > a.window {
				window = window[len(window)-a.window:]
			}
			status.Heartbeats = append(status.Heartbeats, window...)
		}
		out[meta.Name] = status
	}
	return out
}

// CreateMonitor registers an HTTP monitor probing the url once a
// minute and returns its id.
func (a *Adapter) CreateMonitor(ctx context.Context, name, url string) (int64, error) {
	payload, _ := json.Marshal(map[string]any{
		"type":                 "http",
		"name":                 name,
		"url":                  url,
		"method":               "GET",
		"interval":             60,
		"retryInterval":        60,
		"resendInterval":       0,
		"maxretries":           3,
		"timeout":              30,
		"active":               true,
		"accepted_statuscodes": []string{"200-299", "301", "302"},
	})

	result, err := a.command(ctx, frame{Event: "add", Data: payload})
	if err != nil {
		return 0, err
	}
	if !result.OK {
		return 0, model.Errorf(model.KindCommandFailure, "creating monitor %s: %s", name, result.Msg)
	}
	slog.Info("uptime monitor created", "name", name, "id", result.MonitorID)
	return result.MonitorID, nil
}

// DeleteMonitor removes the monitor with the given name.
func (a *Adapter) DeleteMonitor(ctx context.Context, name string) error {
	a.mu.Lock()
	var id int64
	found := false
	for _, meta := range a.monitors {
		if meta.Name == name {
			id = meta.ID
			found = true
			break
		}
	}
	a.mu.Unlock()

	if !found {
		return model.Errorf(model.KindNotFound, "monitor %q not found", name)
	}

	payload, _ := json.Marshal(map[string]int64{"monitorID": id})
	result, err := a.command(ctx, frame{Event: "deleteMonitor", Data: payload})
	if err != nil {
		return err
	}
	if !result.OK {
		return model.Errorf(model.KindCommandFailure, "deleting monitor %s: %s", name, result.Msg)
	}
	slog.Info("uptime monitor deleted", "name", name, "id", id)
	return nil
}

// command sends an id-tagged frame and waits for its ack.
func (a *Adapter) command(ctx context.Context, f frame) (ack, error) {
	a.mu.Lock()
	conn := a.conn
	if conn == nil {
		a.mu.Unlock()
		return ack{}, model.Errorf(model.KindTransport, "uptime monitor not connected")
	}
	f.ID = a.nextCommandID()
	ch := make(chan ack, 1)
	a.pending[f.ID] = ch
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, f.ID)
		a.mu.Unlock()
	}()

	if err := a.write(conn, f); err != nil {
		return ack{}, model.WrapErr(model.KindTransport, err, "sending %s command", f.Event)
	}

	select {
	case result, ok := <-ch:
		if !ok {
			return ack{}, model.Errorf(model.KindTransport, "uptime monitor disconnected")
		}
		return result, nil
	case <-ctx.Done():
		return ack{}, model.WrapErr(model.KindTimeout, ctx.Err(), "waiting for %s ack", f.Event)
	case <-time.After(commandTimeout):
		return ack{}, model.Errorf(model.KindTimeout, "timed out waiting for %s ack", f.Event)
	}
}

func (a *Adapter) write(conn *websocket.Conn, f frame) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// nextCommandID must be called with mu held.
func (a *Adapter) nextCommandID() int64 {
	a.nextID++
	return a.nextID
}

func (a *Adapter) resolve(f frame) {
	var result ack
	if err := json.Unmarshal(f.Data, &result); err != nil {
		slog.Warn("malformed ack from uptime monitor", "error", err)
		return
	}
	a.mu.Lock()
	ch, ok := a.pending[f.ID]
	a.mu.Unlock()
	if ok {
		ch <- result
	}
}

func (a *Adapter) setMonitors(data json.RawMessage) {
	var list map[string]monitorMeta
	if err := json.Unmarshal(data, &list); err != nil {
		slog.Warn("malformed monitor list from uptime monitor", "error", err)
		return
	}
	monitors := make(map[int64]monitorMeta, len(list))
	for _, meta := range list {
		monitors[meta.ID] = meta
	}

	a.mu.Lock()
	a.monitors = monitors
	// Drop heartbeat history for monitors that no longer exist.
	for id := range a.beats {
		if _, ok := monitors[id]; !ok {
			delete(a.beats, id)
		}
	}
	a.mu.Unlock()
	slog.Debug("monitor list updated", "count", len(monitors))
}

func (a *Adapter) setHeartbeats(data json.RawMessage) {
	var payload struct {
		MonitorID  int64             `json:"monitorID"`
		Heartbeats []model.Heartbeat `json:"heartbeats"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("malformed heartbeat list from uptime monitor", "error", err)
		return
	}

	a.mu.Lock()
	a.beats[payload.MonitorID] = payload.Heartbeats
	a.mu.Unlock()
}
