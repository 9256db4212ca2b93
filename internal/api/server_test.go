package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-zigbee/internal/bridges/zigbee"
	"github.com/nerrad567/gray-logic-zigbee/internal/catalog"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-zigbee/internal/statestore"
)

const testCatalog = `
groups:
  - id: living_room
    slots:
      - id: state
        write: true
        type: string
devices:
  - id: "0xaa"
    namespace: kitchen
    name: Kitchen switch
    slots:
      - id: state
        write: true
        type: string
      - id: last_action
        prop: action
      - id: open
        prop: contact
        type: boolean
        transform: invert
`

// ─── Fakes ─────────────────────────────────────────────────────────

type command struct {
	key   string
	value any
}

type fakeStore struct {
	mu         sync.Mutex
	states     map[string]statestore.State
	subscribed map[string]bool
	commands   []command
	getErr     error
	commandErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:     make(map[string]statestore.State),
		subscribed: make(map[string]bool),
	}
}

func (f *fakeStore) Get(_ context.Context, key string) (statestore.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return statestore.State{}, f.getErr
	}
	st, ok := f.states[key]
	if !ok {
		return statestore.State{}, fmt.Errorf("%w: %s", statestore.ErrNotFound, key)
	}
	return st, nil
}

func (f *fakeStore) Command(_ context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commandErr != nil {
		return f.commandErr
	}
	f.commands = append(f.commands, command{key, value})
	return nil
}

func (f *fakeStore) IsSubscribed(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[key]
}

type fakeBridge struct {
	snap zigbee.Snapshot
}

func (f *fakeBridge) Snapshot() zigbee.Snapshot {
	return f.snap
}

// ─── Helpers ───────────────────────────────────────────────────────

type testDeps struct {
	store  *fakeStore
	bridge *fakeBridge
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
}

func testConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		Listen:  "127.0.0.1:0",
		Timeouts: config.APITimeoutConfig{
			Read:  5,
			Write: 5,
			Idle:  5,
		},
		WebSocket: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
	}
}

func testServer(t *testing.T, m *metrics.Metrics) (*Server, testDeps) {
	t.Helper()

	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("catalog.Parse() error = %v", err)
	}
	t.Cleanup(cat.Close)

	deps := testDeps{store: newFakeStore(), bridge: &fakeBridge{}}
	srv, err := New(Deps{
		Config:  testConfig(),
		Logger:  testLogger(),
		Store:   deps.store,
		Bridge:  deps.bridge,
		Catalog: cat,
		Metrics: m,
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, deps
}

func newRequest(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return httptest.NewRequest(method, path, r)
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return serve(h, newRequest(method, path, body))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("catalog.Parse() error = %v", err)
	}
	defer cat.Close()

	valid := Deps{
		Logger:  testLogger(),
		Store:   newFakeStore(),
		Bridge:  &fakeBridge{},
		Catalog: cat,
	}

	tests := []struct {
		name   string
		mutate func(d *Deps)
	}{
		{"missing logger", func(d *Deps) { d.Logger = nil }},
		{"missing store", func(d *Deps) { d.Store = nil }},
		{"missing bridge", func(d *Deps) { d.Bridge = nil }},
		{"missing catalog", func(d *Deps) { d.Catalog = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			tt.mutate(&d)
			if _, err := New(d); err == nil {
				t.Error("New() expected error, got nil")
			}
		})
	}

	if _, err := New(valid); err != nil {
		t.Errorf("New() with valid deps error = %v", err)
	}
}

// ─── Health & Middleware ───────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, deps := testServer(t, nil)
	deps.bridge.snap.Stats = zigbee.HealthStats{QueueDepth: 2, LiveTimers: 1, Devices: 1, Groups: 1}

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
	if resp["queue_depth"] != float64(2) || resp["live_timers"] != float64(1) {
		t.Errorf("queue_depth/live_timers = %v/%v, want 2/1", resp["queue_depth"], resp["live_timers"])
	}
}

func TestRequestID(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.buildRouter()

	w := do(t, router, http.MethodGet, "/api/v1/health", "")
	if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("generated X-Request-ID %q is not a UUID: %v", w.Header().Get("X-Request-ID"), err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-id-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-id-123" {
		t.Errorf("X-Request-ID = %q, want client-id-123", got)
	}
}

func TestRouting_Errors(t *testing.T) {
	srv, _ := testServer(t, nil)
	router := srv.buildRouter()

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"unknown route", http.MethodGet, "/api/v1/nope", http.StatusNotFound, ErrCodeNotFound},
		{"wrong method", http.MethodDelete, "/api/v1/health", http.StatusMethodNotAllowed, ErrCodeMethodNotAllow},
		{"metrics disabled", http.MethodGet, "/metrics", http.StatusNotFound, ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, "")
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := decode[Error](t, w); got.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, _ := testServer(t, nil)
	h := srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := do(t, h, http.MethodGet, "/", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if got := decode[Error](t, w); got.Code != ErrCodeInternal {
		t.Errorf("code = %q, want %q", got.Code, ErrCodeInternal)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Connected.Set(1)
	srv, _ := testServer(t, m)

	w := do(t, srv.buildRouter(), http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "graylogic_zigbee_mqtt_connected 1") {
		t.Error("exposition missing mqtt_connected gauge")
	}
}

// ─── Diagnostics ───────────────────────────────────────────────────

func TestCatalog(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/catalog", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[CatalogResponse](t, w)

	if resp.Stats.Groups != 1 || resp.Stats.Devices != 1 || resp.Stats.Slots != 4 || resp.Stats.Writable != 2 {
		t.Errorf("Stats = %+v", resp.Stats)
	}
	if len(resp.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(resp.Devices))
	}
	if resp.Devices[0].ID != "living_room" || resp.Devices[0].Kind != "group" {
		t.Errorf("Devices[0] = %+v, want the group first", resp.Devices[0])
	}

	kitchen := resp.Devices[1]
	if kitchen.Namespace != "kitchen" || len(kitchen.Slots) != 3 {
		t.Fatalf("Devices[1] = %+v", kitchen)
	}
	tests := []struct {
		idx           int
		wantKey       string
		wantProp      string
		wantTransform string
	}{
		{0, "kitchen.state", "state", ""},
		{1, "kitchen.last_action", "action", ""},
		{2, "kitchen.open", "contact", "invert"},
	}
	for _, tt := range tests {
		s := kitchen.Slots[tt.idx]
		if s.Key != tt.wantKey || s.Prop != tt.wantProp || s.Transform != tt.wantTransform {
			t.Errorf("Slots[%d] = %+v, want key %s prop %s transform %q", tt.idx, s, tt.wantKey, tt.wantProp, tt.wantTransform)
		}
	}
}

func TestQueue(t *testing.T) {
	srv, deps := testServer(t, nil)

	enqueued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()
	deps.bridge.snap = zigbee.Snapshot{
		Stats: zigbee.HealthStats{QueueDepth: 1, LiveTimers: 3},
		Queue: []zigbee.RetryEntry{{
			ID:         id,
			Message:    zigbee.Message{Topic: "0xbb", Payload: map[string]any{"state": "ON"}},
			Reason:     zigbee.ReasonUnresolvedDevice,
			EnqueuedAt: enqueued,
		}},
		DebugDevices: []string{"0xbb"},
	}

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/queue", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	resp := decode[QueueResponse](t, w)

	if resp.Depth != 1 || resp.LiveTimers != 3 {
		t.Errorf("Depth/LiveTimers = %d/%d, want 1/3", resp.Depth, resp.LiveTimers)
	}
	if len(resp.Entries) != 1 {
		t.Fatalf("len(Entries) = %d, want 1", len(resp.Entries))
	}
	e := resp.Entries[0]
	if e.ID != id.String() || e.Topic != "0xbb" || e.Reason != "unresolved_device" || !e.EnqueuedAt.Equal(enqueued) {
		t.Errorf("Entries[0] = %+v", e)
	}
	if e.Payload["state"] != "ON" {
		t.Errorf("payload = %v, want state ON", e.Payload)
	}
}

func TestQueue_EmptyListsAreArrays(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := do(t, srv.buildRouter(), http.MethodGet, "/api/v1/queue", "")
	body := w.Body.String()
	if !strings.Contains(body, `"entries":[]`) || !strings.Contains(body, `"debug_devices":[]`) {
		t.Errorf("body = %s, want empty arrays", body)
	}
}

// ─── States ────────────────────────────────────────────────────────

func TestGetState(t *testing.T) {
	srv, deps := testServer(t, nil)
	router := srv.buildRouter()
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	deps.store.states["kitchen.state"] = statestore.State{Value: "ON", Ack: true, UpdatedAt: updated}

	w := do(t, router, http.MethodGet, "/api/v1/states/kitchen.state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decode[StateResponse](t, w)
	if got.Key != "kitchen.state" || got.Value != "ON" || !got.Ack || !got.UpdatedAt.Equal(updated) {
		t.Errorf("state = %+v", got)
	}

	if w := do(t, router, http.MethodGet, "/api/v1/states/kitchen.missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing key status = %d, want 404", w.Code)
	}

	deps.store.getErr = errors.New("disk I/O error")
	if w := do(t, router, http.MethodGet, "/api/v1/states/kitchen.state", ""); w.Code != http.StatusInternalServerError {
		t.Errorf("store failure status = %d, want 500", w.Code)
	}
}

func TestSetState(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		body         string
		commandErr   error
		wantStatus   int
		wantCommands int
	}{
		{"accepted", "kitchen.state", `{"value":"OFF"}`, nil, http.StatusAccepted, 1},
		{"not writable", "kitchen.last_action", `{"value":"x"}`, nil, http.StatusForbidden, 0},
		{"invalid json", "kitchen.state", `{value`, nil, http.StatusBadRequest, 0},
		{"missing value", "kitchen.state", `{}`, nil, http.StatusBadRequest, 0},
		{"rejected value", "kitchen.state", `{"value":1}`, statestore.ErrInvalidValue, http.StatusBadRequest, 0},
		{"store failure", "kitchen.state", `{"value":"ON"}`, errors.New("database is locked"), http.StatusInternalServerError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, deps := testServer(t, nil)
			deps.store.subscribed["kitchen.state"] = true
			deps.store.commandErr = tt.commandErr

			w := do(t, srv.buildRouter(), http.MethodPut, "/api/v1/states/"+tt.key, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if len(deps.store.commands) != tt.wantCommands {
				t.Fatalf("commands = %v, want %d", deps.store.commands, tt.wantCommands)
			}
			if tt.wantCommands == 1 && (deps.store.commands[0].key != "kitchen.state" || deps.store.commands[0].value != "OFF") {
				t.Errorf("command = %+v, want kitchen.state=OFF", deps.store.commands[0])
			}
		})
	}
}

func TestSetState_BodyTooLarge(t *testing.T) {
	srv, deps := testServer(t, nil)
	deps.store.subscribed["kitchen.state"] = true

	body := `{"value":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
	w := do(t, srv.buildRouter(), http.MethodPut, "/api/v1/states/kitchen.state", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(deps.store.commands) != 0 {
		t.Errorf("commands = %v, want none", deps.store.commands)
	}
}

// ─── Lifecycle ─────────────────────────────────────────────────────

func startServer(t *testing.T) (*Server, testDeps) {
	t.Helper()
	srv, deps := testServer(t, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, deps
}

func TestServer_StartAndClose(t *testing.T) {
	srv, _ := testServer(t, nil)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start expected error")
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() before Start error = %v", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() expected error")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestServer_StartListenError(t *testing.T) {
	srv, _ := testServer(t, nil)
	srv.cfg.Listen = "127.0.0.1:-1"
	if err := srv.Start(context.Background()); err == nil {
		t.Error("Start() with bad address expected error")
	}
}

// ─── WebSocket ─────────────────────────────────────────────────────

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readWS(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func subscribeWS(t *testing.T, ws *websocket.Conn, channels ...string) {
	t.Helper()
	err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: channels},
	})
	if err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}
}

func TestWebSocket_StateBroadcast(t *testing.T) {
	srv, _ := startServer(t)
	ws := dialWS(t, srv)
	subscribeWS(t, ws, ChannelStateChanged)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv.RecordState("kitchen.state", "ON", true, ts)

	msg := readWS(t, ws)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelStateChanged {
		t.Fatalf("message = %+v, want state.changed event", msg)
	}
	payload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload type = %T", msg.Payload)
	}
	if payload["key"] != "kitchen.state" || payload["value"] != "ON" || payload["ack"] != true {
		t.Errorf("payload = %v", payload)
	}
	if payload["ts"] != "2026-03-01T12:00:00Z" {
		t.Errorf("ts = %v", payload["ts"])
	}
}

func TestWebSocket_Messages(t *testing.T) {
	srv, _ := startServer(t)
	ws := dialWS(t, srv)

	tests := []struct {
		name     string
		send     string
		wantType string
		wantID   string
	}{
		{"ping", `{"type":"ping","id":"p1"}`, WSTypePong, "p1"},
		{"unknown type", `{"type":"bogus","id":"b1"}`, WSTypeError, "b1"},
		{"invalid json", `not json`, WSTypeError, ""},
		{"unsubscribe", `{"type":"unsubscribe","id":"u1","payload":{"channels":["state.changed"]}}`, WSTypeResponse, "u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.send)); err != nil {
				t.Fatalf("write: %v", err)
			}
			msg := readWS(t, ws)
			if msg.Type != tt.wantType || msg.ID != tt.wantID {
				t.Errorf("reply = %+v, want type %s id %q", msg, tt.wantType, tt.wantID)
			}
		})
	}
}

func TestWebSocket_CloseDisconnectsClients(t *testing.T) {
	srv, _ := testServer(t, nil)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ws := dialWS(t, srv)
	subscribeWS(t, ws, ChannelStateChanged)

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("ReadMessage() after Close succeeded, want error")
	}
}

// ─── Hub ───────────────────────────────────────────────────────────

func newTestClient(h *Hub, channels ...string) *WSClient {
	c := &WSClient{
		hub:           h,
		send:          make(chan []byte, 4),
		subscriptions: make(map[string]struct{}),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = struct{}{}
	}
	return c
}

func TestHub_BroadcastOnlyToSubscribed(t *testing.T) {
	h := NewHub(testConfig().WebSocket, testLogger())
	subscribed := newTestClient(h, ChannelStateChanged)
	other := newTestClient(h, "something.else")
	h.Register(subscribed)
	h.Register(other)

	if got := h.ClientCount(); got != 2 {
		t.Fatalf("ClientCount() = %d, want 2", got)
	}

	h.Broadcast(ChannelStateChanged, StateEvent{Key: "a.b", Value: 1})

	if len(subscribed.send) != 1 {
		t.Errorf("subscribed client got %d messages, want 1", len(subscribed.send))
	}
	if len(other.send) != 0 {
		t.Errorf("unsubscribed client got %d messages, want 0", len(other.send))
	}

	h.Unregister(subscribed)
	h.Unregister(subscribed)
	if got := h.ClientCount(); got != 1 {
		t.Errorf("ClientCount() after Unregister = %d, want 1", got)
	}

	// Broadcasting to a client whose channel is closed must not panic.
	subscribed.trySend([]byte("late"))
}

func TestHub_SlowClientDropsMessages(t *testing.T) {
	h := NewHub(testConfig().WebSocket, testLogger())
	c := newTestClient(h, ChannelStateChanged)
	h.Register(c)

	for i := 0; i < cap(c.send)+3; i++ {
		h.Broadcast(ChannelStateChanged, i)
	}
	if len(c.send) != cap(c.send) {
		t.Errorf("buffered = %d, want %d", len(c.send), cap(c.send))
	}
}
