package zigbee

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nerrad567/gray-logic-zigbee/internal/catalog"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/metrics"
)

var errStoreUnavailable = errors.New("store unavailable")

type storeWrite struct {
	Op    string
	Key   string
	Value any
}

// fakeStore implements StateStore in memory.
type fakeStore struct {
	mu       sync.Mutex
	values   map[string]any
	writes   []storeWrite
	failures map[string]int
	subErr   map[string]error
	subs     []string
	unsubs   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		values:   make(map[string]any),
		failures: make(map[string]int),
		subErr:   make(map[string]error),
	}
}

func (f *fakeStore) Set(_ context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked(key); err != nil {
		return err
	}
	f.values[key] = value
	f.writes = append(f.writes, storeWrite{Op: "set", Key: key, Value: value})
	return nil
}

func (f *fakeStore) SetIfChanged(_ context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked(key); err != nil {
		return err
	}
	if cur, ok := f.values[key]; ok && reflect.DeepEqual(cur, value) {
		return nil
	}
	f.values[key] = value
	f.writes = append(f.writes, storeWrite{Op: "set_if_changed", Key: key, Value: value})
	return nil
}

func (f *fakeStore) Subscribe(_ context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.subErr[pattern]; err != nil {
		return err
	}
	f.subs = append(f.subs, pattern)
	return nil
}

func (f *fakeStore) Unsubscribe(_ context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, pattern)
	if pattern == "*" {
		f.subs = nil
	}
	return nil
}

func (f *fakeStore) failLocked(key string) error {
	if n := f.failures[key]; n > 0 {
		f.failures[key] = n - 1
		return fmt.Errorf("%w: %s", errStoreUnavailable, key)
	}
	return nil
}

// failNext makes the next n writes to key fail.
func (f *fakeStore) failNext(key string, n int) {
	f.mu.Lock()
	f.failures[key] = n
	f.mu.Unlock()
}

func (f *fakeStore) getWrites() []storeWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storeWrite(nil), f.writes...)
}

func (f *fakeStore) value(key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *fakeStore) getSubs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...)
}

func (f *fakeStore) hasSub(pattern string) bool {
	for _, s := range f.getSubs() {
		if s == pattern {
			return true
		}
	}
	return false
}

// fakeTracker implements CreationTracker.
type fakeTracker struct {
	mu      sync.Mutex
	created map[string]bool
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{created: make(map[string]bool)}
}

func (f *fakeTracker) IsCreated(namespace, slotID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[namespace+"."+slotID]
}

// create marks a slot created and reports whether it was new.
func (f *fakeTracker) create(namespace, slotID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := namespace + "." + slotID
	if f.created[key] {
		return false
	}
	f.created[key] = true
	return true
}

func (f *fakeTracker) createAll(cat *catalog.Catalog) {
	for _, d := range cat.All() {
		for _, s := range d.Slots {
			f.create(d.KeyPrefix(), s.ID)
		}
	}
}

// recordingLogger captures log lines by level.
type recordingLogger struct {
	mu    sync.Mutex
	lines []logLine
}

type logLine struct {
	Level string
	Msg   string
	Args  []any
}

func (l *recordingLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, logLine{Level: level, Msg: msg, Args: args})
}

func (l *recordingLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *recordingLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *recordingLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *recordingLogger) Error(msg string, args ...any) { l.record("error", msg, args) }

func (l *recordingLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if line.Level == level && strings.Contains(line.Msg, msg) {
			n++
		}
	}
	return n
}

// newTestCatalog builds:
//   - group G1 with writable state
//   - device D1 with state, contact (pulse), action, raw_action and availability
//   - device D2 in namespace "hall" with a string pulse and a transformed slot
//   - device D3 with a transform that always fails
func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	groups := []*catalog.Device{
		{ID: "G1", Name: "Group one", Slots: []*catalog.Slot{
			{ID: "state", Prop: "state", Write: true},
		}},
	}
	devices := []*catalog.Device{
		{ID: "D1", Name: "Device one", Slots: []*catalog.Slot{
			{ID: "state", Prop: "state", Write: true},
			{ID: "contact", IsEvent: true},
			{ID: "last_action", Prop: "action"},
			{ID: "action"},
			{ID: "availability"},
		}},
		{ID: "D2", Namespace: "hall", Slots: []*catalog.Slot{
			{ID: "button", IsEvent: true, Complement: ""},
			{ID: "scene", IsEvent: true},
			{ID: "brightness", Write: true, TransformSpec: &catalog.TransformSpec{Name: "254_to_percent"}},
		}},
		{ID: "D3", Slots: []*catalog.Slot{
			{ID: "broken", Transform: catalog.TransformFunc(func(context.Context, map[string]any) (any, error) {
				return nil, errors.New("boom")
			})},
			{ID: "skipped", Transform: catalog.TransformFunc(func(context.Context, map[string]any) (any, error) {
				return nil, nil
			})},
			{ID: "ok"},
		}},
	}

	cat, err := catalog.New(groups, devices)
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}
	t.Cleanup(cat.Close)
	return cat
}

type routerFixture struct {
	router  *Router
	store   *fakeStore
	tracker *fakeTracker
	catalog *catalog.Catalog
	logger  *recordingLogger
	metrics *metrics.Metrics
}

func newRouterFixture(t *testing.T, pulse time.Duration, debug ...string) *routerFixture {
	t.Helper()

	f := &routerFixture{
		store:   newFakeStore(),
		tracker: newFakeTracker(),
		catalog: newTestCatalog(t),
		logger:  &recordingLogger{},
		metrics: metrics.New(),
	}
	router, err := NewRouter(RouterOptions{
		Catalog:      f.catalog,
		Tracker:      f.tracker,
		Store:        f.store,
		Debug:        NewDebugSet(debug...),
		PulseTimeout: pulse,
		Metrics:      f.metrics,
		Logger:       f.logger,
	})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	t.Cleanup(router.Close)
	f.router = router
	return f
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func msg(topic string, payload map[string]any) Message {
	return Message{Topic: topic, Payload: payload}
}

func TestNewRouter_RequiresCollaborators(t *testing.T) {
	cat := newTestCatalog(t)
	tests := []struct {
		name string
		opts RouterOptions
	}{
		{"no catalog", RouterOptions{Tracker: newFakeTracker(), Store: newFakeStore()}},
		{"no tracker", RouterOptions{Catalog: cat, Store: newFakeStore()}},
		{"no store", RouterOptions{Catalog: cat, Tracker: newFakeTracker()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRouter(tt.opts); err == nil {
				t.Error("NewRouter() expected error, got nil")
			}
		})
	}
}

func TestNewRouter_DefaultPulseTimeout(t *testing.T) {
	f := newRouterFixture(t, 0)
	if f.router.pulseTimeout != DefaultPulseTimeout {
		t.Errorf("pulseTimeout = %v, want %v", f.router.pulseTimeout, DefaultPulseTimeout)
	}
}

func TestHandleIncoming_EmptyPayload(t *testing.T) {
	f := newRouterFixture(t, time.Second)
	f.tracker.createAll(f.catalog)

	for _, m := range []Message{msg("D1", nil), msg("D1", map[string]any{}), msg("unknown", nil)} {
		f.router.HandleIncoming(context.Background(), m)
	}

	if got := len(f.store.getWrites()); got != 0 {
		t.Errorf("writes = %d, want 0", got)
	}
	if got := f.router.Queue().Len(); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
	if got := testutil.ToFloat64(f.metrics.MessagesHandled); got != 0 {
		t.Errorf("MessagesHandled = %v, want 0", got)
	}
}

func TestHandleIncoming_UnresolvedDevice(t *testing.T) {
	f := newRouterFixture(t, time.Second)

	payload := map[string]any{"state": "ON", "linkquality": 42.0}
	original := msg("0xdeadbeef", payload)
	f.router.HandleIncoming(context.Background(), original)

	entries := f.router.Queue().Snapshot()
	if len(entries) != 1 {
		t.Fatalf("queue length = %d, want 1", len(entries))
	}
	if !reflect.DeepEqual(entries[0].Message, original) {
		t.Errorf("queued message = %+v, want %+v", entries[0].Message, original)
	}
	if entries[0].Reason != ReasonUnresolvedDevice {
		t.Errorf("reason = %q, want %q", entries[0].Reason, ReasonUnresolvedDevice)
	}

	// The queued copy is independent of the caller's map.
	payload["state"] = "OFF"
	if got := f.router.Queue().Snapshot()[0].Message.Payload["state"]; got != "ON" {
		t.Errorf("queued state = %v after caller mutation, want ON", got)
	}

	if got := len(f.store.getWrites()); got != 0 {
		t.Errorf("writes = %d, want 0", got)
	}
	if f.logger.count("debug", ErrUnresolvedDevice.Error()) != 1 {
		t.Error("expected one debug log for unresolved device")
	}
	if got := testutil.ToFloat64(f.metrics.RetryEnqueued.WithLabelValues(string(ReasonUnresolvedDevice))); got != 1 {
		t.Errorf("RetryEnqueued{unresolved_device} = %v, want 1", got)
	}
}

func TestHandleIncoming_WritesCreatedSlot(t *testing.T) {
	f := newRouterFixture(t, time.Second)
	f.tracker.createAll(f.catalog)

	f.router.HandleIncoming(context.Background(), msg("D1", map[string]any{"state": "ON"}))

	want := []storeWrite{{Op: "set_if_changed", Key: "D1.state", Value: "ON"}}
	if got := f.store.getWrites(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %+v, want %+v", got, want)
	}
	if got := f.router.Queue().Len(); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
}

func TestHandleIncoming_SlotNotCreated(t *testing.T) {
	f := newRouterFixture(t, time.Second)

	original := msg("D1", map[string]any{"state": "ON"})
	f.router.HandleIncoming(context.Background(), original)

	entries := f.router.Queue().Snapshot()
	if len(entries) != 1 {
		t.Fatalf("queue length = %d, want 1", len(entries))
	}
	if !reflect.DeepEqual(entries[0].Message, original) {
		t.Errorf("queued message = %+v, want %+v", entries[0].Message, original)
	}
	if entries[0].Reason != ReasonSlotNotCreated {
		t.Errorf("reason = %q, want %q", entries[0].Reason, ReasonSlotNotCreated)
	}
	if got := len(f.store.getWrites()); got != 0 {
		t.Errorf("writes = %d, want 0", got)
	}
}

func TestHandleIncoming_WriteIfChangedIsIdempotent(t *testing.T) {
	f := newRouterFixture(t, time.Second)
	f.tracker.createAll(f.catalog)

	for range 2 {
		f.router.HandleIncoming(context.Background(), msg("D1", map[string]any{"state": "ON"}))
	}

	if got := len(f.store.getWrites()); got != 1 {
		t.Errorf("writes = %d, want 1", got)
	}
}

func TestHandleIncoming_GroupResolvesFirst(t *testing.T) {
	groups := []*catalog.Device{{ID: "shared", Slots: []*catalog.Slot{{ID: "state", Write: true}}}}
	devices := []*catalog.Device{{ID: "shared", Namespace: "dev", Slots: []*catalog.Slot{{ID: "state"}}}}
	cat, err := catalog.New(groups, devices)
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}
	store := newFakeStore()
	tracker := newFakeTracker()
	tracker.createAll(cat)
	router, err := NewRouter(RouterOptions{Catalog: cat, Tracker: tracker, Store: store})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}

	router.HandleIncoming(context.Background(), msg("shared", map[string]any{"state": "ON"}))

	writes := store.getWrites()
	if len(writes) != 1 || writes[0].Key != "shared.state" {
		t.Errorf("writes = %+v, want one write to shared.state", writes)
	}
}

func TestMatchSlots(t *testing.T) {
	f := newRouterFixture(t, time.Second)
	d1, _ := f.catalog.Resolve("D1")

	tests := []struct {
		prop string
		want []string
	}{
		{prop: "state", want: []string{"state"}},
		{prop: "contact", want: []string{"contact"}},
		// "action" never matches by slot ID.
		{prop: "action", want: []string{"last_action"}},
		{prop: "last_action", want: []string{"last_action"}},
		{prop: "linkquality", want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.prop, func(t *testing.T) {
			var got []string
			for _, s := range matchSlots(d1, tt.prop) {
				got = append(got, s.ID)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("matchSlots(%q) = %v, want %v", tt.prop, got, tt.want)
			}
		})
	}
}

func TestHandleIncoming_ActionOnlyMatchesExplicitProp(t *testing.T) {
	f := newRouterFixture(t, time.Second)
	f.tracker.createAll(f.catalog)

	f.router.HandleIncoming(context.Background(), msg("D1", map[string]any{"action": "single"}))

	want := []storeWrite{{Op: "set_if_changed", Key: "D1.last_action", Value: "single"}}
	if got := f.store.getWrites(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %+v, want %+v", got, want)
	}
}

func TestHandleIncoming_PulseReverts(t *testing.T) {
	f := newRouterFixture(t, 30*time.Millisecond)
	f.tracker.createAll(f.catalog)

	f.router.HandleIncoming(context.Background(), msg("D1", map[string]any{"contact": true}))

	if v, _ := f.store.value("D1.contact"); v != true {
		t.Fatalf("D1.contact = %v immediately after pulse, want true", v)
	}
	if !f.router.Timers().Pending("D1.contact") {
		t.Error("expected a pending revert for D1.contact")
	}

	waitFor(t, time.Second, func() bool {
		v, _ := f.store.value("D1.contact")
		return v == false
	})

	want := []storeWrite{
		{Op: "set", Key: "D1.contact", Value: true},
		{Op: "set", Key: "D1.contact", Value: false},
	}
	if got := f.store.getWrites(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %+v, want %+v", got, want)
	}
	waitFor(t, time.Second, func() bool {
		return testutil.ToFloat64(f.metrics.PulseReverts) == 1
	})
	if f.router.Timers().Len() != 0 {
		t.Errorf("live timers = %d after revert, want 0", f.router.Timers().Len())
	}
}

func TestHandleIncoming_SupersededPulseNeverReverts(t *testing.T) {
	timeout := 200 * time.Millisecond
	f := newRouterFixture(t, timeout)
	f.tracker.createAll(f.catalog)

	f.router.HandleIncoming(context.Background(), msg("D1", map[string]any{"contact": true}))
	f.router.HandleIncoming(context.Background(), msg("D1", map[string]any{"contact": true}))

	if got := f.router.Timers().Len(); got != 1 {
		t.Fatalf("live timers = %d, want 1", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		v, _ := f.store.value("D1.contact")
		return v == false
	})
	// Allow a stray first-pulse revert time to show up if it was not cancelled.
	time.Sleep(timeout)

	want := []storeWrite{
		{Op: "set", Key: "D1.contact", Value: true},
		{Op: "set", Key: "D1.contact", Value: true},
		{Op: "set", Key: "D1.contact", Value: false},
	}
	if got := f.store.getWrites(); !reflect.DeepEqual(got, want) {
		t.Errorf("writes = %+v, want %+v", got, want)
	}
}

func TestHandleIncoming_PulseComplements(t *testing.T) {
	f := newRouterFixture(t, 20*time.Millisecond)
	f.tracker.createAll(f.catalog)

	// button has an explicit complement; scene has none.
	f.router.HandleIncoming(context.Background(), msg("D2", map[string]any{"button": "single", "scene": "movie"}))

	waitFor(t, time.Second, func() bool {
		v, _ := f.store.value("hall.button")
		return v == ""
	})

	if v, _ := f.store.value("hall.scene"); v != "movie" {
		t.Errorf("hall.scene = %v, want movie (no revert)", v)
	}
	if f.router.Timers().Pending("hall.scene") {
		t.Error("hall.scene should have no pending revert")
	}
	if got := f.router.Queue().Len(); got != 0 {
		t.Errorf("queue length = %d, want 0", got)
	}
	if f.logger.count("warn", "will not revert") != 1 {
		t.Error("expected a warning for the pulse without complement")
	}
}

func TestHandleIncoming_PulseWithoutComplementClearsTimerGauge(t *testing.T) {
	f := newRouterFixture(t, time.Second)
	f.tracker.createAll(f.catalog)

	f.router.HandleIncoming(context.Background(), msg("D1", map[string]any{"contact": true}))
	if got := testutil.ToFloat64(f.metrics.LiveTimers); got != 1 {
		t.Fatalf("LiveTimers = %v, want 1", got)
	}

	// A non-bool value has no complement: the pending revert is dropped.
	f.router.HandleIncoming(context.Background(), msg("D1", map[string]any{"contact": "tamper"}))

	if f.router.Timers().Pending("D1.contact") {
		t.Error("D1.contact should have no pending revert")
	}
	if got := testutil.ToFloat64(f.metrics.LiveTimers); got != 0 {
		t.Errorf("LiveTimers = %v, want 0", got)
	}
}

func TestHandleIncoming_Transforms(t *testing.T) {
	f := newRouterFixture(t, time.Second)
	f.tracker.createAll(f.catalog)

	f.router.HandleIncoming(context.Background(), msg("D2", map[string]any{"brightness": 127.0}))
	if v, _ := f.store.value("hall.brightness"); v != 50.0 {
		t.Errorf("hall.brightness = %v, want 50", v)
	}

	f.router.HandleIncoming(context.Background(), msg("D3", map[string]any{"broken": 1.0, "skipped": 2.0, "ok": 3.0}))

	entries := f.router.Queue().Snapshot()
	if len(entries) != 1 || entries[0].Reason != ReasonWriteFailed {
		t.Fatalf("queue = %+v, want one write_failed entry", entries)
	}
	if _, ok := f.store.value("D3.skipped"); ok {
		t.Error("D3.skipped written although its transform returned nil")
	}
	if v, _ := f.store.value("D3.ok"); v != 3.0 {
		t.Errorf("D3.ok = %v, want 3", v)
	}
}

func TestHandleIncoming_WriteFailureContinuesAndRequeues(t *testing.T) {
	f := newRouterFixture(t, time.Second)
	f.tracker.createAll(f.catalog)
	f.store.failNext("D1.state", 1)

	m := msg("D1", map[string]any{"state": "ON", "availability": true})
	f.router.HandleIncoming(context.Background(), m)

	if v, _ := f.store.value("D1.availability"); v != true {
		t.Errorf("D1.availability = %v, want true (sibling slot still written)", v)
	}
	entries := f.router.Queue().Snapshot()
	if len(entries) != 1 || entries[0].Reason != ReasonWriteFailed {
		t.Fatalf("queue = %+v, want one write_failed entry", entries)
	}
	if f.logger.count("error", ErrWriteFailed.Error()) != 1 {
		t.Error("expected an error log for the failed write")
	}

	if n := f.router.DrainAndReplay(context.Background()); n != 1 {
		t.Errorf("DrainAndReplay() = %d, want 1", n)
	}
	if v, _ := f.store.value("D1.state"); v != "ON" {
		t.Errorf("D1.state = %v after replay, want ON", v)
	}
	if got := f.router.Queue().Len(); got != 0 {
		t.Errorf("queue length = %d after replay, want 0", got)
	}
}

func TestHandleIncoming_DebugFilter(t *testing.T) {
	tests := []struct {
		name  string
		debug []string
		topic string
		want  int
	}{
		{name: "by id", debug: []string{"D1"}, topic: "D1", want: 1},
		{name: "by namespace", debug: []string{"hall"}, topic: "D2", want: 1},
		{name: "not listed", debug: []string{"D1"}, topic: "D2", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, time.Second, tt.debug...)
			f.tracker.createAll(f.catalog)

			f.router.HandleIncoming(context.Background(), msg(tt.topic, map[string]any{"linkquality": 10.0}))

			if got := f.logger.count("warn", "debug message"); got != tt.want {
				t.Errorf("debug warnings = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDrainAndReplay_DoesNotRecountMessages(t *testing.T) {
	f := newRouterFixture(t, time.Second)

	f.router.HandleIncoming(context.Background(), msg("0xabc", map[string]any{"state": "ON"}))
	for i := 0; i < 3; i++ {
		f.router.DrainAndReplay(context.Background())
	}

	if got := testutil.ToFloat64(f.metrics.MessagesHandled); got != 1 {
		t.Errorf("MessagesHandled = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.Replayed); got != 3 {
		t.Errorf("Replayed = %v, want 3", got)
	}
	if got := f.router.Queue().Len(); got != 1 {
		t.Errorf("queue length = %d, want 1", got)
	}
}

func TestDrainAndReplay_PreservesOrder(t *testing.T) {
	f := newRouterFixture(t, time.Second)

	messages := []Message{
		msg("D1", map[string]any{"state": "ON"}),
		msg("G1", map[string]any{"state": "OFF"}),
		msg("D3", map[string]any{"ok": 1.0}),
	}
	for _, m := range messages {
		f.router.HandleIncoming(context.Background(), m)
	}

	// Nothing created yet: every replay fails again and requeues in order.
	if n := f.router.DrainAndReplay(context.Background()); n != 3 {
		t.Fatalf("DrainAndReplay() = %d, want 3", n)
	}
	entries := f.router.Queue().Snapshot()
	if len(entries) != 3 {
		t.Fatalf("queue length = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if !reflect.DeepEqual(e.Message, messages[i]) {
			t.Errorf("entry %d = %+v, want %+v", i, e.Message, messages[i])
		}
	}

	f.tracker.createAll(f.catalog)
	f.router.DrainAndReplay(context.Background())

	var keys []string
	for _, w := range f.store.getWrites() {
		keys = append(keys, w.Key)
	}
	want := []string{"D1.state", "G1.state", "D3.ok"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("write order = %v, want %v", keys, want)
	}
	if got := testutil.ToFloat64(f.metrics.Replayed); got != 6 {
		t.Errorf("Replayed = %v, want 6", got)
	}
}

func TestDrainAndReplay_CancelledRestoresQueue(t *testing.T) {
	f := newRouterFixture(t, time.Second)
	f.router.HandleIncoming(context.Background(), msg("a", map[string]any{"x": 1.0}))
	f.router.HandleIncoming(context.Background(), msg("b", map[string]any{"x": 2.0}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if n := f.router.DrainAndReplay(ctx); n != 0 {
		t.Errorf("DrainAndReplay() = %d, want 0", n)
	}
	entries := f.router.Queue().Snapshot()
	if len(entries) != 2 || entries[0].Message.Topic != "a" || entries[1].Message.Topic != "b" {
		t.Errorf("queue = %+v, want [a b]", entries)
	}
}

func TestDrainAndReplay_ConcurrentEnqueue(t *testing.T) {
	f := newRouterFixture(t, time.Second)

	const queued, concurrent = 200, 200
	for i := range queued {
		f.router.HandleIncoming(context.Background(), msg(fmt.Sprintf("q%d", i), map[string]any{"x": 1.0}))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range concurrent {
			f.router.HandleIncoming(context.Background(), msg(fmt.Sprintf("c%d", i), map[string]any{"x": 1.0}))
		}
	}()

	replayed := 0
	go func() {
		defer wg.Done()
		replayed = f.router.DrainAndReplay(context.Background())
	}()
	wg.Wait()

	if replayed < queued || replayed > queued+concurrent {
		t.Errorf("DrainAndReplay() = %d, want between %d and %d", replayed, queued, queued+concurrent)
	}
	if got := f.router.Queue().Len(); got != queued+concurrent {
		t.Errorf("queue length = %d, want %d (no message lost)", got, queued+concurrent)
	}

	seen := make(map[string]bool)
	for _, e := range f.router.Queue().Snapshot() {
		seen[e.Message.Topic] = true
	}
	if len(seen) != queued+concurrent {
		t.Errorf("distinct topics = %d, want %d", len(seen), queued+concurrent)
	}
}

func TestDrainAndReplay_ReentrantFromStore(t *testing.T) {
	f := newRouterFixture(t, time.Second)
	f.tracker.createAll(f.catalog)

	// A store write that triggers another incoming message mid-drain.
	store := &reentrantStore{fakeStore: f.store}
	router, err := NewRouter(RouterOptions{Catalog: f.catalog, Tracker: f.tracker, Store: store})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	store.onWrite = func() {
		router.HandleIncoming(context.Background(), msg("unknown", map[string]any{"x": 1.0}))
	}

	router.Queue().Enqueue(msg("D1", map[string]any{"state": "ON"}), ReasonSlotNotCreated)

	done := make(chan int)
	go func() { done <- router.DrainAndReplay(context.Background()) }()

	select {
	case n := <-done:
		if n != 1 {
			t.Errorf("DrainAndReplay() = %d, want 1", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DrainAndReplay() did not return")
	}
	if got := router.Queue().Len(); got != 1 {
		t.Errorf("queue length = %d, want 1 (the message enqueued mid-drain)", got)
	}
}

type reentrantStore struct {
	*fakeStore
	onWrite func()
}

func (r *reentrantStore) SetIfChanged(ctx context.Context, key string, value any) error {
	if err := r.fakeStore.SetIfChanged(ctx, key, value); err != nil {
		return err
	}
	if r.onWrite != nil {
		r.onWrite()
	}
	return nil
}
