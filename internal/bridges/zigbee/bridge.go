package zigbee

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-zigbee/internal/catalog"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-zigbee/internal/statestore"
)

// Bridge operation constants.
const (
	// defaultDrainInterval is used when BridgeOptions.DrainInterval is unset.
	defaultDrainInterval = 5 * time.Second

	// ensureTimeout bounds a single EnsureObject call.
	ensureTimeout = 5 * time.Second
)

// Bridge connects the router to zigbee2mqtt over MQTT.
// It handles:
//   - Decoding "<base>/<device>" messages and feeding them to the router
//   - Materialising catalog slots in the store in the background
//   - Draining the retry queue periodically and when slots are created
//   - Publishing "<base>/<device>/set" for unacknowledged writes to writable slots
//   - Debug control slots, availability on disconnect, and health reporting
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	bridgeID      string
	qos           byte
	drainInterval time.Duration
	topics        mqtt.Topics

	catalog *catalog.Catalog
	store   BridgeStore
	mqtt    MQTTClient
	router  *Router
	debug   *DebugSet
	health  *HealthReporter
	metrics *metrics.Metrics

	// targets maps writable slot keys to the device property they command.
	targets   map[string]commandTarget
	targetsMu sync.RWMutex

	drainSignal chan struct{}

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	workMu    sync.Mutex // orders wg.Add after Start against close(done)
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx

	logger   Logger
	loggerMu sync.RWMutex
}

type commandTarget struct {
	deviceID string
	prop     string
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests; main adapts *mqtt.Client to it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
}

// BridgeStore is the store surface the bridge needs beyond StateStore.
// *statestore.Store implements it.
type BridgeStore interface {
	StateStore
	CreationTracker
	EnsureObject(ctx context.Context, obj statestore.Object) error
	SetOnChange(fn func(ctx context.Context, c statestore.Change))
	SetOnCreated(fn func(namespace, slotID string))
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	BridgeID  string
	BaseTopic string
	Version   string
	QoS       byte

	PulseTimeout   time.Duration
	DrainInterval  time.Duration
	HealthInterval time.Duration
	DebugDevices   []string

	Catalog    *catalog.Catalog
	Store      BridgeStore
	MQTTClient MQTTClient

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger is optional structured logger.
	Logger Logger
}

// NewBridge creates a new bridge instance. Call Start to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.BaseTopic == "" {
		return nil, fmt.Errorf("base topic is required")
	}

	debug := NewDebugSet(opts.DebugDevices...)
	router, err := NewRouter(RouterOptions{
		Catalog:      opts.Catalog,
		Tracker:      opts.Store,
		Store:        opts.Store,
		Debug:        debug,
		PulseTimeout: opts.PulseTimeout,
		Metrics:      opts.Metrics,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	drainInterval := opts.DrainInterval
	if drainInterval <= 0 {
		drainInterval = defaultDrainInterval
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		bridgeID:      opts.BridgeID,
		qos:           opts.QoS,
		drainInterval: drainInterval,
		topics:        mqtt.NewTopics(opts.BaseTopic),
		catalog:       opts.Catalog,
		store:         opts.Store,
		mqtt:          opts.MQTTClient,
		router:        router,
		debug:         debug,
		metrics:       opts.Metrics,
		targets:       make(map[string]commandTarget),
		drainSignal:   make(chan struct{}, 1),
		done:          make(chan struct{}),
		ctx:           ctx,
		ctxCancel:     ctxCancel,
		logger:        opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.BridgeID,
		Version:   opts.Version,
		Topic:     b.topics.BridgeHealth(opts.BridgeID),
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTTClient,
		Stats:     b.healthStats,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Router returns the bridge's router.
func (b *Bridge) Router() *Router {
	return b.router
}

// Debug returns the live debug device set.
func (b *Bridge) Debug() *DebugSet {
	return b.debug
}

// Start subscribes writable slots and device topics, begins materialising
// slots, and starts the drain loop and health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.store.SetOnCreated(b.handleCreated)
	b.store.SetOnChange(b.handleStateChange)

	b.rebuildTargets()
	if err := b.router.SubscribeWritableSlots(ctx); err != nil {
		return fmt.Errorf("subscribe writable slots: %w", err)
	}

	b.wg.Add(1)
	go b.ensureObjects(b.ctx)

	deviceTopic := b.topics.AllDevices()
	if err := b.mqtt.Subscribe(deviceTopic, b.qos, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to devices: %w", err)
	}
	b.logInfo("subscribed to devices", "topic", deviceTopic)

	b.wg.Add(1)
	go b.drainLoop()

	b.health.Start(b.ctx)
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish healthy status", err)
	}

	b.logInfo("bridge started",
		"bridge_id", b.bridgeID,
		"devices", len(b.catalog.Devices()),
		"groups", len(b.catalog.Groups()))

	return nil
}

// Stop gracefully shuts down the bridge: health reporting ends, background
// work stops, timers are cancelled and the retry queue is dropped.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.workMu.Lock()
		close(b.done)
		b.workMu.Unlock()
		b.health.Stop()
		b.ctxCancel()
		b.wg.Wait()
		b.router.Close()
		b.logInfo("bridge stopped")
	})
}

// ReloadCatalog swaps in next, re-subscribes writable slots and
// materialises any new slots.
func (b *Bridge) ReloadCatalog(ctx context.Context, next *catalog.Catalog) error {
	b.catalog.Replace(next)
	b.rebuildTargets()

	if err := b.router.SubscribeWritableSlots(ctx); err != nil {
		return fmt.Errorf("subscribe writable slots: %w", err)
	}

	b.workMu.Lock()
	select {
	case <-b.done:
	default:
		b.wg.Add(1)
		go b.ensureObjects(b.ctx)
	}
	b.workMu.Unlock()

	st := b.catalog.Stats()
	b.logInfo("catalog reloaded", "devices", st.Devices, "groups", st.Groups, "slots", st.Slots)
	return nil
}

// HandleConnect is called by the MQTT client on every (re)connect.
func (b *Bridge) HandleConnect() {
	if b.metrics != nil {
		b.metrics.Connected.Set(1)
	}
	b.triggerDrain()
}

// HandleDisconnect marks every device unavailable.
func (b *Bridge) HandleDisconnect(err error) {
	if b.metrics != nil {
		b.metrics.Connected.Set(0)
	}
	b.logWarn("MQTT connection lost", "error", err)

	if err := b.router.MarkAllUnavailable(b.ctx); err != nil {
		b.logError("failed to mark devices unavailable", err)
	}
}

// handleMQTTMessage decodes a device message and routes it.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	id, ok := b.topics.ParseDevice(topic)
	if !ok {
		return
	}

	msg, err := DecodeMessage(id, payload)
	if err != nil {
		b.logDebug("dropping message", "topic", topic, "error", err)
		return
	}

	b.router.HandleIncoming(b.ctx, msg)
}

// handleCreated wakes the drain loop so messages waiting on the new slot
// are replayed promptly.
func (b *Bridge) handleCreated(_, _ string) {
	b.triggerDrain()
}

func (b *Bridge) triggerDrain() {
	select {
	case b.drainSignal <- struct{}{}:
	default:
	}
}

func (b *Bridge) drainLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		case <-b.drainSignal:
		}
		b.router.DrainAndReplay(b.ctx)
	}
}

// ensureObjects materialises every catalog slot and the control keys.
func (b *Bridge) ensureObjects(ctx context.Context) {
	defer b.wg.Done()

	objects := controlObjects()
	for _, device := range b.catalog.All() {
		for _, slot := range device.Slots {
			objects = append(objects, statestore.Object{
				Namespace: device.KeyPrefix(),
				SlotID:    slot.ID,
				Name:      device.Name,
				Type:      slot.Type,
				Role:      slot.Role,
				Unit:      slot.Unit,
				Writable:  slot.Write,
			})
		}
	}

	ensured := 0
	for _, obj := range objects {
		if ctx.Err() != nil {
			return
		}
		ensureCtx, cancel := context.WithTimeout(ctx, ensureTimeout)
		err := b.store.EnsureObject(ensureCtx, obj)
		cancel()
		if err != nil {
			b.logError("failed to create state object", fmt.Errorf("%s: %w", obj.Key(), err))
			continue
		}
		ensured++
	}

	if err := b.store.Set(ctx, DebugMessagesKey, strings.Join(b.debug.List(), ",")); err != nil {
		b.logError("failed to publish debug device list", err)
	}

	b.logInfo("state objects ensured", "count", ensured)
}

func controlObjects() []statestore.Object {
	objects := make([]statestore.Object, 0, len(ControlKeys()))
	for _, key := range ControlKeys() {
		ns, slot, _ := strings.Cut(key, ".")
		objects = append(objects, statestore.Object{
			Namespace: ns,
			SlotID:    slot,
			Type:      "string",
			Role:      "text",
			Writable:  true,
		})
	}
	return objects
}

// handleStateChange reacts to writes on subscribed keys. Only
// unacknowledged writes (commands from outside) are acted on.
func (b *Bridge) handleStateChange(ctx context.Context, c statestore.Change) {
	if c.Ack {
		return
	}

	switch c.Key {
	case DebugMessagesKey:
		b.debug.Replace(ParseDebugList(c.Value))
		b.logInfo("debug devices updated", "devices", b.debug.List())
	case LogFilterKey:
		b.logInfo("log filter changed", "filter", c.Value)
	default:
		if err := b.sendCommand(c.Key, c.Value); err != nil {
			b.logError("failed to send command", err)
		}
	}
}

// sendCommand publishes {prop: value} to the device's set topic.
func (b *Bridge) sendCommand(key string, value any) error {
	b.targetsMu.RLock()
	target, ok := b.targets[key]
	b.targetsMu.RUnlock()
	if !ok {
		return fmt.Errorf("no writable slot for %s", key)
	}

	payload, err := json.Marshal(map[string]any{target.prop: value})
	if err != nil {
		return fmt.Errorf("encoding command for %s: %w", key, err)
	}

	topic := b.topics.DeviceSet(target.deviceID)
	if err := b.mqtt.Publish(topic, payload, b.qos, false); err != nil {
		return fmt.Errorf("publishing %s: %w", topic, err)
	}

	if b.metrics != nil {
		b.metrics.CommandsSent.Inc()
	}
	b.logDebug("command sent", "topic", topic, "key", key)
	return nil
}

// rebuildTargets indexes writable slots by key. Groups come first, so a
// group keeps a key it shares with a device.
func (b *Bridge) rebuildTargets() {
	targets := make(map[string]commandTarget)
	for _, device := range b.catalog.All() {
		for _, slot := range device.Slots {
			if !slot.Write {
				continue
			}
			key := device.Key(slot.ID)
			if _, exists := targets[key]; exists {
				continue
			}
			targets[key] = commandTarget{deviceID: device.ID, prop: slot.SourceProp()}
		}
	}

	b.targetsMu.Lock()
	b.targets = targets
	b.targetsMu.Unlock()
}

// Snapshot is a point-in-time view of the bridge for diagnostics.
type Snapshot struct {
	Stats        HealthStats
	Queue        []RetryEntry
	DebugDevices []string
}

// Snapshot returns the current counters, a copy of the retry queue and the
// debug device list.
func (b *Bridge) Snapshot() Snapshot {
	return Snapshot{
		Stats:        b.healthStats(),
		Queue:        b.router.Queue().Snapshot(),
		DebugDevices: b.debug.List(),
	}
}

func (b *Bridge) healthStats() HealthStats {
	return HealthStats{
		QueueDepth: b.router.Queue().Len(),
		LiveTimers: b.router.Timers().Len(),
		Devices:    len(b.catalog.Devices()),
		Groups:     len(b.catalog.Groups()),
	}
}

// SetLogger sets the logger for the bridge, its router and health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()

	b.router.SetLogger(logger)
	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}
