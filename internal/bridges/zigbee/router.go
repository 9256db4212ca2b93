package zigbee

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-zigbee/internal/catalog"
	"github.com/nerrad567/gray-logic-zigbee/internal/infrastructure/metrics"
)

// DefaultPulseTimeout is how long a pulse slot holds its value.
const DefaultPulseTimeout = 300 * time.Millisecond

// actionProp is the one payload property that never falls back to
// slot-ID matching.
const actionProp = "action"

// Router maps decoded device messages onto state slots.
//
// Messages that cannot be applied yet (unknown device, slot not created,
// failed write) are copied into the retry queue and replayed by
// DrainAndReplay. HandleIncoming never fails.
//
// Thread Safety: All methods are safe for concurrent use.
type Router struct {
	catalog      CatalogSource
	tracker      CreationTracker
	store        StateStore
	debug        DebugFilter
	pulseTimeout time.Duration

	queue  *RetryQueue
	timers *PendingTimers

	// drainMu allows one drain at a time.
	drainMu sync.Mutex

	metrics *metrics.Metrics

	logger   Logger
	loggerMu sync.RWMutex
}

// RouterOptions holds the collaborators of a Router.
type RouterOptions struct {
	Catalog CatalogSource
	Tracker CreationTracker
	Store   StateStore

	// Debug is optional. Nil flags nothing.
	Debug DebugFilter

	// PulseTimeout defaults to DefaultPulseTimeout.
	PulseTimeout time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger is optional.
	Logger Logger
}

// NewRouter creates a router with an empty retry queue and timer set.
func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if opts.Tracker == nil {
		return nil, fmt.Errorf("creation tracker is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}

	timeout := opts.PulseTimeout
	if timeout <= 0 {
		timeout = DefaultPulseTimeout
	}

	r := &Router{
		catalog:      opts.Catalog,
		tracker:      opts.Tracker,
		store:        opts.Store,
		debug:        opts.Debug,
		pulseTimeout: timeout,
		queue:        NewRetryQueue(),
		timers:       NewPendingTimers(opts.Store),
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
	r.timers.SetOnRevert(r.handleRevert)

	return r, nil
}

// Queue returns the retry queue.
func (r *Router) Queue() *RetryQueue {
	return r.queue
}

// Timers returns the pending timer set.
func (r *Router) Timers() *PendingTimers {
	return r.timers
}

// HandleIncoming resolves msg to a device and applies it. An empty payload
// is ignored. An unknown device defers the whole message.
func (r *Router) HandleIncoming(ctx context.Context, msg Message) {
	if msg.Empty() {
		return
	}
	if r.metrics != nil {
		r.metrics.MessagesHandled.Inc()
	}
	r.dispatch(ctx, msg)
}

// dispatch resolves and applies msg. Replays enter here so they are not
// counted as new messages.
func (r *Router) dispatch(ctx context.Context, msg Message) {
	device, ok := r.catalog.Resolve(msg.Topic)
	if !ok {
		r.requeue(msg, ReasonUnresolvedDevice, "topic", msg.Topic)
		return
	}

	r.applyToDevice(ctx, msg, device)
}

// applyToDevice writes every slot matched by the payload. Each slot is
// independent: a failure defers the message and moves on.
func (r *Router) applyToDevice(ctx context.Context, msg Message, device *catalog.Device) {
	if r.debug != nil && (r.debug.Contains(device.ID) || r.debug.Contains(device.KeyPrefix())) {
		r.logWarn("debug message", "device", device.ID, "payload", msg.Payload)
	}

	for _, prop := range msg.properties() {
		for _, slot := range matchSlots(device, prop) {
			key := device.Key(slot.ID)

			if !r.tracker.IsCreated(device.KeyPrefix(), slot.ID) {
				r.requeue(msg, ReasonSlotNotCreated, "key", key)
				continue
			}

			if err := r.writeSlot(ctx, key, slot, msg.Payload, msg.Payload[prop]); err != nil {
				r.requeue(msg, ReasonWriteFailed, "key", key, "error", err)
			}
		}
	}
}

// matchSlots returns the slots a payload property feeds. "action" only
// matches slots sourcing it explicitly; other properties also match by
// slot ID.
func matchSlots(device *catalog.Device, prop string) []*catalog.Slot {
	var matched []*catalog.Slot
	for _, slot := range device.Slots {
		if slot.Prop != "" && slot.Prop == prop {
			matched = append(matched, slot)
			continue
		}
		if prop != actionProp && slot.ID == prop {
			matched = append(matched, slot)
		}
	}
	return matched
}

func (r *Router) writeSlot(ctx context.Context, key string, slot *catalog.Slot, payload map[string]any, raw any) error {
	value := raw
	if slot.Transform != nil {
		v, err := slot.Transform.Apply(ctx, payload)
		if err != nil {
			return fmt.Errorf("transform: %w", err)
		}
		value = v
	}
	if value == nil {
		return nil
	}

	if slot.IsEvent {
		r.countWrite("set")
		err := r.timers.WriteWithExpiry(ctx, key, value, slot.Complement, r.pulseTimeout)
		r.setLiveTimers()
		if errors.Is(err, ErrNoComplement) {
			r.logWarn("pulse slot will not revert", "key", key, "error", err)
			return nil
		}
		return err
	}

	r.countWrite("set_if_changed")
	return r.timers.WriteIfChanged(ctx, key, value)
}

// DrainAndReplay replays everything queued so far, in order. Failures
// during replay land in the fresh live queue for the next drain. If ctx
// ends mid-drain the unreplayed entries go back to the head of the queue.
//
// Returns the number of entries replayed.
func (r *Router) DrainAndReplay(ctx context.Context) int {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	entries := r.queue.Detach()
	for i, entry := range entries {
		if ctx.Err() != nil {
			r.queue.Restore(entries[i:])
			r.setQueueDepth()
			return i
		}
		if entry.Message.Empty() {
			continue
		}
		r.dispatch(ctx, entry.Message)
		if r.metrics != nil {
			r.metrics.Replayed.Inc()
		}
	}

	r.setQueueDepth()
	if len(entries) > 0 {
		r.logDebug("retry queue drained", "replayed", len(entries), "requeued", r.queue.Len())
	}
	return len(entries)
}

// requeue copies msg into the retry queue. Write failures log at error
// level; the other reasons are routine during startup and log at debug.
func (r *Router) requeue(msg Message, reason Reason, keysAndValues ...any) {
	entry := r.queue.Enqueue(msg, reason)

	if r.metrics != nil {
		r.metrics.RetryEnqueued.WithLabelValues(string(reason)).Inc()
	}
	r.setQueueDepth()

	args := append([]any{"entry", entry.ID.String(), "reason", string(reason)}, keysAndValues...)
	if reason == ReasonWriteFailed {
		r.logError(reason.Err().Error(), args...)
		return
	}
	r.logDebug(reason.Err().Error(), args...)
}

func (r *Router) handleRevert(key string, err error) {
	r.setLiveTimers()
	if err != nil {
		r.logError("pulse revert failed", "key", key, "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.PulseReverts.Inc()
	}
}

func (r *Router) countWrite(mode string) {
	if r.metrics != nil {
		r.metrics.Writes.WithLabelValues(mode).Inc()
	}
}

func (r *Router) setQueueDepth() {
	if r.metrics != nil {
		r.metrics.QueueDepth.Set(float64(r.queue.Len()))
	}
}

func (r *Router) setLiveTimers() {
	if r.metrics != nil {
		r.metrics.LiveTimers.Set(float64(r.timers.Len()))
	}
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

func (r *Router) getLogger() Logger {
	r.loggerMu.RLock()
	defer r.loggerMu.RUnlock()
	return r.logger
}

func (r *Router) logDebug(msg string, keysAndValues ...any) {
	if logger := r.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (r *Router) logInfo(msg string, keysAndValues ...any) {
	if logger := r.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (r *Router) logWarn(msg string, keysAndValues ...any) {
	if logger := r.getLogger(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (r *Router) logError(msg string, keysAndValues ...any) {
	if logger := r.getLogger(); logger != nil {
		logger.Error(msg, keysAndValues...)
	}
}
