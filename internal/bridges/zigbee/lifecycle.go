package zigbee

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/gray-logic-zigbee/internal/catalog"
)

// Fixed keys and slot IDs used by the lifecycle hooks.
const (
	// AvailabilitySlot is the slot cleared on transport disconnect.
	AvailabilitySlot = "availability"

	// DebugMessagesKey holds the comma-separated debug device list.
	DebugMessagesKey = "info.debugmessages"

	// LogFilterKey holds the operator's log filter expression.
	LogFilterKey = "info.logfilter"
)

// ControlKeys returns the diagnostic keys subscribed alongside writable slots.
func ControlKeys() []string {
	return []string{DebugMessagesKey, LogFilterKey}
}

// SubscribeWritableSlots clears every subscription, then subscribes each
// writable slot of every group and device plus the control keys. Run it
// after each catalog load.
//
// Subscribe failures do not stop the pass; they are joined and returned.
func (r *Router) SubscribeWritableSlots(ctx context.Context) error {
	if err := r.store.Unsubscribe(ctx, "*"); err != nil {
		return fmt.Errorf("clearing subscriptions: %w", err)
	}

	var errs []error
	count := 0
	for _, list := range [][]*catalog.Device{r.catalog.Groups(), r.catalog.Devices()} {
		for _, device := range list {
			for _, slot := range device.Slots {
				if !slot.Write {
					continue
				}
				key := device.Key(slot.ID)
				if err := r.store.Subscribe(ctx, key); err != nil {
					errs = append(errs, fmt.Errorf("subscribe %s: %w", key, err))
					continue
				}
				count++
			}
		}
	}
	for _, key := range ControlKeys() {
		if err := r.store.Subscribe(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s: %w", key, err))
		}
	}

	r.logInfo("subscribed writable slots", "count", count)
	return errors.Join(errs...)
}

// MarkAllUnavailable writes false to the availability slot of every device.
// Groups have no availability and are skipped.
func (r *Router) MarkAllUnavailable(ctx context.Context) error {
	var errs []error
	for _, device := range r.catalog.Devices() {
		if _, ok := device.Slot(AvailabilitySlot); !ok {
			continue
		}
		key := device.Key(AvailabilitySlot)
		if err := r.timers.WriteIfChanged(ctx, key, false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// CancelAllTimers stops every pending pulse revert.
func (r *Router) CancelAllTimers() {
	r.timers.CancelAll()
	r.setLiveTimers()
}

// Close cancels all timers and drops the retry queue.
func (r *Router) Close() {
	r.CancelAllTimers()
	r.queue.Clear()
	r.setQueueDepth()
}
