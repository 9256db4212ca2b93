package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Kind distinguishes real devices from zigbee2mqtt groups.
type Kind string

const (
	KindDevice Kind = "device"
	KindGroup  Kind = "group"
)

// Device describes one device or group and its state slots.
// A Device is immutable after the catalog is built.
type Device struct {
	// ID is matched against the device segment of the message topic.
	ID string `yaml:"id"`

	// Namespace prefixes slot keys. Empty means ID.
	Namespace string `yaml:"namespace"`

	Name  string  `yaml:"name"`
	Kind  Kind    `yaml:"-"`
	Slots []*Slot `yaml:"slots"`
}

// KeyPrefix returns the namespace used to build slot keys.
func (d *Device) KeyPrefix() string {
	if d.Namespace != "" {
		return d.Namespace
	}
	return d.ID
}

// Key returns the state key "<namespace>.<slot id>".
func (d *Device) Key(slotID string) string {
	return d.KeyPrefix() + "." + slotID
}

// Slot returns the slot with the given ID.
func (d *Device) Slot(id string) (*Slot, bool) {
	for _, s := range d.Slots {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Slot describes one named, typed state of a device.
type Slot struct {
	ID string `yaml:"id"`

	// Prop is the payload property this slot reads. Empty means ID.
	Prop string `yaml:"prop"`

	Write   bool `yaml:"write"`
	IsEvent bool `yaml:"event"`

	// Complement is the value an event slot reverts to when its value is
	// not a boolean. Nil means booleans only.
	Complement any `yaml:"complement"`

	Type string `yaml:"type"`
	Role string `yaml:"role"`
	Unit string `yaml:"unit"`

	TransformSpec *TransformSpec `yaml:"transform"`

	// Transform computes the slot value from the whole payload. Nil means
	// the raw property value is used.
	Transform Transform `yaml:"-"`
}

// SourceProp returns the payload property the slot reads.
func (s *Slot) SourceProp() string {
	if s.Prop != "" {
		return s.Prop
	}
	return s.ID
}

// Catalog is the set of devices and groups known to the bridge.
//
// Lookups go through an index built once per load with groups inserted
// before devices, so a group wins when a group and a device share an ID.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Replace swaps contents atomically.
type Catalog struct {
	mu      sync.RWMutex
	groups  []*Device
	devices []*Device
	index   map[string]*Device
}

// New validates groups and devices, compiles their transforms and builds the index.
func New(groups, devices []*Device) (*Catalog, error) {
	if err := validate(groups, devices); err != nil {
		return nil, err
	}
	for _, g := range groups {
		g.Kind = KindGroup
	}
	for _, d := range devices {
		d.Kind = KindDevice
	}

	if err := compileTransforms(groups, devices); err != nil {
		closeTransforms(groups, devices)
		return nil, err
	}

	return &Catalog{
		groups:  groups,
		devices: devices,
		index:   buildIndex(groups, devices),
	}, nil
}

func buildIndex(groups, devices []*Device) map[string]*Device {
	index := make(map[string]*Device, len(groups)+len(devices))
	for _, list := range [][]*Device{groups, devices} {
		for _, d := range list {
			if _, exists := index[d.ID]; !exists {
				index[d.ID] = d
			}
		}
	}
	return index
}

// validate returns every problem found, joined. errors.Is matches any of
// the sentinels involved.
func validate(groups, devices []*Device) error {
	var errs []error
	errs = append(errs, validateList(KindGroup, groups)...)
	errs = append(errs, validateList(KindDevice, devices)...)
	return errors.Join(errs...)
}

func validateList(kind Kind, list []*Device) []error {
	var errs []error
	seen := make(map[string]bool, len(list))
	for i, d := range list {
		if d == nil || d.ID == "" {
			errs = append(errs, fmt.Errorf("%w: %s #%d", ErrMissingID, kind, i+1))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Errorf("%w: %s", ErrDuplicateDevice, d.ID))
		}
		seen[d.ID] = true
		errs = append(errs, validateSlots(d)...)
	}
	return errs
}

func validateSlots(d *Device) []error {
	var errs []error
	seen := make(map[string]bool, len(d.Slots))
	for i, s := range d.Slots {
		switch {
		case s == nil || s.ID == "":
			errs = append(errs, fmt.Errorf("%w: %s slot #%d", ErrMissingID, d.ID, i+1))
			continue
		case strings.Contains(s.ID, "."):
			errs = append(errs, fmt.Errorf("%w: %s.%s", ErrInvalidSlotID, d.ID, s.ID))
		case seen[s.ID]:
			errs = append(errs, fmt.Errorf("%w: %s.%s", ErrDuplicateSlot, d.ID, s.ID))
		}
		seen[s.ID] = true
		if s.Complement != nil && !s.IsEvent {
			errs = append(errs, fmt.Errorf("%w: %s.%s", ErrInvalidComplement, d.ID, s.ID))
		}
	}
	return errs
}

// Resolve returns the device or group whose ID equals topic.
func (c *Catalog) Resolve(topic string) (*Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.index[topic]
	return d, ok
}

// Groups returns the groups in catalog order.
func (c *Catalog) Groups() []*Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Device(nil), c.groups...)
}

// Devices returns the devices in catalog order.
func (c *Catalog) Devices() []*Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Device(nil), c.devices...)
}

// All returns groups followed by devices.
func (c *Catalog) All() []*Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := make([]*Device, 0, len(c.groups)+len(c.devices))
	all = append(all, c.groups...)
	return append(all, c.devices...)
}

// Replace swaps in the contents of next and closes the previous transforms.
// next must not be used afterwards.
func (c *Catalog) Replace(next *Catalog) {
	next.mu.Lock()
	groups, devices, index := next.groups, next.devices, next.index
	next.groups, next.devices, next.index = nil, nil, map[string]*Device{}
	next.mu.Unlock()

	c.mu.Lock()
	oldGroups, oldDevices := c.groups, c.devices
	c.groups, c.devices, c.index = groups, devices, index
	c.mu.Unlock()

	closeTransforms(oldGroups, oldDevices)
}

// Close releases transform resources.
func (c *Catalog) Close() {
	c.mu.RLock()
	groups, devices := c.groups, c.devices
	c.mu.RUnlock()
	closeTransforms(groups, devices)
}

// Stats summarises a catalog.
type Stats struct {
	Groups   int
	Devices  int
	Slots    int
	Writable int
	Events   int
	Lua      int
}

// Stats counts groups, devices and slot flavours.
func (c *Catalog) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Stats{Groups: len(c.groups), Devices: len(c.devices)}
	for _, list := range [][]*Device{c.groups, c.devices} {
		for _, d := range list {
			for _, s := range d.Slots {
				st.Slots++
				if s.Write {
					st.Writable++
				}
				if s.IsEvent {
					st.Events++
				}
				if s.TransformSpec != nil && s.TransformSpec.Lua != "" {
					st.Lua++
				}
			}
		}
	}
	return st
}
