package catalog

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

// Transform computes a slot value from a message payload.
// A nil result means the slot has no value in this payload and is not written.
type Transform interface {
	Apply(ctx context.Context, payload map[string]any) (any, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx context.Context, payload map[string]any) (any, error)

// Apply calls f.
func (f TransformFunc) Apply(ctx context.Context, payload map[string]any) (any, error) {
	return f(ctx, payload)
}

// TransformSpec is the catalog form of a transform: either a built-in name
// ("transform: invert") or a Lua chunk ("transform: {lua: ...}").
type TransformSpec struct {
	Name string `yaml:"name"`
	Lua  string `yaml:"lua"`
}

// UnmarshalYAML accepts a bare scalar as the built-in name.
func (t *TransformSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		t.Name = value.Value
		return nil
	}
	type plain TransformSpec
	return value.Decode((*plain)(t))
}

// builtin builds a value transform that reads one payload property.
type builtin func(v any) (any, error)

var builtins = map[string]builtin{
	"invert":               invert,
	"to_bool":              toBool,
	"percent_to_254":       percentTo254,
	"254_to_percent":       from254ToPercent,
	"lux_from_illuminance": luxFromIlluminance,
}

// BuiltinNames lists the named transforms.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	return names
}

func newBuiltin(name, prop string) (Transform, error) {
	fn, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, name)
	}
	return TransformFunc(func(_ context.Context, payload map[string]any) (any, error) {
		v, present := payload[prop]
		if !present || v == nil {
			return nil, nil
		}
		return fn(v)
	}), nil
}

func invert(v any) (any, error) {
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: invert wants bool, got %T", ErrTransformInput, v)
	}
	return !b, nil
}

func toBool(v any) (any, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case float64:
		return val != 0, nil
	case string:
		switch strings.ToUpper(val) {
		case "ON", "TRUE", "OPEN", "1":
			return true, nil
		case "OFF", "FALSE", "CLOSED", "0":
			return false, nil
		}
	}
	return nil, fmt.Errorf("%w: to_bool cannot convert %v", ErrTransformInput, v)
}

func percentTo254(v any) (any, error) {
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("%w: percent_to_254 wants number, got %T", ErrTransformInput, v)
	}
	return math.Round(f * 254 / 100), nil
}

func from254ToPercent(v any) (any, error) {
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("%w: 254_to_percent wants number, got %T", ErrTransformInput, v)
	}
	return math.Round(f * 100 / 254), nil
}

// luxFromIlluminance inverts the ZCL encoding 10000*log10(lux)+1.
func luxFromIlluminance(v any) (any, error) {
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("%w: lux_from_illuminance wants number, got %T", ErrTransformInput, v)
	}
	if f <= 0 {
		return 0.0, nil
	}
	return math.Round(math.Pow(10, (f-1)/10000)), nil
}

// compileTransforms builds Slot.Transform for every slot with a TransformSpec.
func compileTransforms(groups, devices []*Device) error {
	for _, list := range [][]*Device{groups, devices} {
		for _, d := range list {
			for _, s := range d.Slots {
				if s.TransformSpec == nil {
					continue
				}
				t, err := compileTransform(s)
				if err != nil {
					return fmt.Errorf("%s.%s: %w", d.ID, s.ID, err)
				}
				s.Transform = t
			}
		}
	}
	return nil
}

func compileTransform(s *Slot) (Transform, error) {
	spec := s.TransformSpec
	switch {
	case spec.Lua != "" && spec.Name != "":
		return nil, fmt.Errorf("%w: name and lua are mutually exclusive", ErrInvalidTransform)
	case spec.Lua != "":
		return newLuaTransform(spec.Lua, s.SourceProp())
	case spec.Name != "":
		return newBuiltin(spec.Name, s.SourceProp())
	default:
		return nil, fmt.Errorf("%w: empty transform", ErrInvalidTransform)
	}
}

type closer interface {
	Close()
}

func closeTransforms(groups, devices []*Device) {
	for _, list := range [][]*Device{groups, devices} {
		for _, d := range list {
			for _, s := range d.Slots {
				if c, ok := s.Transform.(closer); ok {
					c.Close()
				}
			}
		}
	}
}
