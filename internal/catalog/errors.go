package catalog

import "errors"

// Sentinel errors for catalog loading and transforms. Check with errors.Is.
var (
	ErrMissingID         = errors.New("catalog: id is required")
	ErrDuplicateDevice   = errors.New("catalog: duplicate device id")
	ErrDuplicateSlot     = errors.New("catalog: duplicate slot id")
	ErrInvalidSlotID     = errors.New("catalog: slot id must not contain '.'")
	ErrUnknownTransform  = errors.New("catalog: unknown transform")
	ErrInvalidTransform  = errors.New("catalog: invalid transform")
	ErrInvalidComplement = errors.New("catalog: complement only applies to event slots")

	// ErrTransformInput is returned by a transform whose source value has
	// the wrong type.
	ErrTransformInput = errors.New("catalog: transform input has unexpected type")

	// ErrTransformFailed wraps runtime errors raised by Lua transforms.
	ErrTransformFailed = errors.New("catalog: transform failed")

	// ErrTransformClosed is returned by a Lua transform after its catalog
	// was closed or replaced.
	ErrTransformClosed = errors.New("catalog: transform closed")
)
