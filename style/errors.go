package style

import (
	"errors"
	"fmt"
)

// ErrConfig is the parent of every configuration error. Test with errors.Is.
var ErrConfig = errors.New("style: configuration error")

var (
	ErrShapeMismatch       = fmt.Errorf("%w: shape mismatch", ErrConfig)
	ErrLayerWeightMismatch = fmt.Errorf("%w: layer and weight counts differ", ErrConfig)
	ErrUnknownLayer        = fmt.Errorf("%w: unknown layer", ErrConfig)
	ErrInvalidConfig       = fmt.Errorf("%w: invalid value", ErrConfig)
)

// Driver lifecycle errors.
var (
	ErrAlreadyConfigured = errors.New("style: driver already configured")
	ErrNotConfigured     = errors.New("style: driver not configured")
	ErrNotInitialized    = errors.New("style: image not initialized")
	ErrStopped           = errors.New("style: driver stopped")
)

var (
	// ErrNotImplemented is returned by UnimplementedStyleSource.
	ErrNotImplemented = errors.New("style: style loss not implemented")
	// ErrStyleNotLoaded is returned by GramStyle before Load.
	ErrStyleNotLoaded = errors.New("style: gram matrices not loaded")
)
