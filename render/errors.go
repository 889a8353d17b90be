package render

import "github.com/cockroachdb/errors"

var (
	// ErrNoSuitableAdapter is returned when no physical device can present
	// to the surface.
	ErrNoSuitableAdapter = errors.New("failed to find a suitable GPU")
	// ErrNoMemoryType is returned when no memory type satisfies both the
	// resource requirements and the requested properties.
	ErrNoMemoryType = errors.New("failed to find any suitable memory type")
	// ErrFormatNotSupported is returned when a required format or format
	// feature is unavailable.
	ErrFormatNotSupported = errors.New("format not supported")
	// ErrDeviceLost is returned when a wait reports the device as lost or
	// never completes within the configured retries.
	ErrDeviceLost = errors.New("device lost")
	// ErrDestroyed is returned by operations on a destroyed object.
	ErrDestroyed = errors.New("object destroyed")
	// ErrOutOfRange is returned when a read or write exceeds a resource.
	ErrOutOfRange = errors.New("range outside resource")
)
