package sensors

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable matches every *UnavailableError.
	ErrUnavailable = errors.New("sensors: unavailable")

	// ErrStale is used when the last reading is older than its max age.
	ErrStale = errors.New("sensors: reading is stale")

	// ErrNoSource is used when no source is wired for a sensor.
	ErrNoSource = errors.New("sensors: no source configured")
)

// Source names used in UnavailableError.
const (
	SourceVision = "vision"
	SourceAudio  = "audio"
	SourceRange  = "range"
)

// UnavailableError reports a sensor that produced no usable reading this
// cycle. The cycle continues with the reading treated as absent.
type UnavailableError struct {
	Source string
	Err    error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	return fmt.Sprintf("sensors: %s unavailable: %v", e.Source, e.Err)
}

// Unwrap returns the underlying error.
func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrUnavailable) true for any UnavailableError.
func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

func unavailable(source string, err error) *UnavailableError {
	return &UnavailableError{Source: source, Err: err}
}
