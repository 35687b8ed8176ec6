package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for frame-level failures. Both are recoverable: the frame
// is dropped and the connection stays up.
var (
	ErrMalformedFrame  = errors.New("malformed frame")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// FrameError describes why a single frame was rejected. It matches its Kind
// with errors.Is.
type FrameError struct {
	Kind   error
	Detail string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

// Unwrap returns the sentinel kind.
func (e *FrameError) Unwrap() error {
	return e.Kind
}

func malformed(format string, args ...interface{}) error {
	return &FrameError{Kind: ErrMalformedFrame, Detail: fmt.Sprintf(format, args...)}
}

func tooLarge(size, max int) error {
	return &FrameError{
		Kind:   ErrPayloadTooLarge,
		Detail: fmt.Sprintf("%d bytes (max %d)", size, max),
	}
}

// IsFrameError reports whether err is one of the recoverable frame errors.
func IsFrameError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrPayloadTooLarge)
}
