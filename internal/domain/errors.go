package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the admission and tunnel layers. Handlers match them
// with errors.Is to pick status codes and retry semantics.
var (
	// ErrAdmissionDenied means the caller is over quota and may retry
	// after the delay carried by the accompanying RateLimitResult.
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrAddressBlocked is terminal until an explicit unblock.
	ErrAddressBlocked = errors.New("address blocked")

	// ErrChannelClosed fails every in-flight request when a tunnel
	// session ends. It is never reused as a generic timeout.
	ErrChannelClosed = errors.New("tunnel channel closed")

	// ErrStreamIncomplete means chunks stopped arriving without a
	// stream-end frame.
	ErrStreamIncomplete = errors.New("stream incomplete")

	// ErrNoAgent means no edge agent session is connected for the caller.
	ErrNoAgent = errors.New("no agent connected")
)

// DecodeError reports a malformed or unrecognized tunnel frame. The frame
// is dropped; the channel stays open unless decode errors repeat.
type DecodeError struct {
	Type   string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode frame type %q: %s", e.Type, e.Reason)
	}
	return fmt.Sprintf("decode frame: %s", e.Reason)
}

// IsDecodeError reports whether err is a protocol decode failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
