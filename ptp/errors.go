package ptp

import (
	"errors"
	"fmt"
)

// RCError are non-OK return codes from the Container.Code field of a
// response.
type RCError uint16

func (e RCError) Error() string {
	if n, ok := RC_names[int(e)]; ok {
		return n
	}
	return fmt.Sprintf("RetCode %x", uint16(e))
}

// SyncError indicates lost transaction synchronization in the
// protocol: malformed framing, an unexpected container type, or a
// missing response. The transport is suspect after one of these.
type SyncError string

func (s SyncError) Error() string {
	return string(s)
}

var (
	// ErrMissingObjectAdded indicates a capture finished without the
	// ObjectAdded event appearing in the two-event window.
	ErrMissingObjectAdded = errors.New("ptp: ObjectAdded event was not received")
	// ErrMissingCaptureComplete indicates a capture finished without the
	// CaptureComplete event appearing in the two-event window.
	ErrMissingCaptureComplete = errors.New("ptp: CaptureComplete event was not received")
)
