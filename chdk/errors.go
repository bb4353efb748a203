package chdk

import (
	"fmt"
	"time"
)

// DeviceError is a non-OK extension status reported by the camera,
// with the resolved human-readable message.
type DeviceError struct {
	Code    uint32
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("chdk: device status 0x%x: %s", e.Code, e.Message)
}

func newDeviceError(code uint32) *DeviceError {
	return &DeviceError{Code: code, Message: statusMessage(code)}
}

// ScriptStatusError is a script-status bitmask with neither recognized
// bit set and a nonzero value.
type ScriptStatusError uint32

func (e ScriptStatusError) Error() string {
	return fmt.Sprintf("chdk: invalid script status 0x%x", uint32(e))
}

// TimeoutError is raised by the script-wait loop when the configured
// deadline elapses before the script finishes.
type TimeoutError struct {
	Deadline time.Duration
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("chdk: timed out waiting for script to return after %s (deadline %s)",
		e.Elapsed, e.Deadline)
}
