package live

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyStarted = errors.New("live session already started")
	ErrStopped        = errors.New("live session stopped during start")
)

type CaptureErrorKind string

const (
	PermissionDenied CaptureErrorKind = "permission_denied"
	NoDevice         CaptureErrorKind = "no_device"
	DeviceBusy       CaptureErrorKind = "device_busy"
	Unsupported      CaptureErrorKind = "unsupported"
)

// Sentinels for errors.Is against a *CaptureError of the matching kind.
var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no microphone found")
	ErrDeviceBusy       = errors.New("microphone in use by another application")
	ErrUnsupported      = errors.New("audio capture not supported")
)

var captureSentinels = map[CaptureErrorKind]error{
	PermissionDenied: ErrPermissionDenied,
	NoDevice:         ErrNoDevice,
	DeviceBusy:       ErrDeviceBusy,
	Unsupported:      ErrUnsupported,
}

// CaptureError means the microphone could not be acquired. The session never
// reaches Streaming.
type CaptureError struct {
	Kind CaptureErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	msg := "capture unavailable"
	if s, ok := captureSentinels[e.Kind]; ok {
		msg = s.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *CaptureError) Unwrap() error { return e.Err }

func (e *CaptureError) Is(target error) bool {
	s, ok := captureSentinels[e.Kind]
	return ok && target == s
}

func NewCaptureError(kind CaptureErrorKind, err error) *CaptureError {
	return &CaptureError{Kind: kind, Err: err}
}

// TransportError wraps a handshake or mid-stream transport failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport " + e.Op + " failed"
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
