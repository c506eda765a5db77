package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConfigured    = errors.New("not configured")
	ErrTransport        = errors.New("transport error")
	ErrBackend          = errors.New("backend error")
	ErrTaskTimeout      = errors.New("task timed out")
	ErrNoImage          = errors.New("task succeeded but returned no image")
	ErrSessionExpired   = errors.New("session expired")
	ErrThrottled        = errors.New("throttled")
	ErrUserInput        = errors.New("invalid input")
	ErrEditNotSupported = errors.New("image editing not supported by provider")
)

// ThrottledError is returned when a user is still cooling down.
type ThrottledError struct {
	Remaining time.Duration
}

func (e *ThrottledError) Error() string {
	return "please wait " + FormatWait(e.Remaining) + " before generating again"
}

func (e *ThrottledError) Unwrap() error {
	return ErrThrottled
}

// FormatWait renders a duration as minutes and seconds, rounding up partial seconds.
func FormatWait(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 0 {
		secs = 0
	}
	if secs < 60 {
		return fmt.Sprintf("%d s", secs)
	}
	return fmt.Sprintf("%d min %d s", secs/60, secs%60)
}
