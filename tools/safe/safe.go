package safe

import (
	"time"

	"PAccess/logger"

	"go.uber.org/zap"
)

// Go starts a new goroutine that recovers from panic,
// so that panics in timer or socket callbacks don't crash the console.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("goroutine panic recovered",
					zap.String("name", name), zap.Any("panic", r))
			}
		}()
		f()
	}()
}

// DefaultString returns s, or the fallback if s is empty.
func DefaultString(s string, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// DefaultDuration returns d, or the fallback if d is not positive.
func DefaultDuration(d time.Duration, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// DefaultInt returns i, or the fallback if i is not positive.
func DefaultInt(i int, fallback int) int {
	if i <= 0 {
		return fallback
	}
	return i
}
