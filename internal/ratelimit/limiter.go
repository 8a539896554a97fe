// Package ratelimit caps the number of concurrently connected clients.
package ratelimit

import "sync/atomic"

// ConnectionLimiter limits concurrent client connections across transports.
// Allow reserves a slot; every successful Allow must be paired with Release.
type ConnectionLimiter struct {
	max     int64
	current atomic.Int64
}

// NewConnectionLimiter creates a limiter admitting at most max connections.
func NewConnectionLimiter(max int64) *ConnectionLimiter {
	return &ConnectionLimiter{max: max}
}

// Allow reserves a connection slot, returning false when the cap is reached.
func (l *ConnectionLimiter) Allow() bool {
	if l.current.Add(1) > l.max {
		l.current.Add(-1)
		return false
	}
	return true
}

// Release frees a previously reserved slot.
func (l *ConnectionLimiter) Release() {
	l.current.Add(-1)
}

// Current returns the number of reserved slots.
func (l *ConnectionLimiter) Current() int64 {
	return l.current.Load()
}

// Max returns the connection cap.
func (l *ConnectionLimiter) Max() int64 {
	return l.max
}
