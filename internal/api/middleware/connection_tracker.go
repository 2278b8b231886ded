package middleware

import (
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// ConnectionTracker counts requests in flight, including open completion streams.
type ConnectionTracker struct {
	count atomic.Int64
	total atomic.Int64
}

// Increment marks the start of a request.
func (ct *ConnectionTracker) Increment() {
	ct.count.Add(1)
	ct.total.Add(1)
}

// Decrement marks the end of a request.
func (ct *ConnectionTracker) Decrement() {
	ct.count.Add(-1)
}

// Count returns the number of requests currently in flight.
func (ct *ConnectionTracker) Count() int64 {
	return ct.count.Load()
}

// Total returns the number of requests seen since start.
func (ct *ConnectionTracker) Total() int64 {
	return ct.total.Load()
}

// ConnectionTrackerMiddleware returns a Gin middleware that maintains tracker.
func ConnectionTrackerMiddleware(tracker *ConnectionTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tracker.Increment()
		defer tracker.Decrement()
		c.Next()
	}
}
