package domain

import "time"

// Stream event names used by the SSE search surface.
const (
	EventNameInit  = "init"
	EventNamePaper = "paper"
	EventNameError = "error"
	EventNameDone  = "done"
	EventNamePing  = "ping"
)

// StreamEvent is the closed set of events a search stream can deliver.
// Modeling the protocol as tagged variants keeps the consumer's state
// machine exhaustive instead of stringly-typed.
type StreamEvent interface {
	streamEvent()
}

// InitEvent opens a stream and carries the server's current rate-limit
// snapshot. It does not affect results.
type InitEvent struct {
	Limit     int
	RateLimit RateLimitSnapshot
}

// PaperEvent delivers one Record.
type PaperEvent struct {
	Record Record
}

// ErrorEvent reports a provider-scoped failure. Non-fatal: the stream stays
// open and the session continues.
type ErrorEvent struct {
	Source  string
	Message string
}

// DoneEvent terminates a stream.
type DoneEvent struct {
	Count          int
	ProcessingTime time.Duration
	Mode           string
}

// PingEvent is a keepalive heartbeat. Ignored by consumers.
type PingEvent struct{}

func (InitEvent) streamEvent()  {}
func (PaperEvent) streamEvent() {}
func (ErrorEvent) streamEvent() {}
func (DoneEvent) streamEvent()  {}
func (PingEvent) streamEvent()  {}
