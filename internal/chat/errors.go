package chat

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a team or channel name resolved to nothing. Fatal at
// startup: without a target channel there is nowhere to route.
var ErrNotFound = errors.New("chat: not found")

// TransportError wraps socket or HTTP failures. These are retried with
// backoff by callers and are never fatal once the service is running.
type TransportError struct {
	Op         string
	StatusCode int // 0 when the failure happened below HTTP
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("chat: %s: unexpected status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("chat: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PublishError wraps a reply-post failure. Not retried automatically; the
// caller decides whether to attempt a plain error notice instead.
type PublishError struct {
	ChannelID string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("chat: publish to channel %s: %v", e.ChannelID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
