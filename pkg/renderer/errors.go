package renderer

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// UpstreamError is returned when the renderer is unreachable, fails or times out.
type UpstreamError struct {
	URI string
	// StatusCode is the upstream HTTP status, or 0 if no response was received.
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s: status %d: %v", e.URI, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s: %v", e.URI, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the upstream call failed because it took too long.
func (e *UpstreamError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
