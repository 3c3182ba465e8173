package domain

import (
	"errors"
	"fmt"
)

// ErrEmptyResponse is returned by collaborators that answered without content.
var ErrEmptyResponse = errors.New("empty response")

// ErrUndecodablePayload marks an upstream body that is not a detection payload.
var ErrUndecodablePayload = errors.New("undecodable payload")

// UpstreamError is a non-success HTTP status from an external API.
type UpstreamError struct {
	Upstream   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API error: status %d: %s", e.Upstream, e.StatusCode, e.Body)
}
