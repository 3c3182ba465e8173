package analysis

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/sony/gobreaker"

	"github.com/couchcryptid/wildfire-risk-service/internal/domain"
)

// State is one step of the per-request state machine.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateCacheCheck State = "CACHE_CHECK"
	StateHit        State = "HIT"
	StateMiss       State = "MISS"
	StateFetch      State = "FETCH"
	StateNormalize  State = "NORMALIZE"
	StateContext    State = "CONTEXT"
	StateScore      State = "SCORE"
	StateAIEnrich   State = "AI_ENRICH"
	StateSkip       State = "SKIP"
	StateCacheWrite State = "CACHE_WRITE"
	StateRespond    State = "RESPOND"
)

// Source says where a response came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceFresh    Source = "fresh"
	SourceDegraded Source = "degraded" // fetch failed; scored without detections
)

// Enrichment says how the assessment was produced.
type Enrichment string

const (
	EnrichmentAI      Enrichment = "ai"
	EnrichmentSkipped Enrichment = "skipped"
	EnrichmentFailed  Enrichment = "failed"
)

// FailureKind classifies a collaborator failure.
type FailureKind string

const (
	FailureTimeout        FailureKind = "timeout"
	FailureTransport      FailureKind = "transport"
	FailureUpstreamStatus FailureKind = "upstream_status"
	FailureCircuitOpen    FailureKind = "circuit_open"
	FailureUnparsable     FailureKind = "unparsable"
	FailureEmpty          FailureKind = "empty"
)

// Degradation records one degraded transition taken while answering.
type Degradation struct {
	Stage   State       `json:"stage"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Result is the response to one analysis request. It is always complete:
// the assessment has a level, a confidence and recommendations even when
// every collaborator failed.
type Result struct {
	ID             string                 `json:"id"`
	Request        domain.AnalysisRequest `json:"request"`
	BoundingBox    domain.BoundingBox     `json:"bounding_box"`
	Assessment     domain.RiskAssessment  `json:"assessment"`
	DetectionCount int                    `json:"detection_count"`
	Detections     []domain.FireDetection `json:"detections"`
	Conditions     *domain.Conditions     `json:"conditions,omitempty"`
	Source         Source                 `json:"source"`
	Enrichment     Enrichment             `json:"enrichment"`
	Degradations   []Degradation          `json:"degradations,omitempty"`
	Trace          []State                `json:"trace"`
	GeneratedAt    time.Time              `json:"generated_at"`
}

// Classify maps a collaborator error onto a FailureKind.
func Classify(err error) FailureKind {
	var upstream *domain.UpstreamError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return FailureTimeout
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return FailureCircuitOpen
	case errors.As(err, &upstream):
		return FailureUpstreamStatus
	case errors.Is(err, domain.ErrUnparsableResponse), errors.Is(err, domain.ErrUndecodablePayload):
		return FailureUnparsable
	case errors.Is(err, domain.ErrEmptyResponse):
		return FailureEmpty
	default:
		return FailureTransport
	}
}
