// Package analysis runs one wildfire analysis request end to end: cache
// lookup, fetch, normalization, scoring, optional AI enrichment and the cache
// write. Every collaborator failure leads to a degraded but complete Result.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/wildfire-risk-service/internal/cache"
	"github.com/couchcryptid/wildfire-risk-service/internal/domain"
	"github.com/couchcryptid/wildfire-risk-service/internal/observability"
)

// Fetcher retrieves raw FIRMS detections for a bounding box and day window.
type Fetcher interface {
	Fetch(ctx context.Context, bbox domain.BoundingBox, days int) ([]byte, error)
}

// ConditionsProvider supplies weather and air-quality context for a point.
type ConditionsProvider interface {
	Conditions(ctx context.Context, at domain.Coordinates) (domain.Conditions, error)
}

// Publisher receives finished results after the response has been built.
type Publisher interface {
	Publish(ctx context.Context, result Result) error
}

// Cache is the key/value store the orchestrator reads and writes.
type Cache interface {
	Get(class cache.Class, key string) (json.RawMessage, bool)
	Put(class cache.Class, key string, payload any)
}

const (
	defaultTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGenerator enables AI enrichment.
func WithGenerator(g domain.Generator) Option {
	return func(o *Orchestrator) { o.generator = g }
}

// WithConditions enables weather and air-quality context.
func WithConditions(p ConditionsProvider) Option {
	return func(o *Orchestrator) { o.conditions = p }
}

// WithPublisher enables background publishing of fresh results.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithClock replaces the time source for result timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithTimeouts bounds the fetch and AI calls. Zero keeps the default.
func WithTimeouts(fetch, ai time.Duration) Option {
	return func(o *Orchestrator) {
		if fetch > 0 {
			o.fetchTimeout = fetch
		}
		if ai > 0 {
			o.aiTimeout = ai
		}
	}
}

// Orchestrator composes the cache, the collaborators, the normalizer and the
// scorer. It is safe for concurrent use.
type Orchestrator struct {
	fetcher    Fetcher
	store      Cache
	normalizer *domain.Normalizer
	generator  domain.Generator
	conditions ConditionsProvider
	publisher  Publisher
	logger     *slog.Logger
	metrics    *observability.Metrics
	clock      clockwork.Clock

	fetchTimeout time.Duration
	aiTimeout    time.Duration

	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup
}

// New creates an Orchestrator. Optional collaborators are added with options.
// A nil metrics records into an unregistered set.
func New(fetcher Fetcher, store Cache, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Orchestrator {
	if metrics == nil {
		metrics = observability.NewUnregisteredMetrics()
	}
	o := &Orchestrator{
		fetcher:      fetcher,
		store:        store,
		logger:       logger,
		metrics:      metrics,
		clock:        clockwork.NewRealClock(),
		fetchTimeout: defaultTimeout,
		aiTimeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.normalizer = domain.NewNormalizer(logger, domain.WithDropHook(func(r domain.DropReason) {
		metrics.DetectionsDropped.WithLabelValues(string(r)).Inc()
	}))
	if o.generator != nil {
		metrics.AIEnabled.Set(1)
	} else {
		metrics.AIEnabled.Set(0)
	}
	return o
}

// fetchRecord is the fetch-class cache payload. The "fires" list is read
// back through the normalizer like any other structured payload.
type fetchRecord struct {
	Fires []domain.FireDetection `json:"fires"`
}

// request carries the per-request state for one Analyze call.
type request struct {
	result Result
	key    string
}

func (r *request) enter(s State) {
	r.result.Trace = append(r.result.Trace, s)
}

func (r *request) degrade(stage State, err error) {
	r.result.Degradations = append(r.result.Degradations, Degradation{
		Stage:   stage,
		Kind:    Classify(err),
		Message: err.Error(),
	})
}

// Analyze answers one request. It never fails: collaborator errors move the
// request down a degraded path and are recorded on the Result.
func (o *Orchestrator) Analyze(ctx context.Context, req domain.AnalysisRequest) Result {
	start := o.clock.Now()
	r := &request{
		result: Result{
			ID:          uuid.NewString(),
			Request:     req,
			BoundingBox: domain.BoundingBoxAround(req.Center, req.RadiusKm),
		},
		key: cache.RequestKey(req.Center.Lat, req.Center.Lng, req.RadiusKm, req.Days),
	}
	r.enter(StateReceived)

	r.enter(StateCacheCheck)
	if cached, ok := o.cachedResult(r.key); ok {
		r.enter(StateHit)
		cached.ID = r.result.ID
		cached.Source = SourceCache
		cached.Trace = append(r.result.Trace, StateRespond)
		o.finish(cached, start)
		return cached
	}
	r.enter(StateMiss)

	detections, ok := o.detections(ctx, r)
	r.result.Detections = detections
	r.result.DetectionCount = len(detections)
	if !ok {
		// Without detections there is nothing to enrich: score the empty set
		// and respond.
		r.enter(StateScore)
		r.result.Assessment = domain.Score(detections, nil)
		r.result.Enrichment = EnrichmentSkipped
		r.result.Source = SourceDegraded
		return o.respond(r, start)
	}

	cond := o.gatherConditions(ctx, r)
	r.result.Conditions = cond

	r.enter(StateScore)
	baseline := domain.Score(detections, cond)
	r.result.Assessment = o.enrich(ctx, r, baseline, detections, cond)
	r.result.Source = SourceFresh

	// A result with any degradation is not pinned in the cache; the next
	// request retries the failed collaborator.
	if len(r.result.Degradations) == 0 {
		r.enter(StateCacheWrite)
		r.result.GeneratedAt = o.clock.Now().UTC()
		o.store.Put(cache.ClassAnalysis, r.key, r.result)
	}
	return o.respond(r, start)
}

func (o *Orchestrator) respond(r *request, start time.Time) Result {
	if r.result.GeneratedAt.IsZero() {
		r.result.GeneratedAt = o.clock.Now().UTC()
	}
	r.enter(StateRespond)
	o.finish(r.result, start)
	o.publishAsync(r.result)
	return r.result
}

func (o *Orchestrator) cachedResult(key string) (Result, bool) {
	raw, ok := o.store.Get(cache.ClassAnalysis, key)
	if !ok {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		o.logger.Warn("cached analysis unreadable", "key", key, "error", err)
		return Result{}, false
	}
	return res, true
}

// detections runs FETCH and NORMALIZE, preferring the fetch cache. A failed
// fetch or an undecodable body yields an empty set and false.
func (o *Orchestrator) detections(ctx context.Context, r *request) ([]domain.FireDetection, bool) {
	if raw, ok := o.store.Get(cache.ClassFetch, r.key); ok {
		r.enter(StateNormalize)
		return o.normalizer.Normalize(raw), true
	}

	r.enter(StateFetch)
	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	began := o.clock.Now()
	raw, err := o.fetcher.Fetch(fetchCtx, r.result.BoundingBox, r.result.Request.Days)
	o.observeUpstream("fetch", began, err)
	if err != nil {
		o.logger.Warn("fire detection fetch failed",
			"analysis_id", r.result.ID,
			"area", r.result.BoundingBox.Area(),
			"kind", Classify(err),
			"error", err,
		)
		r.degrade(StateFetch, err)
		return []domain.FireDetection{}, false
	}

	r.enter(StateNormalize)
	detections, err := o.normalizer.Parse(raw)
	if err != nil {
		// FIRMS reports a bad key or area as a 200 with a text body.
		o.logger.Warn("fire detection payload unusable",
			"analysis_id", r.result.ID,
			"area", r.result.BoundingBox.Area(),
			"bytes", len(raw),
			"error", err,
		)
		r.degrade(StateFetch, err)
		return []domain.FireDetection{}, false
	}
	o.store.Put(cache.ClassFetch, r.key, fetchRecord{Fires: detections})
	return detections, true
}

// gatherConditions fetches optional weather and air quality. Failure scores
// without it.
func (o *Orchestrator) gatherConditions(ctx context.Context, r *request) *domain.Conditions {
	if o.conditions == nil {
		return nil
	}
	r.enter(StateContext)
	condCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	began := o.clock.Now()
	cond, err := o.conditions.Conditions(condCtx, r.result.Request.Center)
	o.observeUpstream("conditions", began, err)
	if err != nil {
		o.logger.Warn("conditions lookup failed", "analysis_id", r.result.ID, "kind", Classify(err), "error", err)
		r.degrade(StateContext, err)
		return nil
	}
	return &cond
}

func (o *Orchestrator) enrich(ctx context.Context, r *request, baseline domain.RiskAssessment, detections []domain.FireDetection, cond *domain.Conditions) domain.RiskAssessment {
	if o.generator == nil {
		r.enter(StateSkip)
		r.result.Enrichment = EnrichmentSkipped
		o.metrics.AIEnrichment.WithLabelValues("skipped").Inc()
		return baseline
	}

	r.enter(StateAIEnrich)
	prompt := domain.BuildPrompt(domain.PromptInput{
		Request:     r.result.Request,
		Detections:  detections,
		Conditions:  cond,
		Baseline:    baseline,
		GeneratedAt: o.clock.Now(),
	})
	aiCtx, cancel := context.WithTimeout(ctx, o.aiTimeout)
	defer cancel()

	began := o.clock.Now()
	assessment, err := domain.EnrichWithAI(aiCtx, baseline, o.generator, prompt, o.logger.With("analysis_id", r.result.ID))
	if err != nil {
		if errors.Is(err, domain.ErrUnparsableResponse) {
			o.observeUpstream("ai", began, nil)
			o.metrics.AIEnrichment.WithLabelValues("unparsable").Inc()
		} else {
			o.observeUpstream("ai", began, err)
			o.metrics.AIEnrichment.WithLabelValues("error").Inc()
		}
		r.degrade(StateAIEnrich, err)
		r.result.Enrichment = EnrichmentFailed
		return baseline
	}
	o.observeUpstream("ai", began, nil)
	o.metrics.AIEnrichment.WithLabelValues("success").Inc()
	r.result.Enrichment = EnrichmentAI
	return assessment
}

func (o *Orchestrator) finish(res Result, start time.Time) {
	o.metrics.AnalysesTotal.WithLabelValues(string(res.Source)).Inc()
	o.metrics.AnalysisDuration.Observe(o.clock.Since(start).Seconds())
	o.logger.Info("analysis complete",
		"analysis_id", res.ID,
		"source", res.Source,
		"risk_level", res.Assessment.Level,
		"detections", res.DetectionCount,
		"enrichment", res.Enrichment,
		"degradations", len(res.Degradations),
	)
}

func (o *Orchestrator) observeUpstream(upstream string, began time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	o.metrics.UpstreamRequests.WithLabelValues(upstream, outcome).Inc()
	o.metrics.UpstreamDuration.WithLabelValues(upstream).Observe(o.clock.Since(began).Seconds())
}

// publishAsync hands the result to the publisher after the response is built.
// Failures are logged and counted, never returned.
func (o *Orchestrator) publishAsync(res Result) {
	if o.publisher == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		o.logger.Warn("background publish skipped, orchestrator closed", "analysis_id", res.ID)
		return
	}

	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := o.publisher.Publish(ctx, res); err != nil {
			o.logger.Error("background publish failed", "analysis_id", res.ID, "error", err)
			o.metrics.BackgroundTasks.WithLabelValues("error").Inc()
			return
		}
		o.metrics.BackgroundTasks.WithLabelValues("success").Inc()
	}()
}

// Close stops accepting background tasks and waits for running ones until ctx
// is done.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
