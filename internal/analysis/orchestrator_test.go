package analysis_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/couchcryptid/wildfire-risk-service/internal/analysis"
	"github.com/couchcryptid/wildfire-risk-service/internal/cache"
	"github.com/couchcryptid/wildfire-risk-service/internal/domain"
	"github.com/couchcryptid/wildfire-risk-service/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const firmsCSV = `latitude,longitude,bright_ti4,scan,track,acq_date,acq_time,satellite,instrument,confidence,version,bright_ti5,frp,daynight
37.81234,-122.41562,367.2,0.39,0.36,2024-08-14,0912,N,VIIRS,n,2.0NRT,290.1,12.4,N
37.70011,-122.50002,412.8,0.41,0.37,2024-08-14,0912,N,VIIRS,h,2.0NRT,301.7,48.9,D
`

const aiResponse = `**Risk Level**: Extreme
**Confidence**: 90%
**Urgency**: Evacuate if ordered
**Key Observations**
- Two intense detections near the center
**Recommendations**
- Stage vehicles for evacuation
`

var testRequest = domain.AnalysisRequest{
	Center:   domain.Coordinates{Lat: 37.7749, Lng: -122.4194},
	RadiusKm: 50,
	Days:     7,
}

// --- mocks ---

type mockFetcher struct {
	body  []byte
	err   error
	block bool
	calls atomic.Int64

	mu       sync.Mutex
	lastBBox domain.BoundingBox
	lastDays int
}

func (m *mockFetcher) Fetch(ctx context.Context, bbox domain.BoundingBox, days int) ([]byte, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.lastBBox, m.lastDays = bbox, days
	m.mu.Unlock()
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.body, m.err
}

type mockConditions struct {
	cond domain.Conditions
	err  error
}

func (m *mockConditions) Conditions(_ context.Context, _ domain.Coordinates) (domain.Conditions, error) {
	return m.cond, m.err
}

type mockGenerator struct {
	text  string
	err   error
	calls atomic.Int64
}

func (m *mockGenerator) Generate(_ context.Context, _ string) (string, error) {
	m.calls.Add(1)
	return m.text, m.err
}

type mockPublisher struct {
	mu        sync.Mutex
	published []analysis.Result
	err       error
	delay     time.Duration
}

func (m *mockPublisher) Publish(_ context.Context, res analysis.Result) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, res)
	return m.err
}

func (m *mockPublisher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.published)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	orch    *analysis.Orchestrator
	store   *cache.Store
	metrics *observability.Metrics
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T, fetcher analysis.Fetcher, opts ...analysis.Option) fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 8, 14, 18, 0, 0, 0, time.UTC))
	metrics := observability.NewMetricsForTesting()
	store := cache.NewStore(t.TempDir(), discardLogger(), cache.WithClock(clock), cache.WithMetrics(metrics))
	opts = append([]analysis.Option{analysis.WithClock(clock)}, opts...)
	orch := analysis.New(fetcher, store, discardLogger(), metrics, opts...)
	t.Cleanup(func() {
		require.NoError(t, orch.Close(context.Background()))
	})
	return fixture{orch: orch, store: store, metrics: metrics, clock: clock}
}

// --- tests ---

func TestAnalyze_FreshWithoutEnrichment(t *testing.T) {
	fetcher := &mockFetcher{body: []byte(firmsCSV)}
	f := newFixture(t, fetcher)

	res := f.orch.Analyze(context.Background(), testRequest)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, analysis.SourceFresh, res.Source)
	assert.Equal(t, analysis.EnrichmentSkipped, res.Enrichment)
	assert.Equal(t, 2, res.DetectionCount)
	assert.Len(t, res.Detections, 2)
	assert.Empty(t, res.Degradations)
	assert.Equal(t, domain.SourceDeterministic, res.Assessment.Source)
	assert.Equal(t, time.Date(2024, 8, 14, 18, 0, 0, 0, time.UTC), res.GeneratedAt)

	wantTrace := []analysis.State{
		analysis.StateReceived, analysis.StateCacheCheck, analysis.StateMiss,
		analysis.StateFetch, analysis.StateNormalize, analysis.StateScore,
		analysis.StateSkip, analysis.StateCacheWrite, analysis.StateRespond,
	}
	if diff := cmp.Diff(wantTrace, res.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, 7, fetcher.lastDays)
	assert.Equal(t, domain.BoundingBoxAround(testRequest.Center, 50), fetcher.lastBBox)

	// count 1 + peak intensity 3 = 4
	assert.Equal(t, 4, res.Assessment.Score)
	assert.Equal(t, domain.LevelModerate, res.Assessment.Level)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AnalysesTotal.WithLabelValues("fresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpstreamRequests.WithLabelValues("fetch", "success")))
}

func TestAnalyze_SecondRequestHitsCache(t *testing.T) {
	fetcher := &mockFetcher{body: []byte(firmsCSV)}
	f := newFixture(t, fetcher)

	first := f.orch.Analyze(context.Background(), testRequest)
	// 37.7739 still rounds to 37.77.
	nearby := testRequest
	nearby.Center.Lat -= 0.001
	second := f.orch.Analyze(context.Background(), nearby)

	assert.Equal(t, int64(1), fetcher.calls.Load())
	assert.Equal(t, analysis.SourceCache, second.Source)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, []analysis.State{
		analysis.StateReceived, analysis.StateCacheCheck, analysis.StateHit, analysis.StateRespond,
	}, second.Trace)
	assert.Equal(t, first.Assessment, second.Assessment)
	assert.Equal(t, first.Detections, second.Detections)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AnalysesTotal.WithLabelValues("cache")))
}

func TestAnalyze_CacheExpiryRefetches(t *testing.T) {
	fetcher := &mockFetcher{body: []byte(firmsCSV)}
	f := newFixture(t, fetcher)

	f.orch.Analyze(context.Background(), testRequest)
	f.clock.Advance(cache.ClassAnalysis.TTL + time.Minute)
	res := f.orch.Analyze(context.Background(), testRequest)

	assert.Equal(t, int64(2), fetcher.calls.Load())
	assert.Equal(t, analysis.SourceFresh, res.Source)
}

func TestAnalyze_FetchFailures(t *testing.T) {
	tests := []struct {
		name     string
		fetcher  *mockFetcher
		wantKind analysis.FailureKind
	}{
		{
			name:     "transport",
			fetcher:  &mockFetcher{err: errors.New("dial tcp: connection refused")},
			wantKind: analysis.FailureTransport,
		},
		{
			name:     "upstream status",
			fetcher:  &mockFetcher{err: &domain.UpstreamError{Upstream: "firms", StatusCode: 503, Body: "maintenance"}},
			wantKind: analysis.FailureUpstreamStatus,
		},
		{
			name:     "circuit open",
			fetcher:  &mockFetcher{err: fmt.Errorf("firms: %w", gobreaker.ErrOpenState)},
			wantKind: analysis.FailureCircuitOpen,
		},
		{
			name:     "timeout",
			fetcher:  &mockFetcher{block: true},
			wantKind: analysis.FailureTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &mockGenerator{text: aiResponse}
			f := newFixture(t, tt.fetcher,
				analysis.WithTimeouts(20*time.Millisecond, 0),
				analysis.WithGenerator(gen),
			)

			res := f.orch.Analyze(context.Background(), testRequest)

			assert.Equal(t, analysis.SourceDegraded, res.Source)
			assert.Equal(t, analysis.EnrichmentSkipped, res.Enrichment)
			assert.Equal(t, domain.LevelLow, res.Assessment.Level)
			assert.NotEmpty(t, res.Assessment.ConfidenceLabel)
			assert.NotEmpty(t, res.Assessment.Recommendations)
			assert.NotNil(t, res.Detections)
			assert.Zero(t, res.DetectionCount)
			require.Len(t, res.Degradations, 1)
			assert.Equal(t, analysis.StateFetch, res.Degradations[0].Stage)
			assert.Equal(t, tt.wantKind, res.Degradations[0].Kind)
			assert.NotContains(t, res.Trace, analysis.StateCacheWrite)
			assert.Equal(t, analysis.StateRespond, res.Trace[len(res.Trace)-1])
			assert.Zero(t, gen.calls.Load())

			// Nothing was cached, so the next request tries again.
			f.orch.Analyze(context.Background(), testRequest)
			assert.Equal(t, int64(2), tt.fetcher.calls.Load())
		})
	}
}

func TestAnalyze_EmptyBodyIsNoData(t *testing.T) {
	fetcher := &mockFetcher{body: []byte("  \n")}
	f := newFixture(t, fetcher)

	res := f.orch.Analyze(context.Background(), testRequest)

	assert.Equal(t, analysis.SourceFresh, res.Source)
	assert.Zero(t, res.DetectionCount)
	assert.Empty(t, res.Degradations)
	assert.Equal(t, domain.LevelLow, res.Assessment.Level)

	f.orch.Analyze(context.Background(), testRequest)
	assert.Equal(t, int64(1), fetcher.calls.Load())
}

func TestAnalyze_UndecodableBodyIsDegraded(t *testing.T) {
	bodies := map[string]string{
		"map key error": "Invalid MAP_KEY.",
		"json error":    `{"error":"Invalid area"}`,
		"proxy page":    "<html>502 Bad Gateway</html>",
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			fetcher := &mockFetcher{body: []byte(body)}
			gen := &mockGenerator{text: aiResponse}
			f := newFixture(t, fetcher, analysis.WithGenerator(gen))

			res := f.orch.Analyze(context.Background(), testRequest)

			assert.Equal(t, analysis.SourceDegraded, res.Source)
			assert.Equal(t, domain.LevelLow, res.Assessment.Level)
			assert.NotEmpty(t, res.Assessment.Recommendations)
			assert.Zero(t, res.DetectionCount)
			require.Len(t, res.Degradations, 1)
			assert.Equal(t, analysis.StateFetch, res.Degradations[0].Stage)
			assert.Equal(t, analysis.FailureUnparsable, res.Degradations[0].Kind)
			assert.NotContains(t, res.Trace, analysis.StateCacheWrite)
			assert.Zero(t, gen.calls.Load())

			_, fetchCached := f.store.Get(cache.ClassFetch, cache.RequestKey(testRequest.Center.Lat, testRequest.Center.Lng, testRequest.RadiusKm, testRequest.Days))
			assert.False(t, fetchCached)

			again := f.orch.Analyze(context.Background(), testRequest)
			assert.Equal(t, analysis.SourceDegraded, again.Source)
			assert.Equal(t, int64(2), fetcher.calls.Load())
		})
	}
}

func TestAnalyze_AIEnrichment(t *testing.T) {
	gen := &mockGenerator{text: aiResponse}
	f := newFixture(t, &mockFetcher{body: []byte(firmsCSV)}, analysis.WithGenerator(gen))

	res := f.orch.Analyze(context.Background(), testRequest)

	assert.Equal(t, analysis.EnrichmentAI, res.Enrichment)
	assert.Equal(t, domain.SourceAI, res.Assessment.Source)
	assert.Equal(t, domain.LevelExtreme, res.Assessment.Level)
	assert.InDelta(t, 0.9, res.Assessment.Confidence, 1e-9)
	assert.Equal(t, "Evacuate if ordered", res.Assessment.Urgency)
	assert.Contains(t, res.Trace, analysis.StateAIEnrich)
	assert.Contains(t, res.Trace, analysis.StateCacheWrite)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AIEnrichment.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AIEnabled))
}

func TestAnalyze_AIFailureFallsBackToScorer(t *testing.T) {
	tests := []struct {
		name     string
		gen      *mockGenerator
		wantKind analysis.FailureKind
		metric   string
	}{
		{"error", &mockGenerator{err: errors.New("rate limited")}, analysis.FailureTransport, "error"},
		{"empty", &mockGenerator{err: domain.ErrEmptyResponse}, analysis.FailureEmpty, "error"},
		{"unparsable", &mockGenerator{text: "Sorry, I can't assess this."}, analysis.FailureUnparsable, "unparsable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &mockFetcher{body: []byte(firmsCSV)}
			f := newFixture(t, fetcher, analysis.WithGenerator(tt.gen))

			res := f.orch.Analyze(context.Background(), testRequest)

			want := domain.Score(res.Detections, nil)
			assert.Equal(t, want, res.Assessment)
			assert.Equal(t, analysis.SourceFresh, res.Source)
			assert.Equal(t, analysis.EnrichmentFailed, res.Enrichment)
			require.Len(t, res.Degradations, 1)
			assert.Equal(t, analysis.StateAIEnrich, res.Degradations[0].Stage)
			assert.Equal(t, tt.wantKind, res.Degradations[0].Kind)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AIEnrichment.WithLabelValues(tt.metric)))

			// The analysis is not cached but the fetch is.
			again := f.orch.Analyze(context.Background(), testRequest)
			assert.Equal(t, int64(1), fetcher.calls.Load())
			assert.Equal(t, int64(2), tt.gen.calls.Load())
			assert.NotContains(t, again.Trace, analysis.StateFetch)
			assert.Contains(t, again.Trace, analysis.StateNormalize)
			assert.Equal(t, res.Detections, again.Detections)
		})
	}
}

func TestAnalyze_Conditions(t *testing.T) {
	t.Run("context is scored", func(t *testing.T) {
		provider := &mockConditions{cond: domain.Conditions{
			Weather:    &domain.Weather{TemperatureC: domain.Float(35), HumidityPct: domain.Float(12), WindSpeedMS: domain.Float(4)},
			AirQuality: &domain.AirQuality{PM25: 80},
		}}
		f := newFixture(t, &mockFetcher{body: []byte(firmsCSV)}, analysis.WithConditions(provider))

		res := f.orch.Analyze(context.Background(), testRequest)

		require.NotNil(t, res.Conditions)
		assert.Contains(t, res.Trace, analysis.StateContext)
		assert.True(t, res.Assessment.Profile.Weather)
		assert.True(t, res.Assessment.Profile.AirQuality)
		// 1 + 3 + 3 + 4 + 1
		assert.Equal(t, 12, res.Assessment.Score)
		assert.Equal(t, domain.LevelExtreme, res.Assessment.Level)
	})

	t.Run("context failure scores detections alone", func(t *testing.T) {
		provider := &mockConditions{err: &domain.UpstreamError{Upstream: "openweather", StatusCode: 401, Body: "invalid key"}}
		f := newFixture(t, &mockFetcher{body: []byte(firmsCSV)}, analysis.WithConditions(provider))

		res := f.orch.Analyze(context.Background(), testRequest)

		assert.Nil(t, res.Conditions)
		assert.Equal(t, analysis.SourceFresh, res.Source)
		assert.False(t, res.Assessment.Profile.Weather)
		require.Len(t, res.Degradations, 1)
		assert.Equal(t, analysis.StateContext, res.Degradations[0].Stage)
		assert.Equal(t, analysis.FailureUpstreamStatus, res.Degradations[0].Kind)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpstreamRequests.WithLabelValues("conditions", "error")))
	})
}

func TestAnalyze_PublishesInBackground(t *testing.T) {
	pub := &mockPublisher{delay: 20 * time.Millisecond}
	f := newFixture(t, &mockFetcher{body: []byte(firmsCSV)}, analysis.WithPublisher(pub))

	res := f.orch.Analyze(context.Background(), testRequest)
	require.NoError(t, f.orch.Close(context.Background()))

	require.Equal(t, 1, pub.count())
	assert.Equal(t, res.ID, pub.published[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BackgroundTasks.WithLabelValues("success")))

	// Cache hits are not republished, and nothing is published after Close.
	f.orch.Analyze(context.Background(), testRequest)
	other := testRequest
	other.Days = 2
	f.orch.Analyze(context.Background(), other)
	assert.Equal(t, 1, pub.count())
}

func TestAnalyze_PublishFailureIsNotReturned(t *testing.T) {
	pub := &mockPublisher{err: errors.New("broker unavailable")}
	f := newFixture(t, &mockFetcher{body: []byte(firmsCSV)}, analysis.WithPublisher(pub))

	res := f.orch.Analyze(context.Background(), testRequest)
	require.NoError(t, f.orch.Close(context.Background()))

	assert.Equal(t, analysis.SourceFresh, res.Source)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BackgroundTasks.WithLabelValues("error")))
}

func TestClose_RespectsDeadline(t *testing.T) {
	pub := &mockPublisher{delay: 200 * time.Millisecond}
	f := newFixture(t, &mockFetcher{body: []byte(firmsCSV)}, analysis.WithPublisher(pub))
	f.orch.Analyze(context.Background(), testRequest)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, f.orch.Close(ctx), context.DeadlineExceeded)
}

func TestAnalyze_ConcurrentRequests(t *testing.T) {
	fetcher := &mockFetcher{body: []byte(firmsCSV)}
	f := newFixture(t, fetcher, analysis.WithGenerator(&mockGenerator{text: aiResponse}))

	var wg sync.WaitGroup
	results := make([]analysis.Result, 12)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.orch.Analyze(context.Background(), testRequest)
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for _, res := range results {
		assert.Equal(t, domain.LevelExtreme, res.Assessment.Level)
		assert.Equal(t, 2, res.DetectionCount)
		ids[res.ID] = true
	}
	assert.Len(t, ids, len(results))
}

func TestNew_NilMetrics(t *testing.T) {
	store := cache.NewStore(t.TempDir(), discardLogger())
	orch := analysis.New(&mockFetcher{body: []byte(firmsCSV)}, store, discardLogger(), nil,
		analysis.WithGenerator(&mockGenerator{text: aiResponse}),
		analysis.WithPublisher(&mockPublisher{}),
	)

	res := orch.Analyze(context.Background(), testRequest)
	require.NoError(t, orch.Close(context.Background()))

	assert.Equal(t, analysis.SourceFresh, res.Source)
	assert.Equal(t, analysis.EnrichmentAI, res.Enrichment)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want analysis.FailureKind
	}{
		{context.DeadlineExceeded, analysis.FailureTimeout},
		{fmt.Errorf("fetch: %w", context.DeadlineExceeded), analysis.FailureTimeout},
		{gobreaker.ErrOpenState, analysis.FailureCircuitOpen},
		{gobreaker.ErrTooManyRequests, analysis.FailureCircuitOpen},
		{fmt.Errorf("x: %w", &domain.UpstreamError{Upstream: "firms", StatusCode: 500}), analysis.FailureUpstreamStatus},
		{domain.ErrUnparsableResponse, analysis.FailureUnparsable},
		{fmt.Errorf("%w: tabular payload: header has no latitude column", domain.ErrUndecodablePayload), analysis.FailureUnparsable},
		{domain.ErrEmptyResponse, analysis.FailureEmpty},
		{errors.New("connection reset"), analysis.FailureTransport},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, analysis.Classify(tt.err), "err=%v", tt.err)
	}
}
