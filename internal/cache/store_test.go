package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/wildfire-risk-service/internal/observability"
)

type samplePayload struct {
	Fires []map[string]any `json:"fires"`
	Note  string           `json:"note"`
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Now())
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewStore(t.TempDir(), discardLogger(), opts...), clock
}

func TestStore_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	want := samplePayload{
		Fires: []map[string]any{{"latitude": 37.5, "longitude": -122.25, "confidence": "n"}},
		Note:  "viirs",
	}

	store.Put(ClassFetch, "37.77_-122.42_r50_7d", want)
	raw, ok := store.Get(ClassFetch, "37.77_-122.42_r50_7d")

	require.True(t, ok)
	var got samplePayload
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, want, got)
}

func TestStore_Miss(t *testing.T) {
	store, _ := newTestStore(t)

	_, ok := store.Get(ClassAnalysis, "nothing-here")

	assert.False(t, ok)
}

func TestStore_ClassesAreSeparate(t *testing.T) {
	store, _ := newTestStore(t)

	store.Put(ClassFetch, "k", "fetch")
	store.Put(ClassAnalysis, "k", "analysis")

	raw, ok := store.Get(ClassFetch, "k")
	require.True(t, ok)
	assert.JSONEq(t, `"fetch"`, string(raw))
	raw, ok = store.Get(ClassAnalysis, "k")
	require.True(t, ok)
	assert.JSONEq(t, `"analysis"`, string(raw))
}

func TestStore_Expiry(t *testing.T) {
	store, clock := newTestStore(t)
	path := store.entryPath(ClassFetch, "k")

	store.Put(ClassFetch, "k", []int{1, 2, 3})

	clock.Advance(ClassFetch.TTL - time.Second)
	_, ok := store.Get(ClassFetch, "k")
	assert.True(t, ok, "entry should live until its TTL")

	clock.Advance(2 * time.Second)
	_, ok = store.Get(ClassFetch, "k")
	assert.False(t, ok, "entry should be absent after its TTL")
	assert.NoFileExists(t, path)
}

func TestStore_EnvelopeFormat(t *testing.T) {
	store, clock := newTestStore(t)

	store.Put(ClassAnalysis, "k", map[string]string{"risk_level": "low"})

	data, err := os.ReadFile(store.entryPath(ClassAnalysis, "k"))
	require.NoError(t, err)
	var env struct {
		StoredAt   time.Time       `json:"stored_at"`
		TTLSeconds int64           `json:"ttl_seconds"`
		Payload    json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.True(t, clock.Now().UTC().Equal(env.StoredAt))
	assert.Equal(t, int64(86400), env.TTLSeconds)
	assert.JSONEq(t, `{"risk_level":"low"}`, string(env.Payload))
}

func TestStore_BadEntriesAreDeleted(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty file", ""},
		{"truncated json", `{"stored_at":"2024-01-01T00:00:00Z","payl`},
		{"missing payload", `{"stored_at":"2024-01-01T00:00:00Z","ttl_seconds":3600}`},
		{"missing timestamp", `{"payload":{"a":1}}`},
		{"not an object", `[1,2,3]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := observability.NewMetricsForTesting()
			store, _ := newTestStore(t, WithMetrics(m))
			path := store.entryPath(ClassFetch, "bad")
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			_, ok := store.Get(ClassFetch, "bad")

			assert.False(t, ok)
			assert.NoFileExists(t, path)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("fetch", "corrupt")))
		})
	}
}

func TestStore_ConcurrentPutsNeverTearEntries(t *testing.T) {
	store, _ := newTestStore(t)
	const writers = 16

	payloadFor := func(i int) samplePayload {
		fires := make([]map[string]any, 200)
		for j := range fires {
			fires[j] = map[string]any{"latitude": float64(i), "longitude": float64(j)}
		}
		return samplePayload{Fires: fires, Note: fmt.Sprintf("writer-%d", i)}
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			store.Put(ClassFetch, "shared", payloadFor(i))
		}(i)
		go func() {
			defer wg.Done()
			if raw, ok := store.Get(ClassFetch, "shared"); ok {
				var p samplePayload
				assert.NoError(t, json.Unmarshal(raw, &p))
				assert.Len(t, p.Fires, 200)
			}
		}()
	}
	wg.Wait()

	raw, ok := store.Get(ClassFetch, "shared")
	require.True(t, ok)
	var got samplePayload
	require.NoError(t, json.Unmarshal(raw, &got))

	var idx int
	_, err := fmt.Sscanf(got.Note, "writer-%d", &idx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx, 0)
	require.Less(t, idx, writers)
	assert.Equal(t, payloadFor(idx), got)
}

func TestStore_LockTimeoutAbandonsWrite(t *testing.T) {
	m := observability.NewMetricsForTesting()
	store, _ := newTestStore(t, WithLockTimeout(50*time.Millisecond), WithMetrics(m))
	path := store.entryPath(ClassAnalysis, "busy")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	held := flock.New(path + lockSuffix)
	locked, err := held.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer held.Unlock() //nolint:errcheck // test cleanup

	start := time.Now()
	store.Put(ClassAnalysis, "busy", "value")

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.NoFileExists(t, path)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheWrites.WithLabelValues("analysis", "lock_timeout")))
}

func TestStore_UnserializablePayload(t *testing.T) {
	store, _ := newTestStore(t)

	store.Put(ClassFetch, "chan", make(chan int))

	_, ok := store.Get(ClassFetch, "chan")
	assert.False(t, ok)
}

func TestStore_Sweep(t *testing.T) {
	store, clock := newTestStore(t)

	store.Put(ClassFetch, "old-fetch", 1)
	store.Put(ClassAnalysis, "analysis", 2)
	clock.Advance(2 * time.Hour)
	store.Put(ClassFetch, "new-fetch", 3)

	fetchDir := filepath.Join(store.Dir(), ClassFetch.Name)
	require.NoError(t, os.WriteFile(filepath.Join(fetchDir, "broken.json"), nil, 0o644))

	staleTmp := filepath.Join(fetchDir, ".old-fetch.json.123"+tempSuffix)
	require.NoError(t, os.WriteFile(staleTmp, []byte("{"), 0o644))
	old := clock.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(staleTmp, old, old))

	freshTmp := filepath.Join(fetchDir, ".new-fetch.json.456"+tempSuffix)
	require.NoError(t, os.WriteFile(freshTmp, []byte("{"), 0o644))
	now := clock.Now()
	require.NoError(t, os.Chtimes(freshTmp, now, now))

	removed := store.Sweep()

	assert.Equal(t, 3, removed)
	assert.NoFileExists(t, store.entryPath(ClassFetch, "old-fetch"))
	assert.NoFileExists(t, filepath.Join(fetchDir, "broken.json"))
	assert.NoFileExists(t, staleTmp)
	assert.FileExists(t, freshTmp)
	assert.FileExists(t, store.entryPath(ClassFetch, "new-fetch"))
	assert.FileExists(t, store.entryPath(ClassAnalysis, "analysis"))
}

func TestStore_SweepMissingDir(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "absent"), discardLogger())

	assert.Equal(t, 0, store.Sweep())
}

func TestStore_CheckReadiness(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nested", "cache"), discardLogger())

	require.NoError(t, store.CheckReadiness(t.Context()))
	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRequestKey(t *testing.T) {
	assert.Equal(t, "37.77_-122.42_r50_7d", RequestKey(37.7749, -122.4194, 50, 7))
	assert.Equal(t, "37.77_-122.42_r12.5_1d", RequestKey(37.771, -122.419, 12.5, 1))
	assert.Equal(t, RequestKey(37.7749, -122.4194, 50, 7), RequestKey(37.7711, -122.4201, 50, 7))
	assert.NotEqual(t, RequestKey(37.7749, -122.4194, 50, 7), RequestKey(37.7749, -122.4194, 50, 3))
}

func TestRequestKey_NearZeroSharesEntry(t *testing.T) {
	assert.Equal(t, "0.00_10.00_r50_7d", RequestKey(-0.001, 10, 50, 7))
	assert.Equal(t, RequestKey(0.001, 10, 50, 7), RequestKey(-0.001, 10, 50, 7))
	assert.Equal(t, RequestKey(10, 0.004, 50, 7), RequestKey(10, -0.004, 50, 7))
	assert.Equal(t, "-0.01_10.00_r50_7d", RequestKey(-0.006, 10, 50, 7))
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "a_b_c.json", sanitizeKey("a/b c.json"))
	assert.Equal(t, "_", sanitizeKey(""))
	assert.Equal(t, "..__etc_passwd", sanitizeKey("../\\etc/passwd"))
}
