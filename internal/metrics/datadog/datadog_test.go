package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"chatparse/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// quietOptions returns options whose ticker never fires during a test.
func quietOptions(fs *fakeSubmitter, now int64) Options {
	return Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(now, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

// TestWithTags verifies tag concatenation does not alias the base slice.
func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:parse_chat"}
	got := withTags(base, "status:ok")
	want := []string{"env:test", "job:parse_chat", "status:ok"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestCountAndGaugeSeries(t *testing.T) {
	now := int64(1234567)

	g := gaugeSeries("chat.test.gauge", 3.14, []string{"env:test"}, now)
	if g.Type == nil || *g.Type != datadogV2.METRICINTAKETYPE_GAUGE {
		t.Fatalf("gauge Type=%v, want GAUGE", g.Type)
	}
	c := countSeries("chat.test.count", 2, nil, now)
	if c.Type == nil || *c.Type != datadogV2.METRICINTAKETYPE_COUNT {
		t.Fatalf("count Type=%v, want COUNT", c.Type)
	}
	if len(g.Points) != 1 || *g.Points[0].Timestamp != now || *g.Points[0].Value != 3.14 {
		t.Fatalf("unexpected gauge points: %+v", g.Points)
	}
}

// TestAddPercentiles verifies the six gauges and that input is not mutated.
func TestAddPercentiles(t *testing.T) {
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, []string{"status:ok"}, "chat.run.duration_seconds", in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}
	if m := series[4]; m.Metric != "chat.run.duration_seconds.max" || *m.Points[0].Value != 5 {
		t.Fatalf("unexpected max series: %+v", m)
	}
	if m := series[5]; m.Metric != "chat.run.duration_seconds.samples" || *m.Points[0].Value != 5 {
		t.Fatalf("unexpected samples series: %+v", m)
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	opts := quietOptions(&fakeSubmitter{}, 123)
	opts.JobName = ""
	opts.FlushEvery = 0
	opts.Tags = []string{"team:docs"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:parse_chat") {
		t.Fatalf("baseTags missing job:parse_chat: %v", b.baseTags)
	}
	if !contains(b.baseTags, "team:docs") {
		t.Fatalf("baseTags missing team:docs: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

// TestFlush_SubmitsRecordedExtraction routes a RecordExtraction call through
// the backend and checks the submitted series.
func TestFlush_SubmitsRecordedExtraction(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	prev := metrics.SetBackend(b)
	metrics.RecordExtraction(metrics.Extraction{
		Pairs:          3,
		Queries:        4,
		Responses:      3,
		DroppedQueries: 1,
		Duration:       250 * time.Millisecond,
	})
	metrics.SetBackend(prev)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}

	payload, _ := fs.last()
	values := map[string]float64{}
	var names []string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
		key := s.Metric
		for _, tag := range s.Tags {
			if len(tag) > 5 && tag[:5] == "kind:" {
				key += "|" + tag
			}
		}
		values[key] = *s.Points[0].Value
	}
	sort.Strings(names)

	want := map[string]float64{
		"chat.runs.total":                   1,
		"chat.pairs.total":                  3,
		"chat.messages.total|kind:query":    4,
		"chat.messages.total|kind:response": 3,
		"chat.dropped.total|kind:query":     1,
		"chat.run.duration_seconds.p50":     0.25,
	}
	for k, v := range want {
		if got, ok := values[k]; !ok || got != v {
			t.Fatalf("series %q = %v (present=%v), want %v; names=%v", k, got, ok, v, names)
		}
	}
	if _, ok := values["chat.selector_mismatch.total"]; ok {
		t.Fatalf("unexpected mismatch series")
	}
	// Zero deltas are dropped, so no dropped-response series.
	if _, ok := values["chat.dropped.total|kind:response"]; ok {
		t.Fatalf("unexpected zero dropped-response series")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.runCounts) != 0 || b.pairCount != 0 || len(b.durationSamples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestFlush_SubmitErrorResetsBuffers(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("403 forbidden")}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.SelectorMismatchTotal, 1, nil)
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush() err=nil, want submit error")
	}
	fs.err = nil
	if err := b.Flush(); err != nil || fs.count() != 1 {
		t.Fatalf("second Flush err=%v count=%d, want nil and 1", err, fs.count())
	}
}

// TestLoopAndClose verifies the background loop flushes periodically and
// Close performs a final flush exactly once.
func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.PairsTotal, 1, nil)

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.PairsTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() err=%v, want nil", err)
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 3000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 500

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.RunsTotal, 1, metrics.Labels{"status": "ok"})
				b.IncCounter(metrics.MessagesTotal, 2, metrics.Labels{"kind": "query"})
				b.ObserveHistogram(metrics.RunDurationSeconds, 0.01, metrics.Labels{"status": "ok"})
			}
		}()
	}
	wg.Wait()

	b.mu.Lock()
	runs := b.runCounts["ok"]
	b.mu.Unlock()
	if runs != float64(workers*iters) {
		t.Fatalf("runs=%v, want %d", runs, workers*iters)
	}

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

// TestIncCounterAndObserveHistogram_EdgeCases verifies ignored paths and defaults.
func TestIncCounterAndObserveHistogram_EdgeCases(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 4000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.PairsTotal, 0, nil)
	b.IncCounter(metrics.MessagesTotal, 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.RunDurationSeconds, -1, nil)
	b.ObserveHistogram("unknown_seconds", 1, nil)

	b.mu.Lock()
	empty := b.snapshotLockedIsEmpty()
	b.mu.Unlock()
	if !empty {
		t.Fatalf("ignored metrics were buffered")
	}

	// Missing status defaults to "unknown".
	b.IncCounter(metrics.RunsTotal, 1, nil)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	payload, ok := fs.last()
	if !ok || len(payload.Series) != 1 || !contains(payload.Series[0].Tags, "status:unknown") {
		t.Fatalf("unexpected payload: %+v", payload.Series)
	}
}

func (b *Backend) snapshotLockedIsEmpty() bool {
	return snapshot{
		runCounts:       b.runCounts,
		pairCount:       b.pairCount,
		messageCounts:   b.messageCounts,
		droppedCounts:   b.droppedCounts,
		mismatchCount:   b.mismatchCount,
		durationSamples: b.durationSamples,
	}.isEmpty()
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,team:docs,  ", want: []string{"env:prod", "team:docs"}},
		{name: "single_tag", in: "team:docs", want: []string{"team:docs"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ParseTagsCSV(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
