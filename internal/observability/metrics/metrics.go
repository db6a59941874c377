package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type stageLabel struct {
	stage   string
	outcome string
}

// Recorder aggregates in-memory counters for HTTP requests, pipeline runs,
// per-stage outcomes, analyzer frame results, and object-storage uploads. It
// coordinates concurrent writers via a RWMutex and exposes an atomic gauge
// for in-flight pipeline runs.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	runEvents       map[string]uint64
	stageCount      map[stageLabel]uint64
	stageDuration   map[stageLabel]time.Duration
	analyzerFrames  map[string]uint64
	publishedFiles  uint64
	activeRuns      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		runEvents:       make(map[string]uint64),
		stageCount:      make(map[stageLabel]uint64),
		stageDuration:   make(map[stageLabel]time.Duration),
		analyzerFrames:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across packages that do not
// need a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates totals for request count and cumulative duration
// by HTTP method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// RunStarted records the start of a pipeline run and increments the active
// run gauge.
func (r *Recorder) RunStarted() {
	r.incrementRunEvent("start")
	r.activeRuns.Add(1)
}

// RunCompleted records a run that reached the completed state.
func (r *Recorder) RunCompleted() {
	r.incrementRunEvent("complete")
	r.decrementRuns()
}

// RunFailed records a run that terminated in the failed state.
func (r *Recorder) RunFailed() {
	r.incrementRunEvent("fail")
	r.decrementRuns()
}

func (r *Recorder) incrementRunEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.runEvents[normalized]++
	r.mu.Unlock()
}

func (r *Recorder) decrementRuns() {
	for {
		current := r.activeRuns.Load()
		if current <= 0 {
			return
		}
		if r.activeRuns.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// ObserveStage records one pipeline stage outcome and its wall-clock
// duration. Stage names follow the orchestrator state machine
// ("thumbnailing", "sampling", "packaging", ...).
func (r *Recorder) ObserveStage(stage string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	label := stageLabel{stage: normalizeName(stage), outcome: outcome}
	r.mu.Lock()
	r.stageCount[label]++
	r.stageDuration[label] += duration
	r.mu.Unlock()
}

// ObserveAnalyzerFrame records the outcome of one analyzer invocation
// ("ok", "timeout", "process_error", "output_error").
func (r *Recorder) ObserveAnalyzerFrame(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.analyzerFrames[normalized]++
	r.mu.Unlock()
}

// ObservePublishedFiles adds to the running total of files uploaded to
// object storage.
func (r *Recorder) ObservePublishedFiles(count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.publishedFiles += uint64(count)
	r.mu.Unlock()
}

// ActiveRuns exposes the current gauge of in-flight pipeline runs.
func (r *Recorder) ActiveRuns() int64 {
	return r.activeRuns.Load()
}

// WritePrometheus renders the recorder state in the Prometheus text
// exposition format with stable ordering.
func (r *Recorder) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("# TYPE vodforge_http_requests_total counter\n")
	requestLabels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		requestLabels = append(requestLabels, label)
	}
	sort.Slice(requestLabels, func(i, j int) bool {
		if requestLabels[i].path != requestLabels[j].path {
			return requestLabels[i].path < requestLabels[j].path
		}
		if requestLabels[i].method != requestLabels[j].method {
			return requestLabels[i].method < requestLabels[j].method
		}
		return requestLabels[i].status < requestLabels[j].status
	})
	for _, label := range requestLabels {
		fmt.Fprintf(&b, "vodforge_http_requests_total{method=%q,path=%q,status=%q} %d\n",
			label.method, label.path, label.status, r.requestCount[label])
	}
	b.WriteString("# TYPE vodforge_http_request_duration_seconds_sum counter\n")
	for _, label := range requestLabels {
		fmt.Fprintf(&b, "vodforge_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n",
			label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	b.WriteString("# TYPE vodforge_pipeline_runs_total counter\n")
	for _, event := range sortedKeys(r.runEvents) {
		fmt.Fprintf(&b, "vodforge_pipeline_runs_total{event=%q} %d\n", event, r.runEvents[event])
	}
	fmt.Fprintf(&b, "# TYPE vodforge_pipeline_active_runs gauge\nvodforge_pipeline_active_runs %d\n", r.activeRuns.Load())

	b.WriteString("# TYPE vodforge_pipeline_stage_total counter\n")
	stageLabels := make([]stageLabel, 0, len(r.stageCount))
	for label := range r.stageCount {
		stageLabels = append(stageLabels, label)
	}
	sort.Slice(stageLabels, func(i, j int) bool {
		if stageLabels[i].stage != stageLabels[j].stage {
			return stageLabels[i].stage < stageLabels[j].stage
		}
		return stageLabels[i].outcome < stageLabels[j].outcome
	})
	for _, label := range stageLabels {
		fmt.Fprintf(&b, "vodforge_pipeline_stage_total{stage=%q,outcome=%q} %d\n",
			label.stage, label.outcome, r.stageCount[label])
	}
	b.WriteString("# TYPE vodforge_pipeline_stage_duration_seconds_sum counter\n")
	for _, label := range stageLabels {
		fmt.Fprintf(&b, "vodforge_pipeline_stage_duration_seconds_sum{stage=%q,outcome=%q} %f\n",
			label.stage, label.outcome, r.stageDuration[label].Seconds())
	}

	b.WriteString("# TYPE vodforge_analyzer_frames_total counter\n")
	for _, outcome := range sortedKeys(r.analyzerFrames) {
		fmt.Fprintf(&b, "vodforge_analyzer_frames_total{outcome=%q} %d\n", outcome, r.analyzerFrames[outcome])
	}

	fmt.Fprintf(&b, "# TYPE vodforge_published_files_total counter\nvodforge_published_files_total %d\n", r.publishedFiles)

	_, err := io.WriteString(w, b.String())
	return err
}

// Handler returns an HTTP handler serving the Prometheus exposition of this
// Recorder.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return strings.ReplaceAll(normalized, " ", "_")
}

// normalizePath collapses path segments that look like identifiers so the
// label cardinality stays bounded.
func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "/"
	}
	segments := strings.Split(trimmed, "/")
	for i, segment := range segments {
		if len(segment) >= 16 && !strings.ContainsAny(segment, ".") {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}
