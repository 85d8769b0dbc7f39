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

// EncodeLabel identifies one encoder invocation outcome by resolution token
// and status ("ok", "fail", "timeout").
type EncodeLabel struct {
	Resolution string
	Status     string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// transcode job lifecycle events, and per-resolution encoder outcomes. It
// coordinates concurrent writers via a RWMutex while exposing a thread-safe
// gauge for in-flight transcode jobs.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	jobEvents       map[string]uint64
	encodeEvents    map[EncodeLabel]uint64
	segmentsServed  atomic.Uint64
	manifestsServed atomic.Uint64
	activeJobs      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		jobEvents:       make(map[string]uint64),
		encodeEvents:    make(map[EncodeLabel]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not need
// a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by method, path, and status code.
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

// JobStarted records a transcode job start and increments the active gauge.
func (r *Recorder) JobStarted() {
	r.incrementJobEvent("start")
	r.activeJobs.Add(1)
}

// JobCompleted records a finished transcode job and decrements the gauge.
func (r *Recorder) JobCompleted() {
	r.incrementJobEvent("complete")
	r.decrementGauge(&r.activeJobs)
}

// JobFailed records a terminally failed transcode job and decrements the
// gauge, guarding against negative counts when updates race.
func (r *Recorder) JobFailed() {
	r.incrementJobEvent("fail")
	r.decrementGauge(&r.activeJobs)
}

// JobSkipped records a job that was a no-op (missing video or source file).
func (r *Recorder) JobSkipped() {
	r.incrementJobEvent("skip")
}

func (r *Recorder) incrementJobEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.jobEvents[normalized]++
	r.mu.Unlock()
}

// ObserveEncode records a single encoder invocation outcome for one
// resolution of the ladder.
func (r *Recorder) ObserveEncode(resolution, status string) {
	label := EncodeLabel{
		Resolution: normalizeName(resolution),
		Status:     normalizeName(status),
	}
	r.mu.Lock()
	r.encodeEvents[label]++
	r.mu.Unlock()
}

// ManifestServed counts a successful manifest delivery.
func (r *Recorder) ManifestServed() {
	r.manifestsServed.Add(1)
}

// SegmentServed counts a successful segment delivery.
func (r *Recorder) SegmentServed() {
	r.segmentsServed.Add(1)
}

// ActiveJobs exposes the current number of in-flight transcode jobs.
func (r *Recorder) ActiveJobs() int64 {
	return r.activeJobs.Load()
}

// JobCounts returns a copy of the job lifecycle counters and the current
// active gauge value for tests and reporting.
func (r *Recorder) JobCounts() (events map[string]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// EncodeCounts returns a copy of the per-resolution encoder counters.
func (r *Recorder) EncodeCounts() map[EncodeLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[EncodeLabel]uint64, len(r.encodeEvents))
	for k, v := range r.encodeEvents {
		events[k] = v
	}
	return events
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[string]uint64)
	r.encodeEvents = make(map[EncodeLabel]uint64)
	r.segmentsServed.Store(0)
	r.manifestsServed.Store(0)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobEvents := r.sortedJobEvents()
	encodeLabels := r.sortedEncodeLabels()

	fmt.Fprintln(w, "# HELP reelstream_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE reelstream_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "reelstream_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP reelstream_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE reelstream_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "reelstream_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP reelstream_transcode_jobs_total Transcode job lifecycle events by status")
	fmt.Fprintln(w, "# TYPE reelstream_transcode_jobs_total counter")
	for _, event := range jobEvents {
		fmt.Fprintf(w, "reelstream_transcode_jobs_total{status=%q} %d\n", event, r.jobEvents[event])
	}

	fmt.Fprintln(w, "# HELP reelstream_transcode_jobs_active Number of transcode jobs currently running")
	fmt.Fprintln(w, "# TYPE reelstream_transcode_jobs_active gauge")
	fmt.Fprintf(w, "reelstream_transcode_jobs_active %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP reelstream_encodes_total Encoder invocations by resolution and status")
	fmt.Fprintln(w, "# TYPE reelstream_encodes_total counter")
	for _, label := range encodeLabels {
		fmt.Fprintf(w, "reelstream_encodes_total{resolution=%q,status=%q} %d\n", label.Resolution, label.Status, r.encodeEvents[label])
	}

	fmt.Fprintln(w, "# HELP reelstream_manifests_served_total Manifests successfully served")
	fmt.Fprintln(w, "# TYPE reelstream_manifests_served_total counter")
	fmt.Fprintf(w, "reelstream_manifests_served_total %d\n", r.manifestsServed.Load())

	fmt.Fprintln(w, "# HELP reelstream_segments_served_total Segments successfully served")
	fmt.Fprintln(w, "# TYPE reelstream_segments_served_total counter")
	fmt.Fprintf(w, "reelstream_segments_served_total %d\n", r.segmentsServed.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobEvents() []string {
	events := make([]string, 0, len(r.jobEvents))
	for event := range r.jobEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedEncodeLabels() []EncodeLabel {
	labels := make([]EncodeLabel, 0, len(r.encodeEvents))
	for label := range r.encodeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Resolution != labels[j].Resolution {
			return labels[i].Resolution < labels[j].Resolution
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// normalizePath collapses streaming paths that embed identifiers so the label
// cardinality stays bounded: /video/{id}/{res}/{segment} becomes
// /video/:id/:resolution/:segment.
func normalizePath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || trimmed == "/" {
		return "/"
	}
	segments := strings.Split(strings.Trim(trimmed, "/"), "/")
	if segments[0] != "video" || len(segments) < 2 {
		return "/" + strings.Join(segments, "/")
	}
	normalized := []string{"video", ":id"}
	if len(segments) == 3 && segments[2] == "reprocess" {
		return "/video/:id/reprocess"
	}
	if len(segments) >= 3 {
		normalized = append(normalized, ":resolution")
	}
	if len(segments) >= 4 {
		if segments[3] == "index.m3u8" {
			normalized = append(normalized, "index.m3u8")
		} else {
			normalized = append(normalized, ":segment")
		}
	}
	return "/" + strings.Join(normalized, "/")
}
