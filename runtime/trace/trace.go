// Package trace records per-query tool decisions. Every pipeline stage that
// runs (or is deliberately skipped or blocked) appends one decision, and the
// assembled list is returned with the answer envelope so a reader can replay
// what the orchestrator did and why.
package trace

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of one recorded tool invocation.
type Status string

const (
	StatusOK      Status = "ok"
	StatusSkipped Status = "skipped"
	StatusBlocked Status = "blocked"
	StatusError   Status = "error"
)

type (
	// ToolDecision is one row of the per-query decision log.
	ToolDecision struct {
		ToolName  string `json:"tool_name"`
		Rationale string `json:"rationale"`
		LatencyMS int64  `json:"latency_ms"`
		Status    Status `json:"status"`
		Attempt   int    `json:"attempt"`
	}

	// Recorder accumulates decisions for a single query. Safe for
	// concurrent use so hybrid retrieval branches can report as each one
	// completes.
	Recorder struct {
		mu        sync.Mutex
		now       func() time.Time
		decisions []ToolDecision
	}

	// Step measures one tool invocation from start to Done.
	Step struct {
		rec     *Recorder
		tool    string
		started time.Time
		attempt int
	}

	// RecorderOption configures a Recorder.
	RecorderOption func(*Recorder)
)

// WithNow overrides the recorder clock.
func WithNow(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder returns an empty decision recorder.
func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Step starts timing one tool invocation with attempt 1.
func (r *Recorder) Step(tool string) *Step {
	return &Step{rec: r, tool: tool, started: r.now(), attempt: 1}
}

// Attempt sets the attempt counter for retried tools.
func (s *Step) Attempt(n int) *Step {
	if n > 0 {
		s.attempt = n
	}
	return s
}

// Done records the decision with the elapsed latency.
func (s *Step) Done(status Status, rationale string) {
	elapsed := s.rec.now().Sub(s.started)
	s.rec.append(ToolDecision{
		ToolName:  s.tool,
		Rationale: rationale,
		LatencyMS: elapsed.Milliseconds(),
		Status:    status,
		Attempt:   s.attempt,
	})
}

// Record appends a decision directly. Attempt defaults to 1.
func (r *Recorder) Record(d ToolDecision) {
	if d.Attempt <= 0 {
		d.Attempt = 1
	}
	r.append(d)
}

// Decisions returns the recorded decisions in append order.
func (r *Recorder) Decisions() []ToolDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ToolDecision, len(r.decisions))
	copy(out, r.decisions)
	return out
}

func (r *Recorder) append(d ToolDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions = append(r.decisions, d)
}

// NewTraceID returns a fresh query trace identifier of the form
// "trace-" followed by ten hex characters.
func NewTraceID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "trace-" + hex[:10]
}
