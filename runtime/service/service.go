// Package service composes the runtime components behind a single facade so
// that an HTTP layer, a TUI, the demo binary and the evaluation harness all
// consume identical behavior. The facade owns the per-request concerns the
// components deliberately stay out of: demo quota admission, thread ID
// minting, runtime key resolution, query trace rows and job ownership.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trellishq/trellis/runtime/access"
	"github.com/trellishq/trellis/runtime/ingest"
	"github.com/trellishq/trellis/runtime/memory"
	"github.com/trellishq/trellis/runtime/orchestrator"
	"github.com/trellishq/trellis/runtime/response"
	"github.com/trellishq/trellis/runtime/router"
	"github.com/trellishq/trellis/runtime/store"
	"github.com/trellishq/trellis/runtime/telemetry"
	"github.com/trellishq/trellis/runtime/trace"
)

// AccessMode classifies how a request was admitted.
type AccessMode string

const (
	// AccessModeDemo marks session-identified traffic subject to the demo
	// quota.
	AccessModeDemo AccessMode = "demo"
	// AccessModeAuthenticated marks traffic carrying a user identity.
	AccessModeAuthenticated AccessMode = "authenticated"
)

// KeyAction selects a runtime key operation.
type KeyAction string

const (
	KeyActionSet    KeyAction = "set"
	KeyActionClear  KeyAction = "clear"
	KeyActionStatus KeyAction = "status"
	KeyActionHelp   KeyAction = "help"
)

// ErrQuotaExhausted is returned by Ask when a demo session has spent its
// query allowance.
var ErrQuotaExhausted = errors.New("trellis: demo quota exhausted")

// ErrJobNotFound is returned by Job for unknown IDs and for jobs owned by a
// different principal.
var ErrJobNotFound = errors.New("trellis: ingestion job not found")

// traceListLimit caps the observability listing; the store keeps a larger
// ring behind it.
const traceListLimit = 50

type (
	// Service is the composed query-orchestration runtime. Safe for
	// concurrent use.
	Service struct {
		orch    *orchestrator.Orchestrator
		store   *store.Store
		access  *access.Controller
		worker  *ingest.Worker
		memory  *memory.Service
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		now     func() time.Time
	}

	// Options configures a Service.
	Options struct {
		// Orchestrator executes queries. Required.
		Orchestrator *orchestrator.Orchestrator

		// Store is the shared state container. Required.
		Store *store.Store

		// Access enforces the demo quota and resolves provider keys.
		// Required.
		Access *access.Controller

		// Worker processes uploads. Required.
		Worker *ingest.Worker

		// Memory supplies the recent turns echoed in query results.
		// Required.
		Memory *memory.Service

		// Logger, Metrics and Tracer default to no-op implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Identity names the caller of an operation. UserID and UserToken come
	// from the transport's bearer auth; SessionID identifies unauthenticated
	// demo traffic. A request with a UserID is authenticated, everything
	// else is demo.
	Identity struct {
		SessionID string
		UserID    string
		UserToken string
	}

	// AskRequest is one question.
	AskRequest struct {
		Identity

		// Question is the raw question text. Required.
		Question string

		// ThreadID selects the conversation thread. Empty mints a new one.
		ThreadID string
	}

	// TraceInfo summarises the execution of one query.
	TraceInfo struct {
		TraceID   string               `json:"trace_id"`
		LatencyMS int64                `json:"latency_ms"`
		Decisions []trace.ToolDecision `json:"decisions"`
	}

	// AskResult is the full wire shape of an answered query.
	AskResult struct {
		Envelope         response.Envelope `json:"envelope"`
		ThreadID         string            `json:"thread_id"`
		Route            router.Route      `json:"route"`
		RouteReason      string            `json:"route_reason"`
		ResolvedQuestion string            `json:"resolved_question"`
		AccessMode       AccessMode        `json:"access_mode"`
		KeySource        access.KeySource  `json:"key_source"`
		Trace            TraceInfo         `json:"trace"`
		Memory           []store.Turn      `json:"memory"`
	}

	// UploadRequest is one document upload.
	UploadRequest struct {
		Identity

		// Filename is the original upload name. Required.
		Filename string

		// ContentType is the declared MIME type. Unsupported types still
		// produce a job; the worker fails it with the unsupported message.
		ContentType string

		// Data is the raw file payload.
		Data []byte
	}

	// QuotaStatus reports the demo allowance for a caller. Authenticated
	// callers bypass the quota and always see the full allowance.
	QuotaStatus struct {
		AccessMode AccessMode `json:"access_mode"`
		Limit      int        `json:"limit"`
		Used       int        `json:"used"`
		Remaining  int        `json:"remaining"`
	}

	// RuntimeKeyRequest is one runtime key operation.
	RuntimeKeyRequest struct {
		Identity

		// Action selects set, clear, status or help.
		Action KeyAction

		// Key is the provider key for the set action.
		Key string
	}

	// RuntimeKeyResult reports the key state after an action.
	RuntimeKeyResult struct {
		Status  access.KeyStatus `json:"status"`
		Message string           `json:"message"`
	}
)

// New constructs a Service.
func New(opts Options) (*Service, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("trellis: orchestrator is required")
	}
	if opts.Store == nil {
		return nil, errors.New("trellis: store is required")
	}
	if opts.Access == nil {
		return nil, errors.New("trellis: access controller is required")
	}
	if opts.Worker == nil {
		return nil, errors.New("trellis: ingestion worker is required")
	}
	if opts.Memory == nil {
		return nil, errors.New("trellis: memory service is required")
	}
	s := &Service{
		orch:    opts.Orchestrator,
		store:   opts.Store,
		access:  opts.Access,
		worker:  opts.Worker,
		memory:  opts.Memory,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		now:     time.Now,
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if s.tracer == nil {
		s.tracer = telemetry.NewNoopTracer()
	}
	return s, nil
}

// NewThreadID mints a conversation thread identifier.
func NewThreadID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "thread-" + hex[:12]
}

// Start launches the ingestion worker and re-enqueues recoverable jobs.
func (s *Service) Start(ctx context.Context) {
	s.worker.Start(ctx)
}

// Stop drains the ingestion queue and waits for the worker, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.worker.Stop(ctx)
}

// Ask runs one question through the pipeline. Demo sessions consume one unit
// of quota before any work happens; ErrQuotaExhausted reports a spent
// allowance without touching the pipeline. Ask never exposes backend
// failures; degradation shows up in the envelope policy instead.
func (s *Service) Ask(ctx context.Context, req AskRequest) (AskResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.ask")
	defer span.End()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return AskResult{}, errors.New("trellis: question is required")
	}

	mode := req.accessMode()
	if mode == AccessModeDemo && !s.access.Consume(req.SessionID) {
		s.metrics.IncCounter("service.quota.exhausted", 1)
		return AskResult{}, ErrQuotaExhausted
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = NewThreadID()
	}
	key, source := s.access.ResolveKey(req.SessionID)

	started := s.now()
	res := s.orch.Run(ctx, orchestrator.Request{
		Question:   question,
		ThreadID:   threadID,
		UserID:     req.UserID,
		UserToken:  req.UserToken,
		RuntimeKey: key,
	})
	latency := s.now().Sub(started).Milliseconds()

	traceID := trace.NewTraceID()
	s.store.AppendQueryTrace(store.QueryTrace{
		TraceID:    traceID,
		Route:      string(res.Route),
		Confidence: string(res.Envelope.Confidence),
		AccessMode: string(mode),
		LatencyMS:  latency,
	})
	s.metrics.IncCounter("service.query", 1,
		"route", string(res.Route), "policy", string(res.Envelope.Policy), "access_mode", string(mode))
	s.logger.Info(ctx, "query answered",
		"trace_id", traceID, "route", string(res.Route), "policy", string(res.Envelope.Policy),
		"access_mode", string(mode), "latency_ms", latency)

	return AskResult{
		Envelope:         res.Envelope,
		ThreadID:         threadID,
		Route:            res.Route,
		RouteReason:      res.RouteReason,
		ResolvedQuestion: res.ResolvedQuestion,
		AccessMode:       mode,
		KeySource:        source,
		Trace:            TraceInfo{TraceID: traceID, LatencyMS: latency, Decisions: res.Decisions},
		Memory:           s.memory.RecentTurns(threadID, 0),
	}, nil
}

// Upload registers a document for ingestion and hands it to the worker. The
// returned job is in the queued state; poll Job for progress. Unsupported
// content types are not rejected here; the worker fails the job so the
// failure is visible through the same job record as every other outcome.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (store.Job, error) {
	if strings.TrimSpace(req.Filename) == "" {
		return store.Job{}, errors.New("trellis: filename is required")
	}
	if strings.TrimSpace(req.ContentType) == "" {
		return store.Job{}, errors.New("trellis: content type is required")
	}

	principal := req.principal()
	job := store.Job{
		JobID:       ingest.NewJobID(),
		Status:      store.StatusQueued,
		Stage:       store.StageQueued,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		UserID:      principal,
	}
	upload := store.QueuedUpload{
		JobID:           job.JobID,
		UserID:          principal,
		Filename:        req.Filename,
		ContentType:     req.ContentType,
		Bytes:           req.Data,
		UserAccessToken: req.UserToken,
	}
	if err := s.store.CreateJob(job, upload); err != nil {
		return store.Job{}, fmt.Errorf("create ingestion job: %w", err)
	}
	if err := s.worker.Enqueue(job.JobID); err != nil {
		// The job record survives; a later Start re-enqueues it.
		s.logger.Warn(ctx, "upload accepted but not enqueued", "job_id", job.JobID, "error", err.Error())
	} else {
		s.logger.Info(ctx, "upload accepted", "job_id", job.JobID, "filename", req.Filename, "content_type", req.ContentType)
	}
	s.metrics.IncCounter("service.upload", 1, "content_type", req.ContentType)
	return job, nil
}

// Jobs lists the caller's ingestion jobs, most recent identifiers first.
func (s *Service) Jobs(id Identity) []store.Job {
	return s.store.JobsForUser(id.principal())
}

// Job looks up one ingestion job. Jobs owned by a different principal report
// ErrJobNotFound rather than revealing their existence.
func (s *Service) Job(id Identity, jobID string) (store.Job, error) {
	job, ok := s.store.Job(jobID)
	if !ok || job.UserID != id.principal() {
		return store.Job{}, ErrJobNotFound
	}
	return job, nil
}

// Quota reports the caller's demo allowance.
func (s *Service) Quota(id Identity) QuotaStatus {
	limit := s.access.Quota()
	if id.accessMode() == AccessModeAuthenticated {
		return QuotaStatus{AccessMode: AccessModeAuthenticated, Limit: limit, Remaining: limit}
	}
	used := s.store.DemoUsed(id.SessionID)
	return QuotaStatus{
		AccessMode: AccessModeDemo,
		Limit:      limit,
		Used:       used,
		Remaining:  s.access.Remaining(id.SessionID),
	}
}

// RuntimeKey executes one runtime key action for the caller's session.
func (s *Service) RuntimeKey(req RuntimeKeyRequest) (RuntimeKeyResult, error) {
	switch req.Action {
	case KeyActionSet:
		key := strings.TrimSpace(req.Key)
		if key == "" {
			return RuntimeKeyResult{}, errors.New("trellis: runtime key is required for the set action")
		}
		s.access.SetKey(req.SessionID, key)
		return RuntimeKeyResult{
			Status:  s.access.Status(req.SessionID),
			Message: "Runtime key stored for this session.",
		}, nil
	case KeyActionClear:
		s.access.ClearKey(req.SessionID)
		return RuntimeKeyResult{
			Status:  s.access.Status(req.SessionID),
			Message: "Runtime key cleared.",
		}, nil
	case KeyActionStatus:
		status := s.access.Status(req.SessionID)
		message := "No provider key is configured."
		if status.HasKey {
			message = fmt.Sprintf("A provider key is active (source: %s).", status.Source)
		}
		return RuntimeKeyResult{Status: status, Message: message}, nil
	case KeyActionHelp:
		return RuntimeKeyResult{
			Status:  s.access.Status(req.SessionID),
			Message: access.Help(),
		}, nil
	default:
		return RuntimeKeyResult{}, fmt.Errorf("trellis: unknown runtime key action %q", req.Action)
	}
}

// Traces returns the most recent query trace rows, oldest first, capped at
// the observability listing limit.
func (s *Service) Traces() []store.QueryTrace {
	return s.store.RecentQueryTraces(traceListLimit)
}

// accessMode classifies the identity: a user ID means authenticated.
func (id Identity) accessMode() AccessMode {
	if id.UserID != "" {
		return AccessModeAuthenticated
	}
	return AccessModeDemo
}

// principal is the storage key for the caller's private data. Authenticated
// callers use their user ID; demo sessions fall back to the session ID so
// their jobs stay listable. Queries keep the user ID as-is: anonymous
// traffic retrieves from the shared demo corpus, never from session chunks.
func (id Identity) principal() string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.SessionID
}
