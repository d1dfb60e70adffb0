// Package ingest processes document uploads into embedded private chunks. A
// single worker goroutine consumes job IDs from a bounded queue, advancing
// each job through parsing, chunking, embedding and the optional remote
// upsert, persisting every stage transition so a restart can recover
// unfinished jobs from the snapshot.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/trellishq/trellis/runtime/faults"
	"github.com/trellishq/trellis/runtime/retrieval"
	"github.com/trellishq/trellis/runtime/retrieval/embedding"
	"github.com/trellishq/trellis/runtime/store"
	"github.com/trellishq/trellis/runtime/telemetry"
)

const (
	// queueCapacity bounds the job queue; producers block when it is full.
	queueCapacity = 32

	// shutdownSentinel is the queue entry that tells the worker to exit
	// after draining everything enqueued before it.
	shutdownSentinel = "__shutdown__"
)

// DefaultRemoteTimeout bounds embedding and upsert calls.
const DefaultRemoteTimeout = 20 * time.Second

type (
	// Worker is the single-consumer ingestion loop. Start it once at boot;
	// Enqueue hands it job IDs whose records and uploads are already in the
	// store.
	Worker struct {
		store         *store.Store
		embedder      embedding.Provider
		documents     retrieval.DocumentStore
		remoteTimeout time.Duration

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		mu       sync.Mutex
		queue    chan string
		done     chan struct{}
		stopping atomic.Bool
	}

	// Options configures a Worker.
	Options struct {
		// Store holds job records, queued uploads and private chunks.
		// Required.
		Store *store.Store

		// Embedder produces chunk vectors. Required.
		Embedder embedding.Provider

		// Documents is the remote vector store. Optional; without it (or
		// without an upload token) the upsert stage is skipped and chunks
		// stay local.
		Documents retrieval.DocumentStore

		// RemoteTimeout bounds embedding and upsert calls. Zero selects
		// DefaultRemoteTimeout.
		RemoteTimeout time.Duration

		// Logger, Metrics and Tracer default to no-op implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}
)

// NewWorker constructs a stopped Worker.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Store == nil {
		return nil, errors.New("trellis: store is required")
	}
	if opts.Embedder == nil {
		return nil, errors.New("trellis: embedding provider is required")
	}
	w := &Worker{
		store:         opts.Store,
		embedder:      opts.Embedder,
		documents:     opts.Documents,
		remoteTimeout: opts.RemoteTimeout,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		tracer:        opts.Tracer,
	}
	if w.remoteTimeout <= 0 {
		w.remoteTimeout = DefaultRemoteTimeout
	}
	if w.logger == nil {
		w.logger = telemetry.NewNoopLogger()
	}
	if w.metrics == nil {
		w.metrics = telemetry.NewNoopMetrics()
	}
	if w.tracer == nil {
		w.tracer = telemetry.NewNoopTracer()
	}
	return w, nil
}

// NewJobID mints an ingestion job identifier.
func NewJobID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "ing-" + hex[:12]
}

// Start launches the consumer goroutine and re-enqueues recoverable jobs
// left over from a previous run. Starting a running worker is a no-op.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.queue != nil {
		w.mu.Unlock()
		return
	}
	w.stopping.Store(false)
	w.queue = make(chan string, queueCapacity)
	w.done = make(chan struct{})
	queue, done := w.queue, w.done
	w.mu.Unlock()

	go w.run(ctx, queue, done)

	recovered := w.store.RecoverableJobIDs()
	for _, jobID := range recovered {
		queue <- jobID
	}
	if len(recovered) > 0 {
		w.logger.Info(ctx, "re-enqueued recoverable ingestion jobs", "count", len(recovered))
	}
}

// Stop drains everything enqueued so far and waits for the worker to exit,
// bounded by ctx. Stopping a stopped worker is a no-op.
func (w *Worker) Stop(ctx context.Context) {
	w.mu.Lock()
	queue, done := w.queue, w.done
	w.queue = nil
	w.done = nil
	w.mu.Unlock()
	if queue == nil {
		return
	}

	w.stopping.Store(true)
	queue <- shutdownSentinel
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Enqueue submits a job for processing. It blocks while the queue is full
// and errors when the worker has not been started.
func (w *Worker) Enqueue(jobID string) error {
	w.mu.Lock()
	queue := w.queue
	w.mu.Unlock()
	if queue == nil {
		return errors.New("trellis: ingestion worker is not started")
	}
	queue <- jobID
	return nil
}

func (w *Worker) run(ctx context.Context, queue chan string, done chan struct{}) {
	defer close(done)
	for jobID := range queue {
		if jobID == shutdownSentinel && w.stopping.Load() {
			return
		}
		if err := w.process(ctx, jobID); err != nil {
			w.logger.Warn(ctx, "ingestion job skipped", "job_id", jobID, "error", err.Error())
		}
	}
}

// process runs one job through the stage sequence. A returned error means
// the job could not be handled at all (unknown id, store rejection); handled
// parse and upsert failures mark the job failed and return nil.
func (w *Worker) process(ctx context.Context, jobID string) error {
	ctx, span := w.tracer.Start(ctx, "ingest.process")
	defer span.End()
	started := time.Now()

	upload, ok := w.store.Upload(jobID)
	if !ok {
		return fmt.Errorf("unknown ingestion job %s", jobID)
	}
	job, ok := w.store.Job(jobID)
	if !ok {
		return fmt.Errorf("unknown ingestion job %s", jobID)
	}

	job.Status = store.StatusProcessing
	if err := w.advance(&job, store.StageParsing); err != nil {
		return err
	}

	if !SupportedContentType(upload.ContentType) {
		return w.fail(ctx, job, unsupportedMessage)
	}
	segments, err := Parse(upload.ContentType, upload.Bytes)
	if err != nil {
		return w.fail(ctx, job, failureMessage(err))
	}

	if err := w.advance(&job, store.StageChunking); err != nil {
		return err
	}
	rows := ChunkSegments(segments)

	if err := w.advance(&job, store.StageEmbedding); err != nil {
		return err
	}
	vectors := w.embedRows(ctx, rows)
	chunks := AssembleChunks(jobID, upload.UserID, upload.Filename, rows, vectors)

	if w.documents != nil && upload.UserAccessToken != "" {
		if err := w.advance(&job, store.StageUpserting); err != nil {
			return err
		}
		if err := w.upsert(ctx, upload.UserAccessToken, chunks); err != nil {
			return w.fail(ctx, job, fmt.Sprintf("Supabase upsert failed: %v", err))
		}
	}

	if len(chunks) > 0 {
		if err := w.store.AppendChunks(upload.UserID, chunks); err != nil {
			return err
		}
	}
	if err := w.store.RemoveUpload(jobID); err != nil {
		return err
	}

	job.Status = store.StatusSuccess
	job.Stage = store.StageCompleted
	job.ChunkCount = len(chunks)
	job.ErrorMessage = ""
	if err := w.store.UpdateJob(job); err != nil {
		return err
	}

	w.metrics.IncCounter("ingest.job.completed", 1)
	w.metrics.RecordTimer("ingest.job.duration", time.Since(started))
	w.logger.Info(ctx, "ingestion job completed", "job_id", jobID, "chunks", len(chunks))
	return nil
}

// advance persists the next stage before its work begins.
func (w *Worker) advance(job *store.Job, stage store.JobStage) error {
	job.Stage = stage
	return w.store.UpdateJob(*job)
}

// fail marks the job failed with the given message and drops its upload.
func (w *Worker) fail(ctx context.Context, job store.Job, message string) error {
	job.Status = store.StatusFailed
	job.Stage = store.StageFailed
	job.ErrorMessage = message
	if err := w.store.UpdateJob(job); err != nil {
		return err
	}
	if err := w.store.RemoveUpload(job.JobID); err != nil {
		return err
	}
	w.metrics.IncCounter("ingest.job.failed", 1)
	w.logger.Warn(ctx, "ingestion job failed", "job_id", job.JobID, "reason", message)
	return nil
}

// embedRows embeds the chunk contents. An embedding failure degrades to
// empty vectors so the job still completes with searchable local chunks.
func (w *Worker) embedRows(ctx context.Context, rows []ChunkRow) [][]float64 {
	if len(rows) == 0 {
		return nil
	}
	contents := make([]string, len(rows))
	for i, row := range rows {
		contents[i] = row.Content
	}
	tctx, cancel := context.WithTimeout(ctx, w.remoteTimeout)
	defer cancel()
	vectors, err := w.embedder.EmbedDocuments(tctx, contents)
	if err != nil {
		w.logger.Warn(ctx, "embedding failed, storing chunks without vectors", "error", err.Error())
		w.metrics.IncCounter("ingest.embedding.failure", 1)
		return nil
	}
	return vectors
}

func (w *Worker) upsert(ctx context.Context, token string, chunks []store.DocumentChunk) error {
	for _, chunk := range chunks {
		tctx, cancel := context.WithTimeout(ctx, w.remoteTimeout)
		err := w.documents.UpsertChunk(tctx, token, chunk)
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

// failureMessage extracts the bare fault message for the job record.
func failureMessage(err error) string {
	var fe *faults.Error
	if errors.As(err, &fe) {
		return fe.Message()
	}
	return err.Error()
}
