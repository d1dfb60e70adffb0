// Package store holds the process-wide mutable state of the retrieval
// service: ingestion jobs and their queued uploads, per-user private chunks,
// conversation turns, per-session demo counters and runtime keys, the query
// trace ring, and the seeded demo corpora. A single Store value is
// constructed at startup and passed explicitly to every component; one mutex
// serialises all mutations and readers receive clones.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// JobStatus is the coarse outcome of an ingestion job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusSuccess    JobStatus = "success"
	StatusFailed     JobStatus = "failed"
)

// JobStage marks ingestion progress. Stages only advance; failed is terminal
// and reachable from any non-terminal stage.
type JobStage string

const (
	StageQueued    JobStage = "queued"
	StageParsing   JobStage = "parsing"
	StageChunking  JobStage = "chunking"
	StageEmbedding JobStage = "embedding"
	StageUpserting JobStage = "upserting"
	StageCompleted JobStage = "completed"
	StageFailed    JobStage = "failed"
)

// stageRank orders stages for the monotonicity check. Completed and failed
// share the terminal rank.
func stageRank(stage JobStage) int {
	switch stage {
	case StageQueued:
		return 0
	case StageParsing:
		return 1
	case StageChunking:
		return 2
	case StageEmbedding:
		return 3
	case StageUpserting:
		return 4
	case StageCompleted, StageFailed:
		return 5
	}
	return -1
}

type (
	// Job is one ingestion job record.
	Job struct {
		JobID        string    `json:"job_id"`
		Status       JobStatus `json:"status"`
		Stage        JobStage  `json:"stage"`
		Filename     string    `json:"filename"`
		ContentType  string    `json:"content_type"`
		UserID       string    `json:"user_id"`
		ChunkCount   int       `json:"chunk_count"`
		ErrorMessage string    `json:"error_message,omitempty"`
	}

	// ChunkMetadata locates a chunk within its source document.
	ChunkMetadata struct {
		Source      string `json:"source"`
		Page        int    `json:"page"`
		OffsetStart int    `json:"offset_start"`
		OffsetEnd   int    `json:"offset_end"`
		UserID      string `json:"user_id"`
	}

	// DocumentChunk is one embedded slice of an uploaded document. The
	// embedding may be empty when the provider returned fewer vectors than
	// chunks; retrieval skips such chunks on the remote path.
	DocumentChunk struct {
		ChunkID   string        `json:"chunk_id"`
		Content   string        `json:"content"`
		Metadata  ChunkMetadata `json:"metadata"`
		Embedding []float64     `json:"embedding"`
	}

	// QueuedUpload carries the raw bytes of an upload until its job reaches
	// a terminal stage.
	QueuedUpload struct {
		JobID           string `json:"job_id"`
		UserID          string `json:"user_id"`
		Filename        string `json:"filename"`
		ContentType     string `json:"content_type"`
		Bytes           []byte `json:"-"`
		UserAccessToken string `json:"user_access_token,omitempty"`
	}

	// Turn is one conversation turn in a thread.
	Turn struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// QueryTrace is the per-query summary row kept in the bounded ring.
	QueryTrace struct {
		TraceID    string `json:"trace_id"`
		Route      string `json:"route"`
		Confidence string `json:"confidence"`
		AccessMode string `json:"access_mode"`
		LatencyMS  int64  `json:"latency_ms"`
	}

	// SeedDocument is one shared demo-corpus document available to
	// unauthenticated sessions.
	SeedDocument struct {
		Source  string `json:"source"`
		ChunkID string `json:"chunk_id"`
		Content string `json:"content"`
	}

	// GraphEdge is one seeded shared-graph edge used when no remote graph
	// store is reachable.
	GraphEdge struct {
		Source       string `json:"source"`
		Relationship string `json:"relationship"`
		Target       string `json:"target"`
		Evidence     string `json:"evidence"`
	}

	// Store is the process-wide state container. Safe for concurrent use.
	Store struct {
		mu sync.RWMutex

		jobs         map[string]Job
		chunksByUser map[string][]DocumentChunk
		uploads      map[string]QueuedUpload

		turnsByThread map[string][]Turn
		demoUsage     map[string]int
		runtimeKeys   map[string]string

		traces []QueryTrace

		seedDocuments []SeedDocument
		seedEdges     []GraphEdge

		snapshotPath string
	}

	// Options configures a Store.
	Options struct {
		// SnapshotPath is the JSON snapshot file for durable ingestion
		// state. Empty disables persistence (tests, pure demo mode).
		SnapshotPath string

		// SeedDocuments is the shared demo corpus. Nil selects the built-in
		// seeds; pass an empty non-nil slice for none.
		SeedDocuments []SeedDocument

		// SeedEdges is the shared graph corpus. Nil selects the built-in
		// seeds; pass an empty non-nil slice for none.
		SeedEdges []GraphEdge
	}
)

// traceRingCapacity bounds the query trace ring.
const traceRingCapacity = 500

// New constructs a Store and, when a snapshot path is configured, hydrates
// jobs, chunks and queued uploads from the snapshot. Malformed snapshot rows
// are skipped. Uploads without a job record get a reconstructed queued job
// so the worker can recover them.
func New(opts Options) (*Store, error) {
	s := &Store{
		jobs:          make(map[string]Job),
		chunksByUser:  make(map[string][]DocumentChunk),
		uploads:       make(map[string]QueuedUpload),
		turnsByThread: make(map[string][]Turn),
		demoUsage:     make(map[string]int),
		runtimeKeys:   make(map[string]string),
		seedDocuments: opts.SeedDocuments,
		seedEdges:     opts.SeedEdges,
		snapshotPath:  opts.SnapshotPath,
	}
	if s.seedDocuments == nil {
		s.seedDocuments = DefaultSeedDocuments()
	}
	if s.seedEdges == nil {
		s.seedEdges = DefaultSeedEdges()
	}
	if err := s.hydrate(); err != nil {
		return nil, fmt.Errorf("hydrate snapshot: %w", err)
	}
	return s, nil
}

// CreateJob records a new job together with its queued upload and persists.
func (s *Store) CreateJob(job Job, upload QueuedUpload) error {
	if job.JobID == "" {
		return errors.New("job id is required")
	}
	if job.JobID != upload.JobID {
		return errors.New("job and upload identifiers must match")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.JobID]; ok {
		return fmt.Errorf("job %s already exists", job.JobID)
	}
	s.jobs[job.JobID] = job
	s.uploads[upload.JobID] = cloneUpload(upload)
	return s.persistLocked()
}

// UpdateJob replaces a job record, enforcing stage monotonicity, and
// persists. Terminal jobs cannot change.
func (s *Store) UpdateJob(job Job) error {
	if job.JobID == "" {
		return errors.New("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.jobs[job.JobID]
	if !ok {
		return fmt.Errorf("unknown job %s", job.JobID)
	}
	oldRank, newRank := stageRank(existing.Stage), stageRank(job.Stage)
	if newRank < 0 {
		return fmt.Errorf("invalid stage %q", job.Stage)
	}
	if oldRank == stageRank(StageCompleted) {
		return fmt.Errorf("job %s is terminal", job.JobID)
	}
	if newRank < oldRank {
		return fmt.Errorf("stage %s regresses from %s", job.Stage, existing.Stage)
	}
	s.jobs[job.JobID] = job
	return s.persistLocked()
}

// Job returns the job with the given id.
func (s *Store) Job(jobID string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// JobsForUser lists a user's jobs sorted by job id descending (most recent
// identifiers first).
func (s *Store) JobsForUser(userID string) []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []Job
	for _, job := range s.jobs {
		if job.UserID == userID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID > jobs[j].JobID })
	return jobs
}

// RecoverableJobIDs lists jobs in a non-terminal status that still have a
// queued upload, in ascending job id order. The worker re-enqueues them on
// start.
func (s *Store) RecoverableJobIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, job := range s.jobs {
		if job.Status != StatusQueued && job.Status != StatusProcessing {
			continue
		}
		if _, ok := s.uploads[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Upload returns the queued upload for a job.
func (s *Store) Upload(jobID string) (QueuedUpload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	upload, ok := s.uploads[jobID]
	if !ok {
		return QueuedUpload{}, false
	}
	return cloneUpload(upload), true
}

// RemoveUpload drops the queued upload once its job reached a terminal stage
// and persists.
func (s *Store) RemoveUpload(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, jobID)
	return s.persistLocked()
}

// AppendChunks adds processed chunks to a user's private corpus and persists.
func (s *Store) AppendChunks(userID string, chunks []DocumentChunk) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunksByUser[userID] = append(s.chunksByUser[userID], cloneChunks(chunks)...)
	return s.persistLocked()
}

// ChunksForUser returns a user's private chunks.
func (s *Store) ChunksForUser(userID string) []DocumentChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneChunks(s.chunksByUser[userID])
}

// CountChunks returns the number of private chunks stored for a user.
func (s *Store) CountChunks(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunksByUser[userID])
}

// SeedDocuments returns the shared demo corpus.
func (s *Store) SeedDocuments() []SeedDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SeedDocument, len(s.seedDocuments))
	copy(out, s.seedDocuments)
	return out
}

// SeedEdges returns the shared graph corpus.
func (s *Store) SeedEdges() []GraphEdge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]GraphEdge, len(s.seedEdges))
	copy(out, s.seedEdges)
	return out
}

// AppendTurn appends a conversation turn to a thread.
func (s *Store) AppendTurn(threadID string, turn Turn) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnsByThread[threadID] = append(s.turnsByThread[threadID], turn)
	return nil
}

// RecentTurns returns the last limit turns of a thread in append order.
func (s *Store) RecentTurns(threadID string, limit int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turnsByThread[threadID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// DemoUsed returns how many demo queries a session has consumed.
func (s *Store) DemoUsed(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.demoUsage[sessionID]
}

// ConsumeDemo increments a session's demo usage unless the quota is already
// spent. It reports whether the query was admitted.
func (s *Store) ConsumeDemo(sessionID string, quota int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.demoUsage[sessionID] >= quota {
		return false
	}
	s.demoUsage[sessionID]++
	return true
}

// SetRuntimeKey stores a session's ephemeral provider key.
func (s *Store) SetRuntimeKey(sessionID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimeKeys[sessionID] = key
}

// ClearRuntimeKey removes a session's provider key.
func (s *Store) ClearRuntimeKey(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runtimeKeys, sessionID)
}

// RuntimeKey returns a session's provider key when one is set.
func (s *Store) RuntimeKey(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.runtimeKeys[sessionID]
	return key, ok
}

// AppendQueryTrace appends a trace summary row, discarding the oldest row
// beyond the ring capacity.
func (s *Store) AppendQueryTrace(trace QueryTrace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, trace)
	if len(s.traces) > traceRingCapacity {
		s.traces = s.traces[len(s.traces)-traceRingCapacity:]
	}
}

// RecentQueryTraces returns up to n trace rows, newest last.
func (s *Store) RecentQueryTraces(n int) []QueryTrace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	traces := s.traces
	if n > 0 && len(traces) > n {
		traces = traces[len(traces)-n:]
	}
	out := make([]QueryTrace, len(traces))
	copy(out, traces)
	return out
}

func cloneChunks(chunks []DocumentChunk) []DocumentChunk {
	out := make([]DocumentChunk, len(chunks))
	for i, chunk := range chunks {
		out[i] = chunk
		if chunk.Embedding != nil {
			out[i].Embedding = append([]float64(nil), chunk.Embedding...)
		}
	}
	return out
}

func cloneUpload(upload QueuedUpload) QueuedUpload {
	out := upload
	if upload.Bytes != nil {
		out.Bytes = append([]byte(nil), upload.Bytes...)
	}
	return out
}
