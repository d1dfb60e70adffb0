package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type (
	// snapshotFile is the on-disk layout of the ingestion snapshot. Rows are
	// raw messages so a single corrupt row does not discard the rest.
	snapshotFile struct {
		IngestionJobs      []json.RawMessage            `json:"ingestion_jobs"`
		PrivateChunksByUser map[string][]json.RawMessage `json:"private_chunks_by_user"`
		QueuedUploads      []json.RawMessage            `json:"queued_uploads"`
	}

	// snapshotUpload mirrors QueuedUpload with bytes encoded as base64.
	snapshotUpload struct {
		JobID           string `json:"job_id"`
		UserID          string `json:"user_id"`
		Filename        string `json:"filename"`
		ContentType     string `json:"content_type"`
		FileBytesB64    string `json:"file_bytes_b64"`
		UserAccessToken string `json:"user_access_token,omitempty"`
	}
)

// persistLocked writes the durable collections to the snapshot path via a
// temp file and rename so a crash never leaves a truncated snapshot. The
// caller must hold the write lock.
func (s *Store) persistLocked() error {
	if s.snapshotPath == "" {
		return nil
	}

	var snap snapshotFile
	snap.PrivateChunksByUser = make(map[string][]json.RawMessage)
	for _, job := range s.jobs {
		row, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.JobID, err)
		}
		snap.IngestionJobs = append(snap.IngestionJobs, row)
	}
	for userID, chunks := range s.chunksByUser {
		for _, chunk := range chunks {
			row, err := json.Marshal(chunk)
			if err != nil {
				return fmt.Errorf("marshal chunk %s: %w", chunk.ChunkID, err)
			}
			snap.PrivateChunksByUser[userID] = append(snap.PrivateChunksByUser[userID], row)
		}
	}
	for _, upload := range s.uploads {
		row, err := json.Marshal(snapshotUpload{
			JobID:           upload.JobID,
			UserID:          upload.UserID,
			Filename:        upload.Filename,
			ContentType:     upload.ContentType,
			FileBytesB64:    base64.StdEncoding.EncodeToString(upload.Bytes),
			UserAccessToken: upload.UserAccessToken,
		})
		if err != nil {
			return fmt.Errorf("marshal upload %s: %w", upload.JobID, err)
		}
		snap.QueuedUploads = append(snap.QueuedUploads, row)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(s.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.snapshotPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// hydrate loads the snapshot if one exists. Rows that fail to decode are
// skipped. Uploads whose job row is missing get a reconstructed queued job
// so ingestion can recover them.
func (s *Store) hydrate() error {
	if s.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	for _, row := range snap.IngestionJobs {
		var job Job
		if err := json.Unmarshal(row, &job); err != nil || job.JobID == "" {
			continue
		}
		s.jobs[job.JobID] = job
	}
	for userID, rows := range snap.PrivateChunksByUser {
		for _, row := range rows {
			var chunk DocumentChunk
			if err := json.Unmarshal(row, &chunk); err != nil || chunk.ChunkID == "" {
				continue
			}
			s.chunksByUser[userID] = append(s.chunksByUser[userID], chunk)
		}
	}
	for _, row := range snap.QueuedUploads {
		var up snapshotUpload
		if err := json.Unmarshal(row, &up); err != nil || up.JobID == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(up.FileBytesB64)
		if err != nil {
			continue
		}
		s.uploads[up.JobID] = QueuedUpload{
			JobID:           up.JobID,
			UserID:          up.UserID,
			Filename:        up.Filename,
			ContentType:     up.ContentType,
			Bytes:           raw,
			UserAccessToken: up.UserAccessToken,
		}
		if _, ok := s.jobs[up.JobID]; !ok {
			s.jobs[up.JobID] = Job{
				JobID:       up.JobID,
				Status:      StatusQueued,
				Stage:       StageQueued,
				Filename:    up.Filename,
				ContentType: up.ContentType,
				UserID:      up.UserID,
			}
		}
	}
	return nil
}
