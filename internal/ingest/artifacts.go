package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// UploadArtifact stores content produced by a job. Uploads for unknown
// jobs are rejected.
func (s *Service) UploadArtifact(ctx context.Context, jobID uuid.UUID, filename string, r io.Reader) (*models.Artifact, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	pipeline, err := s.store.GetPipeline(ctx, job.PipelineID)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	blob, err := s.artifacts.Put(pipeline.RepositoryID, pipeline.ID, job.ID, id, filename, r)
	if err != nil {
		return nil, err
	}

	a := &models.Artifact{
		ID:          id,
		JobID:       job.ID,
		Path:        blob.Path,
		Size:        blob.Size,
		ContentPath: blob.ContentPath,
		Digest:      blob.Digest,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.CreateArtifact(ctx, a); err != nil {
		return nil, fmt.Errorf("recording artifact: %w", err)
	}
	slog.Info("artifact stored", "job_id", job.ID, "path", a.Path, "size", a.Size)
	return a, nil
}

func (s *Service) ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]*models.Artifact, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.ListArtifacts(ctx, jobID)
}

// OpenArtifact returns an artifact's record and decompressed content.
func (s *Service) OpenArtifact(ctx context.Context, artifactID uuid.UUID) (*models.Artifact, []byte, error) {
	a, err := s.store.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, nil, err
	}
	data, err := s.artifacts.Read(a.ContentPath)
	if err != nil {
		return nil, nil, err
	}
	return a, data, nil
}
