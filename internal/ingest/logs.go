package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/internal/cache"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// defaultFollowPoll is how often Follow re-reads stored chunks and the job
// status while waiting for output.
const defaultFollowPoll = 2 * time.Second

// AppendLog stores one output fragment. Fragments may arrive in any
// order; readers sort them by seq.
func (s *Service) AppendLog(ctx context.Context, jobID uuid.UUID, seq int64, content string) (*models.LogChunk, error) {
	if seq < 0 {
		return nil, ErrInvalidSeq
	}
	chunk := &models.LogChunk{
		JobID:     jobID,
		Seq:       seq,
		Content:   content,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.AppendLogChunk(ctx, chunk); err != nil {
		return nil, err
	}

	if s.cache != nil {
		payload, err := json.Marshal(chunk)
		if err == nil {
			err = s.cache.Publish(ctx, cache.JobLogChannel(jobID), payload)
		}
		if err != nil {
			slog.Warn("failed to publish log chunk", "job_id", jobID, "seq", seq, "error", err)
		}
	}
	return chunk, nil
}

// GetJobLogs returns the job's output with chunks concatenated in seq
// order.
func (s *Service) GetJobLogs(ctx context.Context, jobID uuid.UUID) (string, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return "", err
	}
	chunks, err := s.store.ListLogChunks(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("listing log chunks: %w", err)
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Content)
	}
	return b.String(), nil
}

// Follow calls emit for every stored chunk in seq order and then for each
// new chunk as it arrives, until the job is terminal, ctx ends, or emit
// fails. Live chunks come from pub/sub when a cache is configured; stored
// chunks are re-read on every poll so none are missed without it.
func (s *Service) Follow(ctx context.Context, jobID uuid.UUID, emit func(*models.LogChunk) error) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	var messages <-chan []byte
	if s.cache != nil && !job.Status.IsTerminal() {
		sub, err := s.cache.Subscribe(ctx, cache.JobLogChannel(jobID))
		if err != nil {
			slog.Warn("live log subscription failed", "job_id", jobID, "error", err)
		} else {
			defer sub.Close()
			messages = sub.Messages()
		}
	}

	sent := map[int64]bool{}
	catchUp := func() error {
		chunks, err := s.store.ListLogChunks(ctx, jobID)
		if err != nil {
			return fmt.Errorf("listing log chunks: %w", err)
		}
		for _, c := range chunks {
			if sent[c.ID] {
				continue
			}
			sent[c.ID] = true
			if err := emit(c); err != nil {
				return err
			}
		}
		return nil
	}

	if err := catchUp(); err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	ticker := time.NewTicker(s.followPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			var c models.LogChunk
			if err := json.Unmarshal(payload, &c); err != nil || sent[c.ID] {
				continue
			}
			sent[c.ID] = true
			if err := emit(&c); err != nil {
				return err
			}
		case <-ticker.C:
			status, err := s.JobStatus(ctx, jobID)
			if err != nil {
				return err
			}
			if err := catchUp(); err != nil {
				return err
			}
			if status.IsTerminal() {
				return nil
			}
		}
	}
}
