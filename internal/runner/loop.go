package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ciengine/pkg/models"
)

// Config controls the runner loop.
type Config struct {
	Tags []string
	// PollInterval is the wait between lease attempts while idle.
	PollInterval time.Duration
	// BatchLines is how many output lines go into one log chunk.
	BatchLines int
	// CheckEveryLines is how many output lines pass between job status checks.
	CheckEveryLines int
	// CheckInterval bounds the time between status checks for jobs that
	// print nothing.
	CheckInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchLines <= 0 {
		c.BatchLines = 10
	}
	if c.CheckEveryLines <= 0 {
		c.CheckEveryLines = 50
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
}

// Loop leases jobs one at a time and runs them to completion.
type Loop struct {
	client Client
	exec   Executor
	cfg    Config
}

// NewLoop creates a Loop.
func NewLoop(c Client, e Executor, cfg Config) *Loop {
	cfg.setDefaults()
	return &Loop{client: c, exec: e, cfg: cfg}
}

// Run polls for jobs until ctx is canceled. A job in progress when ctx is
// canceled is aborted and reported failed.
func (l *Loop) Run(ctx context.Context) error {
	slog.Info("runner started", "tags", l.cfg.Tags, "poll_interval", l.cfg.PollInterval.String())
	for {
		desc, err := l.client.Lease(ctx, l.cfg.Tags)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrUnauthorized) {
				return err
			}
			slog.Warn("lease failed", "error", err)
		}
		if desc != nil {
			l.RunJob(ctx, desc)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("runner stopped")
			return nil
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// RunJob executes one leased job and returns the status it reported.
func (l *Loop) RunJob(ctx context.Context, desc *models.JobDescriptor) models.Status {
	start := time.Now()
	logger := slog.With("job_id", desc.JobID, "pipeline_id", desc.PipelineID)
	logger.Info("job started", "image", desc.Image, "workspace", desc.Workspace)

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()

	stream := &logStream{
		client:     l.client,
		jobID:      desc.JobID,
		batchLines: l.cfg.BatchLines,
	}
	var canceled atomic.Bool
	check := func() {
		status, err := l.client.JobStatus(ctx, desc.JobID)
		if err != nil {
			logger.Warn("job status check failed", "error", err)
			return
		}
		if status == models.StatusCanceled && !canceled.Swap(true) {
			logger.Info("job canceled by server, aborting")
			cancelExec()
		}
	}

	var exitCode int
	var runErr error
	if err := os.MkdirAll(desc.Workspace, 0o755); err != nil {
		runErr = fmt.Errorf("preparing workspace: %w", err)
	} else {
		exitCode, runErr = l.execute(execCtx, desc, stream, check)
	}

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	status := models.StatusFailed
	var code *int
	switch {
	case canceled.Load():
		status = models.StatusCanceled
	case runErr != nil:
		if ctx.Err() != nil {
			runErr = errors.New("runner shutting down")
		}
		logger.Error("job execution error", "error", runErr)
		stream.writeLine(reportCtx, "ERROR: "+runErr.Error()+"\n")
	default:
		code = &exitCode
		if exitCode == 0 {
			status = models.StatusSuccess
		}
	}
	stream.flush(reportCtx)

	if status != models.StatusCanceled {
		l.uploadArtifacts(reportCtx, logger, desc)
	}

	if err := l.client.ReportStatus(reportCtx, desc.JobID, status, code); err != nil {
		logger.Error("failed to report job status", "status", status, "error", err)
	}
	logger.Info("job finished",
		"status", status,
		"exit_code", exitCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return status
}

// execute runs the job with its output piped through the log stream and
// status checks running alongside.
func (l *Loop) execute(ctx context.Context, desc *models.JobDescriptor, stream *logStream, check func()) (int, error) {
	pr, pw := io.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stream.consume(context.WithoutCancel(ctx), pr, l.cfg.CheckEveryLines, check)
	}()

	done := make(chan struct{})
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				check()
			}
		}
	}()

	exitCode, err := l.exec.Run(ctx, Execution{
		Image:     desc.Image,
		Script:    desc.Script,
		Env:       desc.Env,
		Workspace: desc.Workspace,
	}, pw)
	close(done)
	pw.Close()
	wg.Wait()
	return exitCode, err
}

// uploadArtifacts sends every file matched by the job's artifact globs.
// Directories are uploaded recursively. Failures are logged and skipped.
func (l *Loop) uploadArtifacts(ctx context.Context, logger *slog.Logger, desc *models.JobDescriptor) {
	for _, rel := range collectArtifacts(desc.Workspace, desc.ArtifactPaths) {
		f, err := os.Open(filepath.Join(desc.Workspace, filepath.FromSlash(rel)))
		if err != nil {
			logger.Warn("failed to open artifact", "path", rel, "error", err)
			continue
		}
		err = l.client.UploadArtifact(ctx, desc.JobID, rel, f)
		f.Close()
		if err != nil {
			logger.Warn("failed to upload artifact", "path", rel, "error", err)
			continue
		}
		logger.Info("artifact uploaded", "path", rel)
	}
}

// collectArtifacts expands patterns relative to workspace and returns
// slash-separated workspace-relative file paths, without duplicates.
// Matches outside the workspace are ignored.
func collectArtifacts(workspace string, patterns []string) []string {
	var out []string
	seen := map[string]bool{}
	add := func(path string) {
		rel, err := filepath.Rel(workspace, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return
		}
		rel = filepath.ToSlash(rel)
		if !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}

	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(workspace, filepath.FromSlash(pattern)))
		if err != nil {
			continue
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil {
				continue
			}
			if !info.IsDir() {
				add(m)
				continue
			}
			_ = filepath.WalkDir(m, func(path string, d fs.DirEntry, err error) error {
				if err == nil && d.Type().IsRegular() {
					add(path)
				}
				return nil
			})
		}
	}
	return out
}

// logStream batches output lines into log chunks with increasing seq.
type logStream struct {
	client     Client
	jobID      uuid.UUID
	batchLines int

	mu    sync.Mutex
	seq   int64
	buf   strings.Builder
	lines int
}

// consume reads r line by line until EOF, calling check every checkEvery
// lines.
func (s *logStream) consume(ctx context.Context, r io.Reader, checkEvery int, check func()) {
	br := bufio.NewReader(r)
	sinceCheck := 0
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			s.writeLine(ctx, line)
			sinceCheck++
			if sinceCheck >= checkEvery {
				sinceCheck = 0
				check()
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *logStream) writeLine(ctx context.Context, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.WriteString(line)
	s.lines++
	if s.lines >= s.batchLines {
		s.flushLocked(ctx)
	}
}

func (s *logStream) flush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked(ctx)
}

// flushLocked sends the buffered lines. A failed send is dropped; the seq
// still advances so later chunks keep their order.
func (s *logStream) flushLocked(ctx context.Context) {
	if s.buf.Len() == 0 {
		return
	}
	seq := s.seq
	s.seq++
	content := s.buf.String()
	s.buf.Reset()
	s.lines = 0
	if err := s.client.AppendLog(ctx, s.jobID, seq, content); err != nil {
		slog.Warn("failed to append log chunk", "job_id", s.jobID, "seq", seq, "error", err)
	}
}
