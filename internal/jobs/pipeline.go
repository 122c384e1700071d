// Reel is a media transcoding service.
// Copyright (C) 2025 The Reel Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package jobs runs transcoding work. The Worker polls for queued jobs
// and holds a lease while the Pipeline takes each one through download,
// analysis, ffmpeg execution, and upload. A Tracker throttles progress
// writes along the way.
//
// Terminal transitions are guarded by worker id and epoch so a stale
// worker whose lease was stolen cannot overwrite the new owner's work.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reel/internal/breaker"
	"reel/internal/errdefs"
	"reel/internal/ffmpeg"
	"reel/internal/metrics"
	"reel/internal/quality"
	"reel/internal/storage"
	"reel/pkg/media"
)

// Progress floors per stage. ffmpeg's own percentage is scaled into the
// processing band.
const (
	progressDownloadDone = 10
	progressAnalyzeDone  = 20
	progressProcessDone  = 90
)

const (
	// finalizeTimeout bounds terminal writes, which must land even when
	// the run context is already cancelled.
	finalizeTimeout = 15 * time.Second

	defaultCancelPoll = 1 * time.Second

	uploadParallelism = 4

	maxEventMessage = 2000
)

// Store defines the persistence operations required by this package.
// *store.Store satisfies it.
type Store interface {
	AcquireQueuedJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*media.Job, error)
	ExtendLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (bool, error)
	ListExpiredLeases(ctx context.Context, now time.Time, limit int) ([]string, error)
	StealExpiredLease(ctx context.Context, jobID, newWorkerID string, leaseTTL time.Duration) (bool, error)
	GetJob(ctx context.Context, id string) (*media.Job, error)
	UpdateJobProgress(ctx context.Context, id string, epoch int, progress float64, stage, statusMessage string, statsJSON []byte) (bool, error)
	CompleteJob(ctx context.Context, id, workerID string, epoch int, processingTime float64, qualityJSON, statsJSON []byte) error
	FailJob(ctx context.Context, id, workerID string, epoch int, message string) error
	MarkCancelled(ctx context.Context, id, workerID string, epoch int) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	AppendJobEvent(ctx context.Context, ev media.JobEvent) error
}

// MediaTool abstracts the ffmpeg/ffprobe binaries. *ffmpeg.Runner is
// the production implementation; tests substitute a fake so they run on
// machines without the binaries installed.
type MediaTool interface {
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
	DetectAccelerators(ctx context.Context) []ffmpeg.Accelerator
	Run(ctx context.Context, args []string, totalDuration float64, onProgress func(ffmpeg.Progress)) error
}

// QualityAnalyzer computes post-transcode comparison metrics.
type QualityAnalyzer interface {
	Analyze(ctx context.Context, reference, test string, opts quality.Options) (*quality.Report, error)
}

// Notifier sends job lifecycle webhooks. *webhook.Engine satisfies it.
type Notifier interface {
	Send(ctx context.Context, jobID string, event media.WebhookEvent, targetURL string, fields map[string]any, retry bool) bool
}

// PipelineConfig carries the pipeline's optional collaborators.
type PipelineConfig struct {
	Analyzer QualityAnalyzer
	Notifier Notifier
	Breakers *breaker.Registry
	Cache    Invalidator
	WorkDir  string
}

// Pipeline executes a single job from download through upload.
type Pipeline struct {
	store    Store
	resolver *storage.Resolver
	tool     MediaTool
	analyzer QualityAnalyzer
	notifier Notifier
	breakers *breaker.Registry
	cache    Invalidator
	workDir  string
	log      *zap.Logger

	cancelPoll time.Duration
	now        func() time.Time
}

// NewPipeline constructs a Pipeline. Analyzer, Notifier, and Cache may
// be nil; a nil Breakers gets a default registry.
func NewPipeline(st Store, resolver *storage.Resolver, tool MediaTool, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = breaker.NewRegistry(breaker.Config{}, logger)
	}
	return &Pipeline{
		store:      st,
		resolver:   resolver,
		tool:       tool,
		analyzer:   cfg.Analyzer,
		notifier:   cfg.Notifier,
		breakers:   cfg.Breakers,
		cache:      cfg.Cache,
		workDir:    cfg.WorkDir,
		log:        logger,
		cancelPoll: defaultCancelPoll,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs the job to a terminal state. The caller must hold the
// job's lease; workerID and job.Epoch guard every terminal write. A
// cancelled parent context abandons the job without touching its record
// so the expired lease can be stolen and the work restarted.
func (p *Pipeline) Execute(ctx context.Context, job *media.Job, workerID string) error {
	start := p.now()
	log := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("worker_id", workerID),
		zap.Int("epoch", job.Epoch))
	tracker := NewTracker(p.store, p.cache, p.log, job.ID, job.Epoch)

	stage := "starting"
	_ = p.appendEvent(ctx, job.ID, media.EventLevelInfo, "processing started by "+workerID, &stage)

	ops, err := job.DecodeOperations()
	if err != nil {
		return p.fail(job, workerID, tracker, stage, err)
	}
	opts, err := job.DecodeOptions()
	if err != nil {
		return p.fail(job, workerID, tracker, stage, err)
	}

	inLoc, err := storage.ParseLocator(job.InputPath)
	if err != nil {
		return p.fail(job, workerID, tracker, stage, fmt.Errorf("input path: %w", err))
	}
	outLoc, err := storage.ParseLocator(job.OutputPath)
	if err != nil {
		return p.fail(job, workerID, tracker, stage, fmt.Errorf("output path: %w", err))
	}
	inBackend, err := p.resolver.Resolve(inLoc)
	if err != nil {
		return p.fail(job, workerID, tracker, stage, err)
	}
	outBackend, err := p.resolver.Resolve(outLoc)
	if err != nil {
		return p.fail(job, workerID, tracker, stage, err)
	}

	workspace, err := os.MkdirTemp(p.workDir, "reel-job-")
	if err != nil {
		return p.fail(job, workerID, tracker, stage, fmt.Errorf("create workspace: %w", err))
	}
	defer func() {
		if rmErr := os.RemoveAll(workspace); rmErr != nil {
			log.Warn("workspace cleanup failed", zap.Error(rmErr))
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var cancelled atomic.Bool
	go p.watchCancel(runCtx, job.ID, &cancelled, cancelRun)

	// Download.
	stage = "downloading"
	stageStart := p.now()
	tracker.Update(runCtx, 0, stage, "fetching input", nil)
	localIn := filepath.Join(workspace, "input"+path.Ext(inLoc.Path))
	if err := p.download(runCtx, inBackend, inLoc.Path, localIn); err != nil {
		return p.abort(runCtx, job, workerID, tracker, stage, &cancelled, fmt.Errorf("download input: %w", err))
	}
	metrics.ObserveStage(stage, p.now().Sub(stageStart))
	tracker.Update(runCtx, progressDownloadDone, stage, "input fetched", nil)

	// Analyze.
	stage = "analyzing"
	stageStart = p.now()
	var info *ffmpeg.MediaInfo
	err = p.breakers.Do("ffmpeg", func() error {
		var perr error
		info, perr = p.tool.Probe(runCtx, localIn)
		return perr
	})
	if err != nil {
		return p.abort(runCtx, job, workerID, tracker, stage, &cancelled, fmt.Errorf("probe input: %w", err))
	}
	if err := info.ValidateInputFormat(); err != nil {
		return p.abort(runCtx, job, workerID, tracker, stage, &cancelled, err)
	}
	duration := info.DurationSeconds()
	timeout := ffmpeg.ProcessingTimeout(duration, ops)
	metrics.ObserveStage(stage, p.now().Sub(stageStart))
	tracker.Update(runCtx, progressAnalyzeDone, stage, fmt.Sprintf("input validated, %.1fs source", duration), nil)

	accels := p.tool.DetectAccelerators(runCtx)
	localOut := localOutputPath(workspace, outLoc.Path, opts, ops)
	cmd, err := ffmpeg.BuildCommand(ffmpeg.BuildRequest{
		Input:      localIn,
		Output:     localOut,
		Options:    opts,
		Operations: ops,
		Accels:     accels,
	})
	if err != nil {
		return p.abort(runCtx, job, workerID, tracker, stage, &cancelled, err)
	}
	for _, w := range cmd.Warnings {
		_ = p.appendEvent(runCtx, job.ID, media.EventLevelWarn, w, &stage)
	}
	if cmd.IsStreaming {
		if err := os.MkdirAll(cmd.OutputDir, 0o755); err != nil {
			return p.abort(runCtx, job, workerID, tracker, stage, &cancelled, fmt.Errorf("create output dir: %w", err))
		}
	}
	if cmd.VideoEncoder != "" {
		log.Info("encoder selected",
			zap.String("encoder", cmd.VideoEncoder),
			zap.String("accel", string(cmd.Accel)))
	}

	// Process.
	stage = "processing"
	stageStart = p.now()
	var finalStats *media.ProcessingStats
	procCtx, cancelProc := context.WithTimeout(runCtx, timeout)
	defer cancelProc()
	err = p.breakers.Do("ffmpeg", func() error {
		return p.tool.Run(procCtx, cmd.Args, duration, func(pr ffmpeg.Progress) {
			stats := &media.ProcessingStats{
				Frame:         pr.Frame,
				FPS:           pr.FPS,
				Bitrate:       pr.Bitrate,
				Speed:         pr.Speed,
				TimeProcessed: pr.TimeProcessed,
				LastUpdate:    p.now(),
			}
			finalStats = stats
			pct := progressAnalyzeDone + pr.Percent*(progressProcessDone-progressAnalyzeDone)/100
			tracker.Update(procCtx, pct, stage, fmt.Sprintf("frame %d, %.1fx realtime", pr.Frame, pr.Speed), stats)
		})
	})
	if err != nil {
		return p.abort(runCtx, job, workerID, tracker, stage, &cancelled, err)
	}
	metrics.ObserveStage(stage, p.now().Sub(stageStart))

	// Upload.
	stage = "uploading"
	stageStart = p.now()
	tracker.Update(runCtx, progressProcessDone, stage, "storing output", nil)
	if cmd.IsStreaming {
		err = p.uploadTree(runCtx, outBackend, cmd.OutputDir, outLoc.Path)
	} else {
		err = p.upload(runCtx, outBackend, localOut, outLoc.Path)
	}
	if err != nil {
		return p.abort(runCtx, job, workerID, tracker, stage, &cancelled, fmt.Errorf("upload output: %w", err))
	}
	metrics.ObserveStage(stage, p.now().Sub(stageStart))

	report := p.analyzeQuality(runCtx, job.ID, localIn, localOut, opts, cmd.IsStreaming)

	if cancelled.Load() {
		return p.cancelJob(job, workerID, tracker, stage)
	}

	// Finalize.
	processingTime := p.now().Sub(start).Seconds()
	if job.StartedAt != nil {
		processingTime = p.now().Sub(*job.StartedAt).Seconds()
	}
	var qualityJSON, statsJSON []byte
	if report != nil {
		qualityJSON, _ = json.Marshal(report)
	}
	if finalStats != nil {
		statsJSON, _ = json.Marshal(finalStats)
	}
	finCtx, cancelFin := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancelFin()
	if err := p.store.CompleteJob(finCtx, job.ID, workerID, job.Epoch, processingTime, qualityJSON, statsJSON); err != nil {
		log.Error("complete job failed", zap.Error(err))
		return fmt.Errorf("complete job: %w", err)
	}
	stage = "completed"
	_ = p.appendEvent(finCtx, job.ID, media.EventLevelInfo, fmt.Sprintf("completed in %.1fs", processingTime), &stage)
	tracker.Invalidate(finCtx)
	metrics.IncJob("completed")

	fields := map[string]any{
		"status":          "completed",
		"output_path":     job.OutputPath,
		"processing_time": processingTime,
	}
	if report != nil {
		fields["quality"] = report
	}
	p.sendWebhook(finCtx, job, media.WebhookEventComplete, fields)
	log.Info("job completed", zap.Float64("processing_time", processingTime))
	return nil
}

// watchCancel polls the cancel flag and tears down the run when a
// client requested cancellation. Exits with the run context.
func (p *Pipeline) watchCancel(ctx context.Context, jobID string, flagged *atomic.Bool, cancel context.CancelFunc) {
	ticker := time.NewTicker(p.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		want, err := p.store.CancelRequested(ctx, jobID)
		if err != nil {
			continue
		}
		if want {
			flagged.Store(true)
			cancel()
			return
		}
	}
}

// abort resolves a stage error. A client cancel finalizes the job as
// cancelled; a dead run context without the flag means the lease was
// lost or the worker is shutting down, so the record is left for the
// next owner. Anything else is a real failure.
func (p *Pipeline) abort(ctx context.Context, job *media.Job, workerID string, tracker *Tracker, stage string, cancelled *atomic.Bool, err error) error {
	if cancelled.Load() {
		return p.cancelJob(job, workerID, tracker, stage)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s interrupted: %w", stage, ctx.Err())
	}
	return p.fail(job, workerID, tracker, stage, err)
}

func (p *Pipeline) fail(job *media.Job, workerID string, tracker *Tracker, stage string, err error) error {
	msg := errdefs.Sanitize(err.Error())
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if ferr := p.store.FailJob(ctx, job.ID, workerID, job.Epoch, msg); ferr != nil {
		p.log.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(ferr))
	}
	_ = p.appendEvent(ctx, job.ID, media.EventLevelError, msg, &stage)
	tracker.Invalidate(ctx)
	metrics.IncJob("failed")
	p.sendWebhook(ctx, job, media.WebhookEventError, map[string]any{
		"status": "failed",
		"error":  msg,
		"stage":  stage,
	})
	p.log.Warn("job failed",
		zap.String("job_id", job.ID),
		zap.String("stage", stage),
		zap.Error(err))
	return fmt.Errorf("%s: %w", stage, err)
}

func (p *Pipeline) cancelJob(job *media.Job, workerID string, tracker *Tracker, stage string) error {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := p.store.MarkCancelled(ctx, job.ID, workerID, job.Epoch); err != nil {
		p.log.Error("mark job cancelled", zap.String("job_id", job.ID), zap.Error(err))
	}
	_ = p.appendEvent(ctx, job.ID, media.EventLevelWarn, "cancelled by request", &stage)
	tracker.Invalidate(ctx)
	metrics.IncJob("cancelled")
	p.sendWebhook(ctx, job, media.WebhookEventError, map[string]any{
		"status": "cancelled",
		"reason": "cancelled",
	})
	p.log.Info("job cancelled", zap.String("job_id", job.ID), zap.String("stage", stage))
	return errors.New("job cancelled during " + stage)
}

func (p *Pipeline) download(ctx context.Context, backend storage.Backend, remote, local string) error {
	f, err := os.Create(local)
	if err != nil {
		return fmt.Errorf("create workspace file: %w", err)
	}
	err = p.breakers.Do("storage", func() error {
		return backend.Download(ctx, remote, f)
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (p *Pipeline) upload(ctx context.Context, backend storage.Backend, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	return p.breakers.Do("storage", func() error {
		return backend.Upload(ctx, remote, f)
	})
}

// uploadTree pushes a streaming output directory, preserving relative
// paths under the destination prefix.
func (p *Pipeline) uploadTree(ctx context.Context, backend storage.Backend, dir, remoteBase string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadParallelism)
	walkErr := filepath.WalkDir(dir, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, fp)
		if err != nil {
			return err
		}
		remote := path.Join(remoteBase, filepath.ToSlash(rel))
		g.Go(func() error {
			return p.upload(gctx, backend, fp, remote)
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return walkErr
}

// analyzeQuality runs the optional post-transcode comparison. Analysis
// failures degrade to a warning event; they never fail the job.
func (p *Pipeline) analyzeQuality(ctx context.Context, jobID, reference, test string, opts map[string]any, streaming bool) *quality.Report {
	if p.analyzer == nil || streaming {
		return nil
	}
	qopts, ok := qualityOptions(opts)
	if !ok {
		return nil
	}
	report, err := p.analyzer.Analyze(ctx, reference, test, qopts)
	if err != nil {
		stage := "analyzing"
		_ = p.appendEvent(ctx, jobID, media.EventLevelWarn, "quality analysis failed: "+errdefs.Sanitize(err.Error()), &stage)
		return nil
	}
	return report
}

func (p *Pipeline) sendWebhook(ctx context.Context, job *media.Job, event media.WebhookEvent, fields map[string]any) {
	if p.notifier == nil || job.WebhookURL == nil || *job.WebhookURL == "" {
		return
	}
	p.notifier.Send(ctx, job.ID, event, *job.WebhookURL, fields, true)
}

func (p *Pipeline) appendEvent(ctx context.Context, jobID string, level media.EventLevel, msg string, stage *string) error {
	if stage != nil {
		// Copy: callers reuse the stage variable across stages.
		s := *stage
		stage = &s
	}
	ev := media.JobEvent{
		JobID:   jobID,
		Time:    p.now(),
		Level:   level,
		Message: truncate(msg, maxEventMessage),
		Stage:   stage,
	}
	if err := p.store.AppendJobEvent(ctx, ev); err != nil {
		p.log.Warn("append job event failed", zap.String("job_id", jobID), zap.Error(err))
		return err
	}
	return nil
}

// qualityOptions extracts the analysis request from the job's options.
// Accepts {"analyze": true} for the full battery or an object matching
// quality.Options.
func qualityOptions(opts map[string]any) (quality.Options, bool) {
	raw, ok := opts["analyze"]
	if !ok {
		return quality.Options{}, false
	}
	switch v := raw.(type) {
	case bool:
		if !v {
			return quality.Options{}, false
		}
		return quality.Options{VMAF: true, PSNR: true, SSIM: true}, true
	case map[string]any:
		buf, err := json.Marshal(v)
		if err != nil {
			return quality.Options{}, false
		}
		var q quality.Options
		if err := json.Unmarshal(buf, &q); err != nil {
			return quality.Options{}, false
		}
		if !q.VMAF && !q.PSNR && !q.SSIM {
			return quality.Options{}, false
		}
		return q, true
	}
	return quality.Options{}, false
}

// localOutputPath picks the workspace target ffmpeg writes to.
// Streaming jobs get a directory; file outputs keep the destination
// extension so ffmpeg infers the container when no explicit option is
// set.
func localOutputPath(workspace, remoteOut string, opts map[string]any, ops []media.Operation) string {
	for _, op := range ops {
		if op.Type == "stream_map" || op.Type == "stream" {
			return filepath.Join(workspace, "stream")
		}
	}
	ext := path.Ext(remoteOut)
	if ext == "" {
		if c, ok := opts["container"].(string); ok && c != "" {
			ext = "." + c
		}
	}
	return filepath.Join(workspace, "output"+ext)
}

func strPtr(s string) *string { return &s }

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
