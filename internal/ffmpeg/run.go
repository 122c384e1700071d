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

package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"reel/internal/errdefs"
	"reel/internal/metrics"
	"reel/pkg/media"
)

const (
	// Process timeout bounds in seconds.
	minTimeoutSec = 300
	maxTimeoutSec = 14400

	errorTailLines = 10
)

// Runner executes ffmpeg and ffprobe binaries.
type Runner struct {
	ffmpegPath  string
	ffprobePath string
	logger      *zap.Logger
}

// NewRunner constructs a Runner. Empty paths fall back to the binaries
// on PATH.
func NewRunner(ffmpegPath, ffprobePath string, logger *zap.Logger) *Runner {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}
}

// Probe runs ffprobe against a local file and parses its JSON output.
func (r *Runner) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	if err := validatePath(path, "probe"); err != nil {
		return nil, err
	}
	start := time.Now()
	cmd := exec.CommandContext(ctx, r.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)
	out, err := cmd.Output()
	metrics.ObserveFFmpeg("probe", time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errdefs.Wrap(ctx.Err(), errdefs.CodeProcessingFailed, errdefs.KindTimeout, "probe cancelled")
		}
		return nil, errdefs.Wrap(err, errdefs.CodeProcessingFailed, errdefs.KindProcessing, "probe failed")
	}
	return ParseMediaInfo(out)
}

// DetectAccelerators asks ffmpeg for its hardware acceleration methods.
// Failures degrade to software-only.
func (r *Runner) DetectAccelerators(ctx context.Context) []Accelerator {
	cmd := exec.CommandContext(ctx, r.ffmpegPath, "-hide_banner", "-hwaccels")
	out, err := cmd.Output()
	if err != nil {
		r.logger.Warn("hwaccel detection failed, using software encoders", zap.Error(err))
		return nil
	}
	accels := parseHWAccels(string(out))
	if len(accels) > 0 {
		names := make([]string, len(accels))
		for i, a := range accels {
			names[i] = string(a)
		}
		r.logger.Info("hardware accelerators detected", zap.Strings("accelerators", names))
	}
	return accels
}

// Run executes a built command, streaming parsed progress to onProgress
// as stderr stats lines arrive. A cancelled context kills the child.
func (r *Runner) Run(ctx context.Context, args []string, totalDuration float64, onProgress func(Progress)) error {
	start := time.Now()
	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errdefs.Internal(err)
	}
	if err := cmd.Start(); err != nil {
		return errdefs.Wrap(err, errdefs.CodeProcessingFailed, errdefs.KindProcessing, "start ffmpeg")
	}

	// FFmpeg rewrites its stats line with carriage returns, so the
	// scanner splits on \r as well as \n. Non-progress lines feed the
	// error tail.
	tail := make([]string, 0, errorTailLines)
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanCRLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if p, ok := ParseProgress(line, totalDuration); ok {
			if onProgress != nil {
				onProgress(p)
			}
			continue
		}
		if len(tail) == errorTailLines {
			copy(tail, tail[1:])
			tail = tail[:errorTailLines-1]
		}
		tail = append(tail, line)
	}

	waitErr := cmd.Wait()
	metrics.ObserveFFmpeg("transcode", time.Since(start))
	if waitErr == nil {
		return nil
	}
	if ctx.Err() == context.Canceled {
		return errdefs.Wrap(ctx.Err(), errdefs.CodeProcessingFailed, errdefs.KindProcessing, "processing cancelled")
	}
	if ctx.Err() == context.DeadlineExceeded {
		return errdefs.Wrap(ctx.Err(), errdefs.CodeProcessingFailed, errdefs.KindTimeout, "processing timed out")
	}
	msg := "ffmpeg failed"
	if len(tail) > 0 {
		msg = "ffmpeg failed: " + strings.Join(tail, " | ")
	}
	return errdefs.Wrap(waitErr, errdefs.CodeProcessingFailed, errdefs.KindProcessing, msg)
}

// RunCapture executes ffmpeg and returns its complete stderr text.
// Analysis filters (psnr, ssim, libvmaf) print their summaries there.
func (r *Runner) RunCapture(ctx context.Context, args []string) (string, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, r.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	metrics.ObserveFFmpeg("analyze", time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return stderr.String(), errdefs.Wrap(ctx.Err(), errdefs.CodeProcessingFailed, errdefs.KindTimeout, "analysis cancelled")
		}
		return stderr.String(), errdefs.Wrap(err, errdefs.CodeProcessingFailed, errdefs.KindProcessing, "analysis run failed")
	}
	return stderr.String(), nil
}

// scanCRLines is a bufio.SplitFunc that treats \r and \n both as line
// terminators.
func scanCRLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ProcessingTimeout bounds a job's ffmpeg run: ten times the input
// duration plus per-operation surcharges, clamped to sane limits.
func ProcessingTimeout(durationSec float64, ops []media.Operation) time.Duration {
	total := 10 * durationSec
	for _, op := range ops {
		switch op.Type {
		case "transcode":
			total += 60
		case "watermark":
			total += 120
		case "filter":
			total += 60
		case "stream_map", "stream":
			total += 300
		}
	}
	if total < minTimeoutSec {
		total = minTimeoutSec
	}
	if total > maxTimeoutSec {
		total = maxTimeoutSec
	}
	return time.Duration(total * float64(time.Second))
}
