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

// Package quality compares a transcoded artifact against its reference
// input with VMAF, PSNR, SSIM, and bitrate metrics.
package quality

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"reel/internal/ffmpeg"
)

// Tool is the slice of the ffmpeg runner the analyzer needs.
type Tool interface {
	Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error)
	RunCapture(ctx context.Context, args []string) (string, error)
}

// Options selects which metrics to compute.
type Options struct {
	VMAF  bool   `json:"vmaf"`
	PSNR  bool   `json:"psnr"`
	SSIM  bool   `json:"ssim"`
	Model string `json:"model,omitempty"`
}

// Report is the full analysis result, stored on the job record.
type Report struct {
	VMAF            *VMAFResult        `json:"vmaf,omitempty"`
	PSNR            *PSNRResult        `json:"psnr,omitempty"`
	SSIM            *SSIMResult        `json:"ssim,omitempty"`
	Bitrate         *BitrateComparison `json:"bitrate,omitempty"`
	Grade           string             `json:"grade,omitempty"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
}

// VMAFResult aggregates per-frame VMAF scores.
type VMAFResult struct {
	Model  string    `json:"model"`
	Mean   float64   `json:"mean"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	P1     float64   `json:"p1"`
	P5     float64   `json:"p5"`
	P95    float64   `json:"p95"`
	P99    float64   `json:"p99"`
	Frames int       `json:"frames"`
	Scores []float64 `json:"scores,omitempty"`
}

type PSNRResult struct {
	Average float64 `json:"average"`
	Y       float64 `json:"y"`
	U       float64 `json:"u"`
	V       float64 `json:"v"`
}

type SSIMResult struct {
	All float64 `json:"all"`
	Y   float64 `json:"y"`
	U   float64 `json:"u"`
	V   float64 `json:"v"`
}

// BitrateComparison is derived from the two probes alone.
type BitrateComparison struct {
	ReferenceSizeBytes      int64   `json:"reference_size_bytes"`
	TestSizeBytes           int64   `json:"test_size_bytes"`
	ReferenceBitrateBPS     int64   `json:"reference_bitrate_bps"`
	TestBitrateBPS          int64   `json:"test_bitrate_bps"`
	SizeReductionPercent    float64 `json:"size_reduction_percent"`
	BitrateReductionPercent float64 `json:"bitrate_reduction_percent"`
	CompressionRatio        float64 `json:"compression_ratio"`
}

// Analyzer runs quality comparisons. ModelDir holds the VMAF model
// files; when empty or a model is absent, libvmaf's built-in model is
// used.
type Analyzer struct {
	tool     Tool
	modelDir string
	logger   *zap.Logger
}

func NewAnalyzer(tool Tool, modelDir string, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{tool: tool, modelDir: modelDir, logger: logger}
}

// Analyze compares test against reference. Metric failures degrade to
// warnings; the report carries whatever could be computed. An error is
// returned only when nothing at all could run.
func (a *Analyzer) Analyze(ctx context.Context, reference, test string, opts Options) (*Report, error) {
	report := &Report{}

	refInfo, err := a.tool.Probe(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("probe reference: %w", err)
	}
	testInfo, err := a.tool.Probe(ctx, test)
	if err != nil {
		return nil, fmt.Errorf("probe test artifact: %w", err)
	}

	report.Bitrate = compareBitrate(refInfo, testInfo)

	mismatch := resolutionMismatch(refInfo, testInfo)
	if mismatch {
		report.Warnings = append(report.Warnings,
			"reference and test resolutions differ; test is rescaled for comparison")
	}

	if opts.VMAF {
		vmaf, warns, err := a.runVMAF(ctx, reference, test, opts.Model, mismatch)
		report.Warnings = append(report.Warnings, warns...)
		if err != nil {
			a.logger.Warn("vmaf analysis failed", zap.Error(err))
			report.Warnings = append(report.Warnings, "vmaf analysis failed")
		} else {
			report.VMAF = vmaf
			report.Grade = GradeFor(vmaf.Mean)
			report.Recommendations = recommendationsFor(vmaf)
		}
	}
	if opts.PSNR {
		psnr, err := a.runPSNR(ctx, reference, test, mismatch)
		if err != nil {
			a.logger.Warn("psnr analysis failed", zap.Error(err))
			report.Warnings = append(report.Warnings, "psnr analysis failed")
		} else {
			report.PSNR = psnr
		}
	}
	if opts.SSIM {
		ssim, err := a.runSSIM(ctx, reference, test, mismatch)
		if err != nil {
			a.logger.Warn("ssim analysis failed", zap.Error(err))
			report.Warnings = append(report.Warnings, "ssim analysis failed")
		} else {
			report.SSIM = ssim
		}
	}
	return report, nil
}

func resolutionMismatch(ref, test *ffmpeg.MediaInfo) bool {
	rv, tv := ref.VideoStream(), test.VideoStream()
	if rv == nil || tv == nil {
		return false
	}
	return rv.Width != tv.Width || rv.Height != tv.Height
}

func compareBitrate(ref, test *ffmpeg.MediaInfo) *BitrateComparison {
	cmp := &BitrateComparison{
		ReferenceSizeBytes:  ref.SizeBytes(),
		TestSizeBytes:       test.SizeBytes(),
		ReferenceBitrateBPS: ref.BitRateBPS(),
		TestBitrateBPS:      test.BitRateBPS(),
	}
	if cmp.ReferenceSizeBytes > 0 {
		cmp.SizeReductionPercent = (1 - float64(cmp.TestSizeBytes)/float64(cmp.ReferenceSizeBytes)) * 100
	}
	if cmp.ReferenceBitrateBPS > 0 {
		cmp.BitrateReductionPercent = (1 - float64(cmp.TestBitrateBPS)/float64(cmp.ReferenceBitrateBPS)) * 100
	}
	if cmp.TestSizeBytes > 0 {
		cmp.CompressionRatio = float64(cmp.ReferenceSizeBytes) / float64(cmp.TestSizeBytes)
	}
	return cmp
}

// GradeFor maps a mean VMAF score to its letter grade.
func GradeFor(mean float64) string {
	switch {
	case mean >= 95:
		return "Excellent"
	case mean >= 80:
		return "Very Good"
	case mean >= 60:
		return "Good"
	case mean >= 40:
		return "Fair"
	default:
		return "Poor"
	}
}

func recommendationsFor(v *VMAFResult) []string {
	var recs []string
	if v.Mean < 60 {
		recs = append(recs, "mean quality is low; increase the target bitrate or lower crf")
	}
	if v.Min < 30 {
		recs = append(recs, "worst frames score very low; complex scenes may need a higher bitrate or slower preset")
	}
	return recs
}

// modelFile maps a model name to its file. Mobile uses the HD model
// with the phone transform enabled at the filter.
func modelFile(model string) (string, bool) {
	switch model {
	case "4k":
		return "vmaf_4k_v0.6.1.json", false
	case "mobile":
		return "vmaf_v0.6.1.json", true
	default: // hd
		return "vmaf_v0.6.1.json", false
	}
}

// vmafFilter assembles the lavfi graph for a VMAF run. Inputs: 0 is
// the test artifact, 1 the reference.
func vmafFilter(logPath, modelPath string, phone, rescale bool) string {
	vmaf := "libvmaf=log_fmt=json:log_path=" + logPath
	if modelPath != "" {
		vmaf += ":model_path=" + modelPath
	}
	if phone {
		vmaf += ":phone_model=1"
	}
	if rescale {
		return "[0:v][1:v]scale2ref[dis][ref];[dis][ref]" + vmaf
	}
	return "[0:v][1:v]" + vmaf
}

func (a *Analyzer) runVMAF(ctx context.Context, reference, test, model string, rescale bool) (*VMAFResult, []string, error) {
	if model == "" {
		model = "hd"
	}
	file, phone := modelFile(model)

	var warns []string
	modelPath := ""
	if a.modelDir != "" {
		candidate := filepath.Join(a.modelDir, file)
		if _, err := os.Stat(candidate); err == nil {
			modelPath = candidate
		} else {
			warns = append(warns, fmt.Sprintf("vmaf model %s not found; using built-in model", file))
		}
	}

	logFile, err := os.CreateTemp("", "reel-vmaf-*.json")
	if err != nil {
		return nil, warns, err
	}
	logPath := logFile.Name()
	logFile.Close()
	defer os.Remove(logPath)

	args := []string{
		"-hide_banner",
		"-i", test,
		"-i", reference,
		"-lavfi", vmafFilter(logPath, modelPath, phone, rescale),
		"-f", "null", "-",
	}
	if _, err := a.tool.RunCapture(ctx, args); err != nil {
		return nil, warns, err
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		return nil, warns, fmt.Errorf("read vmaf log: %w", err)
	}
	result, err := parseVMAFLog(data)
	if err != nil {
		return nil, warns, err
	}
	result.Model = model
	return result, warns, nil
}

func analysisFilter(metric string, rescale bool) string {
	if rescale {
		return "[0:v][1:v]scale2ref[dis][ref];[dis][ref]" + metric
	}
	return "[0:v][1:v]" + metric
}

func (a *Analyzer) runPSNR(ctx context.Context, reference, test string, rescale bool) (*PSNRResult, error) {
	args := []string{
		"-hide_banner",
		"-i", test,
		"-i", reference,
		"-lavfi", analysisFilter("psnr", rescale),
		"-f", "null", "-",
	}
	stderr, err := a.tool.RunCapture(ctx, args)
	if err != nil {
		return nil, err
	}
	return parsePSNR(stderr)
}

func (a *Analyzer) runSSIM(ctx context.Context, reference, test string, rescale bool) (*SSIMResult, error) {
	args := []string{
		"-hide_banner",
		"-i", test,
		"-i", reference,
		"-lavfi", analysisFilter("ssim", rescale),
		"-f", "null", "-",
	}
	stderr, err := a.tool.RunCapture(ctx, args)
	if err != nil {
		return nil, err
	}
	return parseSSIM(stderr)
}
