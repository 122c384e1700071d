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

package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"testing"

	"reel/internal/ffmpeg"
)

type fakeTool struct {
	probes   map[string]*ffmpeg.MediaInfo
	psnrOut  string
	ssimOut  string
	vmafLog  string
	runErr   error
	captures [][]string
}

func (f *fakeTool) Probe(ctx context.Context, path string) (*ffmpeg.MediaInfo, error) {
	info, ok := f.probes[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return info, nil
}

func (f *fakeTool) RunCapture(ctx context.Context, args []string) (string, error) {
	f.captures = append(f.captures, args)
	if f.runErr != nil {
		return "", f.runErr
	}
	filter := ""
	for i, a := range args {
		if a == "-lavfi" && i+1 < len(args) {
			filter = args[i+1]
		}
	}
	switch {
	case strings.Contains(filter, "libvmaf"):
		if path, ok := extractLogPath(filter); ok {
			if err := os.WriteFile(path, []byte(f.vmafLog), 0o644); err != nil {
				return "", err
			}
		}
		return "", nil
	case strings.Contains(filter, "psnr"):
		return f.psnrOut, nil
	case strings.Contains(filter, "ssim"):
		return f.ssimOut, nil
	}
	return "", nil
}

func extractLogPath(filter string) (string, bool) {
	const key = "log_path="
	i := strings.Index(filter, key)
	if i < 0 {
		return "", false
	}
	rest := filter[i+len(key):]
	if j := strings.IndexByte(rest, ':'); j >= 0 {
		rest = rest[:j]
	}
	return rest, true
}

func videoInfo(width, height int, size, bitrate string) *ffmpeg.MediaInfo {
	return &ffmpeg.MediaInfo{
		Format: ffmpeg.FormatInfo{
			FormatName: "mov,mp4,m4a,3gp,3g2,mj2",
			Duration:   "120.0",
			Size:       size,
			BitRate:    bitrate,
		},
		Streams: []ffmpeg.StreamInfo{
			{CodecType: "video", CodecName: "h264", Width: width, Height: height},
		},
	}
}

func vmafLogJSON(scores ...float64) string {
	type frame struct {
		Metrics map[string]float64 `json:"metrics"`
	}
	frames := make([]frame, len(scores))
	for i, s := range scores {
		frames[i] = frame{Metrics: map[string]float64{"vmaf": s}}
	}
	data, _ := json.Marshal(map[string]any{"frames": frames})
	return string(data)
}

func TestParseVMAFLog(t *testing.T) {
	result, err := parseVMAFLog([]byte(vmafLogJSON(90, 95, 85, 80)))
	if err != nil {
		t.Fatalf("parseVMAFLog failed: %v", err)
	}
	if result.Mean != 87.5 {
		t.Errorf("Mean = %v, want 87.5", result.Mean)
	}
	if result.Min != 80 || result.Max != 95 {
		t.Errorf("Min/Max = %v/%v, want 80/95", result.Min, result.Max)
	}
	if result.Frames != 4 || len(result.Scores) != 4 {
		t.Errorf("Frames/Scores = %d/%d, want 4/4", result.Frames, len(result.Scores))
	}
	if result.P1 != 80 || result.P99 != 95 {
		t.Errorf("P1/P99 = %v/%v, want 80/95", result.P1, result.P99)
	}
}

func TestParseVMAFLogCapsStoredScores(t *testing.T) {
	scores := make([]float64, 150)
	for i := range scores {
		scores[i] = float64(i % 100)
	}
	result, err := parseVMAFLog([]byte(vmafLogJSON(scores...)))
	if err != nil {
		t.Fatalf("parseVMAFLog failed: %v", err)
	}
	if result.Frames != 150 {
		t.Errorf("Frames = %d, want 150", result.Frames)
	}
	if len(result.Scores) != maxStoredScores {
		t.Errorf("stored scores = %d, want %d", len(result.Scores), maxStoredScores)
	}
	if result.Scores[0] != 0 || result.Scores[99] != 99 {
		t.Error("stored scores must keep the first frames in order")
	}
}

func TestParseVMAFLogEmpty(t *testing.T) {
	if _, err := parseVMAFLog([]byte(`{"frames":[]}`)); err == nil {
		t.Error("empty log accepted")
	}
	if _, err := parseVMAFLog([]byte("nope")); err == nil {
		t.Error("garbage log accepted")
	}
}

func TestPercentiles(t *testing.T) {
	sorted := make([]float64, 100)
	for i := range sorted {
		sorted[i] = float64(i + 1)
	}
	if got := percentile(sorted, 1); got != 1 {
		t.Errorf("p1 = %v, want 1", got)
	}
	if got := percentile(sorted, 5); got != 5 {
		t.Errorf("p5 = %v, want 5", got)
	}
	if got := percentile(sorted, 95); got != 95 {
		t.Errorf("p95 = %v, want 95", got)
	}
	if got := percentile(sorted, 99); got != 99 {
		t.Errorf("p99 = %v, want 99", got)
	}
}

func TestParsePSNR(t *testing.T) {
	stderr := "frame= 3600\n[Parsed_psnr_0 @ 0x55] PSNR y:34.123456 u:40.654321 v:39.111111 average:35.678901 min:28.123 max:45.987\n"
	r, err := parsePSNR(stderr)
	if err != nil {
		t.Fatalf("parsePSNR failed: %v", err)
	}
	if math.Abs(r.Average-35.678901) > 1e-9 {
		t.Errorf("Average = %v", r.Average)
	}
	if math.Abs(r.Y-34.123456) > 1e-9 || math.Abs(r.U-40.654321) > 1e-9 || math.Abs(r.V-39.111111) > 1e-9 {
		t.Errorf("components = %v/%v/%v", r.Y, r.U, r.V)
	}
}

func TestParsePSNRIdenticalInputs(t *testing.T) {
	stderr := "[Parsed_psnr_0 @ 0x55] PSNR y:inf u:inf v:inf average:inf min:inf max:inf\n"
	r, err := parsePSNR(stderr)
	if err != nil {
		t.Fatalf("parsePSNR failed: %v", err)
	}
	if r.Average != infPSNRCap || r.Y != infPSNRCap {
		t.Errorf("inf not capped: %+v", r)
	}
}

func TestParsePSNRMissing(t *testing.T) {
	if _, err := parsePSNR("no summary here"); err == nil {
		t.Error("missing summary accepted")
	}
}

func TestParseSSIM(t *testing.T) {
	stderr := "[Parsed_ssim_0 @ 0x55] SSIM Y:0.987654 (19.081) U:0.991234 (20.563) V:0.990123 (20.051) All:0.988765 (19.703)\n"
	r, err := parseSSIM(stderr)
	if err != nil {
		t.Fatalf("parseSSIM failed: %v", err)
	}
	if math.Abs(r.All-0.988765) > 1e-9 {
		t.Errorf("All = %v", r.All)
	}
	if math.Abs(r.Y-0.987654) > 1e-9 {
		t.Errorf("Y = %v", r.Y)
	}
}

func TestGradeFor(t *testing.T) {
	tests := []struct {
		mean float64
		want string
	}{
		{mean: 97, want: "Excellent"},
		{mean: 95, want: "Excellent"},
		{mean: 94.9, want: "Very Good"},
		{mean: 80, want: "Very Good"},
		{mean: 79.9, want: "Good"},
		{mean: 60, want: "Good"},
		{mean: 59.9, want: "Fair"},
		{mean: 40, want: "Fair"},
		{mean: 39.9, want: "Poor"},
		{mean: 0, want: "Poor"},
	}
	for _, tt := range tests {
		if got := GradeFor(tt.mean); got != tt.want {
			t.Errorf("GradeFor(%v) = %s, want %s", tt.mean, got, tt.want)
		}
	}
}

func TestCompareBitrate(t *testing.T) {
	ref := videoInfo(1920, 1080, "104857600", "8000000")
	test := videoInfo(1920, 1080, "26214400", "2000000")
	cmp := compareBitrate(ref, test)
	if cmp.SizeReductionPercent != 75 {
		t.Errorf("SizeReductionPercent = %v, want 75", cmp.SizeReductionPercent)
	}
	if cmp.BitrateReductionPercent != 75 {
		t.Errorf("BitrateReductionPercent = %v, want 75", cmp.BitrateReductionPercent)
	}
	if cmp.CompressionRatio != 4 {
		t.Errorf("CompressionRatio = %v, want 4", cmp.CompressionRatio)
	}
}

func TestAnalyze(t *testing.T) {
	tool := &fakeTool{
		probes: map[string]*ffmpeg.MediaInfo{
			"/w/ref.mp4":  videoInfo(1920, 1080, "104857600", "8000000"),
			"/w/test.mp4": videoInfo(1920, 1080, "26214400", "2000000"),
		},
		vmafLog: vmafLogJSON(90, 92, 88, 91),
		psnrOut: "PSNR y:36.1 u:41.2 v:40.3 average:37.4 min:30.0 max:44.0",
		ssimOut: "SSIM Y:0.97 (15.2) U:0.98 (17.0) V:0.98 (17.0) All:0.975 (16.0)",
	}
	a := NewAnalyzer(tool, "", nil)

	report, err := a.Analyze(context.Background(), "/w/ref.mp4", "/w/test.mp4",
		Options{VMAF: true, PSNR: true, SSIM: true})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if report.VMAF == nil || report.VMAF.Mean != 90.25 {
		t.Fatalf("VMAF = %+v", report.VMAF)
	}
	if report.Grade != "Very Good" {
		t.Errorf("Grade = %q, want Very Good", report.Grade)
	}
	if len(report.Recommendations) != 0 {
		t.Errorf("unexpected recommendations for high scores: %v", report.Recommendations)
	}
	if report.PSNR == nil || report.PSNR.Average != 37.4 {
		t.Errorf("PSNR = %+v", report.PSNR)
	}
	if report.SSIM == nil || report.SSIM.All != 0.975 {
		t.Errorf("SSIM = %+v", report.SSIM)
	}
	if report.Bitrate == nil || report.Bitrate.CompressionRatio != 4 {
		t.Errorf("Bitrate = %+v", report.Bitrate)
	}
	if len(report.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", report.Warnings)
	}
	// Matched resolutions must not rescale.
	for _, args := range tool.captures {
		for _, a := range args {
			if strings.Contains(a, "scale2ref") {
				t.Errorf("unexpected scale2ref in %v", args)
			}
		}
	}
}

func TestAnalyzeLowQualityRecommends(t *testing.T) {
	tool := &fakeTool{
		probes: map[string]*ffmpeg.MediaInfo{
			"/w/ref.mp4":  videoInfo(1920, 1080, "1000", "100"),
			"/w/test.mp4": videoInfo(1920, 1080, "500", "50"),
		},
		vmafLog: vmafLogJSON(50, 55, 25, 45),
	}
	a := NewAnalyzer(tool, "", nil)
	report, err := a.Analyze(context.Background(), "/w/ref.mp4", "/w/test.mp4", Options{VMAF: true})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if report.Grade != "Fair" {
		t.Errorf("Grade = %q, want Fair", report.Grade)
	}
	if len(report.Recommendations) != 2 {
		t.Fatalf("Recommendations = %v, want bitrate + complexity", report.Recommendations)
	}
}

func TestAnalyzeResolutionMismatchWarnsAndRescales(t *testing.T) {
	tool := &fakeTool{
		probes: map[string]*ffmpeg.MediaInfo{
			"/w/ref.mp4":  videoInfo(1920, 1080, "1000", "100"),
			"/w/test.mp4": videoInfo(1280, 720, "500", "50"),
		},
		vmafLog: vmafLogJSON(80, 82),
	}
	a := NewAnalyzer(tool, "", nil)
	report, err := a.Analyze(context.Background(), "/w/ref.mp4", "/w/test.mp4", Options{VMAF: true})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	warned := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "resolutions differ") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("missing resolution warning: %v", report.Warnings)
	}
	rescaled := false
	for _, args := range tool.captures {
		for _, a := range args {
			if strings.Contains(a, "scale2ref") {
				rescaled = true
			}
		}
	}
	if !rescaled {
		t.Error("mismatched resolutions must rescale for comparison")
	}
	if report.VMAF == nil {
		t.Error("analysis must proceed despite mismatch")
	}
}

func TestAnalyzeMetricFailureDegrades(t *testing.T) {
	tool := &fakeTool{
		probes: map[string]*ffmpeg.MediaInfo{
			"/w/ref.mp4":  videoInfo(1920, 1080, "1000", "100"),
			"/w/test.mp4": videoInfo(1920, 1080, "500", "50"),
		},
		runErr: fmt.Errorf("boom"),
	}
	a := NewAnalyzer(tool, "", nil)
	report, err := a.Analyze(context.Background(), "/w/ref.mp4", "/w/test.mp4", Options{VMAF: true, PSNR: true})
	if err != nil {
		t.Fatalf("Analyze failed outright: %v", err)
	}
	if report.VMAF != nil || report.PSNR != nil {
		t.Error("failed metrics must be absent from the report")
	}
	if report.Bitrate == nil {
		t.Error("bitrate comparison must survive metric failures")
	}
	if len(report.Warnings) != 2 {
		t.Errorf("Warnings = %v, want one per failed metric", report.Warnings)
	}
}

func TestAnalyzeMissingModelWarns(t *testing.T) {
	tool := &fakeTool{
		probes: map[string]*ffmpeg.MediaInfo{
			"/w/ref.mp4":  videoInfo(1920, 1080, "1000", "100"),
			"/w/test.mp4": videoInfo(1920, 1080, "500", "50"),
		},
		vmafLog: vmafLogJSON(85),
	}
	a := NewAnalyzer(tool, t.TempDir(), nil)
	report, err := a.Analyze(context.Background(), "/w/ref.mp4", "/w/test.mp4",
		Options{VMAF: true, Model: "4k"})
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "built-in model") {
			found = true
		}
	}
	if !found {
		t.Errorf("missing-model warning absent: %v", report.Warnings)
	}
	if report.VMAF == nil || report.VMAF.Model != "4k" {
		t.Errorf("VMAF model = %+v", report.VMAF)
	}
}
