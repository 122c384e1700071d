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
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"reel/internal/errdefs"
	"reel/pkg/media"
)

func decodeOps(t *testing.T, raw string) []media.Operation {
	t.Helper()
	var ops []media.Operation
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		t.Fatalf("decode operations: %v", err)
	}
	return ops
}

// containsSeq reports whether args contains seq as a contiguous
// subsequence.
func containsSeq(args []string, seq ...string) bool {
	if len(seq) == 0 {
		return true
	}
	for i := 0; i+len(seq) <= len(args); i++ {
		match := true
		for j := range seq {
			if args[i+j] != seq[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestBuildCommandTrimAndTranscode(t *testing.T) {
	ops := decodeOps(t, `[
		{"trim":{"start":"00:00:10","duration":5}},
		{"transcode":{"video_codec":"h264","crf":23}}
	]`)
	cmd, err := BuildCommand(BuildRequest{
		Input:      "/work/in.mp4",
		Output:     "/work/out.mp4",
		Operations: ops,
	})
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	if !containsSeq(cmd.Args, "-ss", "10", "-t", "5", "-c:v", "libx264", "-crf", "23") {
		t.Errorf("argv missing trim+encode sequence: %v", cmd.Args)
	}
	if cmd.Args[len(cmd.Args)-1] != "/work/out.mp4" {
		t.Errorf("output path must be final argument, got %v", cmd.Args)
	}
	if cmd.VideoEncoder != "libx264" || cmd.Accel != AccelSoftware {
		t.Errorf("encoder = %s/%s, want libx264/software", cmd.VideoEncoder, cmd.Accel)
	}
	if len(cmd.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", cmd.Warnings)
	}
}

func TestBuildCommandCopyWhenNothingToDo(t *testing.T) {
	cmd, err := BuildCommand(BuildRequest{Input: "/a/in.mkv", Output: "/a/out.mkv"})
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	if !containsSeq(cmd.Args, "-c:v", "copy") || !containsSeq(cmd.Args, "-c:a", "copy") {
		t.Errorf("expected stream copy, got %v", cmd.Args)
	}
}

func TestBuildCommandDeterministic(t *testing.T) {
	req := BuildRequest{
		Input:  "/w/in.mp4",
		Output: "/w/out.mp4",
		Options: map[string]any{
			"video_codec": "h264",
			"crf":         22,
			"metadata":    map[string]any{"title": "t", "artist": "a", "comment": "c"},
		},
		Operations: decodeOps(t, `[{"filter":{"name":"scale","params":{"width":1280,"height":720}}}]`),
	}
	first, err := BuildCommand(req)
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := BuildCommand(req)
		if err != nil {
			t.Fatalf("BuildCommand failed on repeat: %v", err)
		}
		if !reflect.DeepEqual(first.Args, again.Args) {
			t.Fatalf("argv not deterministic:\n%v\n%v", first.Args, again.Args)
		}
	}
	if !containsSeq(first.Args, "-vf", "scale=height=720:width=1280") {
		t.Errorf("filter not rendered with sorted params: %v", first.Args)
	}
	if !containsSeq(first.Args,
		"-metadata", "artist=a", "-metadata", "comment=c", "-metadata", "title=t") {
		t.Errorf("metadata not sorted: %v", first.Args)
	}
}

func TestBuildCommandWatermark(t *testing.T) {
	ops := decodeOps(t, `[{"watermark":{"image":"/w/logo.png","position":"top_left","opacity":0.5}}]`)
	cmd, err := BuildCommand(BuildRequest{Input: "/w/in.mp4", Output: "/w/out.mp4", Operations: ops})
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	if !containsSeq(cmd.Args, "-i", "/w/in.mp4", "-i", "/w/logo.png") {
		t.Errorf("watermark image not a second input: %v", cmd.Args)
	}
	graph := ""
	for i, a := range cmd.Args {
		if a == "-filter_complex" && i+1 < len(cmd.Args) {
			graph = cmd.Args[i+1]
		}
	}
	want := "[1:v]format=rgba,colorchannelmixer=aa=0.5[wm];[0:v][wm]overlay=10:10[vout]"
	if graph != want {
		t.Errorf("filter graph = %q, want %q", graph, want)
	}
	if !containsSeq(cmd.Args, "-map", "[vout]", "-map", "0:a?") {
		t.Errorf("watermark maps missing: %v", cmd.Args)
	}
	// Watermark forces a video encode even without explicit settings.
	if !containsSeq(cmd.Args, "-c:v", "libx264") {
		t.Errorf("expected default h264 encode, got %v", cmd.Args)
	}
}

func TestBuildCommandHardwareEncoder(t *testing.T) {
	tests := []struct {
		name        string
		codec       string
		accels      []Accelerator
		wantEncoder string
		wantAccel   Accelerator
		wantHWArgs  bool
	}{
		{name: "nvenc preferred", codec: "h264", accels: []Accelerator{AccelVAAPI, AccelNVENC}, wantEncoder: "h264_nvenc", wantAccel: AccelNVENC, wantHWArgs: true},
		{name: "hevc on qsv", codec: "hevc", accels: []Accelerator{AccelQSV}, wantEncoder: "hevc_qsv", wantAccel: AccelQSV, wantHWArgs: true},
		{name: "vp9 has no hw path", codec: "vp9", accels: []Accelerator{AccelNVENC}, wantEncoder: "libvpx-vp9", wantAccel: AccelSoftware},
		{name: "no accels", codec: "h264", accels: nil, wantEncoder: "libx264", wantAccel: AccelSoftware},
		{name: "amf adds no decode flags", codec: "h264", accels: []Accelerator{AccelAMF}, wantEncoder: "h264_amf", wantAccel: AccelAMF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := "/w/out.mkv"
			cmd, err := BuildCommand(BuildRequest{
				Input:   "/w/in.mp4",
				Output:  out,
				Options: map[string]any{"video_codec": tt.codec},
				Accels:  tt.accels,
			})
			if err != nil {
				t.Fatalf("BuildCommand failed: %v", err)
			}
			if cmd.VideoEncoder != tt.wantEncoder || cmd.Accel != tt.wantAccel {
				t.Errorf("encoder = %s/%s, want %s/%s", cmd.VideoEncoder, cmd.Accel, tt.wantEncoder, tt.wantAccel)
			}
			hasHW := containsSeq(cmd.Args, "-hwaccel")
			if hasHW != tt.wantHWArgs {
				t.Errorf("hwaccel flags present = %v, want %v: %v", hasHW, tt.wantHWArgs, cmd.Args)
			}
		})
	}
}

func TestBuildCommandStreamingLadder(t *testing.T) {
	ops := decodeOps(t, `[{"stream_map":{"format":"hls"}}]`)
	cmd, err := BuildCommand(BuildRequest{Input: "/w/in.mp4", Output: "/w/out", Operations: ops})
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	if !cmd.IsStreaming || cmd.OutputDir != "/w/out" {
		t.Errorf("IsStreaming/OutputDir = %v/%q, want true//w/out", cmd.IsStreaming, cmd.OutputDir)
	}
	if !containsSeq(cmd.Args, "-var_stream_map", "v:0,a:0 v:1,a:1 v:2,a:2") {
		t.Errorf("default three-rung ladder missing: %v", cmd.Args)
	}
	if !containsSeq(cmd.Args, "-hls_time", "6") {
		t.Errorf("segment duration missing: %v", cmd.Args)
	}
	if !containsSeq(cmd.Args, "-master_pl_name", "master.m3u8") {
		t.Errorf("master playlist missing: %v", cmd.Args)
	}
	if last := cmd.Args[len(cmd.Args)-1]; last != "/w/out/v%v/playlist.m3u8" {
		t.Errorf("playlist path = %q", last)
	}
}

func TestBuildCommandDASH(t *testing.T) {
	ops := decodeOps(t, `[{"stream":{"format":"dash","segment_duration":4,"variants":[{"height":720,"bitrate":"2500k"}]}}]`)
	cmd, err := BuildCommand(BuildRequest{Input: "/w/in.mp4", Output: "/w/dash", Operations: ops})
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	if !containsSeq(cmd.Args, "-f", "dash", "-seg_duration", "4") {
		t.Errorf("dash muxer args missing: %v", cmd.Args)
	}
	if last := cmd.Args[len(cmd.Args)-1]; last != "/w/dash/manifest.mpd" {
		t.Errorf("manifest path = %q", last)
	}
}

func TestBuildCommandRejections(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		output   string
		ops      string
		options  map[string]any
		wantCode errdefs.Code
	}{
		{name: "zero trim duration", input: "/w/i.mp4", output: "/w/o.mp4",
			ops: `[{"trim":{"start":0,"duration":0}}]`, wantCode: errdefs.CodeValidationFailed},
		{name: "trim without bound", input: "/w/i.mp4", output: "/w/o.mp4",
			ops: `[{"trim":{"start":5}}]`, wantCode: errdefs.CodeValidationFailed},
		{name: "duplicate trim", input: "/w/i.mp4", output: "/w/o.mp4",
			ops: `[{"trim":{"duration":1}},{"trim":{"duration":2}}]`, wantCode: errdefs.CodeValidationFailed},
		{name: "unknown operation", input: "/w/i.mp4", output: "/w/o.mp4",
			ops: `[{"explode":{}}]`, wantCode: errdefs.CodeValidationFailed},
		{name: "unknown codec", input: "/w/i.mp4", output: "/w/o.mp4",
			options: map[string]any{"video_codec": "realvideo"}, wantCode: errdefs.CodeValidationFailed},
		{name: "crf too high", input: "/w/i.mp4", output: "/w/o.mp4",
			options: map[string]any{"video_codec": "h264", "crf": 52}, wantCode: errdefs.CodeValidationFailed},
		{name: "fps out of range", input: "/w/i.mp4", output: "/w/o.mp4",
			options: map[string]any{"fps": 300}, wantCode: errdefs.CodeValidationFailed},
		{name: "width out of range", input: "/w/i.mp4", output: "/w/o.mp4",
			options: map[string]any{"width": 10000}, wantCode: errdefs.CodeValidationFailed},
		{name: "malformed bitrate", input: "/w/i.mp4", output: "/w/o.mp4",
			options: map[string]any{"video_bitrate": "fast"}, wantCode: errdefs.CodeValidationFailed},
		{name: "unknown filter", input: "/w/i.mp4", output: "/w/o.mp4",
			ops: `[{"filter":{"name":"drawtext"}}]`, wantCode: errdefs.CodeValidationFailed},
		{name: "filter value with semicolon", input: "/w/i.mp4", output: "/w/o.mp4",
			ops: `[{"filter":{"name":"scale","params":{"width":"1;rm"}}}]`, wantCode: errdefs.CodeValidationFailed},
		{name: "watermark bad position", input: "/w/i.mp4", output: "/w/o.mp4",
			ops: `[{"watermark":{"image":"/w/l.png","position":"everywhere"}}]`, wantCode: errdefs.CodeValidationFailed},
		{name: "watermark zero opacity", input: "/w/i.mp4", output: "/w/o.mp4",
			ops: `[{"watermark":{"image":"/w/l.png","opacity":0}}]`, wantCode: errdefs.CodeValidationFailed},
		{name: "stream bad format", input: "/w/i.mp4", output: "/w/o.mp4",
			ops: `[{"stream_map":{"format":"rtmp"}}]`, wantCode: errdefs.CodeValidationFailed},
		{name: "stream with watermark", input: "/w/i.mp4", output: "/w/o",
			ops: `[{"stream_map":{}},{"watermark":{"image":"/w/l.png"}}]`, wantCode: errdefs.CodeValidationFailed},
		{name: "semicolon in input", input: "/w/i.mp4;rm -rf /", output: "/w/o.mp4",
			wantCode: errdefs.CodeSecurityViolation},
		{name: "backtick in output", input: "/w/i.mp4", output: "/w/`id`.mp4",
			wantCode: errdefs.CodeSecurityViolation},
		{name: "newline in input", input: "/w/i\n.mp4", output: "/w/o.mp4",
			wantCode: errdefs.CodeSecurityViolation},
		{name: "dollar in watermark image", input: "/w/i.mp4", output: "/w/o.mp4",
			ops: `[{"watermark":{"image":"/w/$HOME.png"}}]`, wantCode: errdefs.CodeSecurityViolation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := BuildRequest{Input: tt.input, Output: tt.output, Options: tt.options}
			if tt.ops != "" {
				req.Operations = decodeOps(t, tt.ops)
			}
			_, err := BuildCommand(req)
			if err == nil {
				t.Fatal("BuildCommand succeeded, want error")
			}
			if !errors.Is(err, ErrCommandBuild) {
				t.Errorf("error does not wrap ErrCommandBuild: %v", err)
			}
			if got := errdefs.CodeOf(err); got != tt.wantCode {
				t.Errorf("code = %s, want %s (%v)", got, tt.wantCode, err)
			}
		})
	}
}

func TestBuildCommandContainerWarnings(t *testing.T) {
	cmd, err := BuildCommand(BuildRequest{
		Input:   "/w/in.mp4",
		Output:  "/w/out.mp4",
		Options: map[string]any{"video_codec": "vp9"},
	})
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	found := false
	for _, w := range cmd.Warnings {
		if strings.Contains(w, "vp9") && strings.Contains(w, "mp4") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected vp9-in-mp4 warning, got %v", cmd.Warnings)
	}
}

func TestBuildCommandTrimCopyWarns(t *testing.T) {
	ops := decodeOps(t, `[{"trim":{"start":1,"duration":2}}]`)
	cmd, err := BuildCommand(BuildRequest{Input: "/w/in.mp4", Output: "/w/out.mp4", Operations: ops})
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	if len(cmd.Warnings) == 0 || !strings.Contains(cmd.Warnings[0], "keyframe") {
		t.Errorf("expected keyframe warning for copy trim, got %v", cmd.Warnings)
	}
}

func TestParseTimecode(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "00:00:10", want: 10},
		{in: "00:01:30.5", want: 90.5},
		{in: "01:00:00", want: 3600},
		{in: "05:30", want: 330},
		{in: "7", want: 7},
		{in: "7.25", want: 7.25},
		{in: "1:02:03.5", want: 3723.5},
		{in: "00:99:00", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
		{in: "-5", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseTimecode(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseTimecode(%q) = %v, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseTimecode(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTimecode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSelectEncoderPreference(t *testing.T) {
	enc, accel := selectEncoder("h264", []Accelerator{AccelAMF, AccelVAAPI, AccelQSV})
	if enc != "h264_qsv" || accel != AccelQSV {
		t.Errorf("selectEncoder = %s/%s, want h264_qsv/qsv", enc, accel)
	}
	enc, accel = selectEncoder("av1", []Accelerator{AccelNVENC})
	if enc != "libaom-av1" || accel != AccelSoftware {
		t.Errorf("selectEncoder av1 = %s/%s, want libaom-av1/software", enc, accel)
	}
}

func TestParseHWAccels(t *testing.T) {
	out := "Hardware acceleration methods:\nvdpau\ncuda\nvaapi\nqsv\n"
	got := parseHWAccels(out)
	want := []Accelerator{AccelNVENC, AccelQSV, AccelVAAPI}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseHWAccels = %v, want %v", got, want)
	}
	if got := parseHWAccels("some error\n"); got != nil {
		t.Errorf("parseHWAccels on garbage = %v, want nil", got)
	}
}
