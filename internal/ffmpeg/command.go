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

// Package ffmpeg builds, validates, and executes FFmpeg invocations.
// BuildCommand is pure: the same input tuple always produces the same
// argv, so submissions can be dry-run validated without spawning
// anything.
package ffmpeg

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"reel/pkg/media"
)

// BuildRequest is the input tuple for BuildCommand. Paths are local
// filesystem paths inside the worker's workspace.
type BuildRequest struct {
	Input      string
	Output     string
	Options    map[string]any
	Operations []media.Operation
	Accels     []Accelerator
}

// Command is a fully built FFmpeg invocation.
type Command struct {
	Args         []string
	Warnings     []string
	VideoEncoder string
	Accel        Accelerator
	IsStreaming  bool
	// OutputDir is set for streaming outputs; the whole directory is
	// the artifact.
	OutputDir string
}

var overlayPositions = map[string]string{
	"top_left":     "10:10",
	"top_right":    "main_w-overlay_w-10:10",
	"bottom_left":  "10:main_h-overlay_h-10",
	"bottom_right": "main_w-overlay_w-10:main_h-overlay_h-10",
	"center":       "(main_w-overlay_w)/2:(main_h-overlay_h)/2",
}

// videoContainerCompat lists the video codecs expected per container.
// nil means anything goes. Mismatches warn, never reject.
var videoContainerCompat = map[string]map[string]bool{
	"mp4":  {"h264": true, "h265": true, "hevc": true, "av1": true},
	"m4a":  {},
	"mov":  {"h264": true, "h265": true, "hevc": true},
	"webm": {"vp8": true, "vp9": true, "av1": true},
	"avi":  {"h264": true},
	"mkv":  nil,
}

// BuildCommand turns a build request into FFmpeg argv. It never spawns
// a process; all validation failures wrap ErrCommandBuild.
func BuildCommand(req BuildRequest) (*Command, error) {
	if err := validatePath(req.Input, "input"); err != nil {
		return nil, err
	}
	if err := validatePath(req.Output, "output"); err != nil {
		return nil, err
	}
	spec, err := decodeJob(req.Options, req.Operations)
	if err != nil {
		return nil, err
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	cmd := &Command{}
	ts := spec.Transcode
	if ts == nil {
		ts = &TranscodeSpec{}
	}

	vf := buildVideoFilters(spec.Filters, ts)
	af := buildAudioFilters(spec.Filters)

	needsVideoEncode := ts.VideoCodec != "" || ts.CRF != nil || ts.VideoBitrate != "" ||
		len(vf) > 0 || spec.Watermark != nil || spec.Stream != nil
	needsAudioEncode := ts.AudioCodec != "" || ts.AudioBitrate != "" ||
		len(af) > 0 || spec.Stream != nil

	videoCodec := ts.VideoCodec
	if videoCodec == "" && needsVideoEncode {
		videoCodec = "h264"
	}
	audioCodec := ts.AudioCodec
	if audioCodec == "" && needsAudioEncode {
		audioCodec = "aac"
	}

	encoder, accel := "", AccelSoftware
	if needsVideoEncode {
		encoder, accel = selectEncoder(videoCodec, req.Accels)
		cmd.VideoEncoder = encoder
		cmd.Accel = accel
	}

	args := []string{"-y", "-hide_banner"}
	if needsVideoEncode && accel != AccelSoftware {
		args = append(args, hwaccelArgs[accel]...)
	}
	args = append(args, "-i", req.Input)
	if spec.Watermark != nil {
		args = append(args, "-i", spec.Watermark.Image)
	}
	if spec.Trim != nil {
		args = append(args,
			"-ss", formatSeconds(spec.Trim.Start),
			"-t", formatSeconds(spec.Trim.Duration))
		if !needsVideoEncode {
			cmd.warn("trim with stream copy snaps to the nearest keyframe")
		}
	}

	if spec.Stream != nil {
		streamArgs, outDir := buildStreamArgs(spec.Stream, req.Output, encoder, ts)
		args = append(args, streamArgs...)
		cmd.IsStreaming = true
		cmd.OutputDir = outDir
		if ts.Container != "" {
			cmd.warn("container option ignored for streaming output")
		}
		cmd.Args = args
		return cmd, nil
	}

	// Filter stage. A watermark forces filter_complex; -vf and
	// -filter_complex are mutually exclusive, so the plain video chain
	// folds into it.
	if spec.Watermark != nil {
		args = append(args, "-filter_complex", buildWatermarkGraph(spec.Watermark, vf))
		args = append(args, "-map", "[vout]", "-map", "0:a?")
	} else {
		if len(vf) > 0 {
			args = append(args, "-vf", strings.Join(vf, ","))
		}
	}
	if len(af) > 0 {
		args = append(args, "-af", strings.Join(af, ","))
	}

	// Codec stage.
	if needsVideoEncode {
		args = append(args, "-c:v", encoder)
		if ts.Preset != "" {
			args = append(args, "-preset", ts.Preset)
		}
		if ts.CRF != nil {
			args = append(args, "-crf", strconv.Itoa(*ts.CRF))
		}
		if ts.VideoBitrate != "" {
			args = append(args, "-b:v", ts.VideoBitrate)
		}
	} else {
		args = append(args, "-c:v", "copy")
	}
	if needsAudioEncode {
		args = append(args, "-c:a", audioEncoders[audioCodec])
		if ts.AudioBitrate != "" {
			args = append(args, "-b:a", ts.AudioBitrate)
		}
	} else {
		args = append(args, "-c:a", "copy")
	}

	// Global options last, output path final.
	container := effectiveContainer(ts.Container, req.Output)
	if needsVideoEncode {
		warnContainerCompat(cmd, container, videoCodec, audioCodec)
	}
	if len(ts.Metadata) > 0 {
		keys := make([]string, 0, len(ts.Metadata))
		for k := range ts.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "-metadata", k+"="+ts.Metadata[k])
		}
	}
	if ts.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(ts.Threads))
	}
	if ts.Faststart {
		if container == "mp4" || container == "mov" || container == "m4a" {
			args = append(args, "-movflags", "+faststart")
		} else {
			cmd.warn("faststart applies to mp4-family containers only")
		}
	}
	if ts.Container != "" {
		args = append(args, "-f", containerMuxer(ts.Container))
	}
	args = append(args, req.Output)

	cmd.Args = args
	return cmd, nil
}

func (c *Command) warn(msg string) {
	c.Warnings = append(c.Warnings, msg)
}

// buildVideoFilters renders the explicit video filter ops in their
// submitted order, then the scale/fps implied by transcode settings.
func buildVideoFilters(filters []FilterSpec, ts *TranscodeSpec) []string {
	var out []string
	for i := range filters {
		if videoFilters[filters[i].Name] {
			out = append(out, renderFilter(&filters[i]))
		}
	}
	if ts.Width > 0 || ts.Height > 0 {
		w, h := "-2", "-2"
		if ts.Width > 0 {
			w = strconv.Itoa(ts.Width)
		}
		if ts.Height > 0 {
			h = strconv.Itoa(ts.Height)
		}
		out = append(out, "scale="+w+":"+h)
	}
	if ts.FPS > 0 {
		out = append(out, "fps="+formatSeconds(ts.FPS))
	}
	return out
}

func buildAudioFilters(filters []FilterSpec) []string {
	var out []string
	for i := range filters {
		if audioFilters[filters[i].Name] {
			out = append(out, renderFilter(&filters[i]))
		}
	}
	return out
}

// renderFilter renders one filter with named parameters sorted for a
// stable argv. A single "value" parameter uses shorthand form.
func renderFilter(f *FilterSpec) string {
	if len(f.Params) == 0 {
		return f.Name
	}
	if len(f.Params) == 1 {
		if v, ok := f.Params["value"]; ok {
			return f.Name + "=" + filterValue(v)
		}
	}
	keys := make([]string, 0, len(f.Params))
	for k := range f.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+filterValue(f.Params[k]))
	}
	return f.Name + "=" + strings.Join(parts, ":")
}

func filterValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		if val {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// buildWatermarkGraph assembles the filter_complex graph: main video
// filters first, then the watermark image prepared (scale, alpha), then
// the overlay. The output label is always [vout].
func buildWatermarkGraph(wm *WatermarkSpec, vf []string) string {
	var parts []string
	base := "[0:v]"
	if len(vf) > 0 {
		parts = append(parts, "[0:v]"+strings.Join(vf, ",")+"[main]")
		base = "[main]"
	}

	wmChain := []string{}
	if wm.Scale > 0 {
		wmChain = append(wmChain, "scale=iw*"+strconv.FormatFloat(wm.Scale, 'f', -1, 64)+":-1")
	}
	wmChain = append(wmChain, "format=rgba")
	if wm.Opacity < 1 {
		wmChain = append(wmChain, "colorchannelmixer=aa="+strconv.FormatFloat(wm.Opacity, 'f', -1, 64))
	}
	parts = append(parts, "[1:v]"+strings.Join(wmChain, ",")+"[wm]")
	parts = append(parts, base+"[wm]overlay="+overlayPositions[wm.Position]+"[vout]")
	return strings.Join(parts, ";")
}

// buildStreamArgs produces the adaptive-ladder argv tail for HLS or
// DASH. The output path is treated as a directory; every variant writes
// under it.
func buildStreamArgs(st *StreamSpec, outDir, encoder string, ts *TranscodeSpec) ([]string, string) {
	n := len(st.Variants)

	// Split the video once, scale each branch to its rung.
	chain := make([]string, 0, n+1)
	split := "[0:v]split=" + strconv.Itoa(n)
	for i := 0; i < n; i++ {
		split += "[vin" + strconv.Itoa(i) + "]"
	}
	chain = append(chain, split)
	for i, v := range st.Variants {
		chain = append(chain, fmt.Sprintf("[vin%d]scale=-2:%d[vout%d]", i, v.Height, i))
	}

	args := []string{"-filter_complex", strings.Join(chain, ";")}
	for i, v := range st.Variants {
		idx := strconv.Itoa(i)
		args = append(args,
			"-map", "[vout"+idx+"]",
			"-c:v:"+idx, encoder,
			"-b:v:"+idx, v.Bitrate)
		if ts.Preset != "" {
			args = append(args, "-preset:v:"+idx, ts.Preset)
		}
	}
	audioBitrate := ts.AudioBitrate
	if audioBitrate == "" {
		audioBitrate = "128k"
	}
	for i := 0; i < n; i++ {
		args = append(args, "-map", "0:a:0")
	}
	args = append(args, "-c:a", "aac", "-b:a", audioBitrate)

	segDur := strconv.Itoa(st.SegmentDuration)
	switch st.Format {
	case "dash":
		args = append(args,
			"-f", "dash",
			"-seg_duration", segDur,
			"-adaptation_sets", "id=0,streams=v id=1,streams=a",
			filepath.Join(outDir, "manifest.mpd"))
	default: // hls
		var groups []string
		for i := 0; i < n; i++ {
			groups = append(groups, fmt.Sprintf("v:%d,a:%d", i, i))
		}
		args = append(args,
			"-f", "hls",
			"-hls_time", segDur,
			"-hls_playlist_type", "vod",
			"-hls_flags", "independent_segments",
			"-hls_segment_filename", filepath.Join(outDir, "v%v", "segment_%03d.ts"),
			"-master_pl_name", "master.m3u8",
			"-var_stream_map", strings.Join(groups, " "),
			filepath.Join(outDir, "v%v", "playlist.m3u8"))
	}
	return args, outDir
}

// effectiveContainer is the explicit container option, else the output
// extension.
func effectiveContainer(explicit, output string) string {
	if explicit != "" {
		return explicit
	}
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(output), "."))
}

// containerMuxer maps a container name to the -f muxer FFmpeg expects.
func containerMuxer(container string) string {
	switch container {
	case "mkv":
		return "matroska"
	case "m4a":
		return "ipod"
	default:
		return container
	}
}

func warnContainerCompat(cmd *Command, container, videoCodec, audioCodec string) {
	if container == "" {
		return
	}
	if allowed, ok := videoContainerCompat[container]; ok && allowed != nil && videoCodec != "" {
		if !allowed[videoCodec] {
			cmd.warn(fmt.Sprintf("codec %s is unusual in container %s", videoCodec, container))
		}
	}
	if container == "webm" && audioCodec != "" && audioCodec != "opus" {
		cmd.warn("webm output normally carries opus audio")
	}
	if container == "mp4" && audioCodec == "opus" {
		cmd.warn("opus in mp4 has limited player support")
	}
}
