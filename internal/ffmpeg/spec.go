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
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"reel/pkg/media"
)

// Typed forms of the wire operations. Decoding tolerates the loose JSON
// vocabulary (numbers or timecode strings for times, int or float for
// dimensions) and normalizes it here so the builder works with one shape.

// TranscodeSpec carries encode settings. Job-level options use the same
// vocabulary and act as defaults under an explicit transcode operation.
type TranscodeSpec struct {
	VideoCodec   string
	AudioCodec   string
	CRF          *int
	VideoBitrate string
	AudioBitrate string
	Width        int
	Height       int
	FPS          float64
	Preset       string
	Container    string
	Metadata     map[string]string
	Threads      int
	Faststart    bool
}

// TrimSpec cuts a time range. Start/Duration are seconds.
type TrimSpec struct {
	Start    float64
	Duration float64
}

// WatermarkSpec overlays an image on the video.
type WatermarkSpec struct {
	Image    string
	Position string
	Opacity  float64
	Scale    float64
}

// FilterSpec is one whitelisted filter with its parameters.
type FilterSpec struct {
	Name   string
	Params map[string]any
}

// StreamVariant is one rung of an adaptive ladder.
type StreamVariant struct {
	Height  int
	Bitrate string
}

// StreamSpec produces a segmented streaming output (HLS or DASH).
type StreamSpec struct {
	Format          string
	Variants        []StreamVariant
	SegmentDuration int
}

// jobSpec is the normalized form of a job's options + operations list.
type jobSpec struct {
	Transcode *TranscodeSpec
	Trim      *TrimSpec
	Watermark *WatermarkSpec
	Filters   []FilterSpec
	Stream    *StreamSpec
}

// decodeJob normalizes job-level options plus the ordered operations.
// At most one trim, watermark, transcode, and stream operation is
// accepted; filters may repeat and keep their order.
func decodeJob(options map[string]any, ops []media.Operation) (*jobSpec, error) {
	spec := &jobSpec{}

	if len(options) > 0 {
		ts, err := decodeTranscode(options)
		if err != nil {
			return nil, err
		}
		spec.Transcode = ts
	}

	for _, op := range ops {
		switch op.Type {
		case "transcode":
			ts, err := decodeTranscode(op.Params)
			if err != nil {
				return nil, err
			}
			if spec.Transcode != nil {
				// Job options are defaults; the operation wins
				// field by field.
				mergeTranscode(spec.Transcode, ts)
			} else {
				spec.Transcode = ts
			}
		case "trim":
			if spec.Trim != nil {
				return nil, buildValidation("duplicate trim operation")
			}
			tr, err := decodeTrim(op.Params)
			if err != nil {
				return nil, err
			}
			spec.Trim = tr
		case "watermark":
			if spec.Watermark != nil {
				return nil, buildValidation("duplicate watermark operation")
			}
			wm, err := decodeWatermark(op.Params)
			if err != nil {
				return nil, err
			}
			spec.Watermark = wm
		case "filter":
			f, err := decodeFilter(op.Params)
			if err != nil {
				return nil, err
			}
			spec.Filters = append(spec.Filters, *f)
		case "stream_map", "stream":
			if spec.Stream != nil {
				return nil, buildValidation("duplicate stream operation")
			}
			st, err := decodeStream(op.Params)
			if err != nil {
				return nil, err
			}
			spec.Stream = st
		default:
			return nil, buildValidationf("unknown operation %q", op.Type)
		}
	}
	return spec, nil
}

func decodeTranscode(p map[string]any) (*TranscodeSpec, error) {
	ts := &TranscodeSpec{}
	if v, ok := strParam(p, "video_codec"); ok {
		ts.VideoCodec = strings.ToLower(v)
	}
	if v, ok := strParam(p, "audio_codec"); ok {
		ts.AudioCodec = strings.ToLower(v)
	}
	if v, ok := numParam(p, "crf"); ok {
		n := int(v)
		ts.CRF = &n
	}
	if v, ok := strParam(p, "video_bitrate"); ok {
		ts.VideoBitrate = v
	}
	if v, ok := strParam(p, "audio_bitrate"); ok {
		ts.AudioBitrate = v
	}
	if v, ok := numParam(p, "width"); ok {
		ts.Width = int(v)
	}
	if v, ok := numParam(p, "height"); ok {
		ts.Height = int(v)
	}
	if v, ok := numParam(p, "fps"); ok {
		ts.FPS = v
	}
	if v, ok := strParam(p, "preset"); ok {
		ts.Preset = strings.ToLower(v)
	}
	if v, ok := strParam(p, "container"); ok {
		ts.Container = strings.ToLower(v)
	}
	if v, ok := numParam(p, "threads"); ok {
		ts.Threads = int(v)
	}
	if v, ok := boolParam(p, "faststart"); ok {
		ts.Faststart = v
	}
	if raw, ok := p["metadata"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, buildValidation("metadata must be an object")
		}
		ts.Metadata = make(map[string]string, len(m))
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				return nil, buildValidationf("metadata value for %q must be a string", k)
			}
			ts.Metadata[k] = s
		}
	}
	return ts, nil
}

// mergeTranscode overlays set fields of op onto base.
func mergeTranscode(base, op *TranscodeSpec) {
	if op.VideoCodec != "" {
		base.VideoCodec = op.VideoCodec
	}
	if op.AudioCodec != "" {
		base.AudioCodec = op.AudioCodec
	}
	if op.CRF != nil {
		base.CRF = op.CRF
	}
	if op.VideoBitrate != "" {
		base.VideoBitrate = op.VideoBitrate
	}
	if op.AudioBitrate != "" {
		base.AudioBitrate = op.AudioBitrate
	}
	if op.Width != 0 {
		base.Width = op.Width
	}
	if op.Height != 0 {
		base.Height = op.Height
	}
	if op.FPS != 0 {
		base.FPS = op.FPS
	}
	if op.Preset != "" {
		base.Preset = op.Preset
	}
	if op.Container != "" {
		base.Container = op.Container
	}
	if op.Threads != 0 {
		base.Threads = op.Threads
	}
	if op.Faststart {
		base.Faststart = true
	}
	if len(op.Metadata) > 0 {
		if base.Metadata == nil {
			base.Metadata = map[string]string{}
		}
		for k, v := range op.Metadata {
			base.Metadata[k] = v
		}
	}
}

func decodeTrim(p map[string]any) (*TrimSpec, error) {
	tr := &TrimSpec{}
	if raw, ok := p["start"]; ok {
		sec, err := timeValue(raw, "start")
		if err != nil {
			return nil, err
		}
		tr.Start = sec
	}

	_, hasDur := p["duration"]
	_, hasEnd := p["end"]
	if hasDur && hasEnd {
		return nil, buildValidation("trim accepts duration or end, not both")
	}
	switch {
	case hasDur:
		sec, err := timeValue(p["duration"], "duration")
		if err != nil {
			return nil, err
		}
		tr.Duration = sec
	case hasEnd:
		sec, err := timeValue(p["end"], "end")
		if err != nil {
			return nil, err
		}
		if sec <= tr.Start {
			return nil, buildValidation("trim end must be after start")
		}
		tr.Duration = sec - tr.Start
	default:
		return nil, buildValidation("trim requires duration or end")
	}
	return tr, nil
}

func decodeWatermark(p map[string]any) (*WatermarkSpec, error) {
	wm := &WatermarkSpec{Position: "bottom_right", Opacity: 1.0}
	img, ok := strParam(p, "image")
	if !ok || img == "" {
		return nil, buildValidation("watermark requires an image")
	}
	wm.Image = img
	if v, ok := strParam(p, "position"); ok {
		wm.Position = strings.ToLower(v)
	}
	if v, ok := numParam(p, "opacity"); ok {
		wm.Opacity = v
	}
	if v, ok := numParam(p, "scale"); ok {
		wm.Scale = v
	}
	return wm, nil
}

func decodeFilter(p map[string]any) (*FilterSpec, error) {
	name, ok := strParam(p, "name")
	if !ok || name == "" {
		return nil, buildValidation("filter requires a name")
	}
	f := &FilterSpec{Name: strings.ToLower(name)}
	if raw, ok := p["params"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, buildValidation("filter params must be an object")
		}
		f.Params = m
	}
	return f, nil
}

func decodeStream(p map[string]any) (*StreamSpec, error) {
	st := &StreamSpec{Format: "hls", SegmentDuration: 6}
	if v, ok := strParam(p, "format"); ok {
		st.Format = strings.ToLower(v)
	}
	if v, ok := numParam(p, "segment_duration"); ok {
		st.SegmentDuration = int(v)
	}
	if raw, ok := p["variants"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, buildValidation("stream variants must be an array")
		}
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, buildValidation("stream variant must be an object")
			}
			var v StreamVariant
			if h, ok := numParam(m, "height"); ok {
				v.Height = int(h)
			}
			if b, ok := strParam(m, "bitrate"); ok {
				v.Bitrate = b
			}
			st.Variants = append(st.Variants, v)
		}
	}
	if len(st.Variants) == 0 {
		st.Variants = []StreamVariant{
			{Height: 1080, Bitrate: "5000k"},
			{Height: 720, Bitrate: "2800k"},
			{Height: 480, Bitrate: "1400k"},
		}
	}
	return st, nil
}

// timeValue converts a JSON value to seconds. Accepts numbers and
// timecode strings ("SS", "SS.fff", "MM:SS", "HH:MM:SS.fff").
func timeValue(raw any, field string) (float64, error) {
	switch v := raw.(type) {
	case float64:
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, buildValidationf("trim %s must be a non-negative number", field)
		}
		return v, nil
	case int:
		if v < 0 {
			return 0, buildValidationf("trim %s must be a non-negative number", field)
		}
		return float64(v), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil || f < 0 {
			return 0, buildValidationf("trim %s must be a non-negative number", field)
		}
		return f, nil
	case string:
		sec, err := parseTimecode(v)
		if err != nil {
			return 0, buildValidationf("trim %s: %v", field, err)
		}
		return sec, nil
	default:
		return 0, buildValidationf("trim %s must be a number or timecode", field)
	}
}

var timecodePattern = regexp.MustCompile(`^(?:(\d{1,2}):)?(?:(\d{1,2}):)?(\d{1,2}(?:\.\d+)?)$`)

// parseTimecode converts "HH:MM:SS.fff", "MM:SS", or "SS.fff" to seconds.
func parseTimecode(s string) (float64, error) {
	m := timecodePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid timecode %q", s)
	}
	sec, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timecode %q", s)
	}
	var h, min float64
	switch {
	case m[1] != "" && m[2] != "":
		h, _ = strconv.ParseFloat(m[1], 64)
		min, _ = strconv.ParseFloat(m[2], 64)
	case m[1] != "":
		min, _ = strconv.ParseFloat(m[1], 64)
	}
	if min >= 60 || sec >= 60 {
		return 0, fmt.Errorf("timecode %q has out-of-range component", s)
	}
	return h*3600 + min*60 + sec, nil
}

// formatSeconds renders a duration in seconds without trailing zeros,
// so 10.0 renders as "10" and 10.50 as "10.5".
func formatSeconds(sec float64) string {
	return strconv.FormatFloat(sec, 'f', -1, 64)
}

func strParam(p map[string]any, key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numParam(p map[string]any, key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func boolParam(p map[string]any, key string) (bool, bool) {
	v, ok := p[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
