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
	"errors"
	"fmt"
	"regexp"
	"strings"

	"reel/internal/errdefs"
)

// ErrCommandBuild marks any failure raised while building an argv. All
// build errors wrap it, so callers can distinguish "bad request" from
// "tool failed" with errors.Is before a process ever spawns.
var ErrCommandBuild = errors.New("command build failed")

func buildValidation(msg string) error {
	return errdefs.Wrap(ErrCommandBuild, errdefs.CodeValidationFailed, errdefs.KindValidation, msg)
}

func buildValidationf(format string, args ...any) error {
	return buildValidation(fmt.Sprintf(format, args...))
}

func buildSecurity(msg string) error {
	return errdefs.Wrap(ErrCommandBuild, errdefs.CodeSecurityViolation, errdefs.KindSecurity, msg)
}

var (
	videoCodecs = map[string]bool{
		"h264": true, "h265": true, "hevc": true,
		"av1": true, "vp8": true, "vp9": true,
	}
	audioCodecs = map[string]bool{
		"aac": true, "opus": true, "mp3": true,
		"flac": true, "pcm": true, "pcm_s16le": true,
	}
	presets = map[string]bool{
		"ultrafast": true, "superfast": true, "veryfast": true,
		"faster": true, "fast": true, "medium": true,
		"slow": true, "slower": true, "veryslow": true,
	}
	containers = map[string]bool{
		"mp4": true, "mov": true, "mkv": true, "webm": true,
		"avi": true, "mpegts": true, "ogg": true, "wav": true,
		"flac": true, "mp3": true, "m4a": true,
	}
	videoFilters = map[string]bool{
		"scale": true, "crop": true, "pad": true, "rotate": true,
		"transpose": true, "hflip": true, "vflip": true, "fade": true,
		"fps": true, "eq": true, "hue": true, "boxblur": true,
		"unsharp": true, "hqdn3d": true, "yadif": true, "setpts": true,
	}
	audioFilters = map[string]bool{
		"loudnorm": true, "volume": true, "atempo": true,
	}
	watermarkPositions = map[string]bool{
		"top_left": true, "top_right": true, "bottom_left": true,
		"bottom_right": true, "center": true,
	}

	bitratePattern   = regexp.MustCompile(`^\d+[kKmM]?$`)
	filterParamKey   = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	filterParamValue = regexp.MustCompile(`^[A-Za-z0-9_.:*/+()=\- ]+$`)
	metadataKey      = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	unsafePathChars  = `;&|$` + "`"
	streamFormats    = map[string]bool{"hls": true, "dash": true}
)

// validatePath rejects paths that could smuggle shell constructs or
// control sequences into an argv. These are security violations, not
// validation errors.
func validatePath(path, what string) error {
	if path == "" {
		return buildValidation(what + " path is required")
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return buildSecurity(what + " path contains control characters")
		}
	}
	if strings.ContainsAny(path, unsafePathChars) {
		return buildSecurity(what + " path contains shell metacharacters")
	}
	return nil
}

func (ts *TranscodeSpec) validate() error {
	if ts.VideoCodec != "" && !videoCodecs[ts.VideoCodec] {
		return buildValidationf("unsupported video codec %q", ts.VideoCodec)
	}
	if ts.AudioCodec != "" && !audioCodecs[ts.AudioCodec] {
		return buildValidationf("unsupported audio codec %q", ts.AudioCodec)
	}
	if ts.CRF != nil && (*ts.CRF < 0 || *ts.CRF > 51) {
		return buildValidationf("crf %d out of range 0-51", *ts.CRF)
	}
	if ts.FPS != 0 && (ts.FPS < 1 || ts.FPS > 240) {
		return buildValidationf("fps %g out of range 1-240", ts.FPS)
	}
	if ts.Width != 0 && (ts.Width < 1 || ts.Width > 8192) {
		return buildValidationf("width %d out of range 1-8192", ts.Width)
	}
	if ts.Height != 0 && (ts.Height < 1 || ts.Height > 8192) {
		return buildValidationf("height %d out of range 1-8192", ts.Height)
	}
	if ts.VideoBitrate != "" && !bitratePattern.MatchString(ts.VideoBitrate) {
		return buildValidationf("invalid video bitrate %q", ts.VideoBitrate)
	}
	if ts.AudioBitrate != "" && !bitratePattern.MatchString(ts.AudioBitrate) {
		return buildValidationf("invalid audio bitrate %q", ts.AudioBitrate)
	}
	if ts.Preset != "" && !presets[ts.Preset] {
		return buildValidationf("unknown preset %q", ts.Preset)
	}
	if ts.Container != "" && !containers[ts.Container] {
		return buildValidationf("unsupported container %q", ts.Container)
	}
	if ts.Threads < 0 || ts.Threads > 64 {
		return buildValidationf("threads %d out of range 0-64", ts.Threads)
	}
	for k := range ts.Metadata {
		if !metadataKey.MatchString(k) {
			return buildValidationf("invalid metadata key %q", k)
		}
	}
	return nil
}

func (tr *TrimSpec) validate() error {
	if tr.Start < 0 {
		return buildValidation("trim start must be non-negative")
	}
	if tr.Duration <= 0 {
		return buildValidation("trim duration must be positive")
	}
	return nil
}

func (wm *WatermarkSpec) validate() error {
	if err := validatePath(wm.Image, "watermark image"); err != nil {
		return err
	}
	if !watermarkPositions[wm.Position] {
		return buildValidationf("unknown watermark position %q", wm.Position)
	}
	if wm.Opacity <= 0 || wm.Opacity > 1 {
		return buildValidationf("watermark opacity %g out of range (0,1]", wm.Opacity)
	}
	if wm.Scale < 0 || wm.Scale > 1 {
		return buildValidationf("watermark scale %g out of range [0,1]", wm.Scale)
	}
	return nil
}

func (f *FilterSpec) validate() error {
	if !videoFilters[f.Name] && !audioFilters[f.Name] {
		return buildValidationf("unknown filter %q", f.Name)
	}
	for k, v := range f.Params {
		if !filterParamKey.MatchString(k) {
			return buildValidationf("filter %s: invalid parameter name %q", f.Name, k)
		}
		switch val := v.(type) {
		case string:
			if !filterParamValue.MatchString(val) {
				return buildValidationf("filter %s: invalid value for %q", f.Name, k)
			}
		case float64, int, int64, bool:
		default:
			return buildValidationf("filter %s: unsupported value type for %q", f.Name, k)
		}
	}
	return nil
}

func (st *StreamSpec) validate() error {
	if !streamFormats[st.Format] {
		return buildValidationf("unsupported streaming format %q", st.Format)
	}
	if st.SegmentDuration < 1 || st.SegmentDuration > 30 {
		return buildValidationf("segment duration %d out of range 1-30", st.SegmentDuration)
	}
	if len(st.Variants) > 8 {
		return buildValidationf("too many stream variants (%d, max 8)", len(st.Variants))
	}
	for i, v := range st.Variants {
		if v.Height < 144 || v.Height > 4320 {
			return buildValidationf("variant %d height %d out of range 144-4320", i, v.Height)
		}
		if v.Bitrate == "" || !bitratePattern.MatchString(v.Bitrate) {
			return buildValidationf("variant %d has invalid bitrate %q", i, v.Bitrate)
		}
	}
	return nil
}

func (s *jobSpec) validate() error {
	if s.Transcode != nil {
		if err := s.Transcode.validate(); err != nil {
			return err
		}
	}
	if s.Trim != nil {
		if err := s.Trim.validate(); err != nil {
			return err
		}
	}
	if s.Watermark != nil {
		if err := s.Watermark.validate(); err != nil {
			return err
		}
	}
	for i := range s.Filters {
		if err := s.Filters[i].validate(); err != nil {
			return err
		}
	}
	if s.Stream != nil {
		if err := s.Stream.validate(); err != nil {
			return err
		}
		if s.Watermark != nil {
			return buildValidation("stream output cannot be combined with watermark")
		}
		if len(s.Filters) > 0 {
			return buildValidation("stream output cannot be combined with filter operations")
		}
	}
	return nil
}
