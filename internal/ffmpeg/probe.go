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
	"strconv"
	"strings"

	"reel/internal/errdefs"
)

// MediaInfo is the parsed ffprobe output for one input. FFprobe emits
// numbers as strings; converters turn them into usable values.
type MediaInfo struct {
	Format  FormatInfo   `json:"format"`
	Streams []StreamInfo `json:"streams"`
}

type FormatInfo struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

type StreamInfo struct {
	Index      int    `json:"index"`
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	PixFmt     string `json:"pix_fmt"`
	RFrameRate string `json:"r_frame_rate"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitRate    string `json:"bit_rate"`
	Duration   string `json:"duration"`
}

// supportedInputFormats are demuxer tokens accepted for processing.
// ffprobe reports format_name as a comma-separated token list.
var supportedInputFormats = map[string]bool{
	"mov": true, "mp4": true, "m4a": true, "3gp": true, "3g2": true,
	"matroska": true, "webm": true, "avi": true, "mpegts": true,
	"mpeg": true, "flv": true, "ogg": true, "wav": true, "mp3": true,
	"aac": true, "flac": true, "mxf": true, "gif": true, "asf": true,
}

func ParseMediaInfo(data []byte) (*MediaInfo, error) {
	var info MediaInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errdefs.Wrap(err, errdefs.CodeProcessingFailed, errdefs.KindProcessing, "parse probe output")
	}
	return &info, nil
}

// DurationSeconds returns the container duration, or 0 when unknown.
func (m *MediaInfo) DurationSeconds() float64 {
	d, err := strconv.ParseFloat(m.Format.Duration, 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// SizeBytes returns the container size, or 0 when unknown.
func (m *MediaInfo) SizeBytes() int64 {
	n, err := strconv.ParseInt(m.Format.Size, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// BitRateBPS returns the overall bitrate in bits per second, or 0.
func (m *MediaInfo) BitRateBPS() int64 {
	n, err := strconv.ParseInt(m.Format.BitRate, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// VideoStream returns the first video stream, or nil.
func (m *MediaInfo) VideoStream() *StreamInfo {
	for i := range m.Streams {
		if m.Streams[i].CodecType == "video" {
			return &m.Streams[i]
		}
	}
	return nil
}

// AudioStream returns the first audio stream, or nil.
func (m *MediaInfo) AudioStream() *StreamInfo {
	for i := range m.Streams {
		if m.Streams[i].CodecType == "audio" {
			return &m.Streams[i]
		}
	}
	return nil
}

// FrameRate parses the video stream's r_frame_rate fraction ("30000/1001").
func (m *MediaInfo) FrameRate() float64 {
	vs := m.VideoStream()
	if vs == nil {
		return 0
	}
	num, den, found := strings.Cut(vs.RFrameRate, "/")
	if !found {
		f, err := strconv.ParseFloat(vs.RFrameRate, 64)
		if err != nil {
			return 0
		}
		return f
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

// ValidateInputFormat rejects inputs whose demuxer is outside the
// supported set. Any matching token in the comma-separated format name
// accepts the input.
func (m *MediaInfo) ValidateInputFormat() error {
	name := m.Format.FormatName
	if name == "" {
		return errdefs.Validation("input has no recognizable container format")
	}
	for _, tok := range strings.Split(name, ",") {
		if supportedInputFormats[strings.TrimSpace(tok)] {
			return nil
		}
	}
	return errdefs.Validationf("unsupported input format %q", name)
}
