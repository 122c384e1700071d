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
	"math"
	"regexp"
	"strconv"
)

// Progress is one parsed stats line from the FFmpeg stderr stream.
type Progress struct {
	Frame         int64
	FPS           float64
	Bitrate       string
	Speed         float64
	TimeProcessed float64
	// Percent is derived from TimeProcessed against the probed input
	// duration; 0 when the duration is unknown.
	Percent float64
}

var (
	frameRe   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	timeRe    = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2})\.(\d+)`)
	bitrateRe = regexp.MustCompile(`bitrate=\s*(\S+)`)
	speedRe   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// ParseProgress extracts progress from one stderr line. Only stats
// lines carrying a time= field parse; everything else reports false.
func ParseProgress(line string, totalDuration float64) (Progress, bool) {
	tm := timeRe.FindStringSubmatch(line)
	if tm == nil {
		return Progress{}, false
	}

	var p Progress
	h, _ := strconv.ParseFloat(tm[1], 64)
	m, _ := strconv.ParseFloat(tm[2], 64)
	s, _ := strconv.ParseFloat(tm[3], 64)
	frac, _ := strconv.ParseFloat(tm[4], 64)
	p.TimeProcessed = h*3600 + m*60 + s + frac/math.Pow10(len(tm[4]))

	if m := frameRe.FindStringSubmatch(line); m != nil {
		p.Frame, _ = strconv.ParseInt(m[1], 10, 64)
	}
	if m := fpsRe.FindStringSubmatch(line); m != nil {
		p.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := bitrateRe.FindStringSubmatch(line); m != nil {
		p.Bitrate = m[1]
	}
	if m := speedRe.FindStringSubmatch(line); m != nil {
		p.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	if totalDuration > 0 {
		pct := p.TimeProcessed / totalDuration * 100
		if pct > 100 {
			pct = 100
		}
		if pct < 0 {
			pct = 0
		}
		p.Percent = pct
	}
	return p, true
}
