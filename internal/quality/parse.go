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
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
)

// maxStoredScores caps the raw per-frame scores kept for inspection.
const maxStoredScores = 100

// infPSNRCap replaces "inf" in PSNR output (identical frames).
const infPSNRCap = 100.0

type vmafLog struct {
	Frames []struct {
		Metrics map[string]float64 `json:"metrics"`
	} `json:"frames"`
}

// parseVMAFLog aggregates the per-frame scores from a libvmaf JSON log.
func parseVMAFLog(data []byte) (*VMAFResult, error) {
	var log vmafLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("parse vmaf log: %w", err)
	}
	scores := make([]float64, 0, len(log.Frames))
	for _, f := range log.Frames {
		if v, ok := f.Metrics["vmaf"]; ok {
			scores = append(scores, v)
		}
	}
	if len(scores) == 0 {
		return nil, fmt.Errorf("vmaf log contains no frame scores")
	}

	result := &VMAFResult{
		Frames: len(scores),
		Min:    math.Inf(1),
		Max:    math.Inf(-1),
	}
	var sum float64
	for _, s := range scores {
		sum += s
		if s < result.Min {
			result.Min = s
		}
		if s > result.Max {
			result.Max = s
		}
	}
	result.Mean = sum / float64(len(scores))

	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	result.P1 = percentile(sorted, 1)
	result.P5 = percentile(sorted, 5)
	result.P95 = percentile(sorted, 95)
	result.P99 = percentile(sorted, 99)

	keep := len(scores)
	if keep > maxStoredScores {
		keep = maxStoredScores
	}
	result.Scores = append([]float64(nil), scores[:keep]...)
	return result, nil
}

// percentile uses the nearest-rank method on a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

var (
	psnrAvgRe = regexp.MustCompile(`average:([\d.]+|inf)`)
	psnrYRe   = regexp.MustCompile(`\by:([\d.]+|inf)`)
	psnrURe   = regexp.MustCompile(`\bu:([\d.]+|inf)`)
	psnrVRe   = regexp.MustCompile(`\bv:([\d.]+|inf)`)

	ssimAllRe = regexp.MustCompile(`All:([\d.]+)`)
	ssimYRe   = regexp.MustCompile(`Y:([\d.]+)`)
	ssimURe   = regexp.MustCompile(`U:([\d.]+)`)
	ssimVRe   = regexp.MustCompile(`V:([\d.]+)`)
)

func psnrValue(re *regexp.Regexp, text string) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	if m[1] == "inf" {
		return infPSNRCap, true
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parsePSNR extracts the summary the psnr filter prints on stderr:
//
//	PSNR y:34.123 u:40.456 v:39.789 average:35.678 min:28.1 max:45.9
func parsePSNR(stderr string) (*PSNRResult, error) {
	avg, ok := psnrValue(psnrAvgRe, stderr)
	if !ok {
		return nil, fmt.Errorf("psnr summary not found in tool output")
	}
	r := &PSNRResult{Average: avg}
	if v, ok := psnrValue(psnrYRe, stderr); ok {
		r.Y = v
	}
	if v, ok := psnrValue(psnrURe, stderr); ok {
		r.U = v
	}
	if v, ok := psnrValue(psnrVRe, stderr); ok {
		r.V = v
	}
	return r, nil
}

func ssimValue(re *regexp.Regexp, text string) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseSSIM extracts the summary the ssim filter prints on stderr:
//
//	SSIM Y:0.987654 (19.08) U:0.991 (20.5) V:0.990 (20.0) All:0.989 (19.7)
func parseSSIM(stderr string) (*SSIMResult, error) {
	all, ok := ssimValue(ssimAllRe, stderr)
	if !ok {
		return nil, fmt.Errorf("ssim summary not found in tool output")
	}
	r := &SSIMResult{All: all}
	if v, ok := ssimValue(ssimYRe, stderr); ok {
		r.Y = v
	}
	if v, ok := ssimValue(ssimURe, stderr); ok {
		r.U = v
	}
	if v, ok := ssimValue(ssimVRe, stderr); ok {
		r.V = v
	}
	return r, nil
}
