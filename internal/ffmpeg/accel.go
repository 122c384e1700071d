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
	"strings"
)

// Accelerator identifies a hardware encode path.
type Accelerator string

const (
	AccelNVENC        Accelerator = "nvenc"
	AccelQSV          Accelerator = "qsv"
	AccelVAAPI        Accelerator = "vaapi"
	AccelVideoToolbox Accelerator = "videotoolbox"
	AccelAMF          Accelerator = "amf"
	AccelSoftware     Accelerator = "software"
)

// accelPreference orders accelerators best-first. Software always wins
// when nothing better is available.
var accelPreference = []Accelerator{
	AccelNVENC, AccelQSV, AccelVAAPI, AccelVideoToolbox, AccelAMF, AccelSoftware,
}

// hwEncoders maps codec -> accelerator -> encoder name. Codecs absent
// here only encode in software.
var hwEncoders = map[string]map[Accelerator]string{
	"h264": {
		AccelNVENC:        "h264_nvenc",
		AccelQSV:          "h264_qsv",
		AccelVAAPI:        "h264_vaapi",
		AccelVideoToolbox: "h264_videotoolbox",
		AccelAMF:          "h264_amf",
	},
	"h265": {
		AccelNVENC:        "hevc_nvenc",
		AccelQSV:          "hevc_qsv",
		AccelVAAPI:        "hevc_vaapi",
		AccelVideoToolbox: "hevc_videotoolbox",
		AccelAMF:          "hevc_amf",
	},
}

var swVideoEncoders = map[string]string{
	"h264": "libx264",
	"h265": "libx265",
	"hevc": "libx265",
	"av1":  "libaom-av1",
	"vp8":  "libvpx",
	"vp9":  "libvpx-vp9",
}

var audioEncoders = map[string]string{
	"aac":       "aac",
	"opus":      "libopus",
	"mp3":       "libmp3lame",
	"flac":      "flac",
	"pcm":       "pcm_s16le",
	"pcm_s16le": "pcm_s16le",
}

// hwaccelArgs are the decode-side flags prepended when an accelerator
// is active. AMF accelerates encode only, so it adds none.
var hwaccelArgs = map[Accelerator][]string{
	AccelNVENC:        {"-hwaccel", "cuda"},
	AccelQSV:          {"-hwaccel", "qsv"},
	AccelVAAPI:        {"-hwaccel", "vaapi"},
	AccelVideoToolbox: {"-hwaccel", "videotoolbox"},
}

// selectEncoder picks the encoder for a video codec given the available
// accelerators, walking the preference order. Returns the encoder name
// and the accelerator that provides it (AccelSoftware for library
// encoders).
func selectEncoder(codec string, available []Accelerator) (string, Accelerator) {
	// h265 and hevc name the same codec.
	norm := codec
	if norm == "hevc" {
		norm = "h265"
	}
	if table, ok := hwEncoders[norm]; ok {
		avail := make(map[Accelerator]bool, len(available))
		for _, a := range available {
			avail[a] = true
		}
		for _, pref := range accelPreference {
			if pref == AccelSoftware {
				break
			}
			if avail[pref] {
				if enc, ok := table[pref]; ok {
					return enc, pref
				}
			}
		}
	}
	return swVideoEncoders[norm], AccelSoftware
}

// parseHWAccels extracts accelerators from `ffmpeg -hwaccels` output.
// The list names decode methods; each maps to the encode family it
// implies on that host. The result is deduplicated and preference
// ordered, without software (which is implicit).
func parseHWAccels(output string) []Accelerator {
	found := map[Accelerator]bool{}
	inList := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "Hardware acceleration methods:") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		switch line {
		case "cuda", "nvdec", "cuvid":
			found[AccelNVENC] = true
		case "qsv":
			found[AccelQSV] = true
		case "vaapi":
			found[AccelVAAPI] = true
		case "videotoolbox":
			found[AccelVideoToolbox] = true
		case "d3d11va", "dxva2", "amf":
			found[AccelAMF] = true
		}
	}
	var out []Accelerator
	for _, a := range accelPreference {
		if found[a] {
			out = append(out, a)
		}
	}
	return out
}
