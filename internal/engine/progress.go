package engine

import (
	"bytes"
	"regexp"
	"strconv"
)

var (
	timeRe     = regexp.MustCompile(`time=\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+(?:\.\d+)?)`)
)

// parseClock converts HH, MM and SS.frac captures to seconds.
func parseClock(matches []string) (float64, bool) {
	if len(matches) < 4 {
		return 0, false
	}
	hours, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, false
	}
	minutes, err := strconv.ParseFloat(matches[2], 64)
	if err != nil {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(matches[3], 64)
	if err != nil {
		return 0, false
	}
	return hours*3600 + minutes*60 + seconds, true
}

// parseProgressTime extracts the processed timestamp from an ffmpeg status line
// such as "size=  12kB time=00:00:04.52 bitrate=...".
func parseProgressTime(line string) (float64, bool) {
	return parseClock(timeRe.FindStringSubmatch(line))
}

// parseInputDuration extracts the input duration from an ffmpeg header line
// such as "  Duration: 00:02:00.05, start: 0.000000, bitrate: 128 kb/s".
func parseInputDuration(line string) (float64, bool) {
	return parseClock(durationRe.FindStringSubmatch(line))
}

// progressRatio returns elapsed/total clamped to [0, 1].
func progressRatio(elapsed, total float64) float64 {
	if total <= 0 {
		return 0
	}
	r := elapsed / total
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

// scanOutputLines splits ffmpeg stderr on both '\n' and '\r'; ffmpeg rewrites
// its status line in place using carriage returns.
func scanOutputLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
