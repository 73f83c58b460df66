package dialect

import (
	"regexp"
	"strconv"
	"strings"
)

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func firstLine(s string) string {
	lines := splitLines(s)
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

func splitFields(s string) []string {
	return strings.Fields(s)
}

// grepValue runs re (which must have exactly one capture group) against s
// and returns the first match's capture, or ok=false if re never matches.
func grepValue(s, pattern string) (string, bool) {
	re := regexp.MustCompile(pattern)
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// parseHHMMSS parses PBS/SGE's "HH:MM:SS" (or "MM:SS", or a bare seconds
// value) duration strings into seconds.
func parseHHMMSS(v string) float64 {
	parts := strings.Split(v, ":")
	var total float64
	for _, p := range parts {
		n, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}

// parseSGEMemToMiB parses qacct's maxvmem value, which carries a unit suffix
// (K/M/G), into MiB.
func parseSGEMemToMiB(v string) int64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	unit := v[len(v)-1]
	numStr := v
	var mult float64 = 1.0 / (1024 * 1024) // bytes -> MiB default
	switch unit {
	case 'K', 'k':
		numStr = v[:len(v)-1]
		mult = 1.0 / 1024
	case 'M', 'm':
		numStr = v[:len(v)-1]
		mult = 1
	case 'G', 'g':
		numStr = v[:len(v)-1]
		mult = 1024
	}
	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0
	}
	return int64(n * mult)
}
