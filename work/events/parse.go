package events

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"stream-checker/work/logger"

	"github.com/grafana/regexp"
)

// DefaultItemNum is the tie-break order for streams whose name yields no
// explicit event number.
const DefaultItemNum = 999

var (
	// start:2025-11-21 14:55:00 embedded in stream names
	eventTagRe = regexp.MustCompile(`start:(\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2})`)
	// "/ Nov 22 : 8PM UK" date-plus-hour heuristic
	dateHourRe = regexp.MustCompile(`(?i)/\s*(\w+)\s+(\d+)\s*:\s*(\d+)(AM|PM)\s*UK`)
	// "- 7PM EventName" hour-only heuristic, event assumed today
	hourOnlyRe = regexp.MustCompile(`(?i)-\s*(\d+)(AM|PM)\s+\w`)
	// "PPV 3", "EVENT 06", "UFC 02", "NBA 12" fallback numbering
	itemNumRe = regexp.MustCompile(`(?i)(?:PPV|EVENT|UFC|NBA)\s*(\d+)`)
	// JavaScript-style named groups in user-supplied patterns
	jsGroupRe = regexp.MustCompile(`\(\?<([^>]+)>`)

	months = map[string]time.Month{
		"jan": time.January, "feb": time.February, "mar": time.March,
		"apr": time.April, "may": time.May, "jun": time.June,
		"jul": time.July, "aug": time.August, "sep": time.September,
		"oct": time.October, "nov": time.November, "dec": time.December,
	}

	patternMu    sync.RWMutex
	patternCache = map[string]*regexp.Regexp{}
)

// compilePattern compiles a user-supplied named-group pattern, converting
// JavaScript-style (?<name>) groups and matching case-insensitively.
// Compiled patterns are cached; a malformed pattern caches as nil.
func compilePattern(pattern string) *regexp.Regexp {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re
	}

	converted := jsGroupRe.ReplaceAllString(pattern, `(?P<$1>`)
	re, err := regexp.Compile(`(?i)` + converted)
	if err != nil {
		logger.Warn("invalid event pattern %q: %v", pattern, err)
		re = nil
	}

	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re
}

// ParseEventTag extracts an explicit start:YYYY-MM-DD HH:MM:SS timestamp.
func ParseEventTag(streamName string) (time.Time, bool) {
	m := eventTagRe.FindStringSubmatch(streamName)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02 15:04:05", strings.TrimSpace(m[1]))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseWithPattern parses an event time and tie-break order from a stream
// name using a custom named-group pattern. Supported group names: year,
// month (numeric or 3-letter), day, hour, minute, second, ampm, order,
// league. Missing components default to the current UTC date with a
// midnight time. A non-matching or malformed pattern yields no time and the
// default order rather than an error.
func ParseWithPattern(streamName, pattern string) (time.Time, bool, int) {
	re := compilePattern(pattern)
	if re == nil {
		return time.Time{}, false, DefaultItemNum
	}

	m := re.FindStringSubmatch(streamName)
	if m == nil {
		logger.Debug("pattern did not match stream: %.80s", streamName)
		return time.Time{}, false, DefaultItemNum
	}

	groups := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(m) {
			groups[name] = m[i]
		}
	}

	order := DefaultItemNum
	if v, err := strconv.Atoi(groups["order"]); err == nil {
		order = v
	}

	now := time.Now().UTC()

	year := now.Year()
	if v, err := strconv.Atoi(groups["year"]); err == nil {
		year = v
	}

	month := now.Month()
	if mv := groups["month"]; mv != "" {
		if v, err := strconv.Atoi(mv); err == nil {
			month = time.Month(v)
		} else if len(mv) >= 3 {
			if mo, ok := months[strings.ToLower(mv[:3])]; ok {
				month = mo
			}
		}
	}

	day := now.Day()
	if v, err := strconv.Atoi(groups["day"]); err == nil {
		day = v
	}

	hour := 0
	if v, err := strconv.Atoi(groups["hour"]); err == nil {
		hour = v
	}
	switch strings.ToUpper(groups["ampm"]) {
	case "PM":
		if hour != 12 {
			hour += 12
		}
	case "AM":
		if hour == 12 {
			hour = 0
		}
	}

	minute := 0
	if v, err := strconv.Atoi(groups["minute"]); err == nil {
		minute = v
	}
	second := 0
	if v, err := strconv.Atoi(groups["second"]); err == nil {
		second = v
	}

	return time.Date(year, month, day, hour, minute, second, 0, time.UTC), true, order
}

// ParseMultiFormat tries the built-in name formats in order: the explicit
// start: tag, the "/ Nov 22 : 8PM UK" date heuristic and the "- 7PM Name"
// hour-only heuristic which assumes the event is today (UTC).
func ParseMultiFormat(streamName string) (time.Time, bool) {
	if t, ok := ParseEventTag(streamName); ok {
		return t, true
	}

	if m := dateHourRe.FindStringSubmatch(streamName); m != nil {
		day, dayErr := strconv.Atoi(m[2])
		hour, hourErr := strconv.Atoi(m[3])
		if dayErr == nil && hourErr == nil {
			if strings.EqualFold(m[4], "PM") && hour != 12 {
				hour += 12
			} else if strings.EqualFold(m[4], "AM") && hour == 12 {
				hour = 0
			}
			month, ok := months[strings.ToLower(m[1])[:min(3, len(m[1]))]]
			if !ok {
				month = time.January
			}
			// these listings never carry a year; the format pins 2025
			return time.Date(2025, month, day, hour, 0, 0, 0, time.UTC), true
		}
	}

	if m := hourOnlyRe.FindStringSubmatch(streamName); m != nil {
		hour, err := strconv.Atoi(m[1])
		if err == nil {
			if strings.EqualFold(m[2], "PM") && hour != 12 {
				hour += 12
			} else if strings.EqualFold(m[2], "AM") && hour == 12 {
				hour = 0
			}
			now := time.Now().UTC()
			return time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC), true
		}
	}

	return time.Time{}, false
}

// FallbackItemNum extracts an event number from names like "PPV 3" or
// "UFC 02", returning DefaultItemNum when absent.
func FallbackItemNum(streamName string) int {
	m := itemNumRe.FindStringSubmatch(streamName)
	if m == nil {
		return DefaultItemNum
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return DefaultItemNum
	}
	return n
}
