package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mohammad-safakhou/aide/internal/contract"
)

var (
	explicitDatePattern = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b|\b\d{1,2}[/-]\d{1,2}(?:[/-]\d{2,4})?\b`)
	timePattern         = regexp.MustCompile(`\b([01]?\d|2[0-3])[:.]([0-5]\d)\b`)
	hourOnlyPattern     = regexp.MustCompile(`(?i)\b(?:jam|pukul|at)\s*([01]?\d|2[0-3])\b`)
)

// relativeDayOffset reads relative day words (English and Indonesian)
// out of the message. Returns the day offset and whether one was found.
func relativeDayOffset(text string) (int, bool) {
	lowered := strings.ToLower(text)
	switch {
	case strings.Contains(lowered, "day after tomorrow") || strings.Contains(lowered, "lusa"):
		return 2, true
	case strings.Contains(lowered, "tomorrow") || strings.Contains(lowered, "besok"):
		return 1, true
	case strings.Contains(lowered, "today") || strings.Contains(lowered, "hari ini"):
		return 0, true
	case strings.Contains(lowered, "yesterday") || strings.Contains(lowered, "kemarin"):
		return -1, true
	}
	return 0, false
}

// extractHHMM pulls a clock time out of text: an explicit HH:MM (or
// HH.MM) first, then a bare hour after "jam", "pukul" or "at".
func extractHHMM(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	if m := timePattern.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("%02d:%02d", hour, minute), true
	}
	if m := hourOnlyPattern.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		return fmt.Sprintf("%02d:00", hour), true
	}
	return "", false
}

// repairAddEventArgs rewrites a relative start_time ("besok jam 9")
// into an absolute YYYY-MM-DD HH:MM using the user's message. Messages
// that carry an explicit date are left alone; so are args without a
// resolvable clock time.
func repairAddEventArgs(args map[string]any, userMessage string, now time.Time) map[string]any {
	if _, ok := args["start_time"]; !ok {
		return args
	}
	if explicitDatePattern.MatchString(userMessage) {
		return args
	}
	offset, ok := relativeDayOffset(userMessage)
	if !ok {
		return args
	}

	startValue := contract.ContentText(args["start_time"])
	hhmm, ok := extractHHMM(userMessage)
	if !ok {
		hhmm, ok = extractHHMM(startValue)
	}
	if !ok {
		return args
	}

	target := now.AddDate(0, 0, offset)
	repaired := copyArgs(args)
	repaired["start_time"] = fmt.Sprintf("%s %s", target.Format("2006-01-02"), hhmm)
	return repaired
}
