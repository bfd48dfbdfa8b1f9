package agentloop

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// FallbackToolCharLimit applies to tools without an explicit limit.
const FallbackToolCharLimit = 16000

// Default character limits per tool.
var DefaultToolCharLimits = map[string]int{
	"search_hotels":         20000,
	"get_hotel_details":     20000,
	"check_availability":    10000,
	"search_hotel_policies": 12000,
	"get_weather_forecast":  8000,
	"create_booking":        10000,
	"list_bookings":         10000,
	"get_booking":           10000,
	"update_booking":        10000,
	"cancel_booking":        10000,
}

// Default truncation modes per tool. Lists keep their newest entries.
var DefaultTruncationModes = map[string]TruncationMode{
	"list_bookings": TruncateTail,
}

// Default line limits per tool (applied after character truncation).
var DefaultToolLineLimits = map[string]int{
	"search_hotel_policies": 400,
}

// TruncateOutput applies character-based truncation to output. Cuts never
// split a UTF-8 sequence.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	switch mode {
	case TruncateTail:
		tail := runeSuffix(output, maxChars)
		removed := len(output) - len(tail)
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed.]\n\n", removed) + tail

	default:
		half := maxChars / 2
		head := runePrefix(output, half)
		tail := runeSuffix(output, half)
		removed := len(output) - len(head) - len(tail)
		return head +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
				"If you need specific parts, call the tool again with narrower parameters.]\n\n", removed) +
			tail
	}
}

func runePrefix(s string, n int) string {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func runeSuffix(s string, n int) string {
	start := len(s) - n
	for start < len(s) && start > 0 && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToolOutput applies the full truncation pipeline for a tool:
// character limits first, then line limits. Overrides win over defaults.
func TruncateToolOutput(output string, toolName string, charLimits map[string]int, lineLimits map[string]int) string {
	maxChars, ok := charLimits[toolName]
	if !ok {
		maxChars, ok = DefaultToolCharLimits[toolName]
		if !ok {
			maxChars = FallbackToolCharLimit
		}
	}

	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}

	result := TruncateOutput(output, maxChars, mode)

	maxLines, ok := lineLimits[toolName]
	if !ok {
		maxLines = DefaultToolLineLimits[toolName]
	}
	if maxLines > 0 {
		result = TruncateLines(result, maxLines)
	}

	return result
}
