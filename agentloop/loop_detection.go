package agentloop

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// maxLoopPeriod is the longest repeating cycle of tool calls recognized.
const maxLoopPeriod = 3

// callSignature identifies a call by tool name and arguments. Arguments are
// compacted first so whitespace does not hide a repeat, and objects are
// re-encoded so key order does not either.
func callSignature(call ToolCall) string {
	args := []byte(call.Arguments)
	var decoded interface{}
	if err := json.Unmarshal(args, &decoded); err == nil {
		if canonical, err := json.Marshal(decoded); err == nil {
			args = canonical
		}
	} else {
		var buf bytes.Buffer
		if json.Compact(&buf, args) == nil {
			args = buf.Bytes()
		}
	}
	sum := sha256.Sum256(args)
	return call.Name + ":" + hex.EncodeToString(sum[:8])
}

// recentSignatures returns the signatures of the last n tool calls in the
// order they were requested, or fewer if the log holds fewer.
func recentSignatures(history []Message, n int) []string {
	out := make([]string, n)
	i := n
	for m := len(history) - 1; m >= 0 && i > 0; m-- {
		calls := history[m].ToolCalls
		if history[m].Role != RoleAssistant {
			continue
		}
		for c := len(calls) - 1; c >= 0 && i > 0; c-- {
			i--
			out[i] = callSignature(calls[c])
		}
	}
	return out[i:]
}

// currentTurn returns the messages from the latest user message on, so
// repeats from earlier turns do not count.
func currentTurn(history []Message) []Message {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i:]
		}
	}
	return history
}

// RepeatingPeriod returns the length of the cycle the last window tool calls
// repeat, or 0 when they do not repeat a cycle of at most three calls.
func RepeatingPeriod(history []Message, window int) int {
	if window <= 1 {
		return 0
	}
	sigs := recentSignatures(history, window)
	if len(sigs) < window {
		return 0
	}
	for period := 1; period <= maxLoopPeriod && period < window; period++ {
		if window%period != 0 {
			continue
		}
		repeats := true
		for i := period; i < window; i++ {
			if sigs[i] != sigs[i-period] {
				repeats = false
				break
			}
		}
		if repeats {
			return period
		}
	}
	return 0
}

// DetectLoop reports whether the last window tool calls repeat a short
// cycle.
func DetectLoop(history []Message, window int) bool {
	return RepeatingPeriod(history, window) > 0
}
