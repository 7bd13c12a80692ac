package translate

import "strings"

// finishReasons maps backend stop reasons onto the generic finish reasons.
var finishReasons = map[string]string{
	"tool_use":         "tool_calls",
	"finished":         "stop",
	"end_turn":         "stop",
	"max_tokens":       "length",
	"stop_sequence":    "stop",
	"complete":         "stop",
	"content_filtered": "content_filter",
}

// FinishReason converts a backend stop reason to the generic finish reason.
// Matching is case-insensitive; unknown reasons pass through lower-cased so
// new backend reasons surface instead of failing.
func FinishReason(stopReason string) string {
	if stopReason == "" {
		return ""
	}
	lowered := strings.ToLower(stopReason)
	if mapped, ok := finishReasons[lowered]; ok {
		return mapped
	}
	return lowered
}
