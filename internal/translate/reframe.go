package translate

import "converse-gateway/internal/converse"

// Reframe merges consecutive same-role messages into one, producing the
// strictly-alternating sequence the backend requires. The generic protocol
// permits role repeats (two user turns in a row, or a tool result following
// a user turn, both addressed to the user role); the backend rejects them.
//
// The merge is order-preserving: the concatenation of all content blocks in
// the output equals the concatenation of the inputs' content blocks.
// Reframing an already-alternating sequence returns an equal sequence.
func Reframe(messages []converse.Message) []converse.Message {
	reframed := make([]converse.Message, 0, len(messages))
	var currentRole string
	var currentContent []converse.ContentBlock

	for _, message := range messages {
		if message.Role != currentRole {
			if len(currentContent) > 0 {
				reframed = append(reframed, converse.Message{Role: currentRole, Content: currentContent})
			}
			currentRole = message.Role
			currentContent = nil
		}
		currentContent = append(currentContent, message.Content...)
	}

	if len(currentContent) > 0 {
		reframed = append(reframed, converse.Message{Role: currentRole, Content: currentContent})
	}
	return reframed
}
