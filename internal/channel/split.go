package channel

import "strings"

// SplitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible so conversation turns stay
// readable.
func SplitMessage(msg string, maxLen int) []string {
	if maxLen <= 0 || len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		// Try to split on a newline.
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
