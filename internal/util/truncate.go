package util

import "fmt"

// DefaultLogMaxLen caps provider payloads echoed into logs.
const DefaultLogMaxLen = 512

// TruncateLog shortens s to maxLen bytes, noting the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is TruncateLog for a response body at DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
