package stringutil

import "fmt"

const (
	sampleMaxLength  = 100
	sampleEdgeLength = 50
)

// SampleLong samples a long string by taking some content from the beginning
// and some from the end. Used when reflecting user input like query strings or
// paste content into logs, where someone may have sent something degenerately
// long.
//
// Works on runes so that multi-byte characters are never split in half.
func SampleLong(s string) string {
	runes := []rune(s)
	if len(runes) <= sampleMaxLength {
		return s
	}

	return fmt.Sprintf("%s ... [TRUNCATED; total_length: %v characters] ... %s",
		string(runes[:sampleEdgeLength]), len(runes), string(runes[len(runes)-sampleEdgeLength:]))
}
