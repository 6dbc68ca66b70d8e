// Package jsonutil decodes JSON out of LLM chat responses, which routinely
// arrive wrapped in Markdown code fences or surrounded by prose.
package jsonutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9]*)?\\s*\\n?(.*?)```")

// Extract returns the most plausible JSON payload inside raw: the first
// fenced code block when one exists, otherwise the trimmed input.
func Extract(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fencedBlock.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

// Decode unmarshals the JSON payload of an LLM response into v. It first
// tries the fence-stripped text as is; if that is not valid JSON it retries
// on the outermost object or array slice, which recovers payloads prefixed
// with prose like "Here is the JSON:".
func Decode(raw string, v interface{}) error {
	payload := Extract(raw)
	if payload == "" {
		return fmt.Errorf("jsonutil: empty response")
	}

	firstErr := json.Unmarshal([]byte(payload), v)
	if firstErr == nil {
		return nil
	}

	if sliced, ok := braceSlice(payload); ok {
		if err := json.Unmarshal([]byte(sliced), v); err == nil {
			return nil
		}
	}
	return fmt.Errorf("jsonutil: decode: %w", firstErr)
}

// braceSlice cuts payload down to the outermost {...} or [...] span.
func braceSlice(payload string) (string, bool) {
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(payload, pair[0])
		end := strings.LastIndex(payload, pair[1])
		if start >= 0 && end > start {
			return payload[start : end+1], true
		}
	}
	return "", false
}
