// Package decode extracts structured step results from raw model output.
//
// Model responses are frequently wrapped in prose or markdown code fences;
// Object strips a single outer fence if present, then slices from the first
// '{' to the last '}' and parses the slice as JSON.
package decode

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// DecodeError indicates the raw model output did not contain a parseable
// JSON object. It is never retried at this layer: replaying the same text
// would fail identically, so the owning step is retried with a fresh call.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s", e.Reason)
}

var fenceRe = regexp.MustCompile("(?is)```(?:json|javascript|typescript)?\\s*(.*?)```")

// Object extracts a single JSON object from rawText.
func Object(rawText string) (json.RawMessage, error) {
	text := strings.TrimSpace(rawText)
	if text == "" {
		return nil, &DecodeError{Reason: "empty response"}
	}

	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return nil, &DecodeError{Reason: "no JSON object found in response"}
	}
	text = text[start : end+1]

	if !json.Valid([]byte(text)) {
		return nil, &DecodeError{Reason: "response is not valid JSON"}
	}
	return json.RawMessage(text), nil
}

// Into decodes rawText into a typed step-result variant.
func Into(rawText string, v any) error {
	obj, err := Object(rawText)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(obj, v); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("unexpected shape: %v", err)}
	}
	return nil
}
