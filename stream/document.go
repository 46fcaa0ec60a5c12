package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"deepresearch/models"
)

// DefaultWindowWords is the number of words yielded per paced window
const DefaultWindowWords = 7

// SplitWindows cuts text into windows of n words. Each word keeps the
// whitespace that follows it, so joining the windows yields text exactly.
func SplitWindows(text string, n int) []string {
	if text == "" {
		return nil
	}
	if n <= 0 {
		n = DefaultWindowWords
	}

	var windows []string
	start := 0
	words := 0
	prevSpace := true
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && prevSpace {
			if words > 0 && words%n == 0 {
				windows = append(windows, text[start:i])
				start = i
			}
			words++
		}
		prevSpace = space
	}
	windows = append(windows, text[start:])
	return windows
}

// documentAnswer extracts the final answer text from a single JSON document.
// An explicit error status is returned as an UpstreamError.
func documentAnswer(body []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", models.NewError(models.KindMalformedStream, "response is not valid JSON", err)
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		if text, ok := ResolveCandidate(doc); ok {
			return text, nil
		}
		return "", models.NewError(models.KindMalformedStream, "response document has no answer", nil)
	}

	status, _ := obj["status"].(string)
	if strings.EqualFold(status, "error") || strings.EqualFold(status, "failed") {
		return "", models.NewError(models.KindUpstreamError, errorText(obj), nil)
	}

	for _, key := range []string{"response", "final_report", "content", "answer"} {
		if s, ok := obj[key].(string); ok {
			return s, nil
		}
	}
	switch out := obj["output"].(type) {
	case string:
		return out, nil
	case map[string]any:
		if s, ok := out["final_report"].(string); ok {
			return s, nil
		}
	}
	if text, ok := ResolveCandidate(obj); ok {
		return text, nil
	}
	if _, hasErr := obj["error"]; hasErr {
		return "", models.NewError(models.KindUpstreamError, errorText(obj), nil)
	}
	return "", models.NewError(models.KindMalformedStream,
		fmt.Sprintf("response document has no answer (%s)", preview(body)), nil)
}

// errorText pulls a message out of {error: "..."} or {error: {message: "..."}}
func errorText(obj map[string]any) string {
	switch e := obj["error"].(type) {
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	if msg, ok := obj["message"].(string); ok {
		return msg
	}
	if msg, ok := obj["detail"].(string); ok {
		return msg
	}
	return ""
}

func preview(b []byte) string {
	const limit = 120
	s := string(b)
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
