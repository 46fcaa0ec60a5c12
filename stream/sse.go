package stream

import (
	"encoding/json"
	"strings"
)

// lineKind is the classification of one event-stream line
type lineKind int

const (
	lineBlank lineKind = iota
	lineEvent
	lineData
	lineDone
	lineIgnored // id:, retry:, comments
	lineUnknown
)

// DoneMarker is the literal end-of-stream data payload
const DoneMarker = "[DONE]"

// classifyLine splits an event-stream line into its kind and value.
// Trailing CR/LF must already be stripped.
func classifyLine(line string) (lineKind, string) {
	if strings.TrimSpace(line) == "" {
		return lineBlank, ""
	}
	if strings.HasPrefix(line, ":") {
		return lineIgnored, ""
	}
	field, value, found := strings.Cut(line, ":")
	if !found {
		return lineUnknown, line
	}
	value = strings.TrimPrefix(value, " ")
	switch field {
	case "event":
		return lineEvent, strings.TrimSpace(value)
	case "data":
		value = strings.TrimSpace(value)
		if value == DoneMarker {
			return lineDone, value
		}
		return lineData, value
	case "id", "retry":
		return lineIgnored, value
	default:
		return lineUnknown, line
	}
}

// payloadAction is what a parsed data payload asks the stream to do
type payloadAction int

const (
	actionNone payloadAction = iota
	actionCandidate
	actionFragment
	actionReplace
	actionDone
	actionError
)

// interpretPayload decides what a data payload means under the current event name
func (o *Options) interpretPayload(event string, payload any) (payloadAction, string) {
	if o.isEvent(o.ErrorEvents, event) {
		if obj, ok := payload.(map[string]any); ok {
			return actionError, errorText(obj)
		}
		if s, ok := payload.(string); ok {
			return actionError, s
		}
		return actionError, ""
	}

	if o.isEvent(o.IgnoredEvents, event) {
		return actionNone, ""
	}

	obj, isObj := payload.(map[string]any)
	if isObj && isDonePayload(obj) {
		return actionDone, ""
	}
	if isObj && len(obj) == 1 {
		if _, ok := obj["error"]; ok {
			return actionError, errorText(obj)
		}
	}
	if o.isEvent(o.ContentEvents, event) {
		if text, ok := ResolveCandidate(payload); ok {
			return actionCandidate, text
		}
		return actionNone, ""
	}

	// Unnamed events may carry relay chunks: {"type":"chunk"|"replace","content":...}
	if event == "" || event == "message" {
		if isObj {
			typ, _ := obj["type"].(string)
			content, _ := obj["content"].(string)
			switch typ {
			case "chunk":
				return actionFragment, content
			case "replace":
				return actionReplace, content
			}
		}
	}
	return actionNone, ""
}

func isDonePayload(obj map[string]any) bool {
	if done, ok := obj["done"].(bool); ok && done {
		return true
	}
	switch obj["type"] {
	case "done", "complete", "end":
		return true
	}
	return false
}

func (o *Options) isEvent(set []string, event string) bool {
	for _, name := range set {
		if name == event {
			return true
		}
	}
	return false
}

func decodePayload(data string) (any, error) {
	var v any
	err := json.Unmarshal([]byte(data), &v)
	return v, err
}
