package stream

import (
	"sort"
	"strings"
)

const maxResolveDepth = 8

var assistantRoles = map[string]bool{
	"assistant":      true,
	"ai":             true,
	"AIMessage":      true,
	"AIMessageChunk": true,
}

// ResolveCandidate walks a decoded JSON payload looking for a message list
// and returns the content of its last assistant-authored, non-empty entry.
func ResolveCandidate(payload any) (string, bool) {
	return resolve(payload, 0)
}

func resolve(v any, depth int) (string, bool) {
	if depth > maxResolveDepth {
		return "", false
	}
	switch node := v.(type) {
	case map[string]any:
		if list, ok := node["messages"].([]any); ok {
			if text, ok := lastAssistantText(list); ok {
				return text, true
			}
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			if k != "messages" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			if text, ok := resolve(node[k], depth+1); ok {
				return text, true
			}
		}
	case []any:
		if looksLikeMessages(node) {
			return lastAssistantText(node)
		}
		for i := len(node) - 1; i >= 0; i-- {
			if text, ok := resolve(node[i], depth+1); ok {
				return text, true
			}
		}
	}
	return "", false
}

func looksLikeMessages(list []any) bool {
	if len(list) == 0 {
		return false
	}
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := m["content"]; !ok {
			return false
		}
		if messageRole(m) == "" {
			return false
		}
	}
	return true
}

func lastAssistantText(list []any) (string, bool) {
	for i := len(list) - 1; i >= 0; i-- {
		m, ok := list[i].(map[string]any)
		if !ok {
			continue
		}
		if !assistantRoles[messageRole(m)] {
			continue
		}
		text := contentText(m["content"])
		if strings.TrimSpace(text) != "" {
			return text, true
		}
	}
	return "", false
}

func messageRole(m map[string]any) string {
	if role, ok := m["role"].(string); ok && role != "" {
		return role
	}
	if typ, ok := m["type"].(string); ok {
		return typ
	}
	return ""
}

// contentText accepts a plain string or a list of {type:"text", text} parts
func contentText(v any) string {
	switch c := v.(type) {
	case string:
		return c
	case []any:
		var sb strings.Builder
		for _, part := range c {
			switch p := part.(type) {
			case string:
				sb.WriteString(p)
			case map[string]any:
				if t, _ := p["type"].(string); t != "" && t != "text" {
					continue
				}
				if text, ok := p["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		return sb.String()
	}
	return ""
}
