package stream

import "strings"

// ReplaceSentinel prefixes a wire fragment that replaces the accumulated buffer
const ReplaceSentinel = "__REPLACE__"

// DeltaKind distinguishes incremental fragments from full replacements
type DeltaKind int

const (
	KindAppend DeltaKind = iota
	KindReplace
)

func (k DeltaKind) String() string {
	if k == KindReplace {
		return "replace"
	}
	return "append"
}

// Delta is one display update. Callers must branch on Kind.
type Delta struct {
	Kind DeltaKind
	Text string
}

// Append returns an incremental delta
func Append(text string) Delta { return Delta{Kind: KindAppend, Text: text} }

// Replace returns a delta that discards the buffer and sets it to text
func Replace(text string) Delta { return Delta{Kind: KindReplace, Text: text} }

// Wire encodes the delta as a single string fragment
func (d Delta) Wire() string {
	if d.Kind == KindReplace {
		return ReplaceSentinel + d.Text
	}
	return d.Text
}

// ParseWire decodes a string fragment produced by Wire
func ParseWire(fragment string) Delta {
	if rest, ok := strings.CutPrefix(fragment, ReplaceSentinel); ok {
		return Replace(rest)
	}
	return Append(fragment)
}

// Buffer accumulates deltas into the visible message text
type Buffer struct {
	content strings.Builder
}

// Apply folds d into the buffer and returns the new content
func (b *Buffer) Apply(d Delta) string {
	if d.Kind == KindReplace {
		b.content.Reset()
	}
	b.content.WriteString(d.Text)
	return b.content.String()
}

// String returns the accumulated content
func (b *Buffer) String() string {
	return b.content.String()
}

// Reset empties the buffer
func (b *Buffer) Reset() {
	b.content.Reset()
}
