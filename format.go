package main

import (
	"log"
	"strings"

	"github.com/dlclark/regexp2"
)

var (
	markdownHeading = regexp2.MustCompile(`^#{1,6}[ \t]+(.+?)[ \t]*$`, regexp2.Multiline)
	markdownBold    = regexp2.MustCompile(`\*\*(.+?)\*\*`, regexp2.None)
	markdownLink    = regexp2.MustCompile(`\[([^\]]+)\]\((?:[^()]|\([^()]*\))+\)`, regexp2.None)
)

// formatForPlatform adapts a markdown answer to what a chat platform renders.
// whatsapp gets bold headings, single-star bold and bare link text.
// telegram gets bold headings. discord and web keep full markdown.
func formatForPlatform(text, platform string) string {
	switch strings.ToLower(platform) {
	case "whatsapp":
		text = replaceHeadings(text)
		text = replaceAll(markdownBold, text, "*$1*")
		return replaceAll(markdownLink, text, "$1")
	case "telegram":
		return replaceHeadings(text)
	default:
		return text
	}
}

func replaceHeadings(text string) string {
	out, err := markdownHeading.ReplaceFunc(text, func(m regexp2.Match) string {
		title := strings.ReplaceAll(m.GroupByNumber(1).String(), "**", "")
		return "*" + title + "*"
	}, -1, -1)
	if err != nil {
		log.Printf("[Format] heading rewrite failed: %v", err)
		return text
	}
	return out
}

func replaceAll(re *regexp2.Regexp, text, replacement string) string {
	out, err := re.Replace(text, replacement, -1, -1)
	if err != nil {
		log.Printf("[Format] rewrite failed: %v", err)
		return text
	}
	return out
}
