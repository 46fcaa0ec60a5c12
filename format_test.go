package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatForPlatform(t *testing.T) {
	text := "# Findings\n## **Key** points\nRead [the survey](https://example.com/a_(b)) and **note** this."

	tests := []struct {
		platform string
		want     string
	}{
		{"whatsapp", "*Findings*\n*Key points*\nRead the survey and *note* this."},
		{"WhatsApp", "*Findings*\n*Key points*\nRead the survey and *note* this."},
		{"telegram", "*Findings*\n*Key points*\nRead [the survey](https://example.com/a_(b)) and **note** this."},
		{"discord", text},
		{"web", text},
		{"", text},
	}
	for _, tt := range tests {
		t.Run(tt.platform, func(t *testing.T) {
			assert.Equal(t, tt.want, formatForPlatform(text, tt.platform))
		})
	}
}

func TestFormatLeavesPlainTextAlone(t *testing.T) {
	assert.Equal(t, "no markdown # here", formatForPlatform("no markdown # here", "whatsapp"))
}
