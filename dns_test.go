package main

import (
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDNSQuestion(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"what-is-go.research.local.", "what is go"},
		{"Why.Is.The-Sky.Blue.research.local", "why is the sky blue"},
		{"--odd---spacing.research.local.", "odd spacing"},
		{"research.local.", ""},
		{"example.com.", ""},
		{"notresearch.local.", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dnsQuestion(tt.name, "research.local"))
		})
	}
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "unlimited text", clip("unlimited text", 0))
	assert.Equal(t, "abcdefg...", clip("abcdefghijklmnop", 10))

	// never splits a multi-byte rune
	clipped := clip(strings.Repeat("é", 10), 8)
	assert.Equal(t, "éé...", clipped)
}

func TestTXTChunks(t *testing.T) {
	assert.Equal(t, []string{""}, txtChunks(""))
	assert.Equal(t, []string{"hi"}, txtChunks("hi"))

	long := strings.Repeat("a", 600)
	chunks := txtChunks(long)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 255)
	assert.Len(t, chunks[2], 90)

	multi := strings.Repeat("a", 254) + "é" + "b"
	chunks = txtChunks(multi)
	require.Len(t, chunks, 2)
	assert.Equal(t, strings.Repeat("a", 254), chunks[0])
	assert.Equal(t, "éb", chunks[1])
}

func TestAnswerDNSQuestion(t *testing.T) {
	setupGateway(t, valuesStream("Go is a programming language."))
	assert.Equal(t, "Go is a programming language.", answerDNSQuestion(t.Context(), "what is go"))
}

func TestAnswerDNSQuestionClipsLongAnswers(t *testing.T) {
	setupGateway(t, valuesStream(strings.Repeat("research ", 100)))
	t.Setenv("DNS_MAX_CHARS", "40")

	got := answerDNSQuestion(t.Context(), "tell me everything")
	assert.Len(t, got, 40)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestAnswerDNSQuestionUnavailable(t *testing.T) {
	setupGateway(t, failingUpstream(http.StatusBadGateway))
	assert.Equal(t, "The research service is unavailable right now. Please try again.",
		answerDNSQuestion(t.Context(), "anything"))

	setupGateway(t, nil)
	assert.Equal(t, "The research service is unavailable right now. Please try again.",
		answerDNSQuestion(t.Context(), "anything"))
}

// recordingWriter captures the reply handleDNS writes
type recordingWriter struct {
	dns.ResponseWriter
	reply *dns.Msg
}

func (w *recordingWriter) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("192.0.2.7"), Port: 5353}
}

func (w *recordingWriter) WriteMsg(m *dns.Msg) error {
	w.reply = m
	return nil
}

func TestHandleDNS(t *testing.T) {
	setupGateway(t, valuesStream("Qubits hold superpositions."))

	req := new(dns.Msg)
	req.SetQuestion("what-is-a-qubit."+DNS_ZONE, dns.TypeTXT)

	w := &recordingWriter{}
	handleDNS(w, req)

	require.NotNil(t, w.reply)
	assert.True(t, w.reply.Authoritative)
	require.Len(t, w.reply.Answer, 1)
	txt, ok := w.reply.Answer[0].(*dns.TXT)
	require.True(t, ok)
	assert.Equal(t, []string{"Qubits hold superpositions."}, txt.Txt)
	assert.EqualValues(t, 60, txt.Hdr.Ttl)
}

func TestHandleDNSIgnoresOtherTypes(t *testing.T) {
	setupGateway(t, valuesStream("unused"))

	req := new(dns.Msg)
	req.SetQuestion("what-is-a-qubit."+DNS_ZONE, dns.TypeA)

	w := &recordingWriter{}
	handleDNS(w, req)

	require.NotNil(t, w.reply)
	assert.Empty(t, w.reply.Answer)
}
