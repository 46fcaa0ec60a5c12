package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"deepresearch/models"
	"deepresearch/stream"
)

// StartDNSServer answers TXT questions under DNS_ZONE until ctx is cancelled
func StartDNSServer(ctx context.Context, port int) error {
	log.Printf("[DNS] Starting DNS server on port %d for zone %s", port, DNS_ZONE)
	mux := dns.NewServeMux()
	mux.HandleFunc(DNS_ZONE, handleDNS)

	server := &dns.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Net:     "udp",
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(); err != nil {
			log.Printf("[DNS] Shutdown: %v", err)
		}
	}()

	log.Printf("[DNS] DNS server listening on :%d", port)
	return server.ListenAndServe()
}

func handleDNS(w dns.ResponseWriter, r *dns.Msg) {
	if !rateLimitAllow(w.RemoteAddr().String()) {
		return
	}

	if len(r.Question) == 0 {
		return
	}

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeTXT {
			continue
		}
		question := dnsQuestion(q.Name, DNS_ZONE)
		if question == "" {
			continue
		}

		txt := &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassINET,
				Ttl:    60,
			},
			Txt: txtChunks(answerDNSQuestion(context.Background(), question)),
		}
		m.Answer = append(m.Answer, txt)
	}

	if err := w.WriteMsg(m); err != nil {
		log.Printf("[DNS] Failed to write reply: %v", err)
	}
}

// dnsQuestion turns "what-is-go.<zone>" into "what is go"
func dnsQuestion(name, zone string) string {
	name = strings.ToLower(dns.Fqdn(name))
	zone = strings.ToLower(dns.Fqdn(zone))
	if name == zone || !strings.HasSuffix(name, "."+zone) {
		return ""
	}
	prefix := strings.TrimSuffix(name, "."+zone)
	prefix = strings.NewReplacer("-", " ", ".", " ").Replace(prefix)
	return strings.Join(strings.Fields(prefix), " ")
}

// answerDNSQuestion runs a turn under the DNS deadline and clips the answer
func answerDNSQuestion(ctx context.Context, question string) string {
	cfg := getServiceConfig("DNS")
	ctx, cancel := context.WithTimeout(ctx, cfg.Deadline)
	defer cancel()

	start := time.Now()
	entry := TurnAuditEntry{
		ConversationID: uuid.NewString(),
		Surface:        "dns",
		AssistantID:    cfg.AssistantID,
		Input:          question,
		InputTokens:    estimateTokens(question),
	}

	var text string
	var err error
	full := false

	switch {
	case researchClient != nil:
		entry.Source = sourceResearch
		turnCtx, stop := context.WithCancel(ctx)
		var buf stream.Buffer
		text, _, err = collectTurn(turnCtx, researchClient, models.DispatchRequest{
			UserMessage: question,
			AssistantID: cfg.AssistantID,
			Platform:    "dns",
		}, func(d stream.Delta) {
			// Stop reading once the answer cannot fit anyway
			if cfg.MaxChars > 0 && len(buf.Apply(d)) >= cfg.MaxChars {
				full = true
				stop()
			}
		})
		stop()
	case baselineProvider != nil:
		entry.Source = sourceLive
		text, err = baselineProvider.Complete(ctx, nil, "Answer in 500 characters or less, no markdown formatting: "+question)
	default:
		entry.Source = "none"
		err = models.NewError(models.KindUpstreamUnavailable, "no research upstream configured", nil)
	}

	entry.DurationMS = time.Since(start).Milliseconds()
	entry.Output = text
	entry.OutputTokens = estimateTokens(text)
	turnErr := err
	if full {
		turnErr = nil
	}
	if turnErr != nil {
		entry.Error = turnErr.Error()
	}
	LogTurn(entry)
	gatewayStats.observeTurn("dns", entry.Source, turnErr)

	switch {
	case full:
		return clip(text, cfg.MaxChars)
	case errors.Is(err, context.DeadlineExceeded):
		if strings.TrimSpace(text) == "" {
			return "Request timed out"
		}
		return clip(text, cfg.MaxChars) + "... (incomplete)"
	case err != nil:
		log.Printf("[DNS] %q failed: %v", question, err)
		return models.UserMessage(err)
	default:
		return clip(text, cfg.MaxChars)
	}
}

// clip shortens s to max bytes on a rune boundary, marking the cut
func clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max - 3
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// txtChunks splits s into TXT character-strings of at most 255 bytes
func txtChunks(s string) []string {
	var chunks []string
	for len(s) > 255 {
		end := 255
		for end > 0 && !utf8.RuneStart(s[end]) {
			end--
		}
		chunks = append(chunks, s[:end])
		s = s[end:]
	}
	if s != "" || len(chunks) == 0 {
		chunks = append(chunks, s)
	}
	return chunks
}
