package providers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"deepresearch/models"
)

// DefaultOpenAIURL is the complete chat completions endpoint
const DefaultOpenAIURL = "https://api.openai.com/v1/chat/completions"

// ResearchSystemPrompt frames the fallback model as a research assistant
const ResearchSystemPrompt = "You are a deep research AI assistant. Provide comprehensive, well-structured research analysis with multiple sections, key findings, and strategic recommendations. Format your response in markdown with clear sections and bullet points."

// OpenAIProvider talks to an OpenAI-compatible chat completions API.
// URL is the complete endpoint; no path is appended.
type OpenAIProvider struct {
	client *http.Client

	URL          string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

// NewOpenAIProvider creates a provider with research defaults
func NewOpenAIProvider(url, apiKey, model string) *OpenAIProvider {
	if url == "" {
		url = DefaultOpenAIURL
	}
	if model == "" {
		model = "gpt-4"
	}
	return &OpenAIProvider{
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		URL:          url,
		APIKey:       apiKey,
		Model:        model,
		SystemPrompt: ResearchSystemPrompt,
		MaxTokens:    2000,
		Temperature:  0.7,
	}
}

// TranslateRequest builds the chat completions request for a research turn
func (o *OpenAIProvider) TranslateRequest(history []models.ConversationMessage, userMessage string, stream bool) *ProviderRequest {
	messages := make([]Message, 0, len(history)+2)
	if o.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: o.SystemPrompt})
	}
	messages = append(messages, toWireMessages(history)...)
	messages = append(messages, Message{
		Role:    "user",
		Content: fmt.Sprintf("Conduct comprehensive research and analysis on: %q. Provide detailed insights, current developments, market analysis, and strategic recommendations.", userMessage),
	})

	body := map[string]interface{}{
		"model":    o.Model,
		"messages": messages,
		"stream":   stream,
	}
	if o.Temperature > 0 {
		body["temperature"] = o.Temperature
	}
	if o.MaxTokens > 0 {
		body["max_tokens"] = o.MaxTokens
	}

	headers := map[string]string{
		"Content-Type": "application/json",
	}
	if o.APIKey != "" {
		headers["Authorization"] = "Bearer " + o.APIKey
	}

	return &ProviderRequest{
		URL:     o.URL,
		Method:  "POST",
		Headers: headers,
		Body:    body,
	}
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete runs a non-streaming research turn and returns the answer text
func (o *OpenAIProvider) Complete(ctx context.Context, history []models.ConversationMessage, userMessage string) (string, error) {
	httpReq, err := NewHTTPRequest(ctx, o.TranslateRequest(history, userMessage, false))
	if err != nil {
		return "", err
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("openai returned status %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Stream runs a streaming research turn, sending content fragments on stream.
// The channel is closed when the call returns.
func (o *OpenAIProvider) Stream(ctx context.Context, history []models.ConversationMessage, userMessage string, stream chan<- StreamChunk) error {
	defer close(stream)

	httpReq, err := NewHTTPRequest(ctx, o.TranslateRequest(history, userMessage, true))
	if err != nil {
		stream <- StreamChunk{Error: err}
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		err = fmt.Errorf("request failed: %w", err)
		stream <- StreamChunk{Error: err}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("openai returned status %d", resp.StatusCode)
		stream <- StreamChunk{Error: err}
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			stream <- StreamChunk{Done: true}
			return nil
		}

		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Printf("[OpenAI] Skipping malformed chunk: %v", err)
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			stream <- StreamChunk{Data: chunk.Choices[0].Delta.Content}
		}
	}

	if err := scanner.Err(); err != nil {
		stream <- StreamChunk{Error: err}
		return err
	}
	return nil
}
