package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	whatsappMaxMessageLen = 4096
	defaultWhatsAppAPIURL = "https://graph.facebook.com/v18.0"
)

// whatsAppClient sends text replies through the WhatsApp Business Cloud API
type whatsAppClient struct {
	baseURL       string
	phoneNumberID string
	accessToken   string
	client        *http.Client
}

var (
	whatsappClient      *whatsAppClient
	whatsappVerifyToken string
	whatsappAppSecret   string
)

func initializeWhatsApp() {
	whatsappClient = nil
	whatsappVerifyToken = os.Getenv("WHATSAPP_VERIFY_TOKEN")
	whatsappAppSecret = os.Getenv("WHATSAPP_APP_SECRET")

	token, phone := os.Getenv("WHATSAPP_ACCESS_TOKEN"), os.Getenv("WHATSAPP_PHONE_NUMBER_ID")
	if token == "" || phone == "" {
		return
	}
	whatsappClient = &whatsAppClient{
		baseURL:       strings.TrimRight(envString("WHATSAPP_API_URL", defaultWhatsAppAPIURL), "/"),
		phoneNumberID: phone,
		accessToken:   token,
		client:        &http.Client{Timeout: 30 * time.Second},
	}
}

type whatsAppOutgoing struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

func (c *whatsAppClient) sendText(ctx context.Context, to, text string) error {
	msg := whatsAppOutgoing{MessagingProduct: "whatsapp", To: to}
	msg.Text.Body = text
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp api returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// whatsAppNotification is the subset of a Cloud API webhook body we read
type whatsAppNotification struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Messages []whatsAppMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsAppMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

// handleWhatsAppWebhook answers the Cloud API subscription handshake on GET
// and research questions sent as text messages on POST
func handleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if q.Get("hub.mode") == "subscribe" && whatsappVerifyToken != "" && q.Get("hub.verify_token") == whatsappVerifyToken {
			log.Println("[WhatsApp] Webhook verified")
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, q.Get("hub.challenge"))
			return
		}
		writeError(w, http.StatusForbidden, "Verification failed")
	case http.MethodPost:
		handleWhatsAppNotification(w, r)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

func handleWhatsAppNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if whatsappAppSecret != "" && !validSignature(whatsappAppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	var note whatsAppNotification
	if err := json.Unmarshal(body, &note); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if whatsappClient == nil {
		writeError(w, http.StatusServiceUnavailable, "WhatsApp is not configured")
		return
	}

	for _, entry := range note.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || strings.TrimSpace(msg.Text.Body) == "" {
					if debugMode {
						log.Printf("[WhatsApp] Skipping %s message %s", msg.Type, msg.ID)
					}
					continue
				}
				whatsAppResearch(r.Context(), msg)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func whatsAppResearch(ctx context.Context, msg whatsAppMessage) {
	text, _ := runPlatformTurn(ctx, "whatsapp", &chatTurn{
		ConversationID: "whatsapp-" + msg.From,
		Message:        msg.Text.Body,
		Platform:       "whatsapp",
		UserID:         msg.From,
		ChannelID:      msg.From,
	})
	for _, part := range splitMessage(text, whatsappMaxMessageLen, " ") {
		if err := whatsappClient.sendText(ctx, msg.From, part); err != nil {
			log.Printf("[WhatsApp] Failed to reply to %s: %v", msg.From, err)
			return
		}
	}
}
