package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMessageLen = 4090 // Telegram limit is 4096
	telegramResearchData  = "research_"
)

const telegramWelcome = `*Welcome to Deep Research!*

I can research any topic and answer with a structured summary.

*How to use:*
• Send me any question or topic
• Use /research <question> for a specific query
• Use /help for more commands`

const telegramHelp = `*Available commands:*

/start - Welcome message
/help - Show this help
/research <question> - Research a specific topic
/about - About this bot

Or just send a question.`

const telegramAbout = `*Deep Research*

Answers come from a research agent that searches several sources and summarises what it finds.`

// telegramAPI is the subset of tgbotapi.BotAPI the webhook uses
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

var (
	telegramBot         telegramAPI
	telegramSecretToken string
)

func initializeTelegram() {
	telegramBot = nil
	telegramSecretToken = os.Getenv("TELEGRAM_WEBHOOK_SECRET")

	token := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	if token == "" {
		return
	}
	endpoint := envString("TELEGRAM_API_ENDPOINT", tgbotapi.APIEndpoint)
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		log.Printf("[Telegram] Bot disabled: %v", err)
		return
	}
	bot.Debug = debugMode
	log.Printf("[Telegram] Authorised as @%s", bot.Self.UserName)
	telegramBot = bot
}

// handleTelegramWebhook receives Telegram updates, answers commands and runs
// research turns for plain messages. Telegram is always acknowledged with 200
// once the update parsed so it does not redeliver.
func handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	if telegramBot == nil {
		writeError(w, http.StatusServiceUnavailable, "Telegram bot is not configured")
		return
	}
	if telegramSecretToken != "" {
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(telegramSecretToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "Invalid secret token")
			return
		}
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&update); err != nil {
		log.Printf("[Telegram] Invalid update: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	switch {
	case update.Message != nil:
		handleTelegramMessage(r.Context(), update.Message)
	case update.CallbackQuery != nil:
		handleTelegramCallback(r.Context(), update.CallbackQuery)
	case update.InlineQuery != nil:
		handleTelegramInlineQuery(update.InlineQuery)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func handleTelegramMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}
	chatID := msg.Chat.ID

	if msg.IsCommand() {
		switch msg.Command() {
		case "start":
			sendTelegram(chatID, telegramWelcome)
		case "help":
			sendTelegram(chatID, telegramHelp)
		case "about":
			sendTelegram(chatID, telegramAbout)
		case "research":
			query := strings.TrimSpace(msg.CommandArguments())
			if query == "" {
				sendTelegram(chatID, "Please provide a question after /research\n\nExample: `/research quantum computing applications`")
				return
			}
			telegramResearch(ctx, chatID, msg.From, query)
		default:
			sendTelegram(chatID, "Unknown command. Use /help to see what I can do.")
		}
		return
	}
	telegramResearch(ctx, chatID, msg.From, msg.Text)
}

func handleTelegramCallback(ctx context.Context, cq *tgbotapi.CallbackQuery) {
	if _, err := telegramBot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		log.Printf("[Telegram] Failed to answer callback %s: %v", cq.ID, err)
	}
	if cq.Message == nil || cq.Message.Chat == nil || !strings.HasPrefix(cq.Data, telegramResearchData) {
		return
	}
	topic := strings.ReplaceAll(strings.TrimPrefix(cq.Data, telegramResearchData), "_", " ")
	telegramResearch(ctx, cq.Message.Chat.ID, cq.From, topic)
}

func handleTelegramInlineQuery(q *tgbotapi.InlineQuery) {
	if strings.TrimSpace(q.Query) == "" {
		return
	}
	article := tgbotapi.NewInlineQueryResultArticleMarkdown("research_1", "Research: "+q.Query, "Researching: "+q.Query)
	article.Description = "Get comprehensive research on this topic"
	_, err := telegramBot.Request(tgbotapi.InlineConfig{
		InlineQueryID: q.ID,
		Results:       []interface{}{article},
	})
	if err != nil {
		log.Printf("[Telegram] Failed to answer inline query %s: %v", q.ID, err)
	}
}

func telegramResearch(ctx context.Context, chatID int64, from *tgbotapi.User, question string) {
	if _, err := telegramBot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil && debugMode {
		log.Printf("[Telegram] Chat action failed: %v", err)
	}

	userID := "telegram_user"
	if from != nil {
		userID = strconv.FormatInt(from.ID, 10)
	}
	chat := strconv.FormatInt(chatID, 10)
	text, _ := runPlatformTurn(ctx, "telegram", &chatTurn{
		ConversationID: "telegram-" + chat,
		Message:        question,
		Platform:       "telegram",
		UserID:         userID,
		ChannelID:      chat,
	})
	sendTelegram(chatID, text)
}

// sendTelegram delivers text as Markdown, split to Telegram's message limit
func sendTelegram(chatID int64, text string) {
	for _, part := range splitMessage(text, telegramMaxMessageLen, "\n\n") {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := telegramBot.Send(msg); err != nil {
			log.Printf("[Telegram] Failed to send to %d: %v", chatID, err)
			return
		}
	}
	if debugMode {
		log.Printf("[Telegram] Sent %d chars to %d", len(text), chatID)
	}
}
