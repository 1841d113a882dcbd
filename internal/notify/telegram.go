package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TelegramConfig holds bot credentials.
type TelegramConfig struct {
	BotToken string   `yaml:"bot_token"`
	ChatIDs  []string `yaml:"chat_ids"`
}

// Telegram sends notifications through the Bot API.
type Telegram struct {
	cfg     TelegramConfig
	logger  *slog.Logger
	client  *http.Client
	baseURL string

	wg sync.WaitGroup
}

// NewTelegram creates a Telegram sink.
func NewTelegram(cfg TelegramConfig, logger *slog.Logger) *Telegram {
	return &Telegram{
		cfg:     cfg,
		logger:  logger.With("component", "telegram"),
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.telegram.org",
	}
}

// Notify sends to all configured chats. Delivery is fire-and-forget;
// failures are logged.
func (t *Telegram) Notify(_ context.Context, n Notification) error {
	if t.cfg.BotToken == "" {
		t.logger.Warn("telegram: bot_token not configured")
		return nil
	}
	if len(t.cfg.ChatIDs) == 0 {
		t.logger.Warn("telegram: no chat_ids configured")
		return nil
	}

	text := n.Text()
	for _, chatID := range t.cfg.ChatIDs {
		t.wg.Add(1)
		go func(cid string) {
			defer t.wg.Done()
			t.send(cid, text)
		}(chatID)
	}
	return nil
}

// Wait blocks until in-flight sends are done.
func (t *Telegram) Wait() { t.wg.Wait() }

func (t *Telegram) send(chatID, text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.baseURL, "/"), t.cfg.BotToken)
	body, err := json.Marshal(map[string]string{"chat_id": chatID, "text": text})
	if err != nil {
		t.logger.Error("telegram encode", "err", err)
		return
	}

	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		t.logger.Error("telegram request create", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Error("telegram send", "err", err, "chat_id", chatID)
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Warn("telegram send non-200", "status", resp.StatusCode, "chat_id", chatID)
	}
}
