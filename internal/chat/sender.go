package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aridhom/nuxgate/internal/retry"
)

// Sender is the transport surface the command pipeline writes through.
type Sender interface {
	SendMessage(ctx context.Context, chatID, replyTo int64, text string, markup *ReplyMarkup) error
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *ReplyMarkup) error
	AnswerCallbackQuery(ctx context.Context, callbackID, text string) error
}

// Client talks to the bot HTTP API. Calls go through the transient-failure
// retry policy; an ok=false response surfaces its description.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a sender for the given API base URL and bot token.
func NewClient(apiBaseURL, botToken string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 8 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(apiBaseURL, "/") + "/bot" + botToken,
		http:    httpClient,
		logger:  logger.With(slog.String("agent", "chat_client")),
	}
}

func (c *Client) SendMessage(ctx context.Context, chatID, replyTo int64, text string, markup *ReplyMarkup) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}
	return c.call(ctx, "sendMessage", payload)
}

func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, markup *ReplyMarkup) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if markup != nil {
		payload["reply_markup"] = markup
	}
	return c.call(ctx, "editMessageText", payload)
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", payload)
}

func (c *Client) call(ctx context.Context, method string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("chat: marshal %s: %w", method, err)
	}

	return retry.Do(ctx, c.logger, "chat "+method, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var status struct {
			OK          bool   `json:"ok"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&status); err != nil {
			return fmt.Errorf("chat: decode %s response: %w", method, err)
		}
		if !status.OK {
			return fmt.Errorf("chat: %s rejected: %s", method, status.Description)
		}
		return nil
	})
}
