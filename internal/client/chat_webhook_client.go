package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatWebhookClient posts messages into the chat workspace through incoming
// webhooks. Operator alerts go to a separate webhook and channel.
type ChatWebhookClient struct {
	webhookURL         string
	operatorWebhookURL string
	operatorChannel    string
	client             *http.Client
}

type webhookMessage struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

type webhookResponse struct {
	MessageID string `json:"message_id"`
	TS        string `json:"ts"`
}

// NewChatWebhookClient creates a client. A nil httpClient gets a 10s timeout.
func NewChatWebhookClient(webhookURL, operatorWebhookURL, operatorChannel string, httpClient *http.Client) *ChatWebhookClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ChatWebhookClient{
		webhookURL:         webhookURL,
		operatorWebhookURL: operatorWebhookURL,
		operatorChannel:    operatorChannel,
		client:             httpClient,
	}
}

// PostMessage posts text to channel and returns the id of the created message
// when the webhook reports one.
func (c *ChatWebhookClient) PostMessage(ctx context.Context, channel, text string) (string, error) {
	if c.webhookURL == "" {
		return "", fmt.Errorf("chat webhook url is not configured")
	}
	return c.post(ctx, c.webhookURL, webhookMessage{Channel: channel, Text: text})
}

// AlertOperator posts text to the operator channel. Without a dedicated
// operator webhook the regular webhook is used.
func (c *ChatWebhookClient) AlertOperator(ctx context.Context, text string) error {
	url := c.operatorWebhookURL
	if url == "" {
		url = c.webhookURL
	}
	if url == "" {
		return fmt.Errorf("operator webhook url is not configured")
	}
	_, err := c.post(ctx, url, webhookMessage{Channel: c.operatorChannel, Text: text})
	return err
}

func (c *ChatWebhookClient) post(ctx context.Context, url string, msg webhookMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal webhook message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned %s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	// Plain incoming webhooks answer "ok"; richer adapters return JSON.
	var decoded webhookResponse
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return "", fmt.Errorf("decode webhook response: %w", err)
		}
	}
	if decoded.MessageID != "" {
		return decoded.MessageID, nil
	}
	return decoded.TS, nil
}
