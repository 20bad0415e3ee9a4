package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	UnifiedWebhooksEndpoint = "webhooks/unifiedWebhooks"
	// WebhookPath is where this service receives vendor webhooks.
	WebhookPath = "/hostaway/webhooks"
)

type webhookRegistration struct {
	IsEnabled            int     `json:"isEnabled"`
	URL                  string  `json:"url"`
	Login                *string `json:"login"`
	Password             *string `json:"password"`
	AlertingEmailAddress *string `json:"alertingEmailAddress"`
}

// RegisterWebhook subscribes the account's unified webhook to
// baseURL + WebhookPath and returns the vendor webhook id.
func (c *Client) RegisterWebhook(ctx context.Context, accountID int64, baseURL string) (int64, error) {
	payload := webhookRegistration{
		IsEnabled: 1,
		URL:       strings.TrimSuffix(baseURL, "/") + WebhookPath,
	}
	body, err := c.send(ctx, http.MethodPost, UnifiedWebhooksEndpoint, accountID, payload)
	if err != nil {
		return 0, fmt.Errorf("register webhook: %w", err)
	}

	var resp struct {
		Result struct {
			ID json.Number `json:"id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("register webhook: %w: %v", errDecode, err)
	}
	id, err := resp.Result.ID.Int64()
	if err != nil || id == 0 {
		return 0, fmt.Errorf("register webhook: response has no webhook id")
	}

	c.log.Info("registered webhook",
		zap.Int64("account_id", accountID),
		zap.Int64("webhook_id", id),
		zap.String("url", payload.URL))
	return id, nil
}

// DeleteWebhook removes a previously registered webhook.
func (c *Client) DeleteWebhook(ctx context.Context, accountID, webhookID int64) error {
	endpoint := UnifiedWebhooksEndpoint + "/" + strconv.FormatInt(webhookID, 10)
	if _, err := c.send(ctx, http.MethodDelete, endpoint, accountID, nil); err != nil {
		return fmt.Errorf("delete webhook %d: %w", webhookID, err)
	}
	c.log.Info("deleted webhook", zap.Int64("account_id", accountID), zap.Int64("webhook_id", webhookID))
	return nil
}

// send issues a JSON request on behalf of the account. A rejected token is
// refreshed once.
func (c *Client) send(ctx context.Context, method, endpoint string, accountID int64, payload any) ([]byte, error) {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}

	token, err := c.tokens.GetOrRefresh(ctx, accountID, "")
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.URL(endpoint), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		body, status, _, err := c.do(req, endpoint)
		if err == nil {
			return body, nil
		}
		if status != http.StatusForbidden || attempt > 0 {
			return nil, err
		}
		if token, err = c.tokens.GetOrRefresh(ctx, accountID, token); err != nil {
			return nil, fmt.Errorf("refresh token after 403: %w", err)
		}
	}
}
