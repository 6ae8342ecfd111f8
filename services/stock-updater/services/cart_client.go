package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CartClient clears a user's cart once their payment went through.
type CartClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewCartClient returns a client for the cart service. Without a service
// token ClearCart only logs, since the cart API requires authentication.
func NewCartClient(baseURL, token string, logger *zap.Logger) *CartClient {
	return &CartClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

func (c *CartClient) ClearCart(ctx context.Context, userID string) error {
	if c.token == "" {
		c.logger.Info("cart clear skipped, no service token configured", zap.String("user_id", userID))
		return nil
	}

	body, err := json.Marshal(map[string]string{"userId": userID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/cart/clear", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-User-ID", userID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cart clear request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("cart service returned %d", resp.StatusCode)
	}
	c.logger.Info("cart cleared", zap.String("user_id", userID))
	return nil
}
