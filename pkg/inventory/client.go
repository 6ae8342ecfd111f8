// Package inventory is the HTTP client for the product service, which owns
// product records and stock levels.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrProductNotFound is returned for any non-200 product lookup.
var ErrProductNotFound = errors.New("product not found")

// Product is the product service payload, cached as-is under stock:{id}.
type Product struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	Price         float64 `json:"price"`
	StockQuantity int     `json:"stockQuantity"`
	Category      string  `json:"category,omitempty"`
	IsActive      bool    `json:"isActive"`
}

// StockUpdate is the body of PATCH /{id}/stock.
type StockUpdate struct {
	Quantity    int  `json:"quantity"`
	IsIncrement bool `json:"isIncrement"`
}

// Client talks to the product service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for baseURL, e.g. http://product-service:80/api/products.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetProduct fetches a product by id.
func (c *Client) GetProduct(ctx context.Context, productID string) (*Product, error) {
	endpoint := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(productID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("product service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s (status %d)", ErrProductNotFound, productID, resp.StatusCode)
	}

	var p Product
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode product %s: %w", productID, err)
	}
	if p.ID == "" {
		p.ID = productID
	}
	return &p, nil
}

// AdjustStock increments or decrements a product's stock by quantity.
func (c *Client) AdjustStock(ctx context.Context, productID string, quantity int, increment bool) error {
	body, err := json.Marshal(StockUpdate{Quantity: quantity, IsIncrement: increment})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/%s/stock", c.baseURL, url.PathEscape(productID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stock update request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]string
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp["error"]
		if msg == "" {
			msg = fmt.Sprintf("product service returned %d", resp.StatusCode)
		}
		return fmt.Errorf("stock update for %s failed: %s", productID, msg)
	}
	return nil
}
