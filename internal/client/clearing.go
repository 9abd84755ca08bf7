// Package client HTTP clients for downstream services and the saga API
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

	"github.com/exchange/saga/pkg/tracing"
)

// ClearingClient handles balance freeze/unfreeze requests.
type ClearingClient struct {
	baseURL       string
	internalToken string
	client        *http.Client
}

func NewClearingClient(baseURL, internalToken string, timeout time.Duration) *ClearingClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ClearingClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		internalToken: internalToken,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type BalanceRequest struct {
	IdempotencyKey string `json:"IdempotencyKey"`
	UserID         int64  `json:"UserID"`
	Asset          string `json:"Asset"`
	Amount         int64  `json:"Amount"`
	RefType        string `json:"RefType"`
	RefID          string `json:"RefID"`
}

type BalanceResponse struct {
	Success   bool   `json:"Success"`
	ErrorCode string `json:"ErrorCode"`
}

// FreezeBalance 冻结余额。refID 为业务引用（订单号），idempotencyKey 由调用方保证唯一。
func (c *ClearingClient) FreezeBalance(ctx context.Context, userID int64, asset string, amount int64, refID, idempotencyKey string) (*BalanceResponse, error) {
	return c.postBalance(ctx, "/internal/freeze", &BalanceRequest{
		IdempotencyKey: idempotencyKey,
		UserID:         userID,
		Asset:          asset,
		Amount:         amount,
		RefType:        "ORDER",
		RefID:          refID,
	})
}

// UnfreezeBalance 解冻余额
func (c *ClearingClient) UnfreezeBalance(ctx context.Context, userID int64, asset string, amount int64, refID, idempotencyKey string) (*BalanceResponse, error) {
	return c.postBalance(ctx, "/internal/unfreeze", &BalanceRequest{
		IdempotencyKey: idempotencyKey,
		UserID:         userID,
		Asset:          asset,
		Amount:         amount,
		RefType:        "ORDER",
		RefID:          refID,
	})
}

func (c *ClearingClient) postBalance(ctx context.Context, path string, body *BalanceRequest) (*BalanceResponse, error) {
	respBody, err := c.post(ctx, path, body)
	if err != nil {
		return nil, err
	}

	var resp BalanceResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (c *ClearingClient) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	tracing.Inject(ctx, req.Header)
	req.Header.Set("Content-Type", "application/json")
	if c.internalToken != "" {
		req.Header.Set("X-Internal-Token", c.internalToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return respBody, nil
}
