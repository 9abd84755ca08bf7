package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	commonerrors "github.com/exchange/saga/pkg/errors"
	"github.com/exchange/saga/pkg/saga"
	"github.com/exchange/saga/pkg/tracing"
)

// SagaClient 调用 saga 服务 HTTP API（sagactl 使用）
type SagaClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewSagaClient(baseURL string, timeout time.Duration) *SagaClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SagaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// StartSagaRequest POST /v1/sagas 请求体
type StartSagaRequest struct {
	Name          string          `json:"name"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	TenantID      string          `json:"tenantId,omitempty"`
}

// OutcomeResponse start / resume / compensate 的响应
type OutcomeResponse struct {
	saga.Outcome
	NeedsIntervention bool `json:"needsIntervention"`
}

// SagaView 查询接口返回的 saga 状态
type SagaView struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Status        saga.Status      `json:"status"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	CurrentStep   int              `json:"currentStep"`
	Steps         []saga.StepState `json:"steps"`
	LastError     string           `json:"lastError,omitempty"`
	RetryCount    int              `json:"retryCount"`
	NextRetryAt   *time.Time       `json:"nextRetryAt,omitempty"`
	CorrelationID string           `json:"correlationId,omitempty"`
	TenantID      string           `json:"tenantId,omitempty"`
	Version       int64            `json:"version"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
}

// ListResponse GET /v1/sagas 响应
type ListResponse struct {
	Sagas []SagaView `json:"sagas"`
}

func (c *SagaClient) Start(ctx context.Context, req *StartSagaRequest) (*OutcomeResponse, error) {
	var out OutcomeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sagas", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SagaClient) Get(ctx context.Context, id string) (*SagaView, error) {
	var out SagaView
	if err := c.do(ctx, http.MethodGet, "/v1/sagas/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SagaClient) List(ctx context.Context, status saga.Status) ([]SagaView, error) {
	var out ListResponse
	path := "/v1/sagas?status=" + url.QueryEscape(string(status))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sagas, nil
}

func (c *SagaClient) Resume(ctx context.Context, id string) (*OutcomeResponse, error) {
	var out OutcomeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sagas/"+url.PathEscape(id)+"/resume", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SagaClient) Compensate(ctx context.Context, id string) (*OutcomeResponse, error) {
	var out OutcomeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sagas/"+url.PathEscape(id)+"/compensate", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SagaClient) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sagas/"+url.PathEscape(id), nil, nil)
}

// do 非 2xx 响应解析为 *errors.Error
func (c *SagaClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tracing.Inject(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr commonerrors.Error
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Code == "" {
			return fmt.Errorf("status code: %d", resp.StatusCode)
		}
		return &apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
