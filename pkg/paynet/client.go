package paynet

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

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// TransferState 支付网络侧的转账状态
type TransferState string

const (
	StatePending   TransferState = "pending"
	StateCompleted TransferState = "completed"
	StateFailed    TransferState = "failed"
	StateRejected  TransferState = "rejected"
)

// Terminal 是否为终态
func (s TransferState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected:
		return true
	default:
		return false
	}
}

// TransferMetadata 随转账提交的业务标识
type TransferMetadata struct {
	ObligationID uint   `json:"obligation_id"`
	LeaseID      uint   `json:"lease_id"`
	Purpose      string `json:"purpose"`
}

// TransferRequest 稳定币转账请求
type TransferRequest struct {
	FromWallet     string           `json:"from_wallet"`
	ToAddress      string           `json:"to_address"`
	Amount         decimal.Decimal  `json:"amount"`
	Currency       string           `json:"currency"`
	IdempotencyKey string           `json:"idempotency_key"`
	Metadata       TransferMetadata `json:"metadata"`
}

// Transfer 支付网络返回的转账记录
type Transfer struct {
	Ref    string        `json:"id"`
	State  TransferState `json:"status"`
	TxHash string        `json:"transaction_hash,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// Network 支付网络
type Network interface {
	SubmitTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	GetTransfer(ctx context.Context, ref string) (*Transfer, error)
}

// RejectionError 支付网络明确拒绝了请求，重试同样的请求不会成功
type RejectionError struct {
	StatusCode int
	Reason     string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("payment network rejected request (%d): %s", e.StatusCode, e.Reason)
}

// UnavailableError 网络错误、超时或服务端错误，结果未知
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return "payment network unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Config HTTP客户端配置
type Config struct {
	Endpoint  string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64
}

// HTTPClient 基于REST接口的支付网络客户端
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPClient(cfg Config) *HTTPClient {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

// SubmitTransfer 提交转账，不等待结算
func (c *HTTPClient) SubmitTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化转账请求失败: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}
	return c.do(httpReq)
}

// GetTransfer 查询转账状态
func (c *HTTPClient) GetTransfer(ctx context.Context, ref string) (*Transfer, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/transfers/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, err
	}
	return c.do(httpReq)
}

func (c *HTTPClient) do(req *http.Request) (*Transfer, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, &UnavailableError{Err: err}
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, &UnavailableError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	case resp.StatusCode >= 400:
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		reason := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &payload) == nil {
			if payload.Message != "" {
				reason = payload.Message
			} else if payload.Error != "" {
				reason = payload.Error
			}
		}
		return nil, &RejectionError{StatusCode: resp.StatusCode, Reason: reason}
	}

	var transfer Transfer
	if err := json.Unmarshal(data, &transfer); err != nil {
		return nil, &UnavailableError{Err: fmt.Errorf("解析响应失败: %v", err)}
	}
	if transfer.Ref == "" {
		return nil, &UnavailableError{Err: fmt.Errorf("响应缺少转账ID")}
	}
	if transfer.State == "" {
		transfer.State = StatePending
	}
	return &transfer, nil
}
