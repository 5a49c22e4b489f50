package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"mbwayap/internal/config"
)

// ============================================================================
// SIBS 网关客户端
// ============================================================================
//
// 鉴权方式有两种：
// - 首次请求（创建 checkout）用 Bearer token
// - checkout 之后的请求（授权申请）用 checkout 返回的 transactionSignature，
//   以 "Digest <signature>" 方式携带
//
// 所有请求带超时，由配置注入；瞬时失败（超时/5xx/连接错误）不在请求内重试，
// 失败扣款交给重试扫描任务处理

// API 网关操作接口，服务层依赖该接口便于测试替换
type API interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (map[string]interface{}, error)
	CreateAuthorization(ctx context.Context, transactionID, transactionSignature string, req AuthorizationRequest) (map[string]interface{}, error)
	Charge(ctx context.Context, authorizationID string, req ChargeRequest) (map[string]interface{}, error)
	Refund(ctx context.Context, transactionID string, req RefundRequest) (map[string]interface{}, error)
	CancelAuthorization(ctx context.Context, authorizationID string) error
	GetStatus(ctx context.Context, transactionID string) (map[string]interface{}, error)
}

// Error 网关错误
// StatusCode == 0 表示传输层失败（超时/连接不上），视为瞬时错误
type Error struct {
	StatusCode int
	ReturnCode string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("网关请求失败 [HTTP %d]: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("网关请求失败: %s", e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient 是否瞬时错误：超时、连接失败、5xx 可以稍后重试；
// 4xx 是业务拒绝，重试没有意义
func (e *Error) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// IsTransient 判断任意错误是否为瞬时网关错误
func IsTransient(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Transient()
	}
	return false
}

type CheckoutRequest struct {
	MerchantTransactionID string
	Amount                string // 两位小数字符串
	Currency              string
	Description           string
	ValidityDate          time.Time
}

type AuthorizationRequest struct {
	CustomerPhone string
	ValidityDate  time.Time
	Description   string
}

type ChargeRequest struct {
	Amount                string
	Currency              string
	Description           string
	MerchantTransactionID string
}

type RefundRequest struct {
	Amount      string
	Currency    string
	Description string
}

// Client SIBS HTTP 客户端
type Client struct {
	httpClient *http.Client
	baseURL    string
	terminalID int
	authToken  string
	clientID   string
	channel    string
}

func NewClient(cfg *config.SibsConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.GatewayBaseURL(), "/"),
		terminalID: cfg.TerminalID,
		authToken:  cfg.AuthToken,
		clientID:   cfg.ClientID,
		channel:    cfg.Channel,
	}
}

// CreateCheckout 第一步：创建 checkout，换取 transactionID 和 transactionSignature
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"merchant": map[string]interface{}{
			"terminalId":            c.terminalID,
			"channel":               c.channel,
			"merchantTransactionId": req.MerchantTransactionID,
		},
		"transaction": map[string]interface{}{
			"transactionTimestamp": time.Now().Format(time.RFC3339),
			"description":          req.Description,
			"moto":                 false,
			"paymentType":          "AUTH",
			"amount": map[string]interface{}{
				"value":    req.Amount,
				"currency": req.Currency,
			},
			"paymentMethod": []string{"MBWAY"},
		},
		"recurringTransaction": map[string]interface{}{
			"validityDate":    req.ValidityDate.Format(time.RFC3339),
			"amountQualifier": "DEFAULT",
			"description":     req.Description,
		},
	}
	return c.post(ctx, "/api/v2/payments", body, "")
}

// CreateAuthorization 第二步：用 checkout 签名发起 MB WAY 授权申请
func (c *Client) CreateAuthorization(ctx context.Context, transactionID, transactionSignature string, req AuthorizationRequest) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"customerPhone": req.CustomerPhone,
		"recurringTransaction": map[string]interface{}{
			"validityDate":    req.ValidityDate.Format(time.RFC3339),
			"amountQualifier": "DEFAULT",
			"description":     req.Description,
		},
	}
	endpoint := fmt.Sprintf("/api/v2/payments/%s/mbway-id/authorize", transactionID)
	return c.post(ctx, endpoint, body, transactionSignature)
}

// Charge 对已生效授权发起扣款
func (c *Client) Charge(ctx context.Context, authorizationID string, req ChargeRequest) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"amount": map[string]interface{}{
			"value":    req.Amount,
			"currency": req.Currency,
		},
		"description":           req.Description,
		"merchantTransactionId": req.MerchantTransactionID,
	}
	endpoint := fmt.Sprintf("/api/v2/authorized-payments/%s/charge", authorizationID)
	return c.post(ctx, endpoint, body, "")
}

// Refund 对已成功扣款发起退款（支持部分退款）
func (c *Client) Refund(ctx context.Context, transactionID string, req RefundRequest) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"amount": map[string]interface{}{
			"value":    req.Amount,
			"currency": req.Currency,
		},
		"description": req.Description,
	}
	endpoint := fmt.Sprintf("/api/v2/payments/%s/refund", transactionID)
	return c.post(ctx, endpoint, body, "")
}

// CancelAuthorization 撤销授权
func (c *Client) CancelAuthorization(ctx context.Context, authorizationID string) error {
	endpoint := fmt.Sprintf("/api/v2/authorized-payments/%s", authorizationID)
	_, err := c.do(ctx, http.MethodDelete, endpoint, nil, "")
	return err
}

// GetStatus 查询交易/授权状态
func (c *Client) GetStatus(ctx context.Context, transactionID string) (map[string]interface{}, error) {
	endpoint := fmt.Sprintf("/api/v2/payments/%s/status", transactionID)
	return c.do(ctx, http.MethodGet, endpoint, nil, "")
}

func (c *Client) post(ctx context.Context, endpoint string, body map[string]interface{}, transactionSignature string) (map[string]interface{}, error) {
	return c.do(ctx, http.MethodPost, endpoint, body, transactionSignature)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body map[string]interface{}, transactionSignature string) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Message: "请求序列化失败", Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, &Error{Message: "构造请求失败", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if transactionSignature != "" {
		// checkout 之后的请求用交易签名鉴权
		req.Header.Set("Authorization", "Digest "+transactionSignature)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if c.clientID != "" {
		req.Header.Set("X-IBM-Client-Id", c.clientID)
	}

	log.Printf("[Gateway] 请求 %s %s", method, endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Gateway] 传输失败 %s %s: %v", method, endpoint, err)
		return nil, &Error{Message: "HTTP 请求失败", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "读取应答失败", Err: err}
	}

	if resp.StatusCode >= 400 {
		log.Printf("[Gateway] 请求被拒绝 %s %s: HTTP %d", method, endpoint, resp.StatusCode)
		gwErr := &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var decoded map[string]interface{}
		if json.Unmarshal(raw, &decoded) == nil {
			gwErr.ReturnCode = ReturnCode(decoded)
			if msg := ReturnMessage(decoded); msg != "" {
				gwErr.Message = msg
			}
		}
		return nil, gwErr
	}

	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &Error{StatusCode: resp.StatusCode, Message: "应答不是合法 JSON", Err: err}
	}

	return decoded, nil
}

// StringField 从应答 map 中取字符串字段，缺失或类型不符返回空串
func StringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// ReturnCode 提取 returnStatus.statusCode
func ReturnCode(m map[string]interface{}) string {
	if rs, ok := m["returnStatus"].(map[string]interface{}); ok {
		return StringField(rs, "statusCode")
	}
	return ""
}

// ReturnMessage 提取 returnStatus.statusDescription
func ReturnMessage(m map[string]interface{}) string {
	if rs, ok := m["returnStatus"].(map[string]interface{}); ok {
		return StringField(rs, "statusDescription")
	}
	return ""
}
