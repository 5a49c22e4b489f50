package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"mbwayap/internal/config"
	"mbwayap/internal/events"
	"mbwayap/internal/gateway"
	"mbwayap/internal/infrastructure/lock"
	"mbwayap/internal/model"
	"mbwayap/internal/service"
	"mbwayap/pkg/idgen"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const webhookSecret = "handler-test-secret"

var handlerTestDBSeq int64

func init() {
	idgen.Init(3)
}

// scriptedGateway 按 SIBS 沙箱行为编排的网关替身
type scriptedGateway struct {
	chargeSeq int64
}

func (g *scriptedGateway) CreateCheckout(ctx context.Context, req gateway.CheckoutRequest) (map[string]interface{}, error) {
	return map[string]interface{}{"transactionID": "s2s-co-1", "transactionSignature": "sig"}, nil
}

func (g *scriptedGateway) CreateAuthorization(ctx context.Context, transactionID, transactionSignature string, req gateway.AuthorizationRequest) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (g *scriptedGateway) Charge(ctx context.Context, authorizationID string, req gateway.ChargeRequest) (map[string]interface{}, error) {
	n := atomic.AddInt64(&g.chargeSeq, 1)
	return map[string]interface{}{
		"transactionID": fmt.Sprintf("s2s-chg-%d", n),
		"paymentStatus": "Success",
	}, nil
}

func (g *scriptedGateway) Refund(ctx context.Context, transactionID string, req gateway.RefundRequest) (map[string]interface{}, error) {
	return map[string]interface{}{"paymentStatus": "Refunded"}, nil
}

func (g *scriptedGateway) CancelAuthorization(ctx context.Context, authorizationID string) error {
	return nil
}

func (g *scriptedGateway) GetStatus(ctx context.Context, transactionID string) (map[string]interface{}, error) {
	return map[string]interface{}{"status": "active"}, nil
}

type silentSink struct{}

func (silentSink) Publish(ctx context.Context, tx *gorm.DB, event events.Event) error { return nil }

func setupRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:handler_test_%d?mode=memory&cache=shared", atomic.AddInt64(&handlerTestDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&model.Authorization{}, &model.Charge{}, &model.TransactionRecord{}, &model.OutboxMessage{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.BusinessConfig{
		Currency:            "EUR",
		DefaultValidityDays: 365,
		MinAmount:           0.01,
		MaxAmount:           1000,
		RetryAttempts:       3,
		RetryDelayMinutes:   60,
		SweepBatchSize:      100,
	}
	gw := &scriptedGateway{}
	locks := lock.NewLocalFactory()
	authSvc := service.NewAuthorizationService(db, gw, silentSink{}, cfg)
	chargeSvc := service.NewChargeService(db, gw, silentSink{}, locks, cfg)
	reconcileSvc := service.NewReconcileService(db, authSvc, chargeSvc, locks, webhookSecret)

	return SetupRouter(authSvc, chargeSvc, reconcileSvc), db
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response: %v (%s)", err, w.Body.String())
		}
	}
	return w, decoded
}

func signBody(t *testing.T, body interface{}) (string, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(raw)
	return hex.EncodeToString(mac.Sum(nil)), raw
}

func postWebhook(t *testing.T, r *gin.Engine, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	sig, raw := signBody(t, payload)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sibs", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SIBS-Signature", sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthorizationChargeRefundFlow(t *testing.T) {
	r, db := setupRouter(t)

	// 创建授权申请
	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/authorization/create", gin.H{
		"customer_phone": "+351 912 345 678",
		"customer_email": "cliente@example.pt",
		"max_amount":     "100.00",
		"description":    "Subscricao mensal",
	}, nil)
	if w.Code != 200 || resp["code"].(float64) != 0 {
		t.Fatalf("create: %d %v", w.Code, resp)
	}
	data := resp["data"].(map[string]interface{})
	authID := int64(data["id"].(float64))
	if data["status"] != model.AuthorizationStatusPending {
		t.Fatalf("status = %v", data["status"])
	}
	if data["customer_phone"] != "351912***78" {
		t.Fatalf("phone not masked: %v", data["customer_phone"])
	}

	// 客户在 App 内确认，回调激活授权
	var record model.TransactionRecord
	if err := db.First(&record).Error; err != nil {
		t.Fatal(err)
	}
	w = postWebhook(t, r, gin.H{
		"authorizationId":       "sibs-auth-flow",
		"status":                "active",
		"merchantTransactionId": *record.MerchantTransactionID,
	})
	if w.Code != 200 {
		t.Fatalf("webhook: %d %s", w.Code, w.Body.String())
	}

	// 扣款
	w, resp = doJSON(t, r, http.MethodPost, "/api/v1/charge/execute", gin.H{
		"authorization_id": authID,
		"amount":           "29.99",
	}, nil)
	if w.Code != 200 || resp["code"].(float64) != 0 {
		t.Fatalf("charge: %d %v", w.Code, resp)
	}
	chargeData := resp["data"].(map[string]interface{})
	chargeID := int64(chargeData["id"].(float64))
	if chargeData["status"] != model.ChargeStatusSuccess {
		t.Fatalf("charge status = %v", chargeData["status"])
	}

	// 剩余额度
	w, resp = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/v1/authorization/detail?id=%d", authID), nil, nil)
	if w.Code != 200 {
		t.Fatalf("detail: %d", w.Code)
	}
	if remaining := resp["data"].(map[string]interface{})["remaining_amount"]; remaining != "70.01" {
		t.Fatalf("remaining = %v", remaining)
	}

	// 部分退款
	w, resp = doJSON(t, r, http.MethodPost, "/api/v1/refund/execute", gin.H{
		"charge_id": chargeID,
		"amount":    "10.00",
	}, nil)
	if w.Code != 200 || resp["code"].(float64) != 0 {
		t.Fatalf("refund: %d %v", w.Code, resp)
	}
	refundData := resp["data"].(map[string]interface{})
	if refundData["status"] != model.ChargeStatusPartiallyRefunded {
		t.Fatalf("refund status = %v", refundData["status"])
	}
	if refundData["refunded_amount"] != "10.00" {
		t.Fatalf("refunded = %v", refundData["refunded_amount"])
	}
}

func TestChargeOverLimitReturnsBusinessCode(t *testing.T) {
	r, db := setupRouter(t)

	gatewayID := "sibs-auth-lim"
	auth := &model.Authorization{
		AuthorizationID: &gatewayID,
		CustomerPhone:   "351912345678",
		CustomerEmail:   "cliente@example.pt",
		MaxAmount:       decimal.NewFromFloat(50),
		Currency:        "EUR",
		ValidityDate:    time.Now().AddDate(1, 0, 0),
		Status:          model.AuthorizationStatusActive,
		Description:     "x",
	}
	if err := db.Create(auth).Error; err != nil {
		t.Fatal(err)
	}

	w, resp := doJSON(t, r, http.MethodPost, "/api/v1/charge/execute", gin.H{
		"authorization_id": auth.ID,
		"amount":           "60.00",
	}, nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["code"].(float64) != 1003 {
		t.Fatalf("code = %v, want 1003", resp["code"])
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	r, _ := setupRouter(t)

	raw := []byte(`{"transactionID":"x","paymentStatus":"Success"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sibs", bytes.NewReader(raw))
	req.Header.Set("X-SIBS-Signature", "deadbeef")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != 403 {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestWebhookRejectsUnknownShape(t *testing.T) {
	r, _ := setupRouter(t)

	w := postWebhook(t, r, gin.H{"something": "else"})
	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestWebhookDropsUnmatchedWith200(t *testing.T) {
	r, _ := setupRouter(t)

	w := postWebhook(t, r, gin.H{
		"transactionID": "never-seen",
		"paymentStatus": "Success",
	})
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAuthorizationNotFound(t *testing.T) {
	r, _ := setupRouter(t)

	w, resp := doJSON(t, r, http.MethodGet, "/api/v1/authorization/detail?id=999", nil, nil)
	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["code"].(float64) != 1001 {
		t.Fatalf("code = %v, want 1001", resp["code"])
	}
}
