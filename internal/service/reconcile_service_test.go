package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"mbwayap/internal/model"

	"github.com/shopspring/decimal"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	env := setupEnv(t)

	body := []byte(`{"transactionID":"abc"}`)
	if !env.reconcile.VerifySignature(sign("test-secret", body), body) {
		t.Fatal("valid signature rejected")
	}
	if env.reconcile.VerifySignature(sign("wrong-secret", body), body) {
		t.Fatal("invalid signature accepted")
	}
	if env.reconcile.VerifySignature("", body) {
		t.Fatal("empty signature accepted")
	}

	// 未配置密钥时跳过校验
	open := NewReconcileService(env.db, env.authSvc, env.chargeSvc, nil, "")
	if !open.VerifySignature("anything", body) {
		t.Fatal("verification should be skipped without a secret")
	}
}

func TestApplyWebhookActivatesAuthorization(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertPendingAuthorization(t, env.db, "SUB_W_1")

	err := env.reconcile.ApplyWebhook(ctx, map[string]interface{}{
		"authorizationId":       "sibs-auth-w1",
		"status":                "active",
		"merchantTransactionId": "SUB_W_1",
	})
	if err != nil {
		t.Fatalf("ApplyWebhook: %v", err)
	}

	fresh, _ := env.authSvc.GetAuthorization(ctx, auth.ID)
	if fresh.Status != model.AuthorizationStatusActive {
		t.Fatalf("status = %s", fresh.Status)
	}
	if fresh.AuthorizationID == nil || *fresh.AuthorizationID != "sibs-auth-w1" {
		t.Fatalf("gateway id = %v", fresh.AuthorizationID)
	}

	// 重放同一回调是空操作
	if err := env.reconcile.ApplyWebhook(ctx, map[string]interface{}{
		"authorizationId": "sibs-auth-w1",
		"status":          "active",
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
}

func TestApplyWebhookCancelsAuthorization(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertActiveAuthorization(t, env.db, "100.00")

	err := env.reconcile.ApplyWebhook(ctx, map[string]interface{}{
		"authorizationId": *auth.AuthorizationID,
		"status":          "cancelled",
	})
	if err != nil {
		t.Fatalf("ApplyWebhook: %v", err)
	}

	fresh, _ := env.authSvc.GetAuthorization(ctx, auth.ID)
	if fresh.Status != model.AuthorizationStatusCancelled {
		t.Fatalf("status = %s", fresh.Status)
	}

	// 终态授权不会被后续回调复活
	if err := env.reconcile.ApplyWebhook(ctx, map[string]interface{}{
		"authorizationId": *auth.AuthorizationID,
		"status":          "cancelled",
	}); err != nil {
		t.Fatalf("replay after terminal: %v", err)
	}
}

func TestApplyWebhookFallbackCorrelationViaTransactionRecord(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	// 无商户引用的授权：创建时流水登记了生成的 merchantTransactionId
	auth, err := env.authSvc.CreateAuthorization(ctx, &CreateAuthorizationRequest{
		CustomerPhone: "351912345678",
		CustomerEmail: "cliente@example.pt",
		MaxAmount:     decimal.NewFromFloat(50),
		Description:   "Subscricao",
	})
	if err != nil {
		t.Fatal(err)
	}

	records, _ := env.authSvc.txnRepo.ListByOwner(ctx, model.OwnerTypeAuthorization, auth.ID)
	if len(records) != 1 || records[0].MerchantTransactionID == nil {
		t.Fatalf("expected transaction record with merchant id, got %+v", records)
	}

	err = env.reconcile.ApplyWebhook(ctx, map[string]interface{}{
		"authorizationId":       "sibs-auth-fb",
		"status":                "active",
		"merchantTransactionId": *records[0].MerchantTransactionID,
	})
	if err != nil {
		t.Fatalf("ApplyWebhook: %v", err)
	}

	fresh, _ := env.authSvc.GetAuthorization(ctx, auth.ID)
	if fresh.Status != model.AuthorizationStatusActive {
		t.Fatalf("status = %s", fresh.Status)
	}
}

func TestApplyWebhookSettlesChargeByMerchantReference(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertActiveAuthorization(t, env.db, "100.00")
	charge := &model.Charge{
		AuthorizationID:   auth.ID,
		Amount:            decimal.NewFromFloat(25),
		Currency:          "EUR",
		Status:            model.ChargeStatusPending,
		Description:       "x",
		MerchantReference: "CHARGE_WH_1",
		RefundedAmount:    decimal.Zero,
	}
	if err := env.db.Create(charge).Error; err != nil {
		t.Fatal(err)
	}

	// 回调先于同步应答到达：交易ID本地未知，回退到商户引用
	err := env.reconcile.ApplyWebhook(ctx, map[string]interface{}{
		"transactionID":         "s2s-wh-1",
		"paymentStatus":         "Success",
		"merchantTransactionId": "CHARGE_WH_1",
	})
	if err != nil {
		t.Fatalf("ApplyWebhook: %v", err)
	}

	fresh, _ := env.chargeSvc.GetCharge(ctx, charge.ID)
	if fresh.Status != model.ChargeStatusSuccess {
		t.Fatalf("status = %s", fresh.Status)
	}
	if fresh.TransactionID == nil || *fresh.TransactionID != "s2s-wh-1" {
		t.Fatalf("transaction id = %v", fresh.TransactionID)
	}

	// 矛盾的后到答案返回冲突
	var conflict *ConflictError
	err = env.reconcile.ApplyWebhook(ctx, map[string]interface{}{
		"transactionID": "s2s-wh-1",
		"paymentStatus": "Declined",
	})
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
}

func TestApplyWebhookDropsUnmatched(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	// 本地找不到记录：记日志后丢弃，不报错（网关无需重投）
	err := env.reconcile.ApplyWebhook(ctx, map[string]interface{}{
		"transactionID": "never-seen",
		"paymentStatus": "Success",
	})
	if err != nil {
		t.Fatalf("unmatched webhook should be dropped, got %v", err)
	}

	err = env.reconcile.ApplyWebhook(ctx, map[string]interface{}{
		"authorizationId": "never-seen",
		"status":          "active",
	})
	if err != nil {
		t.Fatalf("unmatched authorization webhook should be dropped, got %v", err)
	}
}

func TestApplyWebhookRejectsUnknownShape(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	err := env.reconcile.ApplyWebhook(ctx, map[string]interface{}{
		"something": "else",
	})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}
