package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"mbwayap/internal/gateway"
	"mbwayap/internal/model"

	"github.com/shopspring/decimal"
)

func TestProcessChargeSuccess(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertActiveAuthorization(t, env.db, "100.00")

	charge, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(29.99),
	})
	if err != nil {
		t.Fatalf("ProcessCharge: %v", err)
	}

	if charge.Status != model.ChargeStatusSuccess {
		t.Fatalf("status = %s", charge.Status)
	}
	if charge.TransactionID == nil {
		t.Fatal("transaction id not backfilled")
	}
	if !strings.HasPrefix(charge.MerchantReference, "CHARGE_") {
		t.Fatalf("merchant reference = %s", charge.MerchantReference)
	}

	remaining, err := env.authSvc.Remaining(ctx, auth.ID)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if !remaining.Equal(decimal.NewFromFloat(70.01)) {
		t.Fatalf("remaining = %s, want 70.01", remaining)
	}

	if !env.sink.has("charge.settled") {
		t.Fatalf("missing charge.settled event, got %v", env.sink.names())
	}
}

func TestProcessChargeExceedsRemaining(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertActiveAuthorization(t, env.db, "100.00")

	if _, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(80),
	}); err != nil {
		t.Fatalf("first charge: %v", err)
	}

	_, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(30),
	})
	if !errors.Is(err, ErrAmountExceedsLimit) {
		t.Fatalf("expected ErrAmountExceedsLimit, got %v", err)
	}

	// 剩余额度恰好用满是允许的
	charge, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(20),
	})
	if err != nil || charge.Status != model.ChargeStatusSuccess {
		t.Fatalf("exact remaining charge failed: %v", err)
	}
}

func TestProcessChargeDeclinedByGateway(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	env.gw.chargeResp = map[string]interface{}{
		"transactionID": "s2s-charge-1",
		"paymentStatus": "Declined",
		"returnStatus":  map[string]interface{}{"statusCode": "100", "statusDescription": "Insufficient funds"},
	}

	auth := insertActiveAuthorization(t, env.db, "100.00")
	charge, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(10),
	})
	if err != nil {
		t.Fatalf("ProcessCharge: %v", err)
	}
	if charge.Status != model.ChargeStatusFailed {
		t.Fatalf("status = %s, want FAILED", charge.Status)
	}
	if charge.ErrorMessage == nil || !strings.Contains(*charge.ErrorMessage, "Insufficient funds") {
		t.Fatalf("error message = %v", charge.ErrorMessage)
	}

	// 失败扣款不占额度
	remaining, _ := env.authSvc.Remaining(ctx, auth.ID)
	if !remaining.Equal(decimal.NewFromFloat(100)) {
		t.Fatalf("remaining = %s", remaining)
	}
	if !env.sink.has("charge.failed") {
		t.Fatal("missing charge.failed event")
	}
}

func TestProcessChargeTransportFailure(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	env.gw.chargeErr = &gateway.Error{Message: "timeout"}

	auth := insertActiveAuthorization(t, env.db, "100.00")
	_, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(10),
	})
	if err == nil {
		t.Fatal("expected transport error")
	}
	if !gateway.IsTransient(err) {
		t.Fatalf("transport failure should be transient: %v", err)
	}

	// 扣款落 FAILED，等待重试扫描
	var charge model.Charge
	if err := env.db.First(&charge).Error; err != nil {
		t.Fatalf("charge row missing: %v", err)
	}
	if charge.Status != model.ChargeStatusFailed {
		t.Fatalf("status = %s", charge.Status)
	}
}

func TestProcessChargeRejectsInactiveAuthorization(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertPendingAuthorization(t, env.db, "")
	_, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(10),
	})
	if !errors.Is(err, ErrAuthorizationNotActive) {
		t.Fatalf("expected ErrAuthorizationNotActive, got %v", err)
	}
}

func TestConcurrentChargesRespectLimit(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertActiveAuthorization(t, env.db, "100.00")

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
				AuthorizationID: auth.ID,
				Amount:          decimal.NewFromFloat(60),
			})
			results[i] = err
		}(i)
	}
	wg.Wait()

	var okCount, limitCount int
	for _, err := range results {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrAmountExceedsLimit):
			limitCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 || limitCount != 1 {
		t.Fatalf("ok=%d limit=%d, want exactly one of each", okCount, limitCount)
	}

	total, err := env.chargeSvc.chargeRepo.SumSuccessfulAmount(ctx, nil, auth.ID)
	if err != nil {
		t.Fatal(err)
	}
	if total.GreaterThan(decimal.NewFromFloat(100)) {
		t.Fatalf("overcharged: %s", total)
	}
}

func TestSettleFirstTerminalAnswerWins(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertActiveAuthorization(t, env.db, "100.00")
	charge := &model.Charge{
		AuthorizationID:   auth.ID,
		Amount:            decimal.NewFromFloat(10),
		Currency:          "EUR",
		Status:            model.ChargeStatusPending,
		Description:       "x",
		MerchantReference: "CHARGE_TEST_1",
		RefundedAmount:    decimal.Zero,
	}
	if err := env.db.Create(charge).Error; err != nil {
		t.Fatal(err)
	}

	if err := env.chargeSvc.Settle(ctx, charge, "s2s-1", "Success", nil); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if charge.Status != model.ChargeStatusSuccess {
		t.Fatalf("status = %s", charge.Status)
	}

	// 同向重放是空操作
	if err := env.chargeSvc.Settle(ctx, charge, "s2s-1", "Captured", nil); err != nil {
		t.Fatalf("replay settle: %v", err)
	}

	// 反向答案是冲突
	var conflict *ConflictError
	err := env.chargeSvc.Settle(ctx, charge, "s2s-1", "Declined", nil)
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	// 状态保持成功不回退
	fresh, _ := env.chargeSvc.GetCharge(ctx, charge.ID)
	if fresh.Status != model.ChargeStatusSuccess {
		t.Fatalf("status regressed to %s", fresh.Status)
	}
}

func TestRefundPartialThenFull(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertActiveAuthorization(t, env.db, "100.00")
	charge, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(29.99),
	})
	if err != nil {
		t.Fatal(err)
	}

	ten := decimal.NewFromFloat(10)
	refunded, err := env.chargeSvc.Refund(ctx, charge.ID, &ten)
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if refunded.Status != model.ChargeStatusPartiallyRefunded {
		t.Fatalf("status = %s", refunded.Status)
	}
	if !refunded.RefundedAmount.Equal(ten) {
		t.Fatalf("refunded amount = %s", refunded.RefundedAmount)
	}

	// 不指定金额退剩余全额
	refunded, err = env.chargeSvc.Refund(ctx, charge.ID, nil)
	if err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if refunded.Status != model.ChargeStatusRefunded {
		t.Fatalf("status = %s", refunded.Status)
	}
	if !refunded.RefundedAmount.Equal(decimal.NewFromFloat(29.99)) {
		t.Fatalf("refunded amount = %s", refunded.RefundedAmount)
	}

	// 已全额退款后不可再退
	_, err = env.chargeSvc.Refund(ctx, charge.ID, &ten)
	if !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable, got %v", err)
	}

	if !env.sink.has("charge.refunded") {
		t.Fatal("missing charge.refunded event")
	}
}

func TestRefundRejectsInvalidAmount(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertActiveAuthorization(t, env.db, "100.00")
	charge, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(20),
	})
	if err != nil {
		t.Fatal(err)
	}

	over := decimal.NewFromFloat(20.01)
	if _, err := env.chargeSvc.Refund(ctx, charge.ID, &over); !errors.Is(err, ErrInvalidRefundAmount) {
		t.Fatalf("expected ErrInvalidRefundAmount, got %v", err)
	}

	zero := decimal.Zero
	if _, err := env.chargeSvc.Refund(ctx, charge.ID, &zero); !errors.Is(err, ErrInvalidRefundAmount) {
		t.Fatalf("expected ErrInvalidRefundAmount for zero, got %v", err)
	}
}

func TestRefundRejectsFailedCharge(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	env.gw.chargeResp = map[string]interface{}{"paymentStatus": "Declined"}
	auth := insertActiveAuthorization(t, env.db, "100.00")
	charge, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(20),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := env.chargeSvc.Refund(ctx, charge.ID, nil); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable, got %v", err)
	}
}

func TestRefundGatewayDeclinedLeavesChargeUntouched(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertActiveAuthorization(t, env.db, "100.00")
	charge, err := env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(20),
	})
	if err != nil {
		t.Fatal(err)
	}

	env.gw.refundResp = map[string]interface{}{"paymentStatus": "Declined"}
	if _, err := env.chargeSvc.Refund(ctx, charge.ID, nil); !errors.Is(err, ErrRefundFailed) {
		t.Fatalf("expected ErrRefundFailed, got %v", err)
	}

	fresh, _ := env.chargeSvc.GetCharge(ctx, charge.ID)
	if fresh.Status != model.ChargeStatusSuccess || !fresh.RefundedAmount.IsZero() {
		t.Fatalf("charge mutated: status=%s refunded=%s", fresh.Status, fresh.RefundedAmount)
	}
}

func TestRetryChargeCreatesNewAttempt(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	// 第一次扣款失败
	env.gw.chargeErr = &gateway.Error{Message: "timeout"}
	auth := insertActiveAuthorization(t, env.db, "100.00")
	_, _ = env.chargeSvc.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: auth.ID,
		Amount:          decimal.NewFromFloat(15),
		Description:     "Mensalidade",
	})

	var original model.Charge
	if err := env.db.First(&original).Error; err != nil {
		t.Fatal(err)
	}
	if original.Status != model.ChargeStatusFailed {
		t.Fatalf("status = %s", original.Status)
	}

	// 网关恢复后重试成功
	env.gw.chargeErr = nil
	attempt, err := env.chargeSvc.RetryCharge(ctx, &original)
	if err != nil {
		t.Fatalf("RetryCharge: %v", err)
	}

	if attempt.ID == original.ID {
		t.Fatal("retry must create a new charge row")
	}
	if attempt.ParentChargeID == nil || *attempt.ParentChargeID != original.ID {
		t.Fatalf("parent charge id = %v", attempt.ParentChargeID)
	}
	if !strings.HasSuffix(attempt.Description, " (Retry)") {
		t.Fatalf("description = %s", attempt.Description)
	}
	if attempt.Status != model.ChargeStatusSuccess {
		t.Fatalf("attempt status = %s", attempt.Status)
	}

	// 原记录登记了重试但状态不变
	fresh, _ := env.chargeSvc.GetCharge(ctx, original.ID)
	if fresh.RetryCount != 1 || fresh.LastRetryAt == nil {
		t.Fatalf("retry bookkeeping: count=%d at=%v", fresh.RetryCount, fresh.LastRetryAt)
	}
	if fresh.Status != model.ChargeStatusFailed {
		t.Fatalf("original status = %s", fresh.Status)
	}
}

func TestRetryChargeRejectsExhausted(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertActiveAuthorization(t, env.db, "100.00")
	charge := &model.Charge{
		AuthorizationID:   auth.ID,
		Amount:            decimal.NewFromFloat(10),
		Currency:          "EUR",
		Status:            model.ChargeStatusFailed,
		Description:       "x",
		MerchantReference: "CHARGE_TEST_EXH",
		RetryCount:        3,
		RefundedAmount:    decimal.Zero,
	}
	if err := env.db.Create(charge).Error; err != nil {
		t.Fatal(err)
	}

	var stateErr *InvalidStateError
	if _, err := env.chargeSvc.RetryCharge(ctx, charge); !errors.As(err, &stateErr) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestRetryChargeRejectsInactiveAuthorization(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()

	auth := insertActiveAuthorization(t, env.db, "100.00")
	env.db.Model(auth).Update("status", model.AuthorizationStatusCancelled)

	charge := &model.Charge{
		AuthorizationID:   auth.ID,
		Amount:            decimal.NewFromFloat(10),
		Currency:          "EUR",
		Status:            model.ChargeStatusFailed,
		Description:       "x",
		MerchantReference: "CHARGE_TEST_INA",
		RefundedAmount:    decimal.Zero,
	}
	if err := env.db.Create(charge).Error; err != nil {
		t.Fatal(err)
	}

	if _, err := env.chargeSvc.RetryCharge(ctx, charge); !errors.Is(err, ErrAuthorizationNotActive) {
		t.Fatalf("expected ErrAuthorizationNotActive, got %v", err)
	}
}
