package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"mbwayap/internal/config"
	"mbwayap/internal/events"
	"mbwayap/internal/gateway"
	"mbwayap/internal/infrastructure/lock"
	"mbwayap/internal/model"
	"mbwayap/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBSeq int64

func init() {
	idgen.Init(1)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:svc_test_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	err = db.AutoMigrate(
		&model.Authorization{},
		&model.Charge{},
		&model.TransactionRecord{},
		&model.OutboxMessage{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testBusinessConfig() config.BusinessConfig {
	return config.BusinessConfig{
		Currency:            "EUR",
		DefaultValidityDays: 365,
		MinAmount:           0.01,
		MaxAmount:           1000,
		RetryAttempts:       3,
		RetryDelayMinutes:   60,
		SweepBatchSize:      100,
	}
}

// fakeGateway 可编排应答的网关替身
type fakeGateway struct {
	mu sync.Mutex

	checkoutResp map[string]interface{}
	checkoutErr  error
	authorizeErr error
	chargeResp   map[string]interface{}
	chargeErr    error
	refundResp   map[string]interface{}
	refundErr    error
	statusResp   map[string]interface{}
	cancelErr    error

	chargeCalls int
	cancelCalls int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		checkoutResp: map[string]interface{}{
			"transactionID":        "s2s-txn-1",
			"transactionSignature": "sig-1",
		},
		chargeResp: map[string]interface{}{
			"transactionID": "s2s-charge-1",
			"paymentStatus": "Success",
		},
		refundResp: map[string]interface{}{
			"paymentStatus": "Refunded",
		},
		statusResp: map[string]interface{}{
			"status": "active",
		},
	}
}

func (f *fakeGateway) CreateCheckout(ctx context.Context, req gateway.CheckoutRequest) (map[string]interface{}, error) {
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	return f.checkoutResp, nil
}

func (f *fakeGateway) CreateAuthorization(ctx context.Context, transactionID, transactionSignature string, req gateway.AuthorizationRequest) (map[string]interface{}, error) {
	if f.authorizeErr != nil {
		return nil, f.authorizeErr
	}
	return map[string]interface{}{
		"returnStatus": map[string]interface{}{"statusCode": "000", "statusDescription": "Success"},
	}, nil
}

func (f *fakeGateway) Charge(ctx context.Context, authorizationID string, req gateway.ChargeRequest) (map[string]interface{}, error) {
	f.mu.Lock()
	f.chargeCalls++
	n := f.chargeCalls
	f.mu.Unlock()
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	resp := make(map[string]interface{}, len(f.chargeResp))
	for k, v := range f.chargeResp {
		resp[k] = v
	}
	if _, ok := resp["transactionID"]; ok {
		resp["transactionID"] = fmt.Sprintf("s2s-charge-%d", n)
	}
	return resp, nil
}

func (f *fakeGateway) Refund(ctx context.Context, transactionID string, req gateway.RefundRequest) (map[string]interface{}, error) {
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	return f.refundResp, nil
}

func (f *fakeGateway) CancelAuthorization(ctx context.Context, authorizationID string) error {
	f.mu.Lock()
	f.cancelCalls++
	f.mu.Unlock()
	return f.cancelErr
}

func (f *fakeGateway) GetStatus(ctx context.Context, transactionID string) (map[string]interface{}, error) {
	return f.statusResp, nil
}

// captureSink 记录发布的事件
type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Publish(ctx context.Context, tx *gorm.DB, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, e := range s.events {
		names = append(names, e.EventName())
	}
	return names
}

func (s *captureSink) has(name string) bool {
	for _, n := range s.names() {
		if n == name {
			return true
		}
	}
	return false
}

type testEnv struct {
	db        *gorm.DB
	gw        *fakeGateway
	sink      *captureSink
	authSvc   *AuthorizationService
	chargeSvc *ChargeService
	reconcile *ReconcileService
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	gw := newFakeGateway()
	sink := &captureSink{}
	locks := lock.NewLocalFactory()
	cfg := testBusinessConfig()

	authSvc := NewAuthorizationService(db, gw, sink, cfg)
	chargeSvc := NewChargeService(db, gw, sink, locks, cfg)
	reconcile := NewReconcileService(db, authSvc, chargeSvc, locks, "test-secret")

	return &testEnv{db: db, gw: gw, sink: sink, authSvc: authSvc, chargeSvc: chargeSvc, reconcile: reconcile}
}

// insertActiveAuthorization 直接落一条已生效授权
func insertActiveAuthorization(t *testing.T, db *gorm.DB, maxAmount string) *model.Authorization {
	t.Helper()
	gatewayID := fmt.Sprintf("sibs-auth-%d", time.Now().UnixNano())
	amount, err := decimal.NewFromString(maxAmount)
	if err != nil {
		t.Fatalf("parse amount: %v", err)
	}
	auth := &model.Authorization{
		AuthorizationID: &gatewayID,
		CustomerPhone:   "351912345678",
		CustomerEmail:   "cliente@example.pt",
		MaxAmount:       amount,
		Currency:        "EUR",
		ValidityDate:    time.Now().AddDate(1, 0, 0),
		Status:          model.AuthorizationStatusActive,
		Description:     "Subscricao mensal",
	}
	if err := db.Create(auth).Error; err != nil {
		t.Fatalf("create authorization: %v", err)
	}
	return auth
}

func insertPendingAuthorization(t *testing.T, db *gorm.DB, merchantRef string) *model.Authorization {
	t.Helper()
	auth := &model.Authorization{
		CustomerPhone: "351912345678",
		CustomerEmail: "cliente@example.pt",
		MaxAmount:     decimal.NewFromFloat(100),
		Currency:      "EUR",
		ValidityDate:  time.Now().AddDate(1, 0, 0),
		Status:        model.AuthorizationStatusPending,
		Description:   "Subscricao mensal",
	}
	if merchantRef != "" {
		auth.MerchantReference = &merchantRef
	}
	if err := db.Create(auth).Error; err != nil {
		t.Fatalf("create authorization: %v", err)
	}
	return auth
}
