package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mbwayap/internal/config"
	"mbwayap/internal/events"
	"mbwayap/internal/gateway"
	"mbwayap/internal/model"
	"mbwayap/internal/repository"
	"mbwayap/pkg/idgen"
	"mbwayap/pkg/validate"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuthorizationService 授权生命周期管理
type AuthorizationService struct {
	db       *gorm.DB
	gw       gateway.API
	sink     events.Sink
	cfg      config.BusinessConfig
	authRepo *repository.AuthorizationRepository
	txnRepo  *repository.TransactionRepository
	ledger   *AmountLedger
}

func NewAuthorizationService(db *gorm.DB, gw gateway.API, sink events.Sink, cfg config.BusinessConfig) *AuthorizationService {
	return &AuthorizationService{
		db:       db,
		gw:       gw,
		sink:     sink,
		cfg:      cfg,
		authRepo: repository.NewAuthorizationRepository(db),
		txnRepo:  repository.NewTransactionRepository(db),
		ledger:   NewAmountLedger(db),
	}
}

type CreateAuthorizationRequest struct {
	CustomerPhone     string
	CustomerEmail     string
	MaxAmount         decimal.Decimal
	Currency          string
	ValidityDate      *time.Time // 为空时取默认有效期
	Description       string
	MerchantReference string
	Metadata          map[string]interface{}
}

// CreateAuthorization 创建授权申请
//
// 流程：本地落 PENDING 记录 -> 流水 -> 网关两步握手（checkout + 授权申请）
// 第二步失败时本地记录保持 PENDING、流水标记 FAILED，由调用方决定是否重建；
// 最终生效要等客户在 MB WAY App 内确认后的回调（见 ReconcileService）
func (s *AuthorizationService) CreateAuthorization(ctx context.Context, req *CreateAuthorizationRequest) (*model.Authorization, error) {
	phone, err := validate.Phone(req.CustomerPhone)
	if err != nil {
		return nil, err
	}
	email, err := validate.Email(req.CustomerEmail)
	if err != nil {
		return nil, err
	}
	if err := validate.Amount("max_amount", req.MaxAmount,
		decimal.NewFromFloat(s.cfg.MinAmount), decimal.NewFromFloat(s.cfg.MaxAmount)); err != nil {
		return nil, err
	}
	description, err := validate.Description(req.Description)
	if err != nil {
		return nil, err
	}
	merchantRef, err := validate.MerchantReference(req.MerchantReference)
	if err != nil {
		return nil, err
	}
	currency, err := validate.Currency(req.Currency)
	if err != nil {
		return nil, err
	}

	validity := s.resolveValidity(req.ValidityDate)

	auth := &model.Authorization{
		CustomerPhone: phone,
		CustomerEmail: email,
		MaxAmount:     req.MaxAmount,
		Currency:      currency,
		ValidityDate:  validity,
		Status:        model.AuthorizationStatusPending,
		Description:   description,
		Metadata:      datatypes.JSONMap(req.Metadata),
	}
	if merchantRef != "" {
		auth.MerchantReference = &merchantRef
	}

	if err := s.authRepo.Create(ctx, nil, auth); err != nil {
		return nil, fmt.Errorf("创建授权记录失败: %w", err)
	}

	// 商户引用同时作为回调兜底关联的键，未指定时用本地ID生成
	merchantTxnID := merchantRef
	if merchantTxnID == "" {
		merchantTxnID = idgen.GenerateAuthReference(auth.ID)
	}

	record := &model.TransactionRecord{
		TransactionID:         idgen.GenerateTempTransactionID(),
		MerchantTransactionID: &merchantTxnID,
		Type:                  model.TransactionTypeAuthorizationRequest,
		OwnerType:             model.OwnerTypeAuthorization,
		OwnerID:               auth.ID,
		Amount:                req.MaxAmount,
		Currency:              currency,
		Status:                model.TransactionStatusPending,
		RequestData: datatypes.JSONMap{
			"customerPhone": model.MaskPhone(phone),
			"maxAmount":     req.MaxAmount.StringFixed(2),
			"validityDate":  validity.Format(time.RFC3339),
		},
		RequestedAt: time.Now(),
	}
	if err := s.txnRepo.Create(ctx, nil, record); err != nil {
		return nil, fmt.Errorf("创建流水失败: %w", err)
	}

	log.Printf("[AuthorizationService] 发起授权申请: id=%d, phone=%s, maxAmount=%s",
		auth.ID, auth.MaskedPhone(), req.MaxAmount.StringFixed(2))

	// 第一步：创建 checkout
	checkoutResp, err := s.gw.CreateCheckout(ctx, gateway.CheckoutRequest{
		MerchantTransactionID: merchantTxnID,
		Amount:                req.MaxAmount.StringFixed(2),
		Currency:              currency,
		Description:           description,
		ValidityDate:          validity,
	})
	if err != nil {
		s.failTransaction(ctx, record.ID, err)
		return nil, fmt.Errorf("创建 checkout 失败: %w", err)
	}

	transactionID := gateway.StringField(checkoutResp, "transactionID")
	transactionSignature := gateway.StringField(checkoutResp, "transactionSignature")
	if transactionID == "" || transactionSignature == "" {
		err := errors.New("checkout 应答缺少 transactionID 或 transactionSignature")
		s.failTransaction(ctx, record.ID, err)
		return nil, err
	}

	if err := s.txnRepo.UpdateTransactionID(ctx, record.ID, transactionID); err != nil {
		return nil, fmt.Errorf("回填交易ID失败: %w", err)
	}

	// 第二步：带交易签名发起授权申请
	// 失败时本地记录保持 PENDING，不做任何静默升级
	authResp, err := s.gw.CreateAuthorization(ctx, transactionID, transactionSignature, gateway.AuthorizationRequest{
		CustomerPhone: phone,
		ValidityDate:  validity,
		Description:   description,
	})
	if err != nil {
		s.failTransaction(ctx, record.ID, err)
		return nil, fmt.Errorf("发起授权申请失败: %w", err)
	}

	if err := s.txnRepo.MarkSuccess(ctx, record.ID, datatypes.JSONMap(authResp),
		gateway.ReturnCode(authResp), gateway.ReturnMessage(authResp)); err != nil {
		log.Printf("[AuthorizationService] 更新流水状态失败: id=%d, err=%v", record.ID, err)
	}

	if err := s.sink.Publish(ctx, nil, events.AuthorizationCreated{
		AuthorizationID:   auth.ID,
		CustomerPhone:     auth.MaskedPhone(),
		MaxAmount:         auth.MaxAmount.StringFixed(2),
		Currency:          currency,
		ValidityDate:      validity,
		MerchantReference: merchantRef,
	}); err != nil {
		log.Printf("[AuthorizationService] 发布事件失败: id=%d, err=%v", auth.ID, err)
	}

	log.Printf("[AuthorizationService] 授权申请已提交: id=%d, transactionID=%s", auth.ID, transactionID)
	return auth, nil
}

// Approve 审批通过：PENDING -> ACTIVE，回填网关授权ID
// 幂等规则：已 ACTIVE 且网关ID相同是无害重放，直接返回；
// 已 ACTIVE 但网关ID不同说明回调重复或串线，返回 ConflictError 供运维排查
func (s *AuthorizationService) Approve(ctx context.Context, auth *model.Authorization, gatewayAuthID string) error {
	if auth.Status == model.AuthorizationStatusActive {
		if auth.AuthorizationID != nil && *auth.AuthorizationID == gatewayAuthID {
			return nil
		}
		return &ConflictError{
			Entity:  fmt.Sprintf("authorization:%d", auth.ID),
			Message: fmt.Sprintf("已生效授权收到不同的网关ID: 已有 %v, 收到 %s", deref(auth.AuthorizationID), gatewayAuthID),
		}
	}
	if auth.IsTerminal() {
		return &InvalidStateError{
			Entity:  fmt.Sprintf("authorization:%d", auth.ID),
			Current: auth.Status,
			Action:  "approve",
		}
	}

	err := s.authRepo.Approve(ctx, nil, auth.ID, gatewayAuthID)
	if err != nil {
		if errors.Is(err, repository.ErrAuthorizationStatusInvalid) {
			// CAS 输了，重读后按幂等规则重新判定
			fresh, readErr := s.authRepo.GetByID(ctx, auth.ID)
			if readErr != nil {
				return readErr
			}
			*auth = *fresh
			return s.Approve(ctx, auth, gatewayAuthID)
		}
		return err
	}

	auth.Status = model.AuthorizationStatusActive
	auth.AuthorizationID = &gatewayAuthID

	if err := s.sink.Publish(ctx, nil, events.AuthorizationActivated{
		AuthorizationID:        auth.ID,
		GatewayAuthorizationID: gatewayAuthID,
	}); err != nil {
		log.Printf("[AuthorizationService] 发布事件失败: id=%d, err=%v", auth.ID, err)
	}

	log.Printf("[AuthorizationService] 授权已生效: id=%d, gatewayAuthID=%s", auth.ID, gatewayAuthID)
	return nil
}

// Cancel 主动撤销授权：仅 ACTIVE 可撤销
// 网关侧有授权ID时先撤网关，网关失败则本地不动，保持两边一致
func (s *AuthorizationService) Cancel(ctx context.Context, id int64) error {
	auth, err := s.authRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if auth.Status != model.AuthorizationStatusActive {
		return &InvalidStateError{
			Entity:  fmt.Sprintf("authorization:%d", auth.ID),
			Current: auth.Status,
			Action:  "cancel",
		}
	}

	if auth.AuthorizationID != nil {
		record := &model.TransactionRecord{
			TransactionID: idgen.GenerateTempTransactionID(),
			Type:          model.TransactionTypeCancellation,
			OwnerType:     model.OwnerTypeAuthorization,
			OwnerID:       auth.ID,
			Amount:        decimal.Zero,
			Currency:      auth.Currency,
			Status:        model.TransactionStatusPending,
			RequestedAt:   time.Now(),
		}
		if err := s.txnRepo.Create(ctx, nil, record); err != nil {
			return fmt.Errorf("创建流水失败: %w", err)
		}

		if err := s.gw.CancelAuthorization(ctx, *auth.AuthorizationID); err != nil {
			s.failTransaction(ctx, record.ID, err)
			return fmt.Errorf("网关撤销授权失败: %w", err)
		}
		if err := s.txnRepo.MarkSuccess(ctx, record.ID, nil, "", ""); err != nil {
			log.Printf("[AuthorizationService] 更新流水状态失败: id=%d, err=%v", record.ID, err)
		}
	}

	if err := s.markCancelled(ctx, auth); err != nil {
		return err
	}

	log.Printf("[AuthorizationService] 授权已撤销: id=%d, phone=%s", auth.ID, auth.MaskedPhone())
	return nil
}

// markCancelled 本地取消（回调路径不再调网关）
func (s *AuthorizationService) markCancelled(ctx context.Context, auth *model.Authorization) error {
	err := s.authRepo.UpdateStatus(ctx, nil, auth.ID, auth.Status, model.AuthorizationStatusCancelled)
	if err != nil {
		if errors.Is(err, repository.ErrAuthorizationStatusInvalid) {
			fresh, readErr := s.authRepo.GetByID(ctx, auth.ID)
			if readErr != nil {
				return readErr
			}
			if fresh.Status == model.AuthorizationStatusCancelled {
				return nil
			}
			return &InvalidStateError{
				Entity:  fmt.Sprintf("authorization:%d", auth.ID),
				Current: fresh.Status,
				Action:  "cancel",
			}
		}
		return err
	}

	auth.Status = model.AuthorizationStatusCancelled
	if err := s.sink.Publish(ctx, nil, events.AuthorizationCancelled{AuthorizationID: auth.ID}); err != nil {
		log.Printf("[AuthorizationService] 发布事件失败: id=%d, err=%v", auth.ID, err)
	}
	return nil
}

// Expire 过期：仅对已过有效期的 ACTIVE 授权生效，重复调用为空操作
func (s *AuthorizationService) Expire(ctx context.Context, auth *model.Authorization, now time.Time) (bool, error) {
	if auth.Status == model.AuthorizationStatusExpired {
		return false, nil
	}
	if auth.Status != model.AuthorizationStatusActive || !auth.IsExpired(now) {
		return false, nil
	}

	err := s.authRepo.UpdateStatus(ctx, nil, auth.ID, model.AuthorizationStatusActive, model.AuthorizationStatusExpired)
	if err != nil {
		if errors.Is(err, repository.ErrAuthorizationStatusInvalid) {
			// 并发写者已处理过，算空操作
			return false, nil
		}
		return false, err
	}

	auth.Status = model.AuthorizationStatusExpired
	if err := s.sink.Publish(ctx, nil, events.AuthorizationExpired{AuthorizationID: auth.ID}); err != nil {
		log.Printf("[AuthorizationService] 发布事件失败: id=%d, err=%v", auth.ID, err)
	}

	log.Printf("[AuthorizationService] 授权已过期: id=%d, phone=%s", auth.ID, auth.MaskedPhone())
	return true, nil
}

// CheckStatus 主动查询网关侧状态并按固定映射表对账本地状态
// 映射只在本地非终态时生效，不会把已取消/已过期的授权拉活
func (s *AuthorizationService) CheckStatus(ctx context.Context, id int64) (map[string]interface{}, error) {
	auth, err := s.authRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if auth.AuthorizationID == nil {
		// 还没有网关ID，授权仍在等客户确认
		return map[string]interface{}{
			"status":       "pending",
			"local_status": auth.Status,
		}, nil
	}

	resp, err := s.gw.GetStatus(ctx, *auth.AuthorizationID)
	if err != nil {
		return nil, fmt.Errorf("查询授权状态失败: %w", err)
	}

	switch gateway.StringField(resp, "status") {
	case "active":
		if !auth.IsTerminal() && auth.Status != model.AuthorizationStatusActive {
			if err := s.Approve(ctx, auth, *auth.AuthorizationID); err != nil {
				log.Printf("[AuthorizationService] 状态对账失败: id=%d, err=%v", auth.ID, err)
			}
		}
	case "cancelled", "expired":
		if auth.Status == model.AuthorizationStatusActive {
			if err := s.markCancelled(ctx, auth); err != nil {
				log.Printf("[AuthorizationService] 状态对账失败: id=%d, err=%v", auth.ID, err)
			}
		}
	}

	return resp, nil
}

// GetAuthorization 按本地ID查询
func (s *AuthorizationService) GetAuthorization(ctx context.Context, id int64) (*model.Authorization, error) {
	return s.authRepo.GetByID(ctx, id)
}

// Remaining 授权剩余额度（只读查询）
func (s *AuthorizationService) Remaining(ctx context.Context, id int64) (decimal.Decimal, error) {
	auth, err := s.authRepo.GetByID(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return s.ledger.Remaining(ctx, nil, auth)
}

// ListActive 查询可用授权
func (s *AuthorizationService) ListActive(ctx context.Context, filter repository.ListActiveFilter, limit int) ([]*model.Authorization, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.authRepo.ListActive(ctx, filter, limit)
}

// ListExpiring 查询 days 天内即将到期的授权
func (s *AuthorizationService) ListExpiring(ctx context.Context, days int) ([]*model.Authorization, error) {
	now := time.Now()
	return s.authRepo.ListExpiringBetween(ctx, now, now.AddDate(0, 0, days))
}

func (s *AuthorizationService) resolveValidity(validityDate *time.Time) time.Time {
	if validityDate != nil {
		return *validityDate
	}
	days := s.cfg.DefaultValidityDays
	if days <= 0 {
		days = 365
	}
	return time.Now().AddDate(0, 0, days)
}

func (s *AuthorizationService) failTransaction(ctx context.Context, recordID int64, cause error) {
	if err := s.txnRepo.MarkFailed(ctx, recordID, nil, "", cause.Error()); err != nil {
		log.Printf("[AuthorizationService] 标记流水失败状态失败: id=%d, err=%v", recordID, err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
