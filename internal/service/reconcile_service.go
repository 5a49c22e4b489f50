package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"mbwayap/internal/gateway"
	"mbwayap/internal/infrastructure/lock"
	"mbwayap/internal/model"
	"mbwayap/internal/repository"

	"gorm.io/gorm"
)

// ReconcileService 回调对账服务
//
// 回调与同步应答可能乱序、重复、甚至互相矛盾，这里统一按形状分类后
// 走 AuthorizationService / ChargeService 的幂等落账入口
type ReconcileService struct {
	authSvc       *AuthorizationService
	chargeSvc     *ChargeService
	locks         lock.Factory
	authRepo      *repository.AuthorizationRepository
	chargeRepo    *repository.ChargeRepository
	txnRepo       *repository.TransactionRepository
	webhookSecret string
}

func NewReconcileService(db *gorm.DB, authSvc *AuthorizationService, chargeSvc *ChargeService, locks lock.Factory, webhookSecret string) *ReconcileService {
	return &ReconcileService{
		authSvc:       authSvc,
		chargeSvc:     chargeSvc,
		locks:         locks,
		authRepo:      repository.NewAuthorizationRepository(db),
		chargeRepo:    repository.NewChargeRepository(db),
		txnRepo:       repository.NewTransactionRepository(db),
		webhookSecret: webhookSecret,
	}
}

// VerifySignature 校验回调签名：HMAC-SHA256(rawBody) 十六进制，恒定时间比较
// 未配置密钥时跳过校验（沙箱环境）
func (s *ReconcileService) VerifySignature(signature string, body []byte) bool {
	if s.webhookSecret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ApplyWebhook 按载荷形状分类并落账
//
// 授权事件：authorizationId + status；扣款事件：transactionID + paymentStatus。
// 找不到本地记录的回调记日志后丢弃（返回 nil，网关不需要重投），
// 无法分类的载荷返回 ErrUnknownEvent
func (s *ReconcileService) ApplyWebhook(ctx context.Context, payload map[string]interface{}) error {
	if authID := gateway.StringField(payload, "authorizationId"); authID != "" {
		if status := gateway.StringField(payload, "status"); status != "" {
			return s.applyAuthorizationEvent(ctx, authID, status, payload)
		}
	}
	if txID := gateway.StringField(payload, "transactionID"); txID != "" {
		if status := gateway.StringField(payload, "paymentStatus"); status != "" {
			return s.applyChargeEvent(ctx, txID, status, payload)
		}
	}
	log.Printf("[ReconcileService] 无法识别的回调载荷: keys=%v", mapKeys(payload))
	return ErrUnknownEvent
}

func (s *ReconcileService) applyAuthorizationEvent(ctx context.Context, gatewayAuthID, status string, payload map[string]interface{}) error {
	auth, err := s.authRepo.GetByGatewayID(ctx, gatewayAuthID)
	if err != nil {
		return err
	}
	if auth == nil {
		// 首次回调时本地还没有网关ID，兜底用商户引用关联
		auth, err = s.lookupAuthorizationByMerchantRef(ctx, payload)
		if err != nil {
			return err
		}
	}
	if auth == nil {
		log.Printf("[ReconcileService] 回调找不到对应授权，丢弃: gatewayAuthID=%s, status=%s", gatewayAuthID, status)
		return nil
	}

	reconcileLock := s.locks.ReconcileLock("auth", auth.ID)
	if err := reconcileLock.Lock(ctx, 100*time.Millisecond, 50); err != nil {
		return fmt.Errorf("获取对账锁失败: %w", err)
	}
	defer reconcileLock.Unlock(ctx)

	// 锁后重读，保证判定基于最新状态
	auth, err = s.authRepo.GetByID(ctx, auth.ID)
	if err != nil {
		return err
	}

	switch status {
	case "approved", "active", "Success":
		return s.authSvc.Approve(ctx, auth, gatewayAuthID)
	case "cancelled", "expired", "declined":
		if auth.Status == model.AuthorizationStatusActive || auth.Status == model.AuthorizationStatusPending {
			return s.authSvc.markCancelled(ctx, auth)
		}
		return nil
	default:
		log.Printf("[ReconcileService] 未知授权状态，丢弃: gatewayAuthID=%s, status=%s", gatewayAuthID, status)
		return nil
	}
}

func (s *ReconcileService) applyChargeEvent(ctx context.Context, gatewayTxID, status string, payload map[string]interface{}) error {
	charge, err := s.chargeRepo.GetByTransactionID(ctx, gatewayTxID)
	if err != nil {
		return err
	}
	if charge == nil {
		// 扣款还没回填交易ID（同步应答和回调赛跑），兜底用商户引用关联
		if ref := gateway.StringField(payload, "merchantTransactionId"); ref != "" {
			charge, err = s.chargeRepo.GetByMerchantReference(ctx, ref)
			if err != nil {
				return err
			}
		}
	}
	if charge == nil {
		log.Printf("[ReconcileService] 回调找不到对应扣款，丢弃: transactionID=%s, status=%s", gatewayTxID, status)
		return nil
	}

	reconcileLock := s.locks.ReconcileLock("charge", charge.ID)
	if err := reconcileLock.Lock(ctx, 100*time.Millisecond, 50); err != nil {
		return fmt.Errorf("获取对账锁失败: %w", err)
	}
	defer reconcileLock.Unlock(ctx)

	charge, err = s.chargeRepo.GetByID(ctx, charge.ID)
	if err != nil {
		return err
	}

	return s.chargeSvc.Settle(ctx, charge, gatewayTxID, status, payload)
}

// lookupAuthorizationByMerchantRef 授权回调的兜底关联：
// 先查授权表的商户引用，再退到流水表按 merchantTransactionId 反查
func (s *ReconcileService) lookupAuthorizationByMerchantRef(ctx context.Context, payload map[string]interface{}) (*model.Authorization, error) {
	ref := gateway.StringField(payload, "merchantTransactionId")
	if ref == "" {
		return nil, nil
	}

	auth, err := s.authRepo.GetByMerchantReference(ctx, ref)
	if err != nil || auth != nil {
		return auth, err
	}

	record, err := s.txnRepo.GetByMerchantTransactionID(ctx, ref)
	if err != nil || record == nil {
		return nil, err
	}
	if record.OwnerType != model.OwnerTypeAuthorization {
		return nil, nil
	}
	return s.authRepo.GetByID(ctx, record.OwnerID)
}

func mapKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
