package repository

import (
	"context"
	"errors"
	"time"

	"mbwayap/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrChargeNotFound      = errors.New("扣款记录不存在")
	ErrChargeStatusInvalid = errors.New("扣款状态不合法")
	ErrRefundRaced         = errors.New("退款并发冲突，请重试")
)

type ChargeRepository struct {
	db *gorm.DB
}

func NewChargeRepository(db *gorm.DB) *ChargeRepository {
	return &ChargeRepository{db: db}
}

func (r *ChargeRepository) Create(ctx context.Context, tx *gorm.DB, charge *model.Charge) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(charge).Error
}

func (r *ChargeRepository) GetByID(ctx context.Context, id int64) (*model.Charge, error) {
	var charge model.Charge
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&charge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrChargeNotFound
		}
		return nil, err
	}
	return &charge, nil
}

// GetByTransactionID 按 SIBS 交易ID查找，未找到返回 nil
func (r *ChargeRepository) GetByTransactionID(ctx context.Context, transactionID string) (*model.Charge, error) {
	var charge model.Charge
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&charge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &charge, nil
}

// GetByMerchantReference 按商户交易号查找，未找到返回 nil
func (r *ChargeRepository) GetByMerchantReference(ctx context.Context, reference string) (*model.Charge, error) {
	var charge model.Charge
	err := r.db.WithContext(ctx).Where("merchant_reference = ?", reference).First(&charge).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &charge, nil
}

// SumSuccessfulAmount 统计授权下所有成功扣款的金额之和
// 必须与扣款提交在同一事务内执行（调用方已对授权行加锁），
// 否则两个并发扣款会同时通过额度检查导致超扣
func (r *ChargeRepository) SumSuccessfulAmount(ctx context.Context, tx *gorm.DB, authorizationID int64) (decimal.Decimal, error) {
	if tx == nil {
		tx = r.db
	}
	var total decimal.Decimal
	err := tx.WithContext(ctx).
		Model(&model.Charge{}).
		Where("authorization_id = ? AND status = ?", authorizationID, model.ChargeStatusSuccess).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

// SettleSuccess 终态落账：PENDING -> SUCCESS（CAS，第一个终态应答赢）
func (r *ChargeRepository) SettleSuccess(ctx context.Context, tx *gorm.DB, id int64, transactionID string, response datatypes.JSONMap) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Charge{}).
		Where("id = ? AND status = ?", id, model.ChargeStatusPending).
		Updates(map[string]interface{}{
			"status":         model.ChargeStatusSuccess,
			"transaction_id": transactionID,
			"error_message":  nil,
			"sibs_response":  response,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChargeStatusInvalid
	}
	return nil
}

// SettleFailed 终态落账：PENDING -> FAILED（CAS）
// transactionID 可能为空（网关调用未返回交易ID的场景）
func (r *ChargeRepository) SettleFailed(ctx context.Context, tx *gorm.DB, id int64, transactionID, errorMessage string, response datatypes.JSONMap) error {
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"status":        model.ChargeStatusFailed,
		"error_message": errorMessage,
		"sibs_response": response,
	}
	if transactionID != "" {
		updates["transaction_id"] = transactionID
	}
	result := tx.WithContext(ctx).
		Model(&model.Charge{}).
		Where("id = ? AND status = ?", id, model.ChargeStatusPending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrChargeStatusInvalid
	}
	return nil
}

// AddRefund 累加退款金额并推进退款状态
// WHERE refunded_amount = 当前观察值，构成乐观 CAS：
// 并发退款只有一个能赢，输家拿到 ErrRefundRaced 后重新读取再试
func (r *ChargeRepository) AddRefund(ctx context.Context, tx *gorm.DB, charge *model.Charge, amount decimal.Decimal, toStatus string, refundedAt time.Time) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Charge{}).
		Where("id = ? AND status IN ? AND refunded_amount = ?",
			charge.ID,
			[]string{model.ChargeStatusSuccess, model.ChargeStatusPartiallyRefunded},
			charge.RefundedAmount).
		Updates(map[string]interface{}{
			"refunded_amount": charge.RefundedAmount.Add(amount),
			"refunded_at":     refundedAt,
			"status":          toStatus,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRefundRaced
	}
	return nil
}

// RecordRetryAttempt 在原失败记录上登记一次重试（次数+1，时间戳更新）
// 原记录状态保持 FAILED 不变，新的尝试另起一行
func (r *ChargeRepository) RecordRetryAttempt(ctx context.Context, id int64, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.Charge{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": now,
		}).Error
}

// ListRetryable 查询符合重试条件的失败扣款
// 条件：FAILED、重试次数未用尽、冷却期已过；所属授权是否仍可用由服务层逐条确认
func (r *ChargeRepository) ListRetryable(ctx context.Context, maxRetries int, retryDelay time.Duration, now time.Time, limit int) ([]*model.Charge, error) {
	var charges []*model.Charge
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_count < ?", model.ChargeStatusFailed, maxRetries).
		Where("last_retry_at IS NULL OR last_retry_at <= ?", now.Add(-retryDelay)).
		Order("created_at ASC").
		Limit(limit).
		Find(&charges).Error
	return charges, err
}

// ListByAuthorization 按授权查询扣款记录
func (r *ChargeRepository) ListByAuthorization(ctx context.Context, authorizationID int64, page, pageSize int) ([]*model.Charge, int64, error) {
	var charges []*model.Charge
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Charge{}).Where("authorization_id = ?", authorizationID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&charges).Error

	return charges, total, err
}
