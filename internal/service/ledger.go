package service

import (
	"context"
	"time"

	"mbwayap/internal/model"
	"mbwayap/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AmountLedger 额度账本
// 纯查询：剩余额度 = 授权上限 - 成功扣款之和，每次现算不做缓存，
// 避免并发扣款下读到过期值。扣款路径必须传入持有授权行锁的事务
type AmountLedger struct {
	chargeRepo *repository.ChargeRepository
}

func NewAmountLedger(db *gorm.DB) *AmountLedger {
	return &AmountLedger{chargeRepo: repository.NewChargeRepository(db)}
}

// Remaining 授权剩余可扣额度
func (l *AmountLedger) Remaining(ctx context.Context, tx *gorm.DB, auth *model.Authorization) (decimal.Decimal, error) {
	consumed, err := l.chargeRepo.SumSuccessfulAmount(ctx, tx, auth.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return auth.MaxAmount.Sub(consumed), nil
}

// CanCharge 扣款前置校验：授权可用、未过期、金额为正且不超剩余额度
// 返回的错误区分具体原因，调用方原样透出
func (l *AmountLedger) CanCharge(ctx context.Context, tx *gorm.DB, auth *model.Authorization, amount decimal.Decimal, now time.Time) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	if auth.Status != model.AuthorizationStatusActive {
		return ErrAuthorizationNotActive
	}
	if auth.IsExpired(now) {
		return ErrAuthorizationExpired
	}
	remaining, err := l.Remaining(ctx, tx, auth)
	if err != nil {
		return err
	}
	if amount.GreaterThan(remaining) {
		return ErrAmountExceedsLimit
	}
	return nil
}
