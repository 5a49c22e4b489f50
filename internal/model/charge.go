package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	ChargeStatusPending           = "PENDING"
	ChargeStatusSuccess           = "SUCCESS"
	ChargeStatusFailed            = "FAILED"
	ChargeStatusRefunded          = "REFUNDED"
	ChargeStatusPartiallyRefunded = "PARTIALLY_REFUNDED"
)

// ValidChargeTransitions 扣款状态机
// SUCCESS / FAILED 由第一个终态应答决定，之后不可互相翻转；
// 退款状态只能从 SUCCESS 单向推进：SUCCESS -> PARTIALLY_REFUNDED -> REFUNDED
var ValidChargeTransitions = map[string][]string{
	ChargeStatusPending:           {ChargeStatusSuccess, ChargeStatusFailed},
	ChargeStatusSuccess:           {ChargeStatusPartiallyRefunded, ChargeStatusRefunded},
	ChargeStatusPartiallyRefunded: {ChargeStatusRefunded},
}

func CanChargeTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidChargeTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Charge 扣款记录表
// 一行代表一次扣款尝试。重试不复用原记录，而是新建一行并通过
// ParentChargeID 关联，保证每次尝试都有可审计的独立记录
type Charge struct {
	ID                int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	AuthorizationID   int64             `gorm:"index;not null" json:"authorization_id"`                  // 所属授权（本地ID）
	ParentChargeID    *int64            `gorm:"index" json:"parent_charge_id"`                           // 重试来源记录
	TransactionID     *string           `gorm:"type:varchar(64);uniqueIndex" json:"transaction_id"`      // SIBS 交易ID（网关应答后回填）
	Amount            decimal.Decimal   `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency          string            `gorm:"type:varchar(3);not null;default:EUR" json:"currency"`
	Status            string            `gorm:"type:varchar(20);index;not null" json:"status"`
	ChargeDate        time.Time         `gorm:"not null;index" json:"charge_date"`
	Description       string            `gorm:"type:varchar(200);not null" json:"description"`
	MerchantReference string            `gorm:"type:varchar(64);index;not null" json:"merchant_reference"`
	ErrorMessage      *string           `gorm:"type:varchar(512)" json:"error_message"`
	RetryCount        int               `gorm:"not null;default:0" json:"retry_count"`
	LastRetryAt       *time.Time        `json:"last_retry_at"`
	RefundedAmount    decimal.Decimal   `gorm:"type:decimal(10,2);not null;default:0" json:"refunded_amount"` // 单调递增，不超过 Amount
	RefundedAt        *time.Time        `json:"refunded_at"`
	SibsResponse      datatypes.JSONMap `gorm:"type:json" json:"sibs_response"` // 网关原始应答快照
	CreatedAt         time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Charge) TableName() string {
	return "mbway_charge"
}

func (c *Charge) IsSuccessful() bool {
	return c.Status == ChargeStatusSuccess
}

func (c *Charge) IsFailed() bool {
	return c.Status == ChargeStatusFailed
}

func (c *Charge) IsPending() bool {
	return c.Status == ChargeStatusPending
}

// CanBeRefunded 成功或部分退款、且尚有可退余额
func (c *Charge) CanBeRefunded() bool {
	if c.Status != ChargeStatusSuccess && c.Status != ChargeStatusPartiallyRefunded {
		return false
	}
	return c.RefundedAmount.LessThan(c.Amount)
}

// RemainingRefundable 剩余可退金额
func (c *Charge) RemainingRefundable() decimal.Decimal {
	if !c.CanBeRefunded() {
		return decimal.Zero
	}
	return c.Amount.Sub(c.RefundedAmount)
}

// CanBeRetried 失败扣款是否可重试：
// 未超过最大重试次数，且距上次重试已过冷却期
// 所属授权是否仍然有效由调用方另行检查
func (c *Charge) CanBeRetried(maxRetries int, retryDelay time.Duration, now time.Time) bool {
	if !c.IsFailed() {
		return false
	}
	if c.RetryCount >= maxRetries {
		return false
	}
	if c.LastRetryAt != nil && now.Sub(*c.LastRetryAt) < retryDelay {
		return false
	}
	return true
}
