package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	AuthorizationStatusPending   = "PENDING"
	AuthorizationStatusActive    = "ACTIVE"
	AuthorizationStatusExpired   = "EXPIRED"
	AuthorizationStatusCancelled = "CANCELLED"
)

// ValidAuthorizationTransitions 授权状态机
// EXPIRED / CANCELLED 为终态，进入后不再变更
var ValidAuthorizationTransitions = map[string][]string{
	AuthorizationStatusPending: {AuthorizationStatusActive, AuthorizationStatusCancelled},
	AuthorizationStatusActive:  {AuthorizationStatusExpired, AuthorizationStatusCancelled},
}

func CanAuthorizationTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidAuthorizationTransitions[currentStatus]
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

// Authorization 预授权表
// 客户授予商户在有效期内、总额上限以下自动扣款的许可
//
// 【重要】金额不变式：该授权下所有成功扣款金额之和不得超过 MaxAmount
// 校验必须在扣款事务内锁行完成，见 ChargeService.ProcessCharge
type Authorization struct {
	ID                int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	AuthorizationID   *string           `gorm:"type:varchar(64);uniqueIndex" json:"authorization_id"`          // SIBS 授权ID（审批通过后回填）
	CustomerPhone     string            `gorm:"type:varchar(16);index;not null" json:"customer_phone"`         // 351XXXXXXXXX
	CustomerEmail     string            `gorm:"type:varchar(320);not null" json:"customer_email"`
	MaxAmount         decimal.Decimal   `gorm:"type:decimal(10,2);not null" json:"max_amount"`                 // 授权总额上限
	Currency          string            `gorm:"type:varchar(3);not null;default:EUR" json:"currency"`
	ValidityDate      time.Time         `gorm:"not null;index" json:"validity_date"`                           // 授权有效期
	Status            string            `gorm:"type:varchar(20);index;not null" json:"status"`
	Description       string            `gorm:"type:varchar(200);not null" json:"description"`
	MerchantReference *string           `gorm:"type:varchar(50);uniqueIndex" json:"merchant_reference"`        // 商户侧幂等键，用于回调关联
	Metadata          datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt         time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Authorization) TableName() string {
	return "mbway_authorization"
}

// IsActive 授权是否可用（状态为 ACTIVE 且未过有效期）
func (a *Authorization) IsActive(now time.Time) bool {
	return a.Status == AuthorizationStatusActive && a.ValidityDate.After(now)
}

// IsExpired 是否已过有效期（与状态无关，仅看时间）
func (a *Authorization) IsExpired(now time.Time) bool {
	return !a.ValidityDate.After(now)
}

// IsTerminal 是否已进入终态
func (a *Authorization) IsTerminal() bool {
	return a.Status == AuthorizationStatusExpired || a.Status == AuthorizationStatusCancelled
}

// MaskedPhone 日志用手机号脱敏：保留前6位和后2位
func (a *Authorization) MaskedPhone() string {
	return MaskPhone(a.CustomerPhone)
}

func MaskPhone(phone string) string {
	if len(phone) > 8 {
		return phone[:6] + "***" + phone[len(phone)-2:]
	}
	return phone
}
