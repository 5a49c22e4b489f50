package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ============================================================================
// 网关交互流水
// ============================================================================

const (
	TransactionTypeAuthorizationRequest = "AUTHORIZATION_REQUEST" // 授权申请
	TransactionTypeCharge               = "CHARGE"                // 扣款
	TransactionTypeRefund               = "REFUND"                // 退款
	TransactionTypeCancellation         = "CANCELLATION"          // 撤销授权
)

const (
	TransactionStatusPending   = "PENDING"
	TransactionStatusSuccess   = "SUCCESS"
	TransactionStatusFailed    = "FAILED"
	TransactionStatusCancelled = "CANCELLED"
)

// 多态归属类型
const (
	OwnerTypeAuthorization = "AUTHORIZATION"
	OwnerTypeCharge        = "CHARGE"
)

// TransactionRecord 网关交互流水表
// 每次调用 SIBS（授权申请/扣款/退款/撤销）记录一行，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，终态只写一次 —— 保证审计可追溯
// 2. 重试不复用流水，每次尝试新建一行
// 3. 除回调兜底关联（按 merchant_transaction_id 反查归属）外，
//    业务决策不依赖流水表
type TransactionRecord struct {
	ID                    int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID         string            `gorm:"type:varchar(64);index;not null" json:"transaction_id"`   // SIBS 交易ID（收到前为临时值）
	MerchantTransactionID *string           `gorm:"type:varchar(64);index" json:"merchant_transaction_id"`   // 商户侧引用
	Type                  string            `gorm:"type:varchar(32);not null" json:"type"`
	OwnerType             string            `gorm:"type:varchar(20);index:idx_txn_owner;not null" json:"owner_type"`
	OwnerID               int64             `gorm:"index:idx_txn_owner;not null" json:"owner_id"`
	Amount                decimal.Decimal   `gorm:"type:decimal(10,2);not null" json:"amount"`
	Currency              string            `gorm:"type:varchar(3);not null;default:EUR" json:"currency"`
	Status                string            `gorm:"type:varchar(20);index;not null" json:"status"`
	RequestData           datatypes.JSONMap `gorm:"type:json" json:"request_data"`
	ResponseData          datatypes.JSONMap `gorm:"type:json" json:"response_data"`
	ReturnCode            *string           `gorm:"type:varchar(32)" json:"return_code"`
	ReturnMessage         *string           `gorm:"type:varchar(512)" json:"return_message"`
	RequestedAt           time.Time         `gorm:"not null" json:"requested_at"`
	CompletedAt           *time.Time        `json:"completed_at"`
	CreatedAt             time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt             time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (TransactionRecord) TableName() string {
	return "mbway_transaction"
}

func (t *TransactionRecord) IsPending() bool {
	return t.Status == TransactionStatusPending
}

// ProcessingDuration 请求到应答的耗时，未完成时返回 0
func (t *TransactionRecord) ProcessingDuration() time.Duration {
	if t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(t.RequestedAt)
}
