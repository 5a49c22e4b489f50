package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ============================================================================
// 领域事件
// ============================================================================
//
// 状态机和对账引擎只负责产生类型化事件并交给 Sink，
// 下游怎么消费（计费、通知、分析）是 Sink 的事，核心不关心。
// 默认实现走发件箱：事件与业务变更同事务落库，由后台任务投递 Kafka

// Event 领域事件
type Event interface {
	EventName() string
	MessageKey() string
}

// Sink 事件出口，由装配方注入
// tx 不为 nil 时事件必须与业务变更在同一事务内持久化
type Sink interface {
	Publish(ctx context.Context, tx *gorm.DB, event Event) error
}

type AuthorizationCreated struct {
	AuthorizationID   int64     `json:"authorization_id"`
	CustomerPhone     string    `json:"customer_phone"`
	MaxAmount         string    `json:"max_amount"`
	Currency          string    `json:"currency"`
	ValidityDate      time.Time `json:"validity_date"`
	MerchantReference string    `json:"merchant_reference,omitempty"`
}

func (e AuthorizationCreated) EventName() string  { return "authorization.created" }
func (e AuthorizationCreated) MessageKey() string { return fmt.Sprintf("auth-%d", e.AuthorizationID) }

type AuthorizationActivated struct {
	AuthorizationID        int64  `json:"authorization_id"`
	GatewayAuthorizationID string `json:"gateway_authorization_id"`
}

func (e AuthorizationActivated) EventName() string  { return "authorization.activated" }
func (e AuthorizationActivated) MessageKey() string { return fmt.Sprintf("auth-%d", e.AuthorizationID) }

type AuthorizationExpired struct {
	AuthorizationID int64 `json:"authorization_id"`
}

func (e AuthorizationExpired) EventName() string  { return "authorization.expired" }
func (e AuthorizationExpired) MessageKey() string { return fmt.Sprintf("auth-%d", e.AuthorizationID) }

type AuthorizationCancelled struct {
	AuthorizationID int64 `json:"authorization_id"`
}

func (e AuthorizationCancelled) EventName() string  { return "authorization.cancelled" }
func (e AuthorizationCancelled) MessageKey() string { return fmt.Sprintf("auth-%d", e.AuthorizationID) }

type ChargeSettled struct {
	ChargeID        int64  `json:"charge_id"`
	AuthorizationID int64  `json:"authorization_id"`
	TransactionID   string `json:"transaction_id"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
}

func (e ChargeSettled) EventName() string  { return "charge.settled" }
func (e ChargeSettled) MessageKey() string { return fmt.Sprintf("charge-%d", e.ChargeID) }

type ChargeFailed struct {
	ChargeID        int64  `json:"charge_id"`
	AuthorizationID int64  `json:"authorization_id"`
	Amount          string `json:"amount"`
	ErrorMessage    string `json:"error_message"`
	RetryCount      int    `json:"retry_count"`
}

func (e ChargeFailed) EventName() string  { return "charge.failed" }
func (e ChargeFailed) MessageKey() string { return fmt.Sprintf("charge-%d", e.ChargeID) }

type ChargeRefunded struct {
	ChargeID       int64  `json:"charge_id"`
	RefundAmount   string `json:"refund_amount"`
	RefundedAmount string `json:"refunded_amount"`
	Status         string `json:"status"`
}

func (e ChargeRefunded) EventName() string  { return "charge.refunded" }
func (e ChargeRefunded) MessageKey() string { return fmt.Sprintf("charge-%d", e.ChargeID) }

// Envelope 事件在发件箱/消息队列里的序列化形态
type Envelope struct {
	Name       string          `json:"name"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Marshal 事件打包成信封 JSON
func Marshal(event Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("事件序列化失败: %w", err)
	}
	envelope, err := json.Marshal(Envelope{
		Name:       event.EventName(),
		OccurredAt: time.Now(),
		Data:       data,
	})
	if err != nil {
		return "", fmt.Errorf("事件信封序列化失败: %w", err)
	}
	return string(envelope), nil
}
