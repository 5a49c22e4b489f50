package service

import (
	"errors"
	"fmt"
)

// ============================================================================
// 领域错误
// ============================================================================
//
// 约定：
// - 校验/领域前置条件错误直接返回调用方，核心不做自动重试
// - 冲突（并发竞争、回调与同步应答打架）返回 *ConflictError，供运维感知
// - 网关瞬时错误不在请求内重试，交给重试扫描任务（见 job.RetrySweeper）

var (
	ErrAuthorizationNotActive = errors.New("授权不是可用状态")
	ErrAuthorizationExpired   = errors.New("授权已过有效期")
	ErrAmountExceedsLimit     = errors.New("扣款金额超出授权剩余额度")
	ErrInvalidAmount          = errors.New("金额必须大于 0")
	ErrNotRefundable          = errors.New("该笔扣款不可退款")
	ErrInvalidRefundAmount    = errors.New("退款金额非法")
	ErrRefundFailed           = errors.New("网关拒绝退款")
	ErrUnknownEvent           = errors.New("无法识别的回调事件")
)

// ConflictError 并发冲突：第二个互相矛盾的终态应答、或重复审批携带了不同的网关ID
type ConflictError struct {
	Entity  string
	Message string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("状态冲突 [%s]: %s", e.Entity, e.Message)
}

// InvalidStateError 非法状态迁移（如取消一个 PENDING 的授权）
type InvalidStateError struct {
	Entity  string
	Current string
	Action  string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("非法状态操作 [%s]: 当前状态 %s 不允许 %s", e.Entity, e.Current, e.Action)
}
