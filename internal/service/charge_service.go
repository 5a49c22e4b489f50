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
	"mbwayap/internal/infrastructure/lock"
	"mbwayap/internal/model"
	"mbwayap/internal/repository"
	"mbwayap/pkg/idgen"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 网关侧视为扣款成功/退款成功的状态集合
var (
	chargeSuccessStatuses = map[string]bool{"Success": true, "Authorized": true, "Captured": true}
	refundSuccessStatuses = map[string]bool{"Success": true, "Refunded": true}
)

// ChargeService 扣款与退款核心服务
//
// 【重要】并发防线分两层：redis 按授权维度的扣款锁挡住同实例/跨实例并发入口，
// 事务内 SELECT FOR UPDATE + 已成功金额求和保证额度判定的原子性
type ChargeService struct {
	db         *gorm.DB
	gw         gateway.API
	sink       events.Sink
	cfg        config.BusinessConfig
	locks      lock.Factory
	authRepo   *repository.AuthorizationRepository
	chargeRepo *repository.ChargeRepository
	txnRepo    *repository.TransactionRepository
	ledger     *AmountLedger
}

func NewChargeService(db *gorm.DB, gw gateway.API, sink events.Sink, locks lock.Factory, cfg config.BusinessConfig) *ChargeService {
	return &ChargeService{
		db:         db,
		gw:         gw,
		sink:       sink,
		cfg:        cfg,
		locks:      locks,
		authRepo:   repository.NewAuthorizationRepository(db),
		chargeRepo: repository.NewChargeRepository(db),
		txnRepo:    repository.NewTransactionRepository(db),
		ledger:     NewAmountLedger(db),
	}
}

type ProcessChargeRequest struct {
	AuthorizationID int64
	Amount          decimal.Decimal
	Description     string
	ParentChargeID  *int64 // 重试时指向原扣款
}

// ProcessCharge 对已生效授权发起一笔扣款
//
// 返回值约定：返回 (*Charge, nil) 表示本地流程完整走完，扣款结果看 charge.Status；
// 返回 (nil, err) 表示额度/状态校验不通过，或网关通信层面失败（此时扣款已落 FAILED）
func (s *ChargeService) ProcessCharge(ctx context.Context, req *ProcessChargeRequest) (*model.Charge, error) {
	if req.Amount.LessThanOrEqual(decimal.Zero) || req.Amount.Exponent() < -2 {
		return nil, ErrInvalidAmount
	}

	// 【关键点】按授权维度加锁，同一授权的并发扣款串行化
	chargeLock := s.locks.ChargeLock(req.AuthorizationID)
	if err := chargeLock.Lock(ctx, 100*time.Millisecond, 50); err != nil {
		return nil, fmt.Errorf("获取扣款锁失败: %w", err)
	}
	defer chargeLock.Unlock(ctx)

	var (
		auth   *model.Authorization
		charge *model.Charge
		record *model.TransactionRecord
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		// 锁授权行，额度判定期间不允许并发写
		auth, err = s.authRepo.GetByIDForUpdate(ctx, tx, req.AuthorizationID)
		if err != nil {
			return err
		}

		if err := s.ledger.CanCharge(ctx, tx, auth, req.Amount, time.Now()); err != nil {
			return err
		}

		description := req.Description
		if description == "" {
			description = auth.Description
		}

		charge = &model.Charge{
			AuthorizationID:   auth.ID,
			ParentChargeID:    req.ParentChargeID,
			Amount:            req.Amount,
			Currency:          auth.Currency,
			Status:            model.ChargeStatusPending,
			ChargeDate:        time.Now(),
			Description:       description,
			MerchantReference: idgen.GenerateChargeReference(auth.ID),
			RefundedAmount:    decimal.Zero,
		}
		if err := s.chargeRepo.Create(ctx, tx, charge); err != nil {
			return fmt.Errorf("创建扣款记录失败: %w", err)
		}

		record = &model.TransactionRecord{
			TransactionID:         idgen.GenerateTempTransactionID(),
			MerchantTransactionID: &charge.MerchantReference,
			Type:                  model.TransactionTypeCharge,
			OwnerType:             model.OwnerTypeCharge,
			OwnerID:               charge.ID,
			Amount:                req.Amount,
			Currency:              auth.Currency,
			Status:                model.TransactionStatusPending,
			RequestData: datatypes.JSONMap{
				"authorizationId": auth.ID,
				"amount":          req.Amount.StringFixed(2),
			},
			RequestedAt: time.Now(),
		}
		return s.txnRepo.Create(ctx, tx, record)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[ChargeService] 发起扣款: chargeID=%d, authID=%d, amount=%s",
		charge.ID, auth.ID, req.Amount.StringFixed(2))

	// 网关调用放在事务外，避免外部IO拉长锁持有时间
	resp, err := s.gw.Charge(ctx, *auth.AuthorizationID, gateway.ChargeRequest{
		MerchantTransactionID: charge.MerchantReference,
		Amount:                req.Amount.StringFixed(2),
		Currency:              auth.Currency,
		Description:           charge.Description,
	})
	if err != nil {
		// 通信失败：扣款落 FAILED，等重试扫描接手
		if settleErr := s.settleFailure(ctx, charge, record.ID, "", err.Error(), nil); settleErr != nil {
			log.Printf("[ChargeService] 落失败状态失败: chargeID=%d, err=%v", charge.ID, settleErr)
		}
		return nil, fmt.Errorf("网关扣款失败: %w", err)
	}

	transactionID := gateway.StringField(resp, "transactionID")
	paymentStatus := gateway.StringField(resp, "paymentStatus")
	if paymentStatus == "" {
		paymentStatus = gateway.StringField(resp, "status")
	}

	if chargeSuccessStatuses[paymentStatus] {
		if err := s.settleSuccess(ctx, charge, record.ID, transactionID, datatypes.JSONMap(resp)); err != nil {
			return nil, err
		}
	} else {
		message := gateway.ReturnMessage(resp)
		if message == "" {
			message = fmt.Sprintf("网关返回状态: %s", paymentStatus)
		}
		if err := s.settleFailure(ctx, charge, record.ID, transactionID, message, datatypes.JSONMap(resp)); err != nil {
			return nil, err
		}
	}

	return charge, nil
}

// Settle 终结一笔扣款（同步应答、回调、轮询共用的唯一落账入口）
//
// 幂等规则：先到的终态答案生效。同向重放为空操作，反向答案返回 ConflictError，
// 已退款的扣款按成功侧对待
func (s *ChargeService) Settle(ctx context.Context, charge *model.Charge, gatewayTxID, gatewayStatus string, raw map[string]interface{}) error {
	success := chargeSuccessStatuses[gatewayStatus]

	if !charge.IsPending() {
		settledSuccess := charge.Status != model.ChargeStatusFailed
		if settledSuccess == success {
			return nil
		}
		return &ConflictError{
			Entity:  fmt.Sprintf("charge:%d", charge.ID),
			Message: fmt.Sprintf("扣款已落 %s 后收到相反答案: %s", charge.Status, gatewayStatus),
		}
	}

	if success {
		return s.settleSuccess(ctx, charge, 0, gatewayTxID, datatypes.JSONMap(raw))
	}
	message := gateway.ReturnMessage(raw)
	if message == "" {
		message = fmt.Sprintf("网关返回状态: %s", gatewayStatus)
	}
	return s.settleFailure(ctx, charge, 0, gatewayTxID, message, datatypes.JSONMap(raw))
}

func (s *ChargeService) settleSuccess(ctx context.Context, charge *model.Charge, recordID int64, transactionID string, response datatypes.JSONMap) error {
	err := s.chargeRepo.SettleSuccess(ctx, nil, charge.ID, transactionID, response)
	if err != nil {
		if errors.Is(err, repository.ErrChargeStatusInvalid) {
			return s.resettleAfterRace(ctx, charge, transactionID, true)
		}
		return err
	}

	charge.Status = model.ChargeStatusSuccess
	if transactionID != "" {
		charge.TransactionID = &transactionID
	}
	charge.SibsResponse = response

	if recordID != 0 {
		if transactionID != "" {
			if err := s.txnRepo.UpdateTransactionID(ctx, recordID, transactionID); err != nil {
				log.Printf("[ChargeService] 回填交易ID失败: recordID=%d, err=%v", recordID, err)
			}
		}
		if err := s.txnRepo.MarkSuccess(ctx, recordID, response,
			gateway.ReturnCode(response), gateway.ReturnMessage(response)); err != nil {
			log.Printf("[ChargeService] 更新流水状态失败: recordID=%d, err=%v", recordID, err)
		}
	}

	if err := s.sink.Publish(ctx, nil, events.ChargeSettled{
		ChargeID:        charge.ID,
		AuthorizationID: charge.AuthorizationID,
		TransactionID:   transactionID,
		Amount:          charge.Amount.StringFixed(2),
		Currency:        charge.Currency,
	}); err != nil {
		log.Printf("[ChargeService] 发布事件失败: chargeID=%d, err=%v", charge.ID, err)
	}

	log.Printf("[ChargeService] 扣款成功: chargeID=%d, transactionID=%s, amount=%s",
		charge.ID, transactionID, charge.Amount.StringFixed(2))
	return nil
}

func (s *ChargeService) settleFailure(ctx context.Context, charge *model.Charge, recordID int64, transactionID, errorMessage string, response datatypes.JSONMap) error {
	err := s.chargeRepo.SettleFailed(ctx, nil, charge.ID, transactionID, errorMessage, response)
	if err != nil {
		if errors.Is(err, repository.ErrChargeStatusInvalid) {
			return s.resettleAfterRace(ctx, charge, transactionID, false)
		}
		return err
	}

	charge.Status = model.ChargeStatusFailed
	charge.ErrorMessage = &errorMessage
	if transactionID != "" {
		charge.TransactionID = &transactionID
	}

	if recordID != 0 {
		if err := s.txnRepo.MarkFailed(ctx, recordID, response,
			gateway.ReturnCode(response), errorMessage); err != nil {
			log.Printf("[ChargeService] 更新流水状态失败: recordID=%d, err=%v", recordID, err)
		}
	}

	if err := s.sink.Publish(ctx, nil, events.ChargeFailed{
		ChargeID:        charge.ID,
		AuthorizationID: charge.AuthorizationID,
		Amount:          charge.Amount.StringFixed(2),
		ErrorMessage:    errorMessage,
		RetryCount:      charge.RetryCount,
	}); err != nil {
		log.Printf("[ChargeService] 发布事件失败: chargeID=%d, err=%v", charge.ID, err)
	}

	log.Printf("[ChargeService] 扣款失败: chargeID=%d, reason=%s", charge.ID, errorMessage)
	return nil
}

// resettleAfterRace CAS 输给并发写者后重读，按先到终态幂等规则重新判定
func (s *ChargeService) resettleAfterRace(ctx context.Context, charge *model.Charge, gatewayTxID string, success bool) error {
	fresh, err := s.chargeRepo.GetByID(ctx, charge.ID)
	if err != nil {
		return err
	}
	*charge = *fresh

	settledSuccess := charge.Status != model.ChargeStatusFailed && !charge.IsPending()
	if charge.IsPending() {
		// 理论上不可能：CAS 失败但状态还是 PENDING
		return repository.ErrChargeStatusInvalid
	}
	if settledSuccess == success {
		return nil
	}
	return &ConflictError{
		Entity:  fmt.Sprintf("charge:%d", charge.ID),
		Message: fmt.Sprintf("扣款已落 %s 后收到相反答案 (transactionID=%s)", charge.Status, gatewayTxID),
	}
}

// Refund 对成功扣款发起（部分）退款，amount 为空时退剩余全额
//
// 退款金额单调性由 AddRefund 的乐观 CAS 保证，并发退款输家拿到 ErrRefundRaced
func (s *ChargeService) Refund(ctx context.Context, chargeID int64, amount *decimal.Decimal) (*model.Charge, error) {
	refundLock := s.locks.RefundLock(chargeID)
	if err := refundLock.Lock(ctx, 100*time.Millisecond, 50); err != nil {
		return nil, fmt.Errorf("获取退款锁失败: %w", err)
	}
	defer refundLock.Unlock(ctx)

	charge, err := s.chargeRepo.GetByID(ctx, chargeID)
	if err != nil {
		return nil, err
	}

	if !charge.CanBeRefunded() {
		return nil, ErrNotRefundable
	}

	remaining := charge.RemainingRefundable()
	refundAmount := remaining
	if amount != nil {
		refundAmount = *amount
	}
	if refundAmount.LessThanOrEqual(decimal.Zero) || refundAmount.Exponent() < -2 || refundAmount.GreaterThan(remaining) {
		return nil, ErrInvalidRefundAmount
	}

	record := &model.TransactionRecord{
		TransactionID: idgen.GenerateTempTransactionID(),
		Type:          model.TransactionTypeRefund,
		OwnerType:     model.OwnerTypeCharge,
		OwnerID:       charge.ID,
		Amount:        refundAmount,
		Currency:      charge.Currency,
		Status:        model.TransactionStatusPending,
		RequestData: datatypes.JSONMap{
			"chargeId": charge.ID,
			"amount":   refundAmount.StringFixed(2),
		},
		RequestedAt: time.Now(),
	}
	if err := s.txnRepo.Create(ctx, nil, record); err != nil {
		return nil, fmt.Errorf("创建流水失败: %w", err)
	}

	resp, err := s.gw.Refund(ctx, *charge.TransactionID, gateway.RefundRequest{
		Amount:   refundAmount.StringFixed(2),
		Currency: charge.Currency,
	})
	if err != nil {
		s.failRefundTxn(ctx, record.ID, err.Error(), nil)
		return nil, fmt.Errorf("网关退款失败: %w", err)
	}

	status := gateway.StringField(resp, "paymentStatus")
	if status == "" {
		status = gateway.StringField(resp, "status")
	}
	if !refundSuccessStatuses[status] {
		message := gateway.ReturnMessage(resp)
		if message == "" {
			message = fmt.Sprintf("网关返回状态: %s", status)
		}
		s.failRefundTxn(ctx, record.ID, message, datatypes.JSONMap(resp))
		return nil, fmt.Errorf("%w: %s", ErrRefundFailed, message)
	}

	toStatus := model.ChargeStatusPartiallyRefunded
	if charge.RefundedAmount.Add(refundAmount).Equal(charge.Amount) {
		toStatus = model.ChargeStatusRefunded
	}
	refundedAt := time.Now()
	if err := s.chargeRepo.AddRefund(ctx, nil, charge, refundAmount, toStatus, refundedAt); err != nil {
		// 网关已经退了钱但本地CAS输了，留给人工对账
		log.Printf("[ChargeService]【重要】退款已在网关成功但本地落账冲突: chargeID=%d, amount=%s, err=%v",
			charge.ID, refundAmount.StringFixed(2), err)
		return nil, err
	}
	charge.RefundedAmount = charge.RefundedAmount.Add(refundAmount)
	charge.RefundedAt = &refundedAt
	charge.Status = toStatus

	if err := s.txnRepo.MarkSuccess(ctx, record.ID, datatypes.JSONMap(resp),
		gateway.ReturnCode(resp), gateway.ReturnMessage(resp)); err != nil {
		log.Printf("[ChargeService] 更新流水状态失败: recordID=%d, err=%v", record.ID, err)
	}

	if err := s.sink.Publish(ctx, nil, events.ChargeRefunded{
		ChargeID:       charge.ID,
		RefundAmount:   refundAmount.StringFixed(2),
		RefundedAmount: charge.RefundedAmount.StringFixed(2),
		Status:         charge.Status,
	}); err != nil {
		log.Printf("[ChargeService] 发布事件失败: chargeID=%d, err=%v", charge.ID, err)
	}

	log.Printf("[ChargeService] 退款成功: chargeID=%d, amount=%s, status=%s",
		charge.ID, refundAmount.StringFixed(2), charge.Status)
	return charge, nil
}

func (s *ChargeService) failRefundTxn(ctx context.Context, recordID int64, message string, response datatypes.JSONMap) {
	if err := s.txnRepo.MarkFailed(ctx, recordID, response, "", message); err != nil {
		log.Printf("[ChargeService] 标记流水失败状态失败: recordID=%d, err=%v", recordID, err)
	}
}

// RetryCharge 重试失败扣款：原记录只累加重试计数，新一次尝试是独立的扣款行
func (s *ChargeService) RetryCharge(ctx context.Context, charge *model.Charge) (*model.Charge, error) {
	now := time.Now()
	retryDelay := time.Duration(s.cfg.RetryDelayMinutes) * time.Minute
	if !charge.CanBeRetried(s.cfg.RetryAttempts, retryDelay, now) {
		return nil, &InvalidStateError{
			Entity:  fmt.Sprintf("charge:%d", charge.ID),
			Current: charge.Status,
			Action:  "retry",
		}
	}

	auth, err := s.authRepo.GetByID(ctx, charge.AuthorizationID)
	if err != nil {
		return nil, err
	}
	if !auth.IsActive(now) {
		return nil, ErrAuthorizationNotActive
	}

	if err := s.chargeRepo.RecordRetryAttempt(ctx, charge.ID, now); err != nil {
		return nil, err
	}
	charge.RetryCount++
	charge.LastRetryAt = &now

	log.Printf("[ChargeService] 重试扣款: 原chargeID=%d, 第%d次", charge.ID, charge.RetryCount)

	parentID := charge.ID
	return s.ProcessCharge(ctx, &ProcessChargeRequest{
		AuthorizationID: charge.AuthorizationID,
		Amount:          charge.Amount,
		Description:     charge.Description + " (Retry)",
		ParentChargeID:  &parentID,
	})
}

// GetChargeStatus 主动向网关查询扣款状态，待定扣款借查询结果落账
func (s *ChargeService) GetChargeStatus(ctx context.Context, chargeID int64) (map[string]interface{}, error) {
	charge, err := s.chargeRepo.GetByID(ctx, chargeID)
	if err != nil {
		return nil, err
	}

	if charge.TransactionID == nil {
		return map[string]interface{}{
			"status":       "pending",
			"local_status": charge.Status,
		}, nil
	}

	resp, err := s.gw.GetStatus(ctx, *charge.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("查询扣款状态失败: %w", err)
	}

	if charge.IsPending() {
		status := gateway.StringField(resp, "paymentStatus")
		if status == "" {
			status = gateway.StringField(resp, "status")
		}
		if status != "" && status != "Processing" && status != "Pending" {
			if err := s.Settle(ctx, charge, *charge.TransactionID, status, resp); err != nil {
				log.Printf("[ChargeService] 轮询落账失败: chargeID=%d, err=%v", charge.ID, err)
			}
		}
	}

	return resp, nil
}

// GetCharge 按本地ID查询
func (s *ChargeService) GetCharge(ctx context.Context, id int64) (*model.Charge, error) {
	return s.chargeRepo.GetByID(ctx, id)
}

// ListCharges 分页查询某授权下的扣款
func (s *ChargeService) ListCharges(ctx context.Context, authorizationID int64, page, pageSize int) ([]*model.Charge, int64, error) {
	return s.chargeRepo.ListByAuthorization(ctx, authorizationID, page, pageSize)
}
