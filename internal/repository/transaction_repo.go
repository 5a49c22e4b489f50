package repository

import (
	"context"
	"errors"
	"time"

	"mbwayap/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, record *model.TransactionRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(record).Error
}

// UpdateTransactionID 收到网关应答后用真实交易ID替换临时占位值
func (r *TransactionRepository) UpdateTransactionID(ctx context.Context, id int64, sibsTransactionID string) error {
	return r.db.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where("id = ?", id).
		Update("transaction_id", sibsTransactionID).Error
}

// MarkSuccess 终态只写一次：仅 PENDING 状态的流水允许落终态
func (r *TransactionRepository) MarkSuccess(ctx context.Context, id int64, response datatypes.JSONMap, returnCode, returnMessage string) error {
	return r.markCompleted(ctx, id, model.TransactionStatusSuccess, response, returnCode, returnMessage)
}

func (r *TransactionRepository) MarkFailed(ctx context.Context, id int64, response datatypes.JSONMap, returnCode, returnMessage string) error {
	return r.markCompleted(ctx, id, model.TransactionStatusFailed, response, returnCode, returnMessage)
}

func (r *TransactionRepository) MarkCancelled(ctx context.Context, id int64) error {
	return r.markCompleted(ctx, id, model.TransactionStatusCancelled, nil, "", "")
}

func (r *TransactionRepository) markCompleted(ctx context.Context, id int64, status string, response datatypes.JSONMap, returnCode, returnMessage string) error {
	updates := map[string]interface{}{
		"status":       status,
		"completed_at": time.Now(),
	}
	if response != nil {
		updates["response_data"] = response
	}
	if returnCode != "" {
		updates["return_code"] = returnCode
	}
	if returnMessage != "" {
		updates["return_message"] = returnMessage
	}

	result := r.db.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where("id = ? AND status = ?", id, model.TransactionStatusPending).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// 流水已有终态，按幂等处理
		return nil
	}
	return nil
}

// GetByMerchantTransactionID 回调兜底关联：
// 回调早于同步应答落库时，本地还没有网关ID，只能按商户引用反查归属实体
func (r *TransactionRepository) GetByMerchantTransactionID(ctx context.Context, merchantTransactionID string) (*model.TransactionRecord, error) {
	var record model.TransactionRecord
	err := r.db.WithContext(ctx).
		Where("merchant_transaction_id = ?", merchantTransactionID).
		Order("created_at DESC").
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// ListByOwner 查询实体的全部网关流水
func (r *TransactionRepository) ListByOwner(ctx context.Context, ownerType string, ownerID int64) ([]*model.TransactionRecord, error) {
	var records []*model.TransactionRecord
	err := r.db.WithContext(ctx).
		Where("owner_type = ? AND owner_id = ?", ownerType, ownerID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}
