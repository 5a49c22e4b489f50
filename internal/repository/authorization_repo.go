package repository

import (
	"context"
	"errors"
	"time"

	"mbwayap/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAuthorizationNotFound      = errors.New("授权不存在")
	ErrAuthorizationStatusInvalid = errors.New("授权状态不合法")
	ErrDuplicateMerchantReference = errors.New("商户引用重复")
)

type AuthorizationRepository struct {
	db *gorm.DB
}

func NewAuthorizationRepository(db *gorm.DB) *AuthorizationRepository {
	return &AuthorizationRepository{db: db}
}

func (r *AuthorizationRepository) Create(ctx context.Context, tx *gorm.DB, auth *model.Authorization) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(auth).Error
}

func (r *AuthorizationRepository) GetByID(ctx context.Context, id int64) (*model.Authorization, error) {
	var auth model.Authorization
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&auth).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthorizationNotFound
		}
		return nil, err
	}
	return &auth, nil
}

// GetByIDForUpdate 锁行读取，用于扣款事务内的额度校验
// 两个并发扣款会在这里串行化，保证额度检查与扣款提交的原子性
func (r *AuthorizationRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Authorization, error) {
	var auth model.Authorization
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&auth).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuthorizationNotFound
		}
		return nil, err
	}
	return &auth, nil
}

// GetByGatewayID 按 SIBS 授权ID查找，未找到返回 nil
func (r *AuthorizationRepository) GetByGatewayID(ctx context.Context, gatewayAuthID string) (*model.Authorization, error) {
	var auth model.Authorization
	err := r.db.WithContext(ctx).Where("authorization_id = ?", gatewayAuthID).First(&auth).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &auth, nil
}

// GetByMerchantReference 按商户引用查找，未找到返回 nil
func (r *AuthorizationRepository) GetByMerchantReference(ctx context.Context, reference string) (*model.Authorization, error) {
	var auth model.Authorization
	err := r.db.WithContext(ctx).Where("merchant_reference = ?", reference).First(&auth).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &auth, nil
}

// UpdateStatus 状态迁移（带前置状态校验的 CAS 更新）
// WHERE status = fromStatus 保证并发下只有一个写者能赢，
// 输家 RowsAffected = 0，返回 ErrAuthorizationStatusInvalid
func (r *AuthorizationRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string) error {
	if !model.CanAuthorizationTransitionTo(fromStatus, toStatus) {
		return ErrAuthorizationStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Authorization{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Update("status", toStatus)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAuthorizationStatusInvalid
	}

	return nil
}

// Approve 审批通过：PENDING -> ACTIVE，同时回填网关授权ID
func (r *AuthorizationRepository) Approve(ctx context.Context, tx *gorm.DB, id int64, gatewayAuthID string) error {
	if tx == nil {
		tx = r.db
	}

	result := tx.WithContext(ctx).
		Model(&model.Authorization{}).
		Where("id = ? AND status = ?", id, model.AuthorizationStatusPending).
		Updates(map[string]interface{}{
			"status":           model.AuthorizationStatusActive,
			"authorization_id": gatewayAuthID,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAuthorizationStatusInvalid
	}

	return nil
}

// ListActiveFilter 可用授权查询条件
type ListActiveFilter struct {
	CustomerPhone     string
	MerchantReference string
	ExpiresBefore     *time.Time
}

// ListActive 查询可用授权（ACTIVE 且未过有效期）
func (r *AuthorizationRepository) ListActive(ctx context.Context, filter ListActiveFilter, limit int) ([]*model.Authorization, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND validity_date > ?", model.AuthorizationStatusActive, time.Now())

	if filter.CustomerPhone != "" {
		query = query.Where("customer_phone = ?", filter.CustomerPhone)
	}
	if filter.MerchantReference != "" {
		query = query.Where("merchant_reference = ?", filter.MerchantReference)
	}
	if filter.ExpiresBefore != nil {
		query = query.Where("validity_date < ?", *filter.ExpiresBefore)
	}

	var auths []*model.Authorization
	err := query.Order("created_at DESC").Limit(limit).Find(&auths).Error
	return auths, err
}

// ListActiveExpiredBefore 查询已过有效期但状态仍是 ACTIVE 的授权（过期扫描用）
func (r *AuthorizationRepository) ListActiveExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Authorization, error) {
	var auths []*model.Authorization
	err := r.db.WithContext(ctx).
		Where("status = ? AND validity_date < ?", model.AuthorizationStatusActive, cutoff).
		Limit(limit).
		Find(&auths).Error
	return auths, err
}

// ListExpiringBetween 查询即将到期的授权（提醒用）
func (r *AuthorizationRepository) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*model.Authorization, error) {
	var auths []*model.Authorization
	err := r.db.WithContext(ctx).
		Where("status = ? AND validity_date BETWEEN ? AND ?", model.AuthorizationStatusActive, from, to).
		Order("validity_date ASC").
		Find(&auths).Error
	return auths, err
}
