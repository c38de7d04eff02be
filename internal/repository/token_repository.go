package repository

import (
	"journey_backend/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TokenRepository struct {
	DB *gorm.DB
}

func NewTokenRepository(db *gorm.DB) *TokenRepository {
	return &TokenRepository{DB: db}
}

func (r *TokenRepository) WithTx(tx *gorm.DB) *TokenRepository {
	return &TokenRepository{DB: tx}
}

func (r *TokenRepository) activeGrants(userID uint, now time.Time) *gorm.DB {
	return r.DB.Model(&model.UserTokenGrant{}).
		Where("user_id = ? AND tokens_remaining > 0", userID).
		Where("expires_at IS NULL OR expires_at > ?", now)
}

// SumAvailable 当前可用余额（未过期的剩余额度之和）
func (r *TokenRepository) SumAvailable(userID uint, now time.Time) (int, error) {
	var total int64
	err := r.activeGrants(userID, now).
		Select("COALESCE(SUM(tokens_remaining), 0)").
		Scan(&total).Error
	return int(total), err
}

// LockSpendableGrants returns usable grants soonest-expiring first (never-expiring
// last), locked for update.
func (r *TokenRepository) LockSpendableGrants(userID uint, now time.Time) ([]model.UserTokenGrant, error) {
	var grants []model.UserTokenGrant
	err := r.activeGrants(userID, now).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Order("CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, id ASC").
		Find(&grants).Error
	return grants, err
}

func (r *TokenRepository) CreateGrant(grant *model.UserTokenGrant) error {
	return r.DB.Create(grant).Error
}

func (r *TokenRepository) SaveGrantUsage(grant *model.UserTokenGrant) error {
	return r.DB.Model(&model.UserTokenGrant{}).
		Where("id = ?", grant.ID).
		Updates(map[string]interface{}{
			"tokens_used":      grant.TokensUsed,
			"tokens_remaining": grant.TokensRemaining,
		}).Error
}

func (r *TokenRepository) CreateTransaction(tx *model.TokenTransaction) error {
	return r.DB.Create(tx).Error
}

func (r *TokenRepository) LinkTransactionsToAttempt(ids []uint, attemptID uint) error {
	if len(ids) == 0 {
		return nil
	}
	return r.DB.Model(&model.TokenTransaction{}).
		Where("id IN ?", ids).
		Update("journey_attempt_id", attemptID).Error
}

func (r *TokenRepository) ListTransactions(userID uint, limit int) ([]model.TokenTransaction, error) {
	var txs []model.TokenTransaction
	err := r.DB.Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&txs).Error
	return txs, err
}
