package repository

import (
	"journey_backend/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AttemptRepository struct {
	DB *gorm.DB
}

func NewAttemptRepository(db *gorm.DB) *AttemptRepository {
	return &AttemptRepository{DB: db}
}

func (r *AttemptRepository) WithTx(tx *gorm.DB) *AttemptRepository {
	return &AttemptRepository{DB: tx}
}

func (r *AttemptRepository) Create(attempt *model.JourneyAttempt) error {
	return r.DB.Create(attempt).Error
}

func (r *AttemptRepository) FindByID(id uint) (*model.JourneyAttempt, error) {
	var a model.JourneyAttempt
	if err := r.DB.First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// FindByIDForUpdate 行锁读取，只能在事务内使用
func (r *AttemptRepository) FindByIDForUpdate(id uint) (*model.JourneyAttempt, error) {
	var a model.JourneyAttempt
	err := r.DB.Clauses(clause.Locking{Strength: "UPDATE"}).First(&a, id).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AttemptRepository) FindActiveByUser(userID uint) (*model.JourneyAttempt, error) {
	var attempts []model.JourneyAttempt
	err := r.DB.Where("user_id = ? AND status = ? AND journey_type = ?", userID, model.AttemptStatusInProgress, model.AttemptTypeAttempt).
		Order("id DESC").
		Limit(1).
		Find(&attempts).Error
	if err != nil || len(attempts) == 0 {
		return nil, err
	}
	return &attempts[0], nil
}

// UpdateVersioned writes fields only if the row still carries attempt.Version and
// bumps the version. It returns false when another writer got there first.
func (r *AttemptRepository) UpdateVersioned(attempt *model.JourneyAttempt, fields map[string]interface{}) (bool, error) {
	fields["version"] = gorm.Expr("version + 1")
	res := r.DB.Model(&model.JourneyAttempt{}).
		Where("id = ? AND version = ?", attempt.ID, attempt.Version).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	attempt.Version++
	return true, nil
}

// SetReportIfEmpty 报告只写一次
func (r *AttemptRepository) SetReportIfEmpty(id uint, report string) (bool, error) {
	res := r.DB.Model(&model.JourneyAttempt{}).
		Where("id = ? AND (report = '' OR report IS NULL)", id).
		Update("report", report)
	return res.RowsAffected > 0, res.Error
}

// CompletedJourneyIDs returns the distinct journeys among journeyIDs that the user
// has completed outside preview mode.
func (r *AttemptRepository) CompletedJourneyIDs(userID uint, journeyIDs []uint) ([]uint, error) {
	var ids []uint
	if len(journeyIDs) == 0 {
		return ids, nil
	}
	err := r.DB.Model(&model.JourneyAttempt{}).
		Where("user_id = ? AND journey_id IN ? AND status = ? AND journey_type <> ?",
			userID, journeyIDs, model.AttemptStatusCompleted, model.AttemptTypePreview).
		Distinct().
		Pluck("journey_id", &ids).Error
	return ids, err
}

// LastFinishedForJourney 用户在指定旅程上最近一次已结束的尝试
func (r *AttemptRepository) LastFinishedForJourney(userID, journeyID uint) (*model.JourneyAttempt, error) {
	var attempts []model.JourneyAttempt
	err := r.DB.Where("user_id = ? AND journey_id = ? AND status IN ?", userID, journeyID,
		[]string{model.AttemptStatusAwaitingFeedback, model.AttemptStatusCompleted}).
		Order("id DESC").
		Limit(1).
		Find(&attempts).Error
	if err != nil || len(attempts) == 0 {
		return nil, err
	}
	return &attempts[0], nil
}

// LastCompletedExcept returns the user's latest completed attempt on a journey other
// than journeyID, with the journey preloaded.
func (r *AttemptRepository) LastCompletedExcept(userID, journeyID uint) (*model.JourneyAttempt, error) {
	var attempts []model.JourneyAttempt
	err := r.DB.Preload("Journey").
		Where("user_id = ? AND journey_id <> ? AND status = ?", userID, journeyID, model.AttemptStatusCompleted).
		Order("completed_at DESC, id DESC").
		Limit(1).
		Find(&attempts).Error
	if err != nil || len(attempts) == 0 {
		return nil, err
	}
	return &attempts[0], nil
}

// LastCountedForJourney 最近一次计入证书的尝试（非预览、已结束）
func (r *AttemptRepository) LastCountedForJourney(userID, journeyID uint) (*model.JourneyAttempt, error) {
	var attempts []model.JourneyAttempt
	err := r.DB.Where("user_id = ? AND journey_id = ? AND status IN ? AND journey_type <> ?", userID, journeyID,
		[]string{model.AttemptStatusAwaitingFeedback, model.AttemptStatusCompleted}, model.AttemptTypePreview).
		Order("completed_at DESC, id DESC").
		Limit(1).
		Find(&attempts).Error
	if err != nil || len(attempts) == 0 {
		return nil, err
	}
	return &attempts[0], nil
}
