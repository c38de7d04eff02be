package repository

import (
	"journey_backend/internal/model"

	"gorm.io/gorm"
)

type PromptLogRepository struct {
	DB *gorm.DB
}

func NewPromptLogRepository(db *gorm.DB) *PromptLogRepository {
	return &PromptLogRepository{DB: db}
}

func (r *PromptLogRepository) Create(entry *model.JourneyPromptLog) error {
	return r.DB.Create(entry).Error
}

func (r *PromptLogRepository) ListByAttempt(attemptID uint) ([]model.JourneyPromptLog, error) {
	var logs []model.JourneyPromptLog
	err := r.DB.Where("journey_attempt_id = ?", attemptID).Order("id ASC").Find(&logs).Error
	return logs, err
}
