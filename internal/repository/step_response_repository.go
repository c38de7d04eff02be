package repository

import (
	"journey_backend/internal/model"

	"gorm.io/gorm"
)

// StepResponseRepository 对话流水，只追加；决策字段在同一事务内补写一次
type StepResponseRepository struct {
	DB *gorm.DB
}

func NewStepResponseRepository(db *gorm.DB) *StepResponseRepository {
	return &StepResponseRepository{DB: db}
}

func (r *StepResponseRepository) WithTx(tx *gorm.DB) *StepResponseRepository {
	return &StepResponseRepository{DB: tx}
}

func (r *StepResponseRepository) Create(resp *model.JourneyStepResponse) error {
	return r.DB.Create(resp).Error
}

func (r *StepResponseRepository) FindByID(id uint) (*model.JourneyStepResponse, error) {
	var resp model.JourneyStepResponse
	if err := r.DB.First(&resp, id).Error; err != nil {
		return nil, err
	}
	return &resp, nil
}

func (r *StepResponseRepository) FindBySubmissionKey(attemptID uint, key string) (*model.JourneyStepResponse, error) {
	var rows []model.JourneyStepResponse
	err := r.DB.Where("journey_attempt_id = ? AND submission_key = ?", attemptID, key).Limit(1).Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// CountUsedAttempts counts exchanges on the step that are not the journey opener.
// Rows whose action is not decided yet count as used.
func (r *StepResponseRepository) CountUsedAttempts(attemptID, stepID uint) (int64, error) {
	var count int64
	err := r.DB.Model(&model.JourneyStepResponse{}).
		Where("journey_attempt_id = ? AND journey_step_id = ?", attemptID, stepID).
		Where("step_action IS NULL OR step_action <> ?", model.StepActionStartJourney).
		Count(&count).Error
	return count, err
}

func (r *StepResponseRepository) CountByAction(attemptID, stepID uint, action string) (int64, error) {
	var count int64
	err := r.DB.Model(&model.JourneyStepResponse{}).
		Where("journey_attempt_id = ? AND journey_step_id = ? AND step_action = ?", attemptID, stepID, action).
		Count(&count).Error
	return count, err
}

// ListByAttempt 按提交顺序返回整段对话
func (r *StepResponseRepository) ListByAttempt(attemptID uint) ([]model.JourneyStepResponse, error) {
	var rows []model.JourneyStepResponse
	err := r.DB.Where("journey_attempt_id = ?", attemptID).
		Order("submitted_at ASC, id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *StepResponseRepository) LastByAttempt(attemptID uint) (*model.JourneyStepResponse, error) {
	var rows []model.JourneyStepResponse
	err := r.DB.Where("journey_attempt_id = ?", attemptID).
		Order("submitted_at DESC, id DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

func (r *StepResponseRepository) SaveDecision(id uint, rate int, action string, defaulted bool) error {
	return r.DB.Model(&model.JourneyStepResponse{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"step_rate":        rate,
			"step_action":      action,
			"rating_defaulted": defaulted,
		}).Error
}

// SetAIResponseIfEmpty keeps redelivered reply tasks from overwriting a stored reply.
func (r *StepResponseRepository) SetAIResponseIfEmpty(id uint, text string) (bool, error) {
	res := r.DB.Model(&model.JourneyStepResponse{}).
		Where("id = ? AND (ai_response = '' OR ai_response IS NULL)", id).
		Update("ai_response", text)
	return res.RowsAffected > 0, res.Error
}
