package repository

import (
	"journey_backend/internal/model"

	"gorm.io/gorm"
)

type JourneyRepository struct {
	DB *gorm.DB
}

func NewJourneyRepository(db *gorm.DB) *JourneyRepository {
	return &JourneyRepository{DB: db}
}

func (r *JourneyRepository) WithTx(tx *gorm.DB) *JourneyRepository {
	return &JourneyRepository{DB: tx}
}

func (r *JourneyRepository) Create(journey *model.Journey) error {
	return r.DB.Create(journey).Error
}

func (r *JourneyRepository) FindByID(id uint) (*model.Journey, error) {
	var j model.Journey
	if err := r.DB.First(&j, id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// FindWithSteps 获取旅程及按顺序排列的步骤
func (r *JourneyRepository) FindWithSteps(id uint) (*model.Journey, error) {
	var j model.Journey
	err := r.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order ASC")
	}).First(&j, id).Error
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *JourneyRepository) LastStep(journeyID uint) (*model.JourneyStep, error) {
	var step model.JourneyStep
	err := r.DB.Where("journey_id = ?", journeyID).Order("step_order DESC").First(&step).Error
	if err != nil {
		return nil, err
	}
	return &step, nil
}

func (r *JourneyRepository) FindCollection(id uint) (*model.JourneyCollection, error) {
	var c model.JourneyCollection
	if err := r.DB.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListPublishedInCollection 集合内已发布旅程，按 id 排序
func (r *JourneyRepository) ListPublishedInCollection(collectionID uint) ([]model.Journey, error) {
	var journeys []model.Journey
	err := r.DB.Where("journey_collection_id = ? AND is_published = ?", collectionID, true).
		Order("id ASC").
		Find(&journeys).Error
	return journeys, err
}
