package repository

import (
	"journey_backend/internal/model"

	"gorm.io/gorm"
)

type UserRepository struct {
	DB *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{DB: db}
}

func (r *UserRepository) WithTx(tx *gorm.DB) *UserRepository {
	return &UserRepository{DB: tx}
}

func (r *UserRepository) Create(user *model.User) error {
	return r.DB.Create(user).Error
}

func (r *UserRepository) FindByID(id uint) (*model.User, error) {
	var user model.User
	if err := r.DB.Preload("Institution").First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// ProfileValues 返回启用字段的 short_name -> value，未填写的字段为空串
func (r *UserRepository) ProfileValues(userID uint) (map[string]string, error) {
	var fields []model.ProfileField
	if err := r.DB.Where("is_active = ?", true).Order("sort_order ASC").Find(&fields).Error; err != nil {
		return nil, err
	}

	values := make(map[string]string, len(fields))
	if len(fields) == 0 {
		return values, nil
	}

	ids := make([]uint, 0, len(fields))
	for _, f := range fields {
		ids = append(ids, f.ID)
		values[f.ShortName] = ""
	}

	var rows []model.UserProfileValue
	if err := r.DB.Where("user_id = ? AND profile_field_id IN ?", userID, ids).Find(&rows).Error; err != nil {
		return nil, err
	}

	byID := make(map[uint]string, len(fields))
	for _, f := range fields {
		byID[f.ID] = f.ShortName
	}
	for _, row := range rows {
		if name, ok := byID[row.ProfileFieldID]; ok {
			values[name] = row.Value
		}
	}
	return values, nil
}
