package repository

import (
	"journey_backend/internal/model"

	"gorm.io/gorm"
)

type CertificateRepository struct {
	DB *gorm.DB
}

func NewCertificateRepository(db *gorm.DB) *CertificateRepository {
	return &CertificateRepository{DB: db}
}

func (r *CertificateRepository) FindByID(id uint) (*model.Certificate, error) {
	var c model.Certificate
	if err := r.DB.Preload("Institutions").First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CertificateRepository) FindIssue(certificateID, userID uint) (*model.CertificateIssue, error) {
	var issues []model.CertificateIssue
	err := r.DB.Where("certificate_id = ? AND user_id = ?", certificateID, userID).Limit(1).Find(&issues).Error
	if err != nil || len(issues) == 0 {
		return nil, err
	}
	return &issues[0], nil
}

func (r *CertificateRepository) FindIssueByID(id uint) (*model.CertificateIssue, error) {
	var issue model.CertificateIssue
	if err := r.DB.Preload("Certificate").First(&issue, id).Error; err != nil {
		return nil, err
	}
	return &issue, nil
}

func (r *CertificateRepository) CreateIssue(issue *model.CertificateIssue) error {
	return r.DB.Create(issue).Error
}

func (r *CertificateRepository) UpdateIssueFields(id uint, fields map[string]interface{}) error {
	return r.DB.Model(&model.CertificateIssue{}).Where("id = ?", id).Updates(fields).Error
}

func (r *CertificateRepository) QRCodeExists(code string) (bool, error) {
	var count int64
	err := r.DB.Model(&model.CertificateIssue{}).Where("qr_code = ?", code).Count(&count).Error
	return count > 0, err
}

func (r *CertificateRepository) WithTx(tx *gorm.DB) *CertificateRepository {
	return &CertificateRepository{DB: tx}
}
