package model

import "time"

// swagger:model Certificate
type Certificate struct {
	BaseModel
	Name         string `gorm:"size:255;not null" json:"name"`
	Enabled      bool   `gorm:"default:true" json:"enabled"`
	ValidityDays *int   `json:"validityDays,omitempty"`

	Institutions []Institution `gorm:"many2many:certificate_institution;joinForeignKey:CertificateID;joinReferences:InstitutionID" json:"institutions,omitempty"`
}

func (Certificate) TableName() string {
	return "certificates"
}

// ExpiresAt returns nil for certificates without a validity window.
func (c *Certificate) ExpiresAt(issuedAt time.Time) *time.Time {
	if c.ValidityDays == nil || *c.ValidityDays <= 0 {
		return nil
	}
	t := issuedAt.AddDate(0, 0, *c.ValidityDays)
	return &t
}

// swagger:model CertificateIssue
type CertificateIssue struct {
	BaseModel
	CertificateID uint       `gorm:"uniqueIndex:idx_certificate_user" json:"certificateId"`
	UserID        uint       `gorm:"uniqueIndex:idx_certificate_user;index" json:"userId"`
	CollectionID  *uint      `gorm:"index" json:"collectionId,omitempty"`
	InstitutionID *uint      `json:"institutionId,omitempty"`
	QRCode        string     `gorm:"column:qr_code;size:64;uniqueIndex" json:"qrCode"`
	IssuedAt      time.Time  `json:"issuedAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Payload       string     `gorm:"type:text" json:"payload"`
	AIReport      string     `gorm:"column:ai_report;type:text" json:"aiReport,omitempty"`
	ArchiveURL    string     `gorm:"size:500" json:"archiveUrl,omitempty"`

	Certificate *Certificate `gorm:"foreignKey:CertificateID" json:"certificate,omitempty"`
}

func (CertificateIssue) TableName() string {
	return "certificate_issues"
}
