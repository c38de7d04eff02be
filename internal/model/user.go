package model

type UserRole string

const (
	Student            UserRole = "student"
	Editor             UserRole = "editor"
	InstitutionManager UserRole = "institution"
	Admin              UserRole = "admin"
)

// swagger:model User
type User struct {
	BaseModel
	Name          string   `gorm:"size:100;not null" json:"name"`
	FirstName     string   `gorm:"size:100" json:"firstName"`
	LastName      string   `gorm:"size:100" json:"lastName"`
	Email         string   `gorm:"size:100;unique;not null" json:"email"`
	Role          UserRole `gorm:"size:20;default:'student'" json:"role"`
	InstitutionID *uint    `gorm:"index" json:"institutionId,omitempty"`

	Institution *Institution `gorm:"foreignKey:InstitutionID" json:"institution,omitempty"`
}

func (User) TableName() string {
	return "users"
}

// DisplayFirstName falls back to the full name when no first name was captured.
func (u *User) DisplayFirstName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Name
}

// swagger:model Institution
type Institution struct {
	BaseModel
	Name string `gorm:"size:255;not null" json:"name"`
}

func (Institution) TableName() string {
	return "institutions"
}

// ProfileField 学员档案字段，可在提示词中以 {profile_<short_name>} 引用
type ProfileField struct {
	BaseModel
	ShortName string `gorm:"size:100;uniqueIndex;not null" json:"shortName"`
	Label     string `gorm:"size:255" json:"label"`
	IsActive  bool   `gorm:"default:true" json:"isActive"`
	SortOrder int    `gorm:"default:0" json:"sortOrder"`
}

func (ProfileField) TableName() string {
	return "profile_fields"
}

type UserProfileValue struct {
	BaseModel
	UserID         uint   `gorm:"index;uniqueIndex:idx_user_profile_field" json:"userId"`
	ProfileFieldID uint   `gorm:"index;uniqueIndex:idx_user_profile_field" json:"profileFieldId"`
	Value          string `gorm:"type:text" json:"value"`
}

func (UserProfileValue) TableName() string {
	return "user_profile_values"
}
