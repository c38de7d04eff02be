package model

import "time"

const (
	AttemptStatusInProgress       = "in_progress"
	AttemptStatusAwaitingFeedback = "awaiting_feedback"
	AttemptStatusCompleted        = "completed"
	AttemptStatusAbandoned        = "abandoned"
)

const (
	AttemptTypeAttempt = "attempt"
	AttemptTypePreview = "preview"
)

const (
	AttemptModeChat  = "chat"
	AttemptModeVoice = "voice"
)

// swagger:model JourneyAttempt
type JourneyAttempt struct {
	BaseModel

	UserID    uint   `gorm:"index" json:"userId"`
	JourneyID uint   `gorm:"index" json:"journeyId"`
	Type      string `gorm:"column:journey_type;size:20;default:'attempt'" json:"type"`
	Mode      string `gorm:"size:20;default:'chat'" json:"mode"`
	Status    string `gorm:"size:30;index" json:"status"`
	// ActiveUserID mirrors UserID while the attempt is in progress and is NULL
	// otherwise; the unique index keeps one in-progress attempt per user.
	ActiveUserID *uint `gorm:"uniqueIndex" json:"-"`
	CurrentStep  int   `gorm:"default:1" json:"currentStep"`

	Rating      *int       `json:"rating,omitempty"`
	Feedback    *string    `gorm:"type:text" json:"feedback,omitempty"`
	Report      string     `gorm:"type:text" json:"report,omitempty"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Version     int        `gorm:"default:1" json:"version"`

	Journey *Journey `gorm:"foreignKey:JourneyID" json:"journey,omitempty"`
	User    *User    `gorm:"foreignKey:UserID" json:"-"`
}

func (JourneyAttempt) TableName() string {
	return "journey_attempts"
}

func (a *JourneyAttempt) IsInProgress() bool {
	return a.Status == AttemptStatusInProgress
}

// IsFinished reports whether the attempt already left the step loop.
func (a *JourneyAttempt) IsFinished() bool {
	return a.Status == AttemptStatusAwaitingFeedback || a.Status == AttemptStatusCompleted
}

func (a *JourneyAttempt) IsPreview() bool {
	return a.Type == AttemptTypePreview
}
