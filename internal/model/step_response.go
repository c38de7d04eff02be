package model

import "time"

const (
	StepActionStartJourney = "start_journey"
	StepActionRetryStep    = "retry_step"
	StepActionFollowupStep = "followup_step"
	StepActionNextStep     = "next_step"
	StepActionFinish       = "finish_journey"
)

// swagger:model JourneyStepResponse
type JourneyStepResponse struct {
	BaseModel

	AttemptID     uint    `gorm:"column:journey_attempt_id;index;uniqueIndex:idx_attempt_submission" json:"attemptId"`
	StepID        uint    `gorm:"column:journey_step_id;index" json:"stepId"`
	SubmissionKey *string `gorm:"size:64;uniqueIndex:idx_attempt_submission" json:"submissionKey,omitempty"`

	UserInput       string    `gorm:"type:text" json:"userInput"`
	AIResponse      string    `gorm:"column:ai_response;type:text" json:"aiResponse"`
	StepRate        *int      `json:"stepRate,omitempty"`
	StepAction      *string   `gorm:"size:30" json:"stepAction,omitempty"`
	RatingDefaulted bool      `gorm:"default:false" json:"ratingDefaulted"`
	SubmittedAt     time.Time `gorm:"index" json:"submittedAt"`
}

func (JourneyStepResponse) TableName() string {
	return "journey_step_responses"
}

func (r *JourneyStepResponse) Action() string {
	if r.StepAction == nil {
		return ""
	}
	return *r.StepAction
}
