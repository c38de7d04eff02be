package model

const (
	PromptActionRate        = "rate"
	PromptActionChat        = "chat"
	PromptActionReport      = "report"
	PromptActionCertificate = "certificate"
)

// JourneyPromptLog 记录每一次 AI 调用（提示词、响应、token 用量、耗时）
type JourneyPromptLog struct {
	BaseModel

	AttemptID        uint    `gorm:"column:journey_attempt_id;index" json:"attemptId"`
	ResponseID       *uint   `gorm:"column:journey_step_response_id;index" json:"responseId,omitempty"`
	ActionType       string  `gorm:"size:30" json:"actionType"`
	Prompt           string  `gorm:"type:text" json:"prompt"`
	Response         string  `gorm:"type:text" json:"response"`
	AIModel          string  `gorm:"column:ai_model;size:100" json:"aiModel"`
	RequestTokens    int     `json:"requestTokens"`
	ResponseTokens   int     `json:"responseTokens"`
	TokensUsed       int     `json:"tokensUsed"`
	ProcessingTimeMs float64 `json:"processingTimeMs"`
	Status           string  `gorm:"size:20" json:"status"`
	ErrorMessage     string  `gorm:"type:text" json:"errorMessage,omitempty"`
}

func (JourneyPromptLog) TableName() string {
	return "journey_prompt_logs"
}
