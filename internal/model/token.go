package model

import "time"

const (
	TokenGrantSourcePurchase = "purchase"
	TokenGrantSourceManual   = "manual"

	TokenTransactionCredit = "credit"
	TokenTransactionDebit  = "debit"
)

// UserTokenGrant 一次 token 发放，按过期时间先进先出扣减
type UserTokenGrant struct {
	BaseModel
	UserID          uint       `gorm:"index" json:"userId"`
	Source          string     `gorm:"size:30" json:"source"`
	TokensTotal     int        `json:"tokensTotal"`
	TokensUsed      int        `json:"tokensUsed"`
	TokensRemaining int        `gorm:"index" json:"tokensRemaining"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	GrantedAt       time.Time  `json:"grantedAt"`
	GrantedBy       *uint      `json:"grantedBy,omitempty"`
	Notes           string     `gorm:"type:text" json:"notes,omitempty"`
}

func (UserTokenGrant) TableName() string {
	return "user_token_grants"
}

type TokenTransaction struct {
	BaseModel
	UserID       uint      `gorm:"index" json:"userId"`
	GrantID      uint      `gorm:"column:user_token_grant_id;index" json:"grantId"`
	JourneyID    *uint     `gorm:"index" json:"journeyId,omitempty"`
	AttemptID    *uint     `gorm:"column:journey_attempt_id;index" json:"attemptId,omitempty"`
	Type         string    `gorm:"size:20" json:"type"`
	Amount       int       `json:"amount"`
	BalanceAfter int       `json:"balanceAfter"`
	Description  string    `gorm:"size:255" json:"description"`
	OccurredAt   time.Time `json:"occurredAt"`
}

func (TokenTransaction) TableName() string {
	return "token_transactions"
}
