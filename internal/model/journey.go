package model

// swagger:model JourneyCollection
type JourneyCollection struct {
	BaseModel
	Name              string `gorm:"size:255;not null" json:"name"`
	Description       string `gorm:"type:text" json:"description"`
	InstitutionID     *uint  `gorm:"index" json:"institutionId,omitempty"`
	IsActive          bool   `gorm:"default:true" json:"isActive"`
	CertificateID     *uint  `gorm:"index" json:"certificateId,omitempty"`
	CertificatePrompt string `gorm:"type:text" json:"certificatePrompt"`
}

func (JourneyCollection) TableName() string {
	return "journey_collections"
}

// swagger:model Journey
type Journey struct {
	BaseModel
	CollectionID     *uint  `gorm:"column:journey_collection_id;index" json:"collectionId,omitempty"`
	Title            string `gorm:"size:255;not null" json:"title"`
	ShortDescription string `gorm:"size:500" json:"shortDescription"`
	Description      string `gorm:"type:text" json:"description"`
	MasterPrompt     string `gorm:"type:text" json:"masterPrompt"`
	ReportPrompt     string `gorm:"type:text" json:"reportPrompt"`
	IsPublished      bool   `gorm:"default:false" json:"isPublished"`
	TokenCost        int    `gorm:"default:0" json:"tokenCost"`
	CreatedBy        uint   `gorm:"index" json:"createdBy"`
	Sort             int    `gorm:"default:0" json:"sort"`

	Steps []JourneyStep `gorm:"foreignKey:JourneyID" json:"steps,omitempty"`
}

func (Journey) TableName() string {
	return "journeys"
}

// swagger:model JourneyStep
type JourneyStep struct {
	BaseModel
	JourneyID uint   `gorm:"index;uniqueIndex:idx_journey_step_order" json:"journeyId"`
	Title     string `gorm:"size:255;not null" json:"title"`
	Content   string `gorm:"type:text" json:"content"`
	Type      string `gorm:"size:30;default:'text'" json:"type"`
	// Order is the 1-based position within the journey.
	Order        int  `gorm:"column:step_order;uniqueIndex:idx_journey_step_order" json:"order"`
	RatePass     int  `gorm:"default:3" json:"ratePass"`
	MaxAttempts  int  `gorm:"default:3" json:"maxAttempts"`
	MaxFollowups int  `gorm:"default:1" json:"maxFollowups"`
	TimeLimit    *int `json:"timeLimit,omitempty"`

	ExpectedOutput         string `gorm:"type:text" json:"expectedOutput"`
	ExpectedOutputRetry    string `gorm:"type:text" json:"expectedOutputRetry"`
	ExpectedOutputFollowup string `gorm:"type:text" json:"expectedOutputFollowup"`
	RatingPrompt           string `gorm:"type:text" json:"ratingPrompt"`
}

func (JourneyStep) TableName() string {
	return "journey_steps"
}
