package service

import (
	"errors"
	"fmt"
	"journey_backend/internal/model"
	"journey_backend/internal/repository"
	"journey_backend/internal/util"
	"strings"
	"time"

	"gorm.io/gorm"
)

// PromptContextLoader reads everything a prompt of one attempt can refer to.
type PromptContextLoader struct {
	db *gorm.DB
}

func NewPromptContextLoader(db *gorm.DB) *PromptContextLoader {
	return &PromptContextLoader{db: db}
}

// Load builds the context for attempt's current step. tx may be nil to read outside
// a transaction. A missing current step falls back to the first step of the journey.
func (l *PromptContextLoader) Load(tx *gorm.DB, attempt *model.JourneyAttempt, action string) (*PromptContext, error) {
	db := tx
	if db == nil {
		db = l.db
	}
	journeys := repository.NewJourneyRepository(db)
	responses := repository.NewStepResponseRepository(db)
	users := repository.NewUserRepository(db)
	attempts := repository.NewAttemptRepository(db)

	journey, err := journeys.FindWithSteps(attempt.JourneyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrJourneyNotFound
		}
		return nil, err
	}

	user, err := users.FindByID(attempt.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrUserNotFound
		}
		return nil, err
	}

	pc := &PromptContext{
		Attempt:      attempt,
		Journey:      journey,
		User:         user,
		Action:       action,
		JourneyPaths: map[string]string{},
		Now:          time.Now(),
	}

	pc.Step = stepByOrder(journey.Steps, attempt.CurrentStep)
	if pc.Step == nil && len(journey.Steps) > 0 {
		pc.Step = &journey.Steps[0]
	}
	if pc.Step != nil {
		pc.NextStep = nextStepAfter(journey.Steps, pc.Step.Order)
	}

	history, err := responses.ListByAttempt(attempt.ID)
	if err != nil {
		return nil, err
	}
	pc.History = history
	if pc.Step != nil {
		for _, r := range history {
			if r.StepID == pc.Step.ID && r.Action() != model.StepActionStartJourney && r.StepAction != nil {
				pc.StepExchanges++
			}
		}
	}

	if pc.Profile, err = users.ProfileValues(user.ID); err != nil {
		return nil, err
	}

	prev, err := attempts.LastCompletedExcept(user.ID, journey.ID)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.Journey != nil {
		pc.PreviousJourney = summarizeJourney(prev.Journey, prev.Report)
	}

	for _, id := range JourneyPathIDs(journey.MasterPrompt) {
		text, err := l.journeyPath(db, user.ID, id)
		if err != nil {
			return nil, err
		}
		pc.JourneyPaths[fmt.Sprintf("journey_path%d", id)] = text
	}
	return pc, nil
}

// journeyPath renders the learner's transcript of an earlier journey.
func (l *PromptContextLoader) journeyPath(db *gorm.DB, userID, journeyID uint) (string, error) {
	attempt, err := repository.NewAttemptRepository(db).LastFinishedForJourney(userID, journeyID)
	if err != nil || attempt == nil {
		return "", err
	}
	rows, err := repository.NewStepResponseRepository(db).ListByAttempt(attempt.ID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, m := range HistoryMessages(rows, false) {
		b.WriteString(strings.ToUpper(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func summarizeJourney(j *model.Journey, report string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Journey: %s\n", j.Title)
	if j.ShortDescription != "" {
		fmt.Fprintf(&b, "Summary: %s\n", j.ShortDescription)
	}
	if report != "" {
		fmt.Fprintf(&b, "Report:\n%s\n", report)
	}
	return b.String()
}

func stepByOrder(steps []model.JourneyStep, order int) *model.JourneyStep {
	for i := range steps {
		if steps[i].Order == order {
			return &steps[i]
		}
	}
	return nil
}

func nextStepAfter(steps []model.JourneyStep, order int) *model.JourneyStep {
	var next *model.JourneyStep
	for i := range steps {
		if steps[i].Order > order && (next == nil || steps[i].Order < next.Order) {
			next = &steps[i]
		}
	}
	return next
}
