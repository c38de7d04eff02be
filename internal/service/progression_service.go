package service

import (
	"context"
	"errors"
	"journey_backend/internal/model"
	"journey_backend/internal/repository"
	"journey_backend/internal/util"
	"journey_backend/pkg/logger"
	"journey_backend/pkg/monitoring"
	"journey_backend/pkg/tracing"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StepGate holds the inputs of one gating decision.
type StepGate struct {
	Rate           int
	Followup       bool
	RatePass       int
	UsedAttempts   int
	MaxAttempts    int
	MaxFollowups   int
	PriorFollowups int
	HasNext        bool
}

type StepDecision struct {
	Action     string
	Passed     bool
	Exhausted  bool
	CanAdvance bool
}

// DecideStepAction picks what happens after a rated exchange. A follow-up needs the
// step to be able to advance (passed or exhausted) and follow-up budget left.
func DecideStepAction(g StepGate) StepDecision {
	d := StepDecision{
		Passed:    g.Rate >= g.RatePass,
		Exhausted: g.UsedAttempts >= g.MaxAttempts,
		Action:    model.StepActionRetryStep,
	}
	d.CanAdvance = d.Passed || d.Exhausted

	switch {
	case d.CanAdvance && g.Followup && g.MaxFollowups > 0 && g.PriorFollowups < g.MaxFollowups:
		d.Action = model.StepActionFollowupStep
	case d.CanAdvance && g.HasNext:
		d.Action = model.StepActionNextStep
	case d.CanAdvance:
		d.Action = model.StepActionFinish
	}
	return d
}

// ProgressPercent is the share of steps behind the learner, rounded to two decimals.
// Finished attempts report fixed values.
func ProgressPercent(status string, position, totalSteps int) float64 {
	switch status {
	case model.AttemptStatusCompleted:
		return util.ProgressComplete
	case model.AttemptStatusAwaitingFeedback:
		return util.ProgressAwaiting
	}
	if totalSteps <= 0 {
		return 0
	}
	p := float64(position) / float64(totalSteps) * 100
	return math.Round(p*100) / 100
}

// stepPosition counts steps ordered before currentStep, i.e. currentStep-1 for a
// gap-free journey.
func stepPosition(steps []model.JourneyStep, currentStep int) int {
	n := 0
	for _, s := range steps {
		if s.Order < currentStep {
			n++
		}
	}
	return n
}

func attemptProgress(attempt *model.JourneyAttempt, steps []model.JourneyStep) float64 {
	return ProgressPercent(attempt.Status, stepPosition(steps, attempt.CurrentStep), len(steps))
}

type NextStepSummary struct {
	ID      uint   `json:"id"`
	Order   int    `json:"order"`
	Title   string `json:"title"`
	IsFinal bool   `json:"is_final"`
}

// ProgressResult is what the submitter sees after one exchange.
type ProgressResult struct {
	Status           string           `json:"status"`
	Message          string           `json:"message,omitempty"`
	AttemptID        uint             `json:"attempt_id"`
	ResponseID       uint             `json:"response_id"`
	Rating           int              `json:"rating"`
	RatingDefaulted  bool             `json:"rating_defaulted"`
	Action           string           `json:"action"`
	CurrentAttempt   int              `json:"current_attempt"`
	MaxAttempts      int              `json:"max_attempts"`
	NextStep         *NextStepSummary `json:"next_step,omitempty"`
	AwaitingFeedback bool             `json:"awaiting_feedback"`
	Report           string           `json:"report,omitempty"`
	Progress         float64          `json:"progress"`
	Version          int              `json:"version"`
}

// ErrorResult is the payload for a failed submission: a message, no internals.
func ErrorResult(err error) *ProgressResult {
	msg := "Internal server error"
	if util.StatusFor(err) < 500 {
		msg = err.Error()
	}
	return &ProgressResult{Status: "error", Message: msg}
}

type SubmitInput struct {
	AttemptID uint
	// UserID must own the attempt; 0 skips the check for internal callers.
	UserID    uint
	UserInput string
	// SubmissionKey makes client retries of the same submission detectable.
	SubmissionKey string
	// ExpectedVersion, when set, must match the attempt version the client saw.
	ExpectedVersion *int
}

type ReplyTaskPayload struct {
	AttemptID  uint `json:"attemptId"`
	ResponseID uint `json:"responseId"`
}

type ReportTaskPayload struct {
	AttemptID uint `json:"attemptId"`
}

// ProgressionService runs the per-exchange state machine of an attempt.
type ProgressionService struct {
	db         *gorm.DB
	attempts   *repository.AttemptRepository
	journeys   *repository.JourneyRepository
	responses  *repository.StepResponseRepository
	loader     *PromptContextLoader
	rater      *Rater
	promptLog  *PromptLogger
	completion *CompletionService
	queue      TaskQueue
	notifier   Notifier
	now        func() time.Time
}

func NewProgressionService(
	db *gorm.DB,
	attempts *repository.AttemptRepository,
	journeys *repository.JourneyRepository,
	responses *repository.StepResponseRepository,
	loader *PromptContextLoader,
	rater *Rater,
	promptLog *PromptLogger,
	completion *CompletionService,
	queue TaskQueue,
	notifier Notifier,
) *ProgressionService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ProgressionService{
		db:         db,
		attempts:   attempts,
		journeys:   journeys,
		responses:  responses,
		loader:     loader,
		rater:      rater,
		promptLog:  promptLog,
		completion: completion,
		queue:      queue,
		notifier:   notifier,
		now:        time.Now,
	}
}

// Submit records a learner answer, rates it and moves the attempt accordingly. Steps
// up to and including the state change run in one transaction holding the attempt
// row lock; the tutor reply and the report are produced afterwards by tasks.
func (s *ProgressionService) Submit(ctx context.Context, in SubmitInput) (*ProgressResult, error) {
	ctx, span := tracing.Tracer.Start(ctx, "progression.submit")
	defer span.End()
	span.SetAttributes(attribute.Int64("attempt.id", int64(in.AttemptID)))

	if strings.TrimSpace(in.UserInput) == "" {
		return nil, util.ErrEmptyInput
	}

	var (
		result      *ProgressResult
		enteredWait bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempts := s.attempts.WithTx(tx)
		responses := s.responses.WithTx(tx)

		attempt, err := attempts.FindByIDForUpdate(in.AttemptID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return util.ErrAttemptNotFound
			}
			return err
		}
		if in.UserID != 0 && attempt.UserID != in.UserID {
			return util.ErrPermissionDenied
		}
		if in.ExpectedVersion != nil && *in.ExpectedVersion != attempt.Version {
			return util.ErrStaleAttempt
		}
		if !attempt.IsInProgress() {
			return util.ErrInvalidState
		}

		journey, err := s.journeys.WithTx(tx).FindWithSteps(attempt.JourneyID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return util.ErrJourneyNotFound
			}
			return err
		}
		step := stepByOrder(journey.Steps, attempt.CurrentStep)
		if step == nil {
			return util.ErrStepNotFound
		}

		var key *string
		if in.SubmissionKey != "" {
			existing, err := responses.FindBySubmissionKey(attempt.ID, in.SubmissionKey)
			if err != nil {
				return err
			}
			if existing != nil {
				return util.ErrDuplicateSubmission
			}
			k := in.SubmissionKey
			key = &k
		}

		s.publishProgress(ctx, attempt, journey.Steps)

		resp := &model.JourneyStepResponse{
			AttemptID:     attempt.ID,
			StepID:        step.ID,
			SubmissionKey: key,
			UserInput:     in.UserInput,
			SubmittedAt:   s.now(),
		}
		if err := responses.Create(resp); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return util.ErrDuplicateSubmission
			}
			return err
		}

		pc, err := s.loader.Load(tx, attempt, "")
		if err != nil {
			return err
		}
		messages, err := pc.RateMessages(LeaveLiteral)
		if err != nil {
			return err
		}
		outcome := s.rater.Rate(ctx, messages, step,
			s.promptLog.withTx(repository.NewPromptLogRepository(tx)),
			promptLogRef{AttemptID: attempt.ID, ResponseID: &resp.ID})

		used, err := responses.CountUsedAttempts(attempt.ID, step.ID)
		if err != nil {
			return err
		}
		priorFollowups, err := responses.CountByAction(attempt.ID, step.ID, model.StepActionFollowupStep)
		if err != nil {
			return err
		}

		next := nextStepAfter(journey.Steps, step.Order)
		decision := DecideStepAction(StepGate{
			Rate:           outcome.Rate,
			Followup:       outcome.Followup,
			RatePass:       step.RatePass,
			UsedAttempts:   int(used),
			MaxAttempts:    step.MaxAttempts,
			MaxFollowups:   step.MaxFollowups,
			PriorFollowups: int(priorFollowups),
			HasNext:        next != nil,
		})

		if err := responses.SaveDecision(resp.ID, outcome.Rate, decision.Action, outcome.Defaulted); err != nil {
			return err
		}

		fields := map[string]interface{}{"updated_at": s.now()}
		switch decision.Action {
		case model.StepActionNextStep:
			attempt.CurrentStep = next.Order
			fields["current_step"] = next.Order
		case model.StepActionFinish:
			last := journey.Steps[len(journey.Steps)-1]
			if EnterAwaitingFeedback(attempt, last.Order) {
				enteredWait = true
				for k, v := range awaitingFields(attempt) {
					fields[k] = v
				}
			}
		}
		ok, err := attempts.UpdateVersioned(attempt, fields)
		if err != nil {
			return err
		}
		if !ok {
			return util.ErrStaleAttempt
		}

		result = &ProgressResult{
			Status:           "success",
			AttemptID:        attempt.ID,
			ResponseID:       resp.ID,
			Rating:           outcome.Rate,
			RatingDefaulted:  outcome.Defaulted,
			Action:           decision.Action,
			CurrentAttempt:   int(used),
			MaxAttempts:      step.MaxAttempts,
			AwaitingFeedback: attempt.Status == model.AttemptStatusAwaitingFeedback,
			Progress:         attemptProgress(attempt, journey.Steps),
			Version:          attempt.Version,
		}
		if next != nil {
			result.NextStep = &NextStepSummary{
				ID:      next.ID,
				Order:   next.Order,
				Title:   next.Title,
				IsFinal: nextStepAfter(journey.Steps, next.Order) == nil,
			}
		}

		logger.Log.Info("Step exchange decided",
			zap.Uint("attemptId", attempt.ID),
			zap.Uint("stepId", step.ID),
			zap.Int("rate", outcome.Rate),
			zap.Bool("defaulted", outcome.Defaulted),
			zap.Int("used", int(used)),
			zap.String("action", decision.Action))
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	monitoring.StepActionCounter.WithLabelValues(result.Action).Inc()
	span.SetAttributes(attribute.String("step.action", result.Action))

	enqueue(ctx, s.queue, TaskGenerateReply, ReplyTaskPayload{AttemptID: result.AttemptID, ResponseID: result.ResponseID})
	if enteredWait {
		enqueue(ctx, s.queue, TaskGenerateReport, ReportTaskPayload{AttemptID: result.AttemptID})
		s.notifier.Publish(ctx, result.AttemptID, EventCompleted, map[string]interface{}{"status": model.AttemptStatusAwaitingFeedback})
		if a, err := s.attempts.FindByID(result.AttemptID); err == nil {
			result.Report = a.Report
		}
	}

	s.notifier.Publish(ctx, result.AttemptID, EventProgress, map[string]interface{}{"progress": result.Progress})
	s.notifier.Publish(ctx, result.AttemptID, EventResponseID, map[string]interface{}{"responseId": result.ResponseID})
	return result, nil
}

func (s *ProgressionService) publishProgress(ctx context.Context, attempt *model.JourneyAttempt, steps []model.JourneyStep) {
	s.notifier.Publish(ctx, attempt.ID, EventProgress, map[string]interface{}{"progress": attemptProgress(attempt, steps)})
}
