package service

import (
	"context"
	"errors"
	"journey_backend/internal/model"
	"journey_backend/internal/repository"
	"journey_backend/internal/util"
	"journey_backend/pkg/logger"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type StartInput struct {
	JourneyID uint
	UserID    uint
	Role      model.UserRole
	Preview   bool
	Mode      string
}

type StartResult struct {
	Attempt      *model.JourneyAttempt `json:"attempt"`
	ResponseID   uint                  `json:"response_id"`
	Progress     float64               `json:"progress"`
	TokensSpent  int                   `json:"tokens_spent"`
	BalanceAfter *int                  `json:"balance_after,omitempty"`
}

// AttemptView 尝试详情（含进度与当前步骤）
type AttemptView struct {
	Attempt        *model.JourneyAttempt `json:"attempt"`
	Progress       float64               `json:"progress"`
	TotalSteps     int                   `json:"total_steps"`
	CurrentStep    *model.JourneyStep    `json:"current_step,omitempty"`
	CurrentAttempt int                   `json:"current_attempt"`
	MaxAttempts    int                   `json:"max_attempts"`
}

// JourneyService covers the attempt lifecycle outside the step loop.
type JourneyService struct {
	db         *gorm.DB
	journeys   *repository.JourneyRepository
	attempts   *repository.AttemptRepository
	responses  *repository.StepResponseRepository
	ledger     *TokenLedger
	completion *CompletionService
	queue      TaskQueue
	notifier   Notifier
	now        func() time.Time
}

func NewJourneyService(
	db *gorm.DB,
	journeys *repository.JourneyRepository,
	attempts *repository.AttemptRepository,
	responses *repository.StepResponseRepository,
	ledger *TokenLedger,
	completion *CompletionService,
	queue TaskQueue,
	notifier Notifier,
) *JourneyService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &JourneyService{
		db:         db,
		journeys:   journeys,
		attempts:   attempts,
		responses:  responses,
		ledger:     ledger,
		completion: completion,
		queue:      queue,
		notifier:   notifier,
		now:        time.Now,
	}
}

func canPreview(role model.UserRole) bool {
	return role == model.Editor || role == model.Admin || role == model.InstitutionManager
}

// StartJourney opens an attempt on the first step and pays for it. Real attempts are
// limited to one in progress per user; previews are free and unrestricted.
func (s *JourneyService) StartJourney(ctx context.Context, in StartInput) (*StartResult, error) {
	if in.Preview && !canPreview(in.Role) {
		return nil, util.ErrPermissionDenied
	}
	mode := in.Mode
	if mode != model.AttemptModeVoice {
		mode = model.AttemptModeChat
	}

	journey, err := s.journeys.FindWithSteps(in.JourneyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrJourneyNotFound
		}
		return nil, err
	}
	if !journey.IsPublished && !in.Preview {
		return nil, util.ErrJourneyNotFound
	}
	if len(journey.Steps) == 0 {
		return nil, util.ErrStepNotFound
	}
	first := journey.Steps[0]

	result := &StartResult{}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempts := s.attempts.WithTx(tx)
		now := s.now()

		attempt := &model.JourneyAttempt{
			UserID:      in.UserID,
			JourneyID:   journey.ID,
			Type:        model.AttemptTypeAttempt,
			Mode:        mode,
			Status:      model.AttemptStatusInProgress,
			CurrentStep: first.Order,
			StartedAt:   now,
			Version:     1,
		}

		var receipt *SpendReceipt
		if in.Preview {
			attempt.Type = model.AttemptTypePreview
		} else {
			active, err := attempts.FindActiveByUser(in.UserID)
			if err != nil {
				return err
			}
			if active != nil {
				return util.ErrActiveAttemptExists
			}
			if receipt, err = s.ledger.SpendForJourney(tx, in.UserID, journey); err != nil {
				return err
			}
			uid := in.UserID
			attempt.ActiveUserID = &uid
		}

		if err := attempts.Create(attempt); err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return util.ErrActiveAttemptExists
			}
			return err
		}
		if err := s.ledger.LinkReceipt(tx, receipt, attempt.ID); err != nil {
			return err
		}

		action := model.StepActionStartJourney
		opener := &model.JourneyStepResponse{
			AttemptID:   attempt.ID,
			StepID:      first.ID,
			StepAction:  &action,
			SubmittedAt: now,
		}
		if err := s.responses.WithTx(tx).Create(opener); err != nil {
			return err
		}

		result.Attempt = attempt
		result.ResponseID = opener.ID
		result.Progress = attemptProgress(attempt, journey.Steps)
		if receipt != nil {
			result.TokensSpent = receipt.Amount
			if receipt.Amount > 0 {
				balance := receipt.BalanceAfter
				result.BalanceAfter = &balance
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info("Journey started",
		zap.Uint("attemptId", result.Attempt.ID),
		zap.Uint("journeyId", journey.ID),
		zap.Uint("userId", in.UserID),
		zap.String("type", result.Attempt.Type),
		zap.Int("tokens", result.TokensSpent))

	enqueue(ctx, s.queue, TaskGenerateReply, ReplyTaskPayload{AttemptID: result.Attempt.ID, ResponseID: result.ResponseID})
	s.notifier.Publish(ctx, result.Attempt.ID, EventProgress, map[string]interface{}{"progress": result.Progress})
	s.notifier.Publish(ctx, result.Attempt.ID, EventResponseID, map[string]interface{}{"responseId": result.ResponseID})
	return result, nil
}

// Abandon ends an in-progress attempt without a report. Spent tokens are not refunded.
func (s *JourneyService) Abandon(ctx context.Context, attemptID, userID uint) (*model.JourneyAttempt, error) {
	var attempt *model.JourneyAttempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempts := s.attempts.WithTx(tx)
		a, err := attempts.FindByIDForUpdate(attemptID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return util.ErrAttemptNotFound
			}
			return err
		}
		if userID != 0 && a.UserID != userID {
			return util.ErrPermissionDenied
		}
		if !a.IsInProgress() {
			return util.ErrInvalidState
		}
		a.Status = model.AttemptStatusAbandoned
		a.ActiveUserID = nil
		ok, err := attempts.UpdateVersioned(a, map[string]interface{}{
			"status":         a.Status,
			"active_user_id": nil,
			"updated_at":     s.now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return util.ErrStaleAttempt
		}
		attempt = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Log.Info("Attempt abandoned", zap.Uint("attemptId", attempt.ID))
	s.notifier.Publish(ctx, attempt.ID, EventCompleted, map[string]interface{}{"status": attempt.Status})
	return attempt, nil
}

func (s *JourneyService) ownedAttempt(attemptID, userID uint) (*model.JourneyAttempt, error) {
	attempt, err := s.attempts.FindByID(attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrAttemptNotFound
		}
		return nil, err
	}
	if userID != 0 && attempt.UserID != userID {
		return nil, util.ErrPermissionDenied
	}
	return attempt, nil
}

// GetAttempt returns the attempt with its progress. An attempt stuck in progress
// after finishing its last step is reconciled on the way.
func (s *JourneyService) GetAttempt(ctx context.Context, attemptID, userID uint) (*AttemptView, error) {
	attempt, err := s.ownedAttempt(attemptID, userID)
	if err != nil {
		return nil, err
	}
	if attempt.IsInProgress() && s.completion != nil {
		changed, err := s.completion.ReconcileFinished(ctx, attempt.ID)
		if err != nil {
			logger.Log.Warn("Attempt reconcile failed", zap.Error(err), zap.Uint("attemptId", attempt.ID))
		} else if changed {
			if attempt, err = s.attempts.FindByID(attempt.ID); err != nil {
				return nil, err
			}
		}
	}

	journey, err := s.journeys.FindWithSteps(attempt.JourneyID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, util.ErrJourneyNotFound
		}
		return nil, err
	}
	steps := journey.Steps
	journey.Steps = nil
	attempt.Journey = journey

	view := &AttemptView{
		Attempt:    attempt,
		Progress:   attemptProgress(attempt, steps),
		TotalSteps: len(steps),
	}
	if step := stepByOrder(steps, attempt.CurrentStep); step != nil {
		view.CurrentStep = step
		view.MaxAttempts = step.MaxAttempts
		used, err := s.responses.CountUsedAttempts(attempt.ID, step.ID)
		if err != nil {
			return nil, err
		}
		view.CurrentAttempt = int(used)
	}
	return view, nil
}

// Messages returns the conversation of an attempt in submission order.
func (s *JourneyService) Messages(ctx context.Context, attemptID, userID uint) ([]model.JourneyStepResponse, error) {
	if _, err := s.ownedAttempt(attemptID, userID); err != nil {
		return nil, err
	}
	return s.responses.WithTx(s.db.WithContext(ctx)).ListByAttempt(attemptID)
}
