package service

import (
	"context"
	"errors"
	"fmt"
	"journey_backend/internal/model"
	"journey_backend/internal/repository"
	"journey_backend/internal/util"
	"journey_backend/pkg/logger"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EnterAwaitingFeedback moves an in-progress attempt to awaiting_feedback and pins
// currentStep to the last step. It reports false, changing nothing, when the attempt
// already left the step loop.
func EnterAwaitingFeedback(attempt *model.JourneyAttempt, lastOrder int) bool {
	if attempt.IsFinished() || attempt.Status == model.AttemptStatusAbandoned {
		return false
	}
	attempt.Status = model.AttemptStatusAwaitingFeedback
	attempt.CurrentStep = lastOrder
	attempt.ActiveUserID = nil
	return true
}

func awaitingFields(attempt *model.JourneyAttempt) map[string]interface{} {
	return map[string]interface{}{
		"status":         attempt.Status,
		"current_step":   attempt.CurrentStep,
		"active_user_id": nil,
	}
}

type FeedbackInput struct {
	AttemptID uint
	UserID    uint
	Rating    int
	Feedback  string
}

type CertificateTaskPayload struct {
	UserID       uint `json:"userId"`
	CollectionID uint `json:"collectionId"`
	AttemptID    uint `json:"attemptId"`
}

// CompletionService handles everything after the last step: report and feedback.
type CompletionService struct {
	db        *gorm.DB
	attempts  *repository.AttemptRepository
	journeys  *repository.JourneyRepository
	responses *repository.StepResponseRepository
	loader    *PromptContextLoader
	ai        AIClient
	promptLog *PromptLogger
	archive   *ArchiveService
	queue     TaskQueue
	notifier  Notifier
	now       func() time.Time
}

func NewCompletionService(
	db *gorm.DB,
	attempts *repository.AttemptRepository,
	journeys *repository.JourneyRepository,
	responses *repository.StepResponseRepository,
	loader *PromptContextLoader,
	ai AIClient,
	promptLog *PromptLogger,
	archive *ArchiveService,
	queue TaskQueue,
	notifier Notifier,
) *CompletionService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &CompletionService{
		db:        db,
		attempts:  attempts,
		journeys:  journeys,
		responses: responses,
		loader:    loader,
		ai:        ai,
		promptLog: promptLog,
		archive:   archive,
		queue:     queue,
		notifier:  notifier,
		now:       time.Now,
	}
}

// GenerateReport writes the attempt report once. An existing report is returned as is.
func (s *CompletionService) GenerateReport(ctx context.Context, attemptID uint) (string, error) {
	attempt, err := s.attempts.FindByID(attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", util.ErrAttemptNotFound
		}
		return "", err
	}
	if attempt.Report != "" {
		return attempt.Report, nil
	}
	if !attempt.IsFinished() {
		return "", util.ErrInvalidState
	}

	pc, err := s.loader.Load(nil, attempt, "")
	if err != nil {
		return "", err
	}
	prompt, err := pc.ReportPrompt(LeaveLiteral)
	if err != nil {
		return "", err
	}

	comp, err := completeAndLog(ctx, s.ai, s.promptLog, promptLogRef{AttemptID: attempt.ID},
		[]AIChatMessage{{Role: RoleSystem, Content: prompt}},
		CompletionOptions{Purpose: model.PromptActionReport})
	if err != nil {
		return "", err
	}
	report := strings.TrimSpace(comp.Content)
	if report == "" {
		return "", fmt.Errorf("%w: empty report", util.ErrAIUnavailable)
	}

	stored, err := s.attempts.SetReportIfEmpty(attempt.ID, report)
	if err != nil {
		return "", err
	}
	if !stored {
		// 并发生成时以先写入者为准
		current, err := s.attempts.FindByID(attempt.ID)
		if err != nil {
			return "", err
		}
		return current.Report, nil
	}

	if s.archive != nil {
		if url, err := s.archive.Put(ctx, reportObjectName(attempt.ID), []byte(report), util.MimeHTML); err != nil {
			logger.Log.Warn("Report archive failed", zap.Error(err), zap.Uint("attemptId", attempt.ID))
		} else {
			logger.Log.Debug("Report archived", zap.Uint("attemptId", attempt.ID), zap.String("url", url))
		}
	}
	return report, nil
}

// HandleReportTask never asks for redelivery: a failed report stays empty until the
// learner asks for it again.
func (s *CompletionService) HandleReportTask(ctx context.Context, task *Task) error {
	var p ReportTaskPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	report, err := s.GenerateReport(ctx, p.AttemptID)
	if err != nil {
		logger.Log.Error("Report generation failed", zap.Error(err), zap.Uint("attemptId", p.AttemptID))
		s.notifier.Publish(ctx, p.AttemptID, EventError, map[string]interface{}{"stage": "report", "message": "report generation failed"})
		return nil
	}
	s.notifier.Publish(ctx, p.AttemptID, EventCompleted, map[string]interface{}{"status": model.AttemptStatusAwaitingFeedback, "report": report})
	return nil
}

// RegenerateReport produces the report on explicit request if it is still missing.
func (s *CompletionService) RegenerateReport(ctx context.Context, attemptID, userID uint) (string, error) {
	attempt, err := s.attempts.FindByID(attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", util.ErrAttemptNotFound
		}
		return "", err
	}
	if userID != 0 && attempt.UserID != userID {
		return "", util.ErrPermissionDenied
	}
	return s.GenerateReport(ctx, attemptID)
}

// SubmitFeedback stores the learner's own rating once and completes the attempt.
func (s *CompletionService) SubmitFeedback(ctx context.Context, in FeedbackInput) (*model.JourneyAttempt, error) {
	if in.Rating < util.MinStepRating || in.Rating > util.MaxStepRating {
		return nil, util.ErrInvalidRating
	}

	var attempt *model.JourneyAttempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempts := s.attempts.WithTx(tx)
		a, err := attempts.FindByIDForUpdate(in.AttemptID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return util.ErrAttemptNotFound
			}
			return err
		}
		if in.UserID != 0 && a.UserID != in.UserID {
			return util.ErrPermissionDenied
		}
		if !a.IsFinished() {
			return util.ErrInvalidState
		}
		if a.Rating != nil {
			return util.ErrAlreadySubmitted
		}

		now := s.now()
		rating := in.Rating
		feedback := in.Feedback
		a.Rating = &rating
		a.Feedback = &feedback
		a.Status = model.AttemptStatusCompleted
		if a.CompletedAt == nil {
			a.CompletedAt = &now
		}

		ok, err := attempts.UpdateVersioned(a, map[string]interface{}{
			"rating":       rating,
			"feedback":     feedback,
			"status":       a.Status,
			"completed_at": a.CompletedAt,
			"updated_at":   now,
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

	s.notifier.Publish(ctx, attempt.ID, EventCompleted, map[string]interface{}{"status": attempt.Status})
	s.notifier.Publish(ctx, attempt.ID, EventProgress, map[string]interface{}{"progress": util.ProgressComplete})

	if attempt.IsPreview() {
		return attempt, nil
	}
	journey, err := s.journeys.FindByID(attempt.JourneyID)
	if err != nil {
		logger.Log.Error("Journey lookup after feedback failed", zap.Error(err), zap.Uint("attemptId", attempt.ID))
		return attempt, nil
	}
	if journey.CollectionID != nil {
		enqueue(ctx, s.queue, TaskIssueCertificate, CertificateTaskPayload{
			UserID:       attempt.UserID,
			CollectionID: *journey.CollectionID,
			AttemptID:    attempt.ID,
		})
	}
	return attempt, nil
}

// ReconcileFinished re-applies the awaiting-feedback transition to an attempt whose
// last exchange already finished the journey on its last step. It is a no-op for
// every other attempt.
func (s *CompletionService) ReconcileFinished(ctx context.Context, attemptID uint) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempts := s.attempts.WithTx(tx)
		attempt, err := attempts.FindByIDForUpdate(attemptID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return util.ErrAttemptNotFound
			}
			return err
		}
		if !attempt.IsInProgress() {
			return nil
		}

		last, err := s.responses.WithTx(tx).LastByAttempt(attempt.ID)
		if err != nil || last == nil || last.Action() != model.StepActionFinish {
			return err
		}
		lastStep, err := s.journeys.WithTx(tx).LastStep(attempt.JourneyID)
		if err != nil {
			return err
		}
		if last.StepID != lastStep.ID {
			return nil
		}

		if !EnterAwaitingFeedback(attempt, lastStep.Order) {
			return nil
		}
		fields := awaitingFields(attempt)
		fields["updated_at"] = s.now()
		ok, err := attempts.UpdateVersioned(attempt, fields)
		if err != nil {
			return err
		}
		if !ok {
			return util.ErrStaleAttempt
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		logger.Log.Info("Reconciled finished attempt", zap.Uint("attemptId", attemptID))
		enqueue(ctx, s.queue, TaskGenerateReport, ReportTaskPayload{AttemptID: attemptID})
		s.notifier.Publish(ctx, attemptID, EventProgress, map[string]interface{}{"progress": util.ProgressAwaiting})
	}
	return changed, nil
}
