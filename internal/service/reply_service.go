package service

import (
	"context"
	"errors"
	"fmt"
	"journey_backend/internal/model"
	"journey_backend/internal/repository"
	"journey_backend/internal/util"
	"journey_backend/pkg/logger"
	"journey_backend/pkg/tracing"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReplyService writes the tutor's conversational reply for one exchange. It runs
// apart from rating and only shares the StepResponse id with it.
type ReplyService struct {
	attempts  *repository.AttemptRepository
	responses *repository.StepResponseRepository
	loader    *PromptContextLoader
	ai        AIClient
	promptLog *PromptLogger
	notifier  Notifier
}

func NewReplyService(
	attempts *repository.AttemptRepository,
	responses *repository.StepResponseRepository,
	loader *PromptContextLoader,
	ai AIClient,
	promptLog *PromptLogger,
	notifier Notifier,
) *ReplyService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &ReplyService{
		attempts:  attempts,
		responses: responses,
		loader:    loader,
		ai:        ai,
		promptLog: promptLog,
		notifier:  notifier,
	}
}

// GenerateReply produces and stores the reply once; a stored reply is returned as is.
func (s *ReplyService) GenerateReply(ctx context.Context, attemptID, responseID uint) (string, error) {
	ctx, span := tracing.Tracer.Start(ctx, "reply.generate")
	defer span.End()
	span.SetAttributes(attribute.Int64("response.id", int64(responseID)))

	resp, err := s.responses.FindByID(responseID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", util.ErrStepNotFound
		}
		return "", err
	}
	if resp.AttemptID != attemptID {
		return "", fmt.Errorf("response %d does not belong to attempt %d", responseID, attemptID)
	}
	if resp.AIResponse != "" {
		return resp.AIResponse, nil
	}

	attempt, err := s.attempts.FindByID(attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", util.ErrAttemptNotFound
		}
		return "", err
	}

	pc, err := s.loader.Load(nil, attempt, resp.Action())
	if err != nil {
		return "", err
	}
	// 重投递时只看到该次提交为止的对话
	pc.History = historyUpTo(pc.History, resp.ID)

	messages, err := pc.ChatMessages(LeaveLiteral)
	if err != nil {
		return "", err
	}
	comp, err := completeAndLog(ctx, s.ai, s.promptLog, promptLogRef{AttemptID: attempt.ID, ResponseID: &resp.ID},
		messages, CompletionOptions{Purpose: model.PromptActionChat})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	reply := strings.TrimSpace(comp.Content)
	if reply == "" {
		return "", fmt.Errorf("%w: empty reply", util.ErrAIUnavailable)
	}

	stored, err := s.responses.SetAIResponseIfEmpty(resp.ID, reply)
	if err != nil {
		return "", err
	}
	if !stored {
		current, err := s.responses.FindByID(resp.ID)
		if err != nil {
			return "", err
		}
		return current.AIResponse, nil
	}
	return reply, nil
}

func historyUpTo(history []model.JourneyStepResponse, responseID uint) []model.JourneyStepResponse {
	for i, r := range history {
		if r.ID == responseID {
			return history[:i+1]
		}
	}
	return history
}

// HandleReplyTask returns errors so the queue redelivers the task.
func (s *ReplyService) HandleReplyTask(ctx context.Context, task *Task) error {
	var p ReplyTaskPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	reply, err := s.GenerateReply(ctx, p.AttemptID, p.ResponseID)
	if err != nil {
		logger.Log.Error("Reply generation failed",
			zap.Error(err),
			zap.Uint("attemptId", p.AttemptID),
			zap.Uint("responseId", p.ResponseID),
			zap.Int("delivery", task.Deliveries))
		s.notifier.Publish(ctx, p.AttemptID, EventError, map[string]interface{}{
			"stage":      "reply",
			"responseId": p.ResponseID,
			"message":    "reply generation failed",
		})
		return err
	}
	s.notifier.Publish(ctx, p.AttemptID, EventReply, map[string]interface{}{
		"responseId": p.ResponseID,
		"text":       reply,
	})
	return nil
}
