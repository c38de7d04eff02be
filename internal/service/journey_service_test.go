package service

import (
	"context"
	"journey_backend/internal/model"
	"journey_backend/internal/util"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartJourneyWritesOpener(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 3)

	res, err := e.journeys.StartJourney(context.Background(), StartInput{JourneyID: journey.ID, UserID: user.ID, Role: user.Role, Mode: "telepathy"})
	require.NoError(t, err)

	a := res.Attempt
	assert.Equal(t, model.AttemptStatusInProgress, a.Status)
	assert.Equal(t, model.AttemptTypeAttempt, a.Type)
	assert.Equal(t, model.AttemptModeChat, a.Mode)
	assert.Equal(t, 1, a.CurrentStep)
	require.NotNil(t, a.ActiveUserID)
	assert.Equal(t, user.ID, *a.ActiveUserID)
	assert.Equal(t, 0.0, res.Progress)
	assert.Zero(t, res.TokensSpent)
	assert.Nil(t, res.BalanceAfter)

	rows := e.responsesOf(t, a.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, res.ResponseID, rows[0].ID)
	assert.Equal(t, model.StepActionStartJourney, rows[0].Action())
	assert.Empty(t, rows[0].UserInput)
	assert.Equal(t, testReply, rows[0].AIResponse)
	assert.Len(t, e.events.byKind(a.ID, EventResponseID), 1)
}

func TestStartJourneyOneActiveAttempt(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	first := e.seedJourney(t, 2)
	second := e.seedJourney(t, 2)
	ctx := context.Background()

	attempt := e.start(t, user, first)

	_, err := e.journeys.StartJourney(ctx, StartInput{JourneyID: second.ID, UserID: user.ID, Role: user.Role})
	assert.ErrorIs(t, err, util.ErrActiveAttemptExists)

	_, err = e.journeys.Abandon(ctx, attempt.ID, user.ID)
	require.NoError(t, err)

	_, err = e.journeys.StartJourney(ctx, StartInput{JourneyID: second.ID, UserID: user.ID, Role: user.Role})
	require.NoError(t, err)
}

func TestStartJourneySpendsTokens(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 1, func(j *model.Journey) { j.TokenCost = 4 })
	e.grant(t, user.ID, 10, nil)

	res, err := e.journeys.StartJourney(context.Background(), StartInput{JourneyID: journey.ID, UserID: user.ID, Role: user.Role})
	require.NoError(t, err)
	assert.Equal(t, 4, res.TokensSpent)
	require.NotNil(t, res.BalanceAfter)
	assert.Equal(t, 6, *res.BalanceAfter)

	var debit model.TokenTransaction
	require.NoError(t, e.db.Where("user_id = ? AND type = ?", user.ID, model.TokenTransactionDebit).First(&debit).Error)
	require.NotNil(t, debit.AttemptID)
	assert.Equal(t, res.Attempt.ID, *debit.AttemptID)
	require.NotNil(t, debit.JourneyID)
	assert.Equal(t, journey.ID, *debit.JourneyID)
}

func TestStartJourneyInsufficientTokens(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 1, func(j *model.Journey) { j.TokenCost = 10 })
	e.grant(t, user.ID, 3, nil)
	ctx := context.Background()

	_, err := e.journeys.StartJourney(ctx, StartInput{JourneyID: journey.ID, UserID: user.ID, Role: user.Role})
	assert.ErrorIs(t, err, util.ErrInsufficientTokens)

	var attempts int64
	require.NoError(t, e.db.Model(&model.JourneyAttempt{}).Where("user_id = ?", user.ID).Count(&attempts).Error)
	assert.Zero(t, attempts)
	var responses int64
	require.NoError(t, e.db.Model(&model.JourneyStepResponse{}).Count(&responses).Error)
	assert.Zero(t, responses)

	balance, err := e.ledger.Balance(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, balance)
	assert.Zero(t, e.ai.callCount(model.PromptActionChat))
}

func TestStartJourneyPreview(t *testing.T) {
	e := newTestEngine(t)
	student := e.seedUser(t, model.Student)
	editor := e.seedUser(t, model.Editor)
	draft := e.seedJourney(t, 2, func(j *model.Journey) {
		j.IsPublished = false
		j.TokenCost = 50
	})
	published := e.seedJourney(t, 2)
	ctx := context.Background()

	_, err := e.journeys.StartJourney(ctx, StartInput{JourneyID: draft.ID, UserID: student.ID, Role: student.Role, Preview: true})
	assert.ErrorIs(t, err, util.ErrPermissionDenied)

	_, err = e.journeys.StartJourney(ctx, StartInput{JourneyID: draft.ID, UserID: student.ID, Role: student.Role})
	assert.ErrorIs(t, err, util.ErrJourneyNotFound)

	preview, err := e.journeys.StartJourney(ctx, StartInput{JourneyID: draft.ID, UserID: editor.ID, Role: editor.Role, Preview: true})
	require.NoError(t, err)
	assert.Equal(t, model.AttemptTypePreview, preview.Attempt.Type)
	assert.Nil(t, preview.Attempt.ActiveUserID)
	assert.Zero(t, preview.TokensSpent)

	// 预览不占用进行中名额
	e.start(t, editor, published)
	_, err = e.journeys.StartJourney(ctx, StartInput{JourneyID: published.ID, UserID: editor.ID, Role: editor.Role, Preview: true})
	require.NoError(t, err)
}

func TestStartJourneyMissingOrEmpty(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	empty := e.seedJourney(t, 0)
	ctx := context.Background()

	_, err := e.journeys.StartJourney(ctx, StartInput{JourneyID: 12345, UserID: user.ID, Role: user.Role})
	assert.ErrorIs(t, err, util.ErrJourneyNotFound)

	_, err = e.journeys.StartJourney(ctx, StartInput{JourneyID: empty.ID, UserID: user.ID, Role: user.Role})
	assert.ErrorIs(t, err, util.ErrStepNotFound)
}

func TestAbandon(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	other := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 2)
	attempt := e.start(t, user, journey)
	ctx := context.Background()

	_, err := e.journeys.Abandon(ctx, attempt.ID, other.ID)
	assert.ErrorIs(t, err, util.ErrPermissionDenied)

	abandoned, err := e.journeys.Abandon(ctx, attempt.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptStatusAbandoned, abandoned.Status)
	assert.Nil(t, e.reload(t, attempt.ID).ActiveUserID)

	_, err = e.journeys.Abandon(ctx, attempt.ID, user.ID)
	assert.ErrorIs(t, err, util.ErrInvalidState)

	_, err = e.progression.Submit(ctx, SubmitInput{AttemptID: attempt.ID, UserID: user.ID, UserInput: "too late"})
	assert.ErrorIs(t, err, util.ErrInvalidState)
}

func TestGetAttemptView(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	other := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 2)
	attempt := e.start(t, user, journey)
	ctx := context.Background()
	e.ai.queue(model.PromptActionRate, `{"rate": 1}`)
	e.submit(t, attempt, "not quite")

	view, err := e.journeys.GetAttempt(ctx, attempt.ID, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.TotalSteps)
	assert.Equal(t, 0.0, view.Progress)
	require.NotNil(t, view.CurrentStep)
	assert.Equal(t, 1, view.CurrentStep.Order)
	assert.Equal(t, 1, view.CurrentAttempt)
	assert.Equal(t, 3, view.MaxAttempts)
	require.NotNil(t, view.Attempt.Journey)
	assert.Empty(t, view.Attempt.Journey.Steps)

	_, err = e.journeys.GetAttempt(ctx, attempt.ID, other.ID)
	assert.ErrorIs(t, err, util.ErrPermissionDenied)

	// 0 表示管理端查看，不校验归属
	_, err = e.journeys.GetAttempt(ctx, attempt.ID, 0)
	require.NoError(t, err)

	messages, err := e.journeys.Messages(ctx, attempt.ID, user.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "not quite", messages[1].UserInput)
}
