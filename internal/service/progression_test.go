package service

import (
	"context"
	"journey_backend/internal/model"
	"journey_backend/internal/util"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideStepAction(t *testing.T) {
	base := StepGate{RatePass: 3, MaxAttempts: 3, MaxFollowups: 1, HasNext: true}
	with := func(mod func(*StepGate)) StepGate {
		g := base
		mod(&g)
		return g
	}

	tests := []struct {
		name string
		gate StepGate
		want string
	}{
		{"fail with attempts left", with(func(g *StepGate) { g.Rate = 2; g.UsedAttempts = 1 }), model.StepActionRetryStep},
		{"pass moves on", with(func(g *StepGate) { g.Rate = 3; g.UsedAttempts = 1 }), model.StepActionNextStep},
		{"fail exhausted moves on", with(func(g *StepGate) { g.Rate = 1; g.UsedAttempts = 3 }), model.StepActionNextStep},
		{"pass on last step finishes", with(func(g *StepGate) { g.Rate = 5; g.UsedAttempts = 1; g.HasNext = false }), model.StepActionFinish},
		{"exhausted last step finishes", with(func(g *StepGate) { g.Rate = 1; g.UsedAttempts = 3; g.HasNext = false }), model.StepActionFinish},
		{"pass with followup request", with(func(g *StepGate) { g.Rate = 4; g.Followup = true; g.UsedAttempts = 1 }), model.StepActionFollowupStep},
		{"followup budget used", with(func(g *StepGate) {
			g.Rate = 4
			g.Followup = true
			g.UsedAttempts = 2
			g.PriorFollowups = 1
		}), model.StepActionNextStep},
		{"followup disabled on step", with(func(g *StepGate) { g.Rate = 4; g.Followup = true; g.MaxFollowups = 0 }), model.StepActionNextStep},
		{"exhausted followup request", with(func(g *StepGate) { g.Rate = 1; g.Followup = true; g.UsedAttempts = 3 }), model.StepActionFollowupStep},
		{"exhausted followup budget used", with(func(g *StepGate) {
			g.Rate = 1
			g.Followup = true
			g.UsedAttempts = 4
			g.PriorFollowups = 1
		}), model.StepActionNextStep},
		{"failing followup request retries", with(func(g *StepGate) { g.Rate = 2; g.Followup = true; g.UsedAttempts = 1 }), model.StepActionRetryStep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecideStepAction(tt.gate)
			assert.Equal(t, tt.want, d.Action)
			assert.Equal(t, d.Passed || d.Exhausted, d.CanAdvance)
		})
	}
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 0.0, ProgressPercent(model.AttemptStatusInProgress, 0, 3))
	assert.Equal(t, 33.33, ProgressPercent(model.AttemptStatusInProgress, 1, 3))
	assert.Equal(t, 66.67, ProgressPercent(model.AttemptStatusInProgress, 2, 3))
	assert.Equal(t, 0.0, ProgressPercent(model.AttemptStatusInProgress, 0, 0))
	assert.Equal(t, util.ProgressAwaiting, ProgressPercent(model.AttemptStatusAwaitingFeedback, 1, 3))
	assert.Equal(t, util.ProgressComplete, ProgressPercent(model.AttemptStatusCompleted, 0, 3))
}

func TestSubmitHappyPath(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 2)
	attempt := e.start(t, user, journey)

	first := e.submit(t, attempt, "a half plus a half is one")
	assert.Equal(t, model.StepActionNextStep, first.Action)
	assert.Equal(t, 5, first.Rating)
	assert.False(t, first.RatingDefaulted)
	assert.Equal(t, 1, first.CurrentAttempt)
	assert.Equal(t, 50.0, first.Progress)
	require.NotNil(t, first.NextStep)
	assert.Equal(t, 2, first.NextStep.Order)
	assert.True(t, first.NextStep.IsFinal)

	reloaded := e.reload(t, attempt.ID)
	assert.Equal(t, 2, reloaded.CurrentStep)
	assert.Equal(t, first.Version, reloaded.Version)

	second := e.submit(t, attempt, "three quarters is bigger")
	assert.Equal(t, model.StepActionFinish, second.Action)
	assert.True(t, second.AwaitingFeedback)
	assert.Equal(t, util.ProgressAwaiting, second.Progress)
	assert.Equal(t, testReport, second.Report)

	final := e.reload(t, attempt.ID)
	assert.Equal(t, model.AttemptStatusAwaitingFeedback, final.Status)
	assert.Equal(t, 2, final.CurrentStep)
	assert.Nil(t, final.ActiveUserID)
	assert.Equal(t, testReport, final.Report)

	rows := e.responsesOf(t, attempt.ID)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, testReply, r.AIResponse)
	}
	assert.Equal(t, model.StepActionStartJourney, rows[0].Action())
	assert.Equal(t, model.StepActionNextStep, rows[1].Action())
	assert.Equal(t, model.StepActionFinish, rows[2].Action())

	assert.Equal(t, []float64{0, 0, 50, 50, util.ProgressAwaiting}, e.events.progressValues(attempt.ID))
	assert.Len(t, e.events.byKind(attempt.ID, EventReply), 3)
}

func TestSubmitExhaustedRetriesMoveOn(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 2)
	attempt := e.start(t, user, journey)
	e.ai.queue(model.PromptActionRate, `{"rate": 1}`, `{"rate": 2}`, `{"rate": 1}`)

	r1 := e.submit(t, attempt, "no idea")
	assert.Equal(t, model.StepActionRetryStep, r1.Action)
	assert.Equal(t, 1, r1.CurrentAttempt)
	assert.Equal(t, 0.0, r1.Progress)

	r2 := e.submit(t, attempt, "still unsure")
	assert.Equal(t, model.StepActionRetryStep, r2.Action)
	assert.Equal(t, 2, r2.CurrentAttempt)

	r3 := e.submit(t, attempt, "maybe this")
	assert.Equal(t, model.StepActionNextStep, r3.Action)
	assert.Equal(t, 3, r3.CurrentAttempt)
	assert.Equal(t, 3, r3.MaxAttempts)
	assert.Equal(t, 2, e.reload(t, attempt.ID).CurrentStep)
}

func TestSubmitDefaultsUnparseableRating(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 2)
	attempt := e.start(t, user, journey)
	e.ai.queue(model.PromptActionRate, "five", "5/5", "```\n```", "{}", `{"rate": 11}`)

	res := e.submit(t, attempt, "an answer")
	assert.True(t, res.RatingDefaulted)
	assert.Equal(t, 3, res.Rating)
	assert.Equal(t, model.StepActionNextStep, res.Action)
	assert.Equal(t, DefaultRatingTries, e.ai.callCount(model.PromptActionRate))

	row, err := e.responses.FindByID(res.ResponseID)
	require.NoError(t, err)
	require.NotNil(t, row.StepRate)
	assert.Equal(t, 3, *row.StepRate)
	assert.True(t, row.RatingDefaulted)
}

func TestSubmitSurvivesAIOutage(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 2)
	attempt := e.start(t, user, journey)
	e.ai.failWith(model.PromptActionRate, util.ErrAIUnavailable)
	e.ai.failWith(model.PromptActionChat, util.ErrAIUnavailable)

	res, err := e.progression.Submit(context.Background(), SubmitInput{
		AttemptID: attempt.ID,
		UserID:    user.ID,
		UserInput: "answer during outage",
	})
	require.NoError(t, err)
	assert.True(t, res.RatingDefaulted)
	assert.Equal(t, model.StepActionNextStep, res.Action)

	row, err := e.responses.FindByID(res.ResponseID)
	require.NoError(t, err)
	assert.Empty(t, row.AIResponse)

	errs := e.events.byKind(attempt.ID, EventError)
	require.NotEmpty(t, errs)
	assert.Equal(t, "reply", errs[len(errs)-1].Payload.(map[string]interface{})["stage"])

	var logs []model.JourneyPromptLog
	require.NoError(t, e.db.Where("journey_attempt_id = ? AND action_type = ?", attempt.ID, model.PromptActionRate).Find(&logs).Error)
	assert.Len(t, logs, DefaultRatingTries)
	for _, l := range logs {
		assert.Equal(t, "error", l.Status)
	}
}

func TestSubmitFollowupThenNext(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 2)
	attempt := e.start(t, user, journey)
	e.ai.queue(model.PromptActionRate, `{"rate": 4, "followup": true}`, `{"rate": 4, "followup": true}`)

	r1 := e.submit(t, attempt, "good start")
	assert.Equal(t, model.StepActionFollowupStep, r1.Action)
	assert.Equal(t, 1, e.reload(t, attempt.ID).CurrentStep)

	r2 := e.submit(t, attempt, "more detail")
	assert.Equal(t, model.StepActionNextStep, r2.Action)
	assert.Equal(t, 2, r2.CurrentAttempt)
	assert.Equal(t, 2, e.reload(t, attempt.ID).CurrentStep)
}

func TestSubmitExhaustedStepStillGetsFollowup(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 2)
	attempt := e.start(t, user, journey)
	e.ai.queue(model.PromptActionRate, `{"rate": 1}`, `{"rate": 1}`, `{"rate": 1, "followup": true}`, `{"rate": 1, "followup": true}`)

	assert.Equal(t, model.StepActionRetryStep, e.submit(t, attempt, "first").Action)
	assert.Equal(t, model.StepActionRetryStep, e.submit(t, attempt, "second").Action)

	r3 := e.submit(t, attempt, "third")
	assert.Equal(t, model.StepActionFollowupStep, r3.Action)
	assert.Equal(t, 1, e.reload(t, attempt.ID).CurrentStep)

	// 追问额度用完后即使仍请求追问也进入下一步
	r4 := e.submit(t, attempt, "fourth")
	assert.Equal(t, model.StepActionNextStep, r4.Action)
	assert.Equal(t, 4, r4.CurrentAttempt)
	assert.Equal(t, 2, e.reload(t, attempt.ID).CurrentStep)
}

func TestSubmitRejections(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	other := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 1)
	attempt := e.start(t, user, journey)
	ctx := context.Background()

	_, err := e.progression.Submit(ctx, SubmitInput{AttemptID: attempt.ID, UserID: user.ID, UserInput: "   "})
	assert.ErrorIs(t, err, util.ErrEmptyInput)

	_, err = e.progression.Submit(ctx, SubmitInput{AttemptID: attempt.ID, UserID: other.ID, UserInput: "mine now"})
	assert.ErrorIs(t, err, util.ErrPermissionDenied)

	_, err = e.progression.Submit(ctx, SubmitInput{AttemptID: 9999, UserID: user.ID, UserInput: "hello"})
	assert.ErrorIs(t, err, util.ErrAttemptNotFound)

	stale := attempt.Version + 5
	_, err = e.progression.Submit(ctx, SubmitInput{AttemptID: attempt.ID, UserID: user.ID, UserInput: "hello", ExpectedVersion: &stale})
	assert.ErrorIs(t, err, util.ErrStaleAttempt)

	// 以上拒绝均不应写入任何对话记录
	assert.Len(t, e.responsesOf(t, attempt.ID), 1)

	e.submit(t, attempt, "finishing answer")
	_, err = e.progression.Submit(ctx, SubmitInput{AttemptID: attempt.ID, UserID: user.ID, UserInput: "one more"})
	assert.ErrorIs(t, err, util.ErrInvalidState)
}

func TestSubmitDuplicateKey(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 2)
	attempt := e.start(t, user, journey)
	e.ai.queue(model.PromptActionRate, `{"rate": 1}`)
	ctx := context.Background()

	in := SubmitInput{AttemptID: attempt.ID, UserID: user.ID, UserInput: "first try", SubmissionKey: "client-key-1"}
	res, err := e.progression.Submit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, model.StepActionRetryStep, res.Action)

	_, err = e.progression.Submit(ctx, in)
	assert.ErrorIs(t, err, util.ErrDuplicateSubmission)
	assert.Len(t, e.responsesOf(t, attempt.ID), 2)

	in.SubmissionKey = "client-key-2"
	res, err = e.progression.Submit(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 2, res.CurrentAttempt)
}

func TestSubmitExpectedVersionAdvances(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 3)
	attempt := e.start(t, user, journey)
	ctx := context.Background()

	v := attempt.Version
	res, err := e.progression.Submit(ctx, SubmitInput{AttemptID: attempt.ID, UserID: user.ID, UserInput: "one", ExpectedVersion: &v})
	require.NoError(t, err)
	assert.Equal(t, v+1, res.Version)

	_, err = e.progression.Submit(ctx, SubmitInput{AttemptID: attempt.ID, UserID: user.ID, UserInput: "two", ExpectedVersion: &v})
	assert.ErrorIs(t, err, util.ErrStaleAttempt)

	next := res.Version
	_, err = e.progression.Submit(ctx, SubmitInput{AttemptID: attempt.ID, UserID: user.ID, UserInput: "two", ExpectedVersion: &next})
	require.NoError(t, err)
}

func TestRatingPromptSeesConversation(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	journey := e.seedJourney(t, 2)
	attempt := e.start(t, user, journey)

	e.submit(t, attempt, "my very first answer")

	messages := e.ai.lastMessages(model.PromptActionRate)
	require.NotEmpty(t, messages)
	assert.Equal(t, RoleSystem, messages[0].Role)
	assert.Contains(t, messages[0].Content, "Title: Step 1")
	last := messages[len(messages)-1]
	assert.Equal(t, AIChatMessage{Role: RoleUser, Content: "my very first answer"}, last)
}

func TestAttemptTableHoldsOnlyTrackedState(t *testing.T) {
	db := newTestDB(t)
	m := db.Migrator()
	for _, col := range []string{"current_step", "status", "active_user_id", "report", "version"} {
		assert.True(t, m.HasColumn(&model.JourneyAttempt{}, col), col)
	}
	// 步骤进度由 step_responses 推导，attempt 行不再保存快照
	assert.False(t, m.HasColumn(&model.JourneyAttempt{}, "progress_data"))
}
