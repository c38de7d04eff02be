package service

import (
	"context"
	"fmt"
	"journey_backend/internal/model"
	"journey_backend/internal/repository"
	"journey_backend/pkg/database"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testReply       = "Tutor reply"
	testReport      = "<h1>Report</h1>"
	testCertSummary = "Certificate summary"
)

// newTestDB opens a private in-memory database. A single connection keeps every
// query of a transaction on the same handle.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(database.Models()...))
	return db
}

// fakeAI answers from per-purpose queues and falls back to fixed defaults.
type fakeAI struct {
	mu       sync.Mutex
	queued   map[string][]string
	failures map[string]error
	calls    map[string]int
	last     map[string][]AIChatMessage
}

func newFakeAI() *fakeAI {
	return &fakeAI{
		queued:   make(map[string][]string),
		failures: make(map[string]error),
		calls:    make(map[string]int),
		last:     make(map[string][]AIChatMessage),
	}
}

func (f *fakeAI) queue(purpose string, contents ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[purpose] = append(f.queued[purpose], contents...)
}

func (f *fakeAI) failWith(purpose string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[purpose] = err
}

func (f *fakeAI) callCount(purpose string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[purpose]
}

func (f *fakeAI) lastMessages(purpose string) []AIChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[purpose]
}

func (f *fakeAI) Complete(ctx context.Context, messages []AIChatMessage, opts CompletionOptions) (*Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[opts.Purpose]++
	f.last[opts.Purpose] = messages

	if err := f.failures[opts.Purpose]; err != nil {
		return nil, err
	}

	var content string
	if q := f.queued[opts.Purpose]; len(q) > 0 {
		content = q[0]
		f.queued[opts.Purpose] = q[1:]
	} else {
		switch opts.Purpose {
		case model.PromptActionRate:
			content = `{"rate": 5, "followup": false}`
		case model.PromptActionChat:
			content = testReply
		case model.PromptActionReport:
			content = testReport
		case model.PromptActionCertificate:
			content = testCertSummary
		}
	}
	return &Completion{
		Content:          content,
		Model:            "fake-model",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		Duration:         time.Millisecond,
	}, nil
}

type recordedEvent struct {
	AttemptID uint
	Kind      string
	Payload   interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (n *fakeNotifier) Publish(ctx context.Context, attemptID uint, kind string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recordedEvent{AttemptID: attemptID, Kind: kind, Payload: payload})
}

func (n *fakeNotifier) byKind(attemptID uint, kind string) []recordedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []recordedEvent
	for _, e := range n.events {
		if e.AttemptID == attemptID && e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (n *fakeNotifier) progressValues(attemptID uint) []float64 {
	var out []float64
	for _, e := range n.byKind(attemptID, EventProgress) {
		if m, ok := e.Payload.(map[string]interface{}); ok {
			if v, ok := m["progress"].(float64); ok {
				out = append(out, v)
			}
		}
	}
	return out
}

// testEngine wires the services the same way the application does, with inline
// tasks and a local archive.
type testEngine struct {
	db          *gorm.DB
	ai          *fakeAI
	events      *fakeNotifier
	queue       *InlineTaskQueue
	archiveRoot string

	attempts   *repository.AttemptRepository
	responses  *repository.StepResponseRepository
	journeyRep *repository.JourneyRepository
	certs      *repository.CertificateRepository
	users      *repository.UserRepository

	ledger       *TokenLedger
	replies      *ReplyService
	completion   *CompletionService
	certificates *CertificateService
	progression  *ProgressionService
	journeys     *JourneyService
}

var emailSeq int64

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	db := newTestDB(t)
	e := &testEngine{
		db:          db,
		ai:          newFakeAI(),
		events:      &fakeNotifier{},
		queue:       NewInlineTaskQueue(),
		archiveRoot: t.TempDir(),
		attempts:    repository.NewAttemptRepository(db),
		responses:   repository.NewStepResponseRepository(db),
		journeyRep:  repository.NewJourneyRepository(db),
		certs:       repository.NewCertificateRepository(db),
		users:       repository.NewUserRepository(db),
	}

	promptLog := &PromptLogger{Repo: repository.NewPromptLogRepository(db), Model: func() string { return "fake-model" }}
	archive := &ArchiveService{Provider: &LocalStorageProvider{Root: e.archiveRoot}}
	loader := NewPromptContextLoader(db)
	rater := NewRater(e.ai, DefaultRatingTries)

	e.ledger = NewTokenLedger(db, repository.NewTokenRepository(db))
	e.replies = NewReplyService(e.attempts, e.responses, loader, e.ai, promptLog, e.events)
	e.completion = NewCompletionService(db, e.attempts, e.journeyRep, e.responses, loader, e.ai, promptLog, archive, e.queue, e.events)
	e.certificates = NewCertificateService(db, e.certs, e.journeyRep, e.attempts, e.responses, e.users,
		e.ai, promptLog, archive, e.queue, e.events, "https://learn.example.com/")
	e.progression = NewProgressionService(db, e.attempts, e.journeyRep, e.responses, loader, rater, promptLog, e.completion, e.queue, e.events)
	e.journeys = NewJourneyService(db, e.journeyRep, e.attempts, e.responses, e.ledger, e.completion, e.queue, e.events)

	RegisterTaskHandlers(e.queue, e.replies, e.completion, e.certificates)
	return e
}

func (e *testEngine) seedUser(t *testing.T, role model.UserRole) *model.User {
	t.Helper()
	n := atomic.AddInt64(&emailSeq, 1)
	u := &model.User{
		Name:      fmt.Sprintf("Learner %d", n),
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     fmt.Sprintf("learner%d@example.com", n),
		Role:      role,
	}
	require.NoError(t, e.users.Create(u))
	return u
}

// seedJourney creates a published journey whose steps pass at 3 and allow three
// attempts and one follow-up each.
func (e *testEngine) seedJourney(t *testing.T, steps int, mutate ...func(*model.Journey)) *model.Journey {
	t.Helper()
	j := &model.Journey{
		Title:       "Fractions",
		Description: "Adding and comparing fractions",
		IsPublished: true,
	}
	for i := 1; i <= steps; i++ {
		j.Steps = append(j.Steps, model.JourneyStep{
			Title:          fmt.Sprintf("Step %d", i),
			Content:        fmt.Sprintf("Explain idea %d", i),
			Order:          i,
			RatePass:       3,
			MaxAttempts:    3,
			MaxFollowups:   1,
			ExpectedOutput: "A short explanation",
		})
	}
	for _, m := range mutate {
		m(j)
	}
	require.NoError(t, e.journeyRep.Create(j))

	loaded, err := e.journeyRep.FindWithSteps(j.ID)
	require.NoError(t, err)
	return loaded
}

func (e *testEngine) grant(t *testing.T, userID uint, amount int, expiresAt *time.Time) {
	t.Helper()
	_, err := e.ledger.Grant(context.Background(), GrantInput{UserID: userID, Amount: amount, ExpiresAt: expiresAt})
	require.NoError(t, err)
}

func (e *testEngine) start(t *testing.T, user *model.User, journey *model.Journey) *model.JourneyAttempt {
	t.Helper()
	res, err := e.journeys.StartJourney(context.Background(), StartInput{
		JourneyID: journey.ID,
		UserID:    user.ID,
		Role:      user.Role,
	})
	require.NoError(t, err)
	return res.Attempt
}

func (e *testEngine) submit(t *testing.T, attempt *model.JourneyAttempt, text string) *ProgressResult {
	t.Helper()
	res, err := e.progression.Submit(context.Background(), SubmitInput{
		AttemptID: attempt.ID,
		UserID:    attempt.UserID,
		UserInput: text,
	})
	require.NoError(t, err)
	return res
}

// finish runs a fresh attempt through every step with passing ratings.
func (e *testEngine) finish(t *testing.T, user *model.User, journey *model.Journey) *model.JourneyAttempt {
	t.Helper()
	attempt := e.start(t, user, journey)
	for i := range journey.Steps {
		e.submit(t, attempt, fmt.Sprintf("answer %d", i+1))
	}
	reloaded := e.reload(t, attempt.ID)
	require.Equal(t, model.AttemptStatusAwaitingFeedback, reloaded.Status)
	return reloaded
}

func (e *testEngine) reload(t *testing.T, attemptID uint) *model.JourneyAttempt {
	t.Helper()
	a, err := e.attempts.FindByID(attemptID)
	require.NoError(t, err)
	return a
}

func (e *testEngine) responsesOf(t *testing.T, attemptID uint) []model.JourneyStepResponse {
	t.Helper()
	rows, err := e.responses.ListByAttempt(attemptID)
	require.NoError(t, err)
	return rows
}
