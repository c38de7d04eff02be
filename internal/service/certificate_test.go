package service

import (
	"context"
	"encoding/json"
	"journey_backend/internal/model"
	"journey_backend/internal/util"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type certFixture struct {
	cert       *model.Certificate
	collection *model.JourneyCollection
	journeys   []*model.Journey
}

func (e *testEngine) seedCollection(t *testing.T, journeys int, certificatePrompt string) *certFixture {
	t.Helper()
	days := 365
	cert := &model.Certificate{Name: "Fractions Certificate", Enabled: true, ValidityDays: &days}
	require.NoError(t, e.db.Create(cert).Error)

	collection := &model.JourneyCollection{
		Name:              "Fractions Track",
		IsActive:          true,
		CertificateID:     &cert.ID,
		CertificatePrompt: certificatePrompt,
	}
	require.NoError(t, e.db.Create(collection).Error)

	f := &certFixture{cert: cert, collection: collection}
	for i := 0; i < journeys; i++ {
		f.journeys = append(f.journeys, e.seedJourney(t, 1, func(j *model.Journey) {
			j.CollectionID = &collection.ID
			j.Title = "Fractions " + string(rune('A'+i))
		}))
	}
	return f
}

func (e *testEngine) completeWithFeedback(t *testing.T, user *model.User, journey *model.Journey) *model.JourneyAttempt {
	t.Helper()
	attempt := e.finish(t, user, journey)
	done, err := e.completion.SubmitFeedback(context.Background(), FeedbackInput{AttemptID: attempt.ID, UserID: user.ID, Rating: 5})
	require.NoError(t, err)
	return done
}

func TestCertificateEligibility(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	f := e.seedCollection(t, 2, "")

	_, _, err := e.certificates.CheckEligibility(user.ID, f.collection.ID)
	assert.ErrorIs(t, err, util.ErrNotEligible)

	e.completeWithFeedback(t, user, f.journeys[0])
	_, _, err = e.certificates.CheckEligibility(user.ID, f.collection.ID)
	assert.ErrorIs(t, err, util.ErrNotEligible)

	// 预览尝试不计入证书
	now := time.Now()
	require.NoError(t, e.db.Create(&model.JourneyAttempt{
		UserID: user.ID, JourneyID: f.journeys[1].ID, Type: model.AttemptTypePreview,
		Mode: model.AttemptModeChat, Status: model.AttemptStatusCompleted, StartedAt: now, CompletedAt: &now, Version: 1,
	}).Error)
	_, _, err = e.certificates.CheckEligibility(user.ID, f.collection.ID)
	assert.ErrorIs(t, err, util.ErrNotEligible)

	e.completeWithFeedback(t, user, f.journeys[1])
	collection, journeys, err := e.certificates.CheckEligibility(user.ID, f.collection.ID)
	require.NoError(t, err)
	assert.Equal(t, f.collection.ID, collection.ID)
	assert.Len(t, journeys, 2)

	_, _, err = e.certificates.CheckEligibility(user.ID, 9999)
	assert.ErrorIs(t, err, util.ErrNotEligible)
}

func TestCertificateIssuedAfterLastFeedback(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	f := e.seedCollection(t, 2, "Summarize {student_firstname}'s work in {collection_name}")

	e.completeWithFeedback(t, user, f.journeys[0])
	issue, err := e.certs.FindIssue(f.cert.ID, user.ID)
	require.NoError(t, err)
	assert.Nil(t, issue)

	last := e.completeWithFeedback(t, user, f.journeys[1])
	issue, err = e.certs.FindIssue(f.cert.ID, user.ID)
	require.NoError(t, err)
	require.NotNil(t, issue)

	assert.Len(t, issue.QRCode, 32)
	require.NotNil(t, issue.CollectionID)
	assert.Equal(t, f.collection.ID, *issue.CollectionID)
	require.NotNil(t, issue.ExpiresAt)
	assert.WithinDuration(t, issue.IssuedAt.AddDate(0, 0, 365), *issue.ExpiresAt, time.Second)
	assert.Equal(t, testCertSummary, issue.AIReport)
	assert.Equal(t, "/archive/"+certificateObjectName(issue.QRCode), issue.ArchiveURL)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(issue.Payload), &payload))
	vars := payload["variables"].(map[string]interface{})
	assert.Equal(t, "Fractions Track", vars[CertVarCollectionName])
	assert.Equal(t, float64(2), vars[CertVarJourneyCount])
	assert.Equal(t, issue.QRCode, vars[CertVarQRCode])
	assert.Equal(t, "https://learn.example.com/verify?code="+issue.QRCode, vars[CertVarQRImage])

	prompt := e.ai.lastMessages(model.PromptActionCertificate)
	require.Len(t, prompt, 2)
	assert.Equal(t, "Summarize Ada's work in Fractions Track", prompt[0].Content)
	assert.Contains(t, prompt[1].Content, "=== Journey: Fractions A ===")
	assert.Contains(t, prompt[1].Content, "=== Journey: Fractions B ===")
	assert.Contains(t, prompt[1].Content, "Student: answer 1")
	assert.Contains(t, prompt[1].Content, "AI: "+testReply)

	events := e.events.byKind(last.ID, EventCertificate)
	require.Len(t, events, 1)
	assert.Equal(t, issue.QRCode, events[0].Payload.(map[string]interface{})["qrCode"])
}

func TestCertificateIssuedOnce(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	f := e.seedCollection(t, 1, "")
	e.completeWithFeedback(t, user, f.journeys[0])
	ctx := context.Background()

	first, err := e.certs.FindIssue(f.cert.ID, user.ID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Empty(t, first.AIReport)
	assert.Zero(t, e.ai.callCount(model.PromptActionCertificate))

	again, created, err := e.certificates.IssueForCollection(ctx, user.ID, f.collection.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.QRCode, again.QRCode)

	var count int64
	require.NoError(t, e.db.Model(&model.CertificateIssue{}).Where("user_id = ?", user.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCertificateDisabledOrMissing(t *testing.T) {
	e := newTestEngine(t)
	user := e.seedUser(t, model.Student)
	f := e.seedCollection(t, 1, "")
	ctx := context.Background()

	require.NoError(t, e.db.Model(f.cert).Update("enabled", false).Error)
	_, _, err := e.certificates.Issue(ctx, IssueInput{CertificateID: f.cert.ID, UserID: user.ID})
	assert.ErrorIs(t, err, util.ErrCertificateDisabled)

	_, _, err = e.certificates.Issue(ctx, IssueInput{CertificateID: 777, UserID: user.ID})
	assert.ErrorIs(t, err, util.ErrCertificateNotFound)

	// 后台任务对禁用证书静默跳过
	e.completeWithFeedback(t, user, f.journeys[0])
	issue, err := e.certs.FindIssue(f.cert.ID, user.ID)
	require.NoError(t, err)
	assert.Nil(t, issue)
}

func TestCertificateInstitutionResolution(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	north := &model.Institution{Name: "North College"}
	south := &model.Institution{Name: "South College"}
	require.NoError(t, e.db.Create(north).Error)
	require.NoError(t, e.db.Create(south).Error)

	cert := &model.Certificate{Name: "Restricted", Enabled: true, Institutions: []model.Institution{*north}}
	require.NoError(t, e.db.Create(cert).Error)

	member := e.seedUser(t, model.Student)
	require.NoError(t, e.db.Model(member).Update("institution_id", north.ID).Error)
	outsider := e.seedUser(t, model.Student)
	require.NoError(t, e.db.Model(outsider).Update("institution_id", south.ID).Error)
	unaffiliated := e.seedUser(t, model.Student)

	issue, created, err := e.certificates.Issue(ctx, IssueInput{CertificateID: cert.ID, UserID: member.ID})
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, issue.InstitutionID)
	assert.Equal(t, north.ID, *issue.InstitutionID)
	assert.Nil(t, issue.ExpiresAt)

	_, _, err = e.certificates.Issue(ctx, IssueInput{CertificateID: cert.ID, UserID: outsider.ID})
	assert.ErrorIs(t, err, util.ErrInstitutionDenied)

	issue, _, err = e.certificates.Issue(ctx, IssueInput{CertificateID: cert.ID, UserID: unaffiliated.ID})
	require.NoError(t, err)
	require.NotNil(t, issue.InstitutionID)
	assert.Equal(t, north.ID, *issue.InstitutionID)
	assert.True(t, strings.Contains(issue.Payload, "North College"))
}

func TestBuildCertificatePayloadOverrides(t *testing.T) {
	cert := &model.Certificate{Name: "Base"}
	cert.ID = 3
	user := &model.User{Name: "Ada Lovelace", Email: "ada@example.com"}
	user.ID = 9
	issuedAt := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	raw, err := buildCertificatePayload(cert, user, nil, issuedAt, "qr1", "https://x/verify?code=qr1",
		map[string]interface{}{CertVarJourneyCount: 4},
		map[string]interface{}{
			"certificate": map[string]interface{}{"name": "Renamed"},
			"elements":    []interface{}{"seal"},
			"variables":   map[string]interface{}{CertVarQRCode: "forged"},
		})
	require.NoError(t, err)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))
	certPart := payload["certificate"].(map[string]interface{})
	assert.Equal(t, "Renamed", certPart["name"])
	assert.Equal(t, float64(3), certPart["id"])
	assert.Equal(t, []interface{}{"seal"}, payload["elements"])
	assert.Nil(t, payload["institution"])

	vars := payload["variables"].(map[string]interface{})
	assert.Equal(t, "qr1", vars[CertVarQRCode])
	assert.Equal(t, float64(4), vars[CertVarJourneyCount])
	assert.Equal(t, "March 14, 2026", vars[CertVarIssuedDate])
	assert.Equal(t, "Ada Lovelace", vars[CertVarFullName])
}
