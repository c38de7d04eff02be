package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"journey_backend/internal/model"
	"journey_backend/internal/repository"
	"journey_backend/internal/util"
	"journey_backend/pkg/logger"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 证书变量名
const (
	CertVarFullName       = "profile.full_name"
	CertVarCollectionName = "collection.name"
	CertVarJourneyCount   = "journey.count"
	CertVarQRCode         = "qr.code"
	CertVarQRImage        = "qr.image"
	CertVarIssuedDate     = "certificate.issued_date"
)

// IssueInput describes one certificate issuance.
type IssueInput struct {
	CertificateID uint
	UserID        uint
	CollectionID  *uint
	// Institution is the preferred issuing institution; nil falls back to the
	// learner's own and then to the certificate's first institution.
	InstitutionID *uint
	Variables     map[string]interface{}
	Overrides     map[string]interface{}
}

type CertificateIssuedPayload struct {
	IssueID   uint `json:"issueId"`
	AttemptID uint `json:"attemptId"`
}

type CertificateService struct {
	db        *gorm.DB
	certs     *repository.CertificateRepository
	journeys  *repository.JourneyRepository
	attempts  *repository.AttemptRepository
	responses *repository.StepResponseRepository
	users     *repository.UserRepository
	ai        AIClient
	promptLog *PromptLogger
	archive   *ArchiveService
	queue     TaskQueue
	notifier  Notifier
	publicURL string
	now       func() time.Time
}

func NewCertificateService(
	db *gorm.DB,
	certs *repository.CertificateRepository,
	journeys *repository.JourneyRepository,
	attempts *repository.AttemptRepository,
	responses *repository.StepResponseRepository,
	users *repository.UserRepository,
	ai AIClient,
	promptLog *PromptLogger,
	archive *ArchiveService,
	queue TaskQueue,
	notifier Notifier,
	publicURL string,
) *CertificateService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &CertificateService{
		db:        db,
		certs:     certs,
		journeys:  journeys,
		attempts:  attempts,
		responses: responses,
		users:     users,
		ai:        ai,
		promptLog: promptLog,
		archive:   archive,
		queue:     queue,
		notifier:  notifier,
		publicURL: strings.TrimRight(publicURL, "/"),
		now:       time.Now,
	}
}

// CheckEligibility returns the collection and its published journeys when the user
// completed every one of them outside preview mode.
func (s *CertificateService) CheckEligibility(userID, collectionID uint) (*model.JourneyCollection, []model.Journey, error) {
	collection, err := s.journeys.FindCollection(collectionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, util.ErrNotEligible
		}
		return nil, nil, err
	}
	if !collection.IsActive || collection.CertificateID == nil {
		return nil, nil, util.ErrNotEligible
	}

	journeys, err := s.journeys.ListPublishedInCollection(collectionID)
	if err != nil {
		return nil, nil, err
	}
	if len(journeys) == 0 {
		return nil, nil, util.ErrNotEligible
	}
	ids := make([]uint, len(journeys))
	for i, j := range journeys {
		ids[i] = j.ID
	}
	done, err := s.attempts.CompletedJourneyIDs(userID, ids)
	if err != nil {
		return nil, nil, err
	}
	if len(done) < len(ids) {
		return nil, nil, util.ErrNotEligible
	}
	return collection, journeys, nil
}

// IssueForCollection issues the collection certificate if the user is eligible. An
// issue that already exists is returned unchanged with created=false.
func (s *CertificateService) IssueForCollection(ctx context.Context, userID, collectionID uint) (*model.CertificateIssue, bool, error) {
	collection, journeys, err := s.CheckEligibility(userID, collectionID)
	if err != nil {
		return nil, false, err
	}
	cid := collection.ID
	return s.Issue(ctx, IssueInput{
		CertificateID: *collection.CertificateID,
		UserID:        userID,
		CollectionID:  &cid,
		InstitutionID: collection.InstitutionID,
		Variables: map[string]interface{}{
			CertVarCollectionName: collection.Name,
			CertVarJourneyCount:   len(journeys),
		},
	})
}

// Issue creates the certificate issue for a user exactly once.
func (s *CertificateService) Issue(ctx context.Context, in IssueInput) (*model.CertificateIssue, bool, error) {
	cert, err := s.certs.FindByID(in.CertificateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, util.ErrCertificateNotFound
		}
		return nil, false, err
	}
	if !cert.Enabled {
		return nil, false, util.ErrCertificateDisabled
	}

	if existing, err := s.certs.FindIssue(cert.ID, in.UserID); err != nil || existing != nil {
		return existing, false, err
	}

	user, err := s.users.FindByID(in.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, util.ErrUserNotFound
		}
		return nil, false, err
	}

	institution, err := resolveIssuingInstitution(cert, user, in.InstitutionID)
	if err != nil {
		return nil, false, err
	}

	qr, err := s.uniqueQRCode()
	if err != nil {
		return nil, false, err
	}

	issuedAt := s.now()
	payload, err := buildCertificatePayload(cert, user, institution, issuedAt, qr, s.verificationURL(qr), in.Variables, in.Overrides)
	if err != nil {
		return nil, false, err
	}

	issue := &model.CertificateIssue{
		CertificateID: cert.ID,
		UserID:        user.ID,
		CollectionID:  in.CollectionID,
		QRCode:        qr,
		IssuedAt:      issuedAt,
		ExpiresAt:     cert.ExpiresAt(issuedAt),
		Payload:       string(payload),
	}
	if institution != nil {
		issue.InstitutionID = &institution.ID
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.certs.WithTx(tx).CreateIssue(issue)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 并发签发：以已存在的记录为准
			existing, ferr := s.certs.FindIssue(cert.ID, in.UserID)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, err
	}

	logger.Log.Info("Certificate issued",
		zap.Uint("issueId", issue.ID),
		zap.Uint("certificateId", cert.ID),
		zap.Uint("userId", user.ID))
	return issue, true, nil
}

// resolveIssuingInstitution picks the preferred institution, then the learner's, then
// the certificate's first. A certificate without institutions is unrestricted.
func resolveIssuingInstitution(cert *model.Certificate, user *model.User, preferred *uint) (*model.Institution, error) {
	if len(cert.Institutions) == 0 {
		return nil, nil
	}
	var target *uint
	switch {
	case preferred != nil:
		target = preferred
	case user.InstitutionID != nil:
		target = user.InstitutionID
	default:
		return &cert.Institutions[0], nil
	}
	for i := range cert.Institutions {
		if cert.Institutions[i].ID == *target {
			return &cert.Institutions[i], nil
		}
	}
	return nil, util.ErrInstitutionDenied
}

func (s *CertificateService) uniqueQRCode() (string, error) {
	for i := 0; i < 5; i++ {
		code := strings.ReplaceAll(uuid.NewString(), "-", "")
		exists, err := s.certs.QRCodeExists(code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", errors.New("could not allocate a unique certificate code")
}

func (s *CertificateService) verificationURL(code string) string {
	return s.publicURL + "/verify?code=" + url.QueryEscape(code)
}

func buildCertificatePayload(
	cert *model.Certificate,
	user *model.User,
	institution *model.Institution,
	issuedAt time.Time,
	qr, verifyURL string,
	variables, overrides map[string]interface{},
) ([]byte, error) {
	vars := map[string]interface{}{
		CertVarFullName:       user.Name,
		CertVarCollectionName: nil,
		CertVarJourneyCount:   0,
		CertVarIssuedDate:     issuedAt.Format("January 2, 2006"),
	}
	for k, v := range variables {
		vars[k] = v
	}
	vars[CertVarQRCode] = qr
	vars[CertVarQRImage] = verifyURL

	payload := map[string]interface{}{
		"certificate": map[string]interface{}{
			"id":            cert.ID,
			"name":          cert.Name,
			"validity_days": cert.ValidityDays,
		},
		"user": map[string]interface{}{
			"id":    user.ID,
			"email": user.Email,
		},
		"institution": nil,
		"variables":   vars,
		"elements":    []interface{}{},
	}
	if institution != nil {
		payload["institution"] = map[string]interface{}{"id": institution.ID, "name": institution.Name}
	}
	for k, v := range overrides {
		switch k {
		case "variables":
			continue
		case "elements":
			payload["elements"] = v
		default:
			payload[k] = mergeOverride(payload[k], v)
		}
	}
	return json.Marshal(payload)
}

// mergeOverride replaces base with override, merging nested objects key by key.
func mergeOverride(base, override interface{}) interface{} {
	b, ok1 := base.(map[string]interface{})
	o, ok2 := override.(map[string]interface{})
	if !ok1 || !ok2 {
		return override
	}
	out := make(map[string]interface{}, len(b)+len(o))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range o {
		out[k] = mergeOverride(out[k], v)
	}
	return out
}

// HandleIssueTask issues the collection certificate after a feedback submission.
// Ineligible users are the normal case and are skipped silently.
func (s *CertificateService) HandleIssueTask(ctx context.Context, task *Task) error {
	var p CertificateTaskPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	issue, created, err := s.IssueForCollection(ctx, p.UserID, p.CollectionID)
	switch {
	case errors.Is(err, util.ErrNotEligible):
		logger.Log.Debug("Certificate not yet earned", zap.Uint("userId", p.UserID), zap.Uint("collectionId", p.CollectionID))
		return nil
	case errors.Is(err, util.ErrCertificateDisabled), errors.Is(err, util.ErrInstitutionDenied), errors.Is(err, util.ErrCertificateNotFound):
		logger.Log.Warn("Certificate not issued", zap.Error(err), zap.Uint("userId", p.UserID), zap.Uint("collectionId", p.CollectionID))
		return nil
	case err != nil:
		return err
	}
	if created {
		enqueue(ctx, s.queue, TaskCertificateIssued, CertificateIssuedPayload{IssueID: issue.ID, AttemptID: p.AttemptID})
	}
	return nil
}

// HandleIssuedTask writes the AI certificate report, archives the payload and
// notifies the learner. Each part is skipped when already done.
func (s *CertificateService) HandleIssuedTask(ctx context.Context, task *Task) error {
	var p CertificateIssuedPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	issue, err := s.certs.FindIssueByID(p.IssueID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Log.Warn("Certificate issue vanished", zap.Uint("issueId", p.IssueID))
			return nil
		}
		return err
	}

	if issue.AIReport == "" {
		if report := s.certificateReport(ctx, issue, p.AttemptID); report != "" {
			if err := s.certs.UpdateIssueFields(issue.ID, map[string]interface{}{"ai_report": report}); err != nil {
				return err
			}
			issue.AIReport = report
		}
	}

	if issue.ArchiveURL == "" && s.archive != nil {
		doc, err := json.Marshal(map[string]interface{}{
			"qrCode":    issue.QRCode,
			"issuedAt":  issue.IssuedAt,
			"expiresAt": issue.ExpiresAt,
			"payload":   json.RawMessage(issue.Payload),
			"aiReport":  issue.AIReport,
		})
		if err != nil {
			return err
		}
		archived, err := s.archive.Put(ctx, certificateObjectName(issue.QRCode), doc, util.MimeJSON)
		if err != nil {
			return fmt.Errorf("archive certificate %d: %w", issue.ID, err)
		}
		if err := s.certs.UpdateIssueFields(issue.ID, map[string]interface{}{"archive_url": archived}); err != nil {
			return err
		}
		issue.ArchiveURL = archived
	}

	if p.AttemptID != 0 {
		s.notifier.Publish(ctx, p.AttemptID, EventCertificate, map[string]interface{}{
			"issueId":    issue.ID,
			"qrCode":     issue.QRCode,
			"archiveUrl": issue.ArchiveURL,
		})
	}
	return nil
}

// certificateReport asks the AI for a summary over the learner's last counted attempt
// of every journey in the collection. Failures are logged and yield "".
func (s *CertificateService) certificateReport(ctx context.Context, issue *model.CertificateIssue, attemptID uint) string {
	if issue.CollectionID == nil {
		return ""
	}
	collection, err := s.journeys.FindCollection(*issue.CollectionID)
	if err != nil {
		logger.Log.Warn("Certificate collection lookup failed", zap.Error(err), zap.Uint("issueId", issue.ID))
		return ""
	}
	if strings.TrimSpace(collection.CertificatePrompt) == "" {
		return ""
	}
	journeys, err := s.journeys.ListPublishedInCollection(collection.ID)
	if err != nil {
		logger.Log.Warn("Certificate journeys lookup failed", zap.Error(err), zap.Uint("issueId", issue.ID))
		return ""
	}

	var (
		parts  []string
		titles []string
		logRef uint
	)
	for i := range journeys {
		j := &journeys[i]
		titles = append(titles, j.Title)
		attempt, err := s.attempts.LastCountedForJourney(issue.UserID, j.ID)
		if err != nil || attempt == nil {
			continue
		}
		if logRef == 0 {
			logRef = attempt.ID
		}
		rows, err := s.responses.ListByAttempt(attempt.ID)
		if err != nil || len(rows) == 0 {
			continue
		}
		parts = append(parts, "=== Journey: "+j.Title+" ===")
		if j.Description != "" {
			parts = append(parts, "Description: "+j.Description, "")
		}
		for _, r := range rows {
			if r.UserInput != "" {
				parts = append(parts, "Student: "+r.UserInput)
			}
			if r.AIResponse != "" {
				parts = append(parts, "AI: "+r.AIResponse)
			}
		}
		parts = append(parts, "")
	}
	if len(parts) == 0 {
		return ""
	}
	if attemptID != 0 {
		logRef = attemptID
	}

	user, err := s.users.FindByID(issue.UserID)
	if err != nil {
		logger.Log.Warn("Certificate user lookup failed", zap.Error(err), zap.Uint("issueId", issue.ID))
		return ""
	}
	vars := PromptVars{}
	vars.Set("collection_name", collection.Name)
	vars.Set("journey_titles", strings.Join(titles, ", "))
	institution := "Unknown Institution"
	if user.Institution != nil {
		institution = user.Institution.Name
	}
	vars.Set("institution_name", institution)
	system, _ := vars.RenderWithLiterals(collection.CertificatePrompt, 2, LeaveLiteral, map[string]string{
		"student_name":      user.Name,
		"student_firstname": user.DisplayFirstName(),
	})

	comp, err := completeAndLog(ctx, s.ai, s.promptLog, promptLogRef{AttemptID: logRef}, []AIChatMessage{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: strings.Join(parts, "\n")},
	}, CompletionOptions{Purpose: model.PromptActionCertificate, MaxTokens: 4000})
	if err != nil {
		logger.Log.Error("Certificate report failed", zap.Error(err), zap.Uint("issueId", issue.ID))
		return ""
	}
	return strings.TrimSpace(comp.Content)
}
