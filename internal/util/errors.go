package util

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrJourneyNotFound     = errors.New("journey not found")
	ErrAttemptNotFound     = errors.New("attempt not found")
	ErrStepNotFound        = errors.New("step not found")
	ErrInvalidState        = errors.New("attempt is not in a progressable state")
	ErrAlreadySubmitted    = errors.New("feedback already submitted")
	ErrInvalidRating       = errors.New("rating must be between 1 and 5")
	ErrNotEligible         = errors.New("not eligible for certificate")
	ErrInsufficientTokens  = errors.New("not enough tokens to start this journey")
	ErrActiveAttemptExists = errors.New("user already has an active attempt")
	ErrStaleAttempt        = errors.New("attempt was modified concurrently")
	ErrDuplicateSubmission = errors.New("submission already processed")
	ErrAIUnavailable       = errors.New("ai service unavailable")
	ErrEmptyInput          = errors.New("response text is required")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrCertificateDisabled = errors.New("certificate is disabled")
	ErrInstitutionDenied   = errors.New("institution is not authorized to issue this certificate")
	ErrInvalidAmount       = errors.New("token amount must be positive")
)

// InsufficientTokensError carries the shortfall of a failed token spend.
type InsufficientTokensError struct {
	Required  int
	Available int
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("need %d tokens, %d available", e.Required, e.Available)
}

func (e *InsufficientTokensError) Unwrap() error { return ErrInsufficientTokens }
