package util

import (
	"errors"
	"journey_backend/pkg/logger"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    http.StatusCreated,
		Message: "created",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(code, Response{
		Code:    code,
		Message: message,
	})
}

func Unauthorized(c *gin.Context) {
	Error(c, http.StatusUnauthorized, "Unauthorized")
}

func Forbidden(c *gin.Context) {
	Error(c, http.StatusForbidden, "Forbidden")
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func NotFound(c *gin.Context) {
	Error(c, http.StatusNotFound, "Resource not found")
}

func InternalServerError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, "Internal server error")
}

func LogInternalError(c *gin.Context, err error) {
	logger.Log.Error("Internal server error", zap.Error(err), zap.String("path", c.FullPath()))
	InternalServerError(c)
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrAttemptNotFound),
		errors.Is(err, ErrStepNotFound),
		errors.Is(err, ErrJourneyNotFound),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrCertificateNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrInstitutionDenied),
		errors.Is(err, ErrNotEligible):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrAlreadySubmitted),
		errors.Is(err, ErrActiveAttemptExists),
		errors.Is(err, ErrStaleAttempt),
		errors.Is(err, ErrDuplicateSubmission),
		errors.Is(err, ErrCertificateDisabled):
		return http.StatusConflict
	case errors.Is(err, ErrInsufficientTokens):
		return http.StatusPaymentRequired
	case errors.Is(err, ErrInvalidRating),
		errors.Is(err, ErrEmptyInput),
		errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ErrAIUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// DomainError writes err with its mapped status; unknown errors are logged and hidden.
func DomainError(c *gin.Context, err error) {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		LogInternalError(c, err)
		return
	}
	Error(c, code, err.Error())
}
