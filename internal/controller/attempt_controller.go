package controller

import (
	"journey_backend/internal/service"
	"journey_backend/internal/util"
	"journey_backend/pkg/logger"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AttemptController 学习旅程尝试：提交、反馈、报告
type AttemptController struct {
	Journeys    *service.JourneyService
	Progression *service.ProgressionService
	Completion  *service.CompletionService
}

// SubmitRequest 提交一次回答
type SubmitRequest struct {
	UserInput string `json:"userInput" binding:"required" example:"I think the answer is recursion"`
	// Version is the attempt version the client last saw; optional.
	Version *int `json:"version" example:"3"`
}

// FeedbackRequest 学员对整段旅程的评分
type FeedbackRequest struct {
	Rating   int    `json:"rating" binding:"required" example:"5"`
	Feedback string `json:"feedback" example:"Very helpful"`
}

func NewAttemptController(journeys *service.JourneyService, progression *service.ProgressionService, completion *service.CompletionService) *AttemptController {
	return &AttemptController{
		Journeys:    journeys,
		Progression: progression,
		Completion:  completion,
	}
}

func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		util.BadRequest(c, "Invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// viewerID returns 0 for staff, who may read any attempt.
func viewerID(claims *util.Claims) uint {
	if claims.IsStaff() {
		return 0
	}
	return claims.UserID
}

// GetAttempt godoc
// @Summary 获取尝试详情
// @Description 返回尝试状态、进度与当前步骤
// @Tags 学习旅程
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "尝试ID"
// @Success 200 {object} util.Response{data=service.AttemptView}
// @Failure 404 {object} util.Response
// @Router /attempts/{id} [get]
func (ctrl *AttemptController) GetAttempt(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	view, err := ctrl.Journeys.GetAttempt(c.Request.Context(), id, viewerID(claims))
	if err != nil {
		util.DomainError(c, err)
		return
	}
	util.Success(c, view)
}

// Messages godoc
// @Summary 对话记录
// @Tags 学习旅程
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "尝试ID"
// @Success 200 {object} util.Response{data=[]model.JourneyStepResponse}
// @Router /attempts/{id}/messages [get]
func (ctrl *AttemptController) Messages(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	rows, err := ctrl.Journeys.Messages(c.Request.Context(), id, viewerID(claims))
	if err != nil {
		util.DomainError(c, err)
		return
	}
	util.Success(c, rows)
}

// Submit godoc
// @Summary 提交回答
// @Description 评分、推进步骤并异步生成导师回复。可用 Idempotency-Key 头防止重复提交
// @Tags 学习旅程
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "尝试ID"
// @Param Idempotency-Key header string false "提交唯一键"
// @Param request body SubmitRequest true "回答"
// @Success 200 {object} util.Response{data=service.ProgressResult}
// @Failure 409 {object} util.Response{data=service.ProgressResult}
// @Router /attempts/{id}/submit [post]
func (ctrl *AttemptController) Submit(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}

	result, err := ctrl.Progression.Submit(c.Request.Context(), service.SubmitInput{
		AttemptID:       id,
		UserID:          claims.UserID,
		UserInput:       req.UserInput,
		SubmissionKey:   c.GetHeader("Idempotency-Key"),
		ExpectedVersion: req.Version,
	})
	if err != nil {
		code := util.StatusFor(err)
		if code == http.StatusInternalServerError {
			logger.Log.Error("Submit failed", zap.Error(err), zap.Uint("attemptId", id))
		}
		payload := service.ErrorResult(err)
		c.JSON(code, util.Response{Code: code, Message: payload.Message, Data: payload})
		return
	}
	util.Success(c, result)
}

// Feedback godoc
// @Summary 提交旅程反馈
// @Tags 学习旅程
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "尝试ID"
// @Param request body FeedbackRequest true "评分与反馈"
// @Success 200 {object} util.Response{data=model.JourneyAttempt}
// @Failure 409 {object} util.Response "已提交过反馈"
// @Router /attempts/{id}/feedback [post]
func (ctrl *AttemptController) Feedback(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	attempt, err := ctrl.Completion.SubmitFeedback(c.Request.Context(), service.FeedbackInput{
		AttemptID: id,
		UserID:    claims.UserID,
		Rating:    req.Rating,
		Feedback:  req.Feedback,
	})
	if err != nil {
		util.DomainError(c, err)
		return
	}
	util.Success(c, attempt)
}

// Report godoc
// @Summary 生成旅程报告
// @Description 报告缺失时重新生成；已有报告直接返回
// @Tags 学习旅程
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "尝试ID"
// @Success 200 {object} util.Response
// @Router /attempts/{id}/report [post]
func (ctrl *AttemptController) Report(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	report, err := ctrl.Completion.RegenerateReport(c.Request.Context(), id, viewerID(claims))
	if err != nil {
		util.DomainError(c, err)
		return
	}
	util.Success(c, gin.H{"report": report})
}

// Abandon godoc
// @Summary 放弃旅程
// @Tags 学习旅程
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "尝试ID"
// @Success 200 {object} util.Response{data=model.JourneyAttempt}
// @Router /attempts/{id}/abandon [post]
func (ctrl *AttemptController) Abandon(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	attempt, err := ctrl.Journeys.Abandon(c.Request.Context(), id, claims.UserID)
	if err != nil {
		util.DomainError(c, err)
		return
	}
	util.Success(c, attempt)
}
