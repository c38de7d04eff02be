package controller

import (
	"journey_backend/internal/service"
	"journey_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type JourneyController struct {
	Journeys *service.JourneyService
}

// StartJourneyRequest 开始旅程
type StartJourneyRequest struct {
	Preview bool   `json:"preview" example:"false"`
	Mode    string `json:"mode" example:"chat"`
}

func NewJourneyController(journeys *service.JourneyService) *JourneyController {
	return &JourneyController{Journeys: journeys}
}

// Start godoc
// @Summary 开始学习旅程
// @Description 扣除旅程所需 token 并创建尝试；预览模式仅限编辑与管理员
// @Tags 学习旅程
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path int true "旅程ID"
// @Param request body StartJourneyRequest false "启动参数"
// @Success 201 {object} util.Response{data=service.StartResult}
// @Failure 402 {object} util.Response "token 不足"
// @Failure 409 {object} util.Response "已有进行中的尝试"
// @Router /journeys/{id}/start [post]
func (ctrl *JourneyController) Start(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req StartJourneyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			util.BadRequest(c, err.Error())
			return
		}
	}

	result, err := ctrl.Journeys.StartJourney(c.Request.Context(), service.StartInput{
		JourneyID: id,
		UserID:    claims.UserID,
		Role:      claims.Role,
		Preview:   req.Preview,
		Mode:      req.Mode,
	})
	if err != nil {
		util.DomainError(c, err)
		return
	}
	util.Created(c, result)
}
