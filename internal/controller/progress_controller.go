package controller

import (
	"journey_backend/internal/service"
	"journey_backend/internal/util"

	"github.com/gin-gonic/gin"
)

// ProgressController 学习进度实时推送
type ProgressController struct {
	Hub      *service.ProgressHub
	Journeys *service.JourneyService
}

func NewProgressController(hub *service.ProgressHub, journeys *service.JourneyService) *ProgressController {
	return &ProgressController{Hub: hub, Journeys: journeys}
}

// HandleWS godoc
// @Summary 尝试进度 WebSocket
// @Description 推送 progress / response_id / reply / completed / certificate 事件
// @Tags 学习旅程
// @Security ApiKeyAuth
// @Param id path int true "尝试ID"
// @Param token query string true "JWT Token"
// @Success 101 {string} string "Switching Protocols"
// @Router /ws/attempts/{id} [get]
func (ctrl *ProgressController) HandleWS(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if _, err := ctrl.Journeys.GetAttempt(c.Request.Context(), id, viewerID(claims)); err != nil {
		util.DomainError(c, err)
		return
	}
	service.ServeProgressWs(ctrl.Hub, c.Writer, c.Request, id)
}
