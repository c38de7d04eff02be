package controller

import (
	"journey_backend/internal/service"
	"journey_backend/internal/util"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

type TokenController struct {
	Ledger *service.TokenLedger
}

func NewTokenController(ledger *service.TokenLedger) *TokenController {
	return &TokenController{Ledger: ledger}
}

// Balance godoc
// @Summary token 余额
// @Description 返回可用余额及最近流水
// @Tags Token
// @Produce json
// @Security ApiKeyAuth
// @Param limit query int false "流水条数" default(20)
// @Success 200 {object} util.Response
// @Router /tokens/balance [get]
func (ctrl *TokenController) Balance(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	balance, err := ctrl.Ledger.Balance(c.Request.Context(), claims.UserID)
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	history, err := ctrl.Ledger.History(c.Request.Context(), claims.UserID, limit)
	if err != nil {
		util.LogInternalError(c, err)
		return
	}
	util.Success(c, gin.H{
		"balance":      balance,
		"transactions": history,
	})
}

// GrantRequest 发放 token
type GrantRequest struct {
	UserID    uint       `json:"userId" binding:"required" example:"12"`
	Amount    int        `json:"amount" binding:"required" example:"100"`
	Source    string     `json:"source" example:"manual"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Notes     string     `json:"notes"`
}

// Grant godoc
// @Summary 发放 token
// @Tags Token
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body GrantRequest true "发放参数"
// @Success 201 {object} util.Response{data=model.UserTokenGrant}
// @Router /admin/tokens/grant [post]
func (ctrl *TokenController) Grant(c *gin.Context) {
	claims := util.GetUserFromContext(c)
	if claims == nil {
		util.Unauthorized(c)
		return
	}
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		util.BadRequest(c, err.Error())
		return
	}
	grantedBy := claims.UserID
	grant, err := ctrl.Ledger.Grant(c.Request.Context(), service.GrantInput{
		UserID:    req.UserID,
		Amount:    req.Amount,
		Source:    req.Source,
		ExpiresAt: req.ExpiresAt,
		GrantedBy: &grantedBy,
		Notes:     req.Notes,
	})
	if err != nil {
		util.DomainError(c, err)
		return
	}
	util.Created(c, grant)
}
