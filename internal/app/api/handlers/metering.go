package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencykit/tokenmeter/internal/app/service/catalog"
	"github.com/agencykit/tokenmeter/internal/app/service/ledger"
	"github.com/agencykit/tokenmeter/internal/app/service/metering"
	"github.com/agencykit/tokenmeter/pkg/response"
)

type AuthorizeRequest struct {
	TenantID   string `json:"tenant_id" binding:"required"`
	ActionType string `json:"action_type" binding:"required"`
}

// @Summary      Authorize Consumption
// @Description  Resolves the token cost of an action and atomically debits the tenant's balance. Denied calls mutate nothing.
// @Tags         Metering
// @Accept       json
// @Produce      json
// @Param        request body AuthorizeRequest true "Tenant and action type"
// @Success      200  {object}  handlers.RespAuthorize
// @Router       /api/v1/metering/authorize [post]
func ApiAuthorize(svc *metering.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AuthorizeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}

		decision, err := svc.Authorize(c.Request.Context(), req.TenantID, req.ActionType)
		if err != nil {
			switch {
			case errors.Is(err, catalog.ErrUnknownActionType):
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			case errors.Is(err, ledger.ErrSubscriptionNotFound):
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeNotFound, err.Error()))
			case errors.Is(err, ledger.ErrDebitsHalted), errors.Is(err, ledger.ErrSubscriptionRetired):
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeDenied, err.Error()))
			default:
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			}
			return
		}
		c.JSON(http.StatusOK, response.OKT(decision))
	}
}

type BalanceResponse struct {
	TenantID             string `json:"tenant_id"`
	PlanID               string `json:"plan_id"`
	TokenBalance         int64  `json:"token_balance"`
	MonthlyAllocation    int64  `json:"monthly_allocation"`
	TokensUsedThisPeriod int64  `json:"tokens_used_this_period"`
	LifetimeTokensUsed   int64  `json:"lifetime_tokens_used"`
	CurrentPeriodStart   string `json:"current_period_start"`
	CurrentPeriodEnd     string `json:"current_period_end"`
	OverageEnabled       bool   `json:"overage_enabled"`
	BillingFlag          bool   `json:"billing_flag"`
}

// @Summary      Get Token Balance
// @Description  Returns the tenant's current balance and period usage.
// @Tags         Metering
// @Produce      json
// @Param        tenant_id path string true "Tenant ID"
// @Success      200  {object}  handlers.RespBalance
// @Router       /api/v1/metering/balance/{tenant_id} [get]
func ApiGetBalance(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Param("tenant_id")
		if tenantID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing tenant_id"))
			return
		}
		sub, err := led.GetSubscription(c.Request.Context(), tenantID)
		if err != nil {
			if errors.Is(err, ledger.ErrSubscriptionNotFound) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeNotFound, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&BalanceResponse{
			TenantID:             sub.TenantID,
			PlanID:               sub.PlanID,
			TokenBalance:         sub.TokenBalance,
			MonthlyAllocation:    sub.MonthlyAllocation,
			TokensUsedThisPeriod: sub.TokensUsedThisPeriod,
			LifetimeTokensUsed:   sub.LifetimeTokensUsed,
			CurrentPeriodStart:   sub.CurrentPeriodStart.Format("2006-01-02T15:04:05Z07:00"),
			CurrentPeriodEnd:     sub.CurrentPeriodEnd.Format("2006-01-02T15:04:05Z07:00"),
			OverageEnabled:       sub.OverageEnabled,
			BillingFlag:          sub.BillingFlag,
		}))
	}
}

func RegisterMeteringRoutes(r gin.IRouter, svc *metering.Service, led *ledger.Service) {
	r.POST("/authorize", ApiAuthorize(svc))
	r.GET("/balance/:tenant_id", ApiGetBalance(led))
}
