package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/agencykit/tokenmeter/internal/app/service/ledger"
	"github.com/agencykit/tokenmeter/internal/app/service/planchange"
	"github.com/agencykit/tokenmeter/pkg/config"
	"github.com/agencykit/tokenmeter/pkg/response"
	"github.com/agencykit/tokenmeter/pkg/types"
)

type ChangePlanRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
	PlanID   string `json:"plan_id" binding:"required"`
}

// @Summary      Change Plan
// @Description  Switches the tenant's plan mid-period with pro-rated token adjustment. The standing balance is preserved.
// @Tags         Plan
// @Accept       json
// @Produce      json
// @Param        request body ChangePlanRequest true "Tenant and target plan"
// @Success      200  {object}  handlers.RespChangePlan
// @Router       /api/v1/plan/change [post]
func ApiChangePlan(svc *planchange.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ChangePlanRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.ChangePlan(c.Request.Context(), req.TenantID, req.PlanID)
		if err != nil {
			switch {
			case errors.Is(err, planchange.ErrUnknownPlan), errors.Is(err, planchange.ErrSamePlan):
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			case errors.Is(err, ledger.ErrSubscriptionNotFound):
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeNotFound, err.Error()))
			default:
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			}
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

type PlanItem struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	MonthlyPrice     float64  `json:"monthly_price"`
	MonthlyTokens    int64    `json:"monthly_tokens"`
	OverageTokenCost float64  `json:"overage_token_cost"`
	OverageEnabled   bool     `json:"overage_enabled"`
	Features         []string `json:"features"`
}

// @Summary      List Plans
// @Description  Returns the configured plan catalog.
// @Tags         Plan
// @Produce      json
// @Success      200  {object}  handlers.RespListPlans
// @Router       /api/v1/plan/list [get]
func ApiListPlans(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		items := lo.Map(cfg.Plans, func(p *types.Plan, _ int) *PlanItem {
			return &PlanItem{
				ID:               p.ID,
				Name:             p.Name,
				MonthlyPrice:     p.MonthlyPrice,
				MonthlyTokens:    p.MonthlyTokens,
				OverageTokenCost: p.OverageTokenCost,
				OverageEnabled:   p.OverageEnabled,
				Features:         p.Features,
			}
		})
		c.JSON(http.StatusOK, response.OKT(items))
	}
}

func RegisterPlanRoutes(r gin.IRouter, svc *planchange.Service, cfg *config.Config) {
	r.POST("/change", ApiChangePlan(svc))
	r.GET("/list", ApiListPlans(cfg))
}
