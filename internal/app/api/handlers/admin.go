package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/agencykit/tokenmeter/internal/app/service/catalog"
	"github.com/agencykit/tokenmeter/internal/app/service/ledger"
	"github.com/agencykit/tokenmeter/internal/app/service/rollover"
	"github.com/agencykit/tokenmeter/internal/app/service/statistics"
	"github.com/agencykit/tokenmeter/internal/models"
	"github.com/agencykit/tokenmeter/pkg/response"
	"github.com/agencykit/tokenmeter/pkg/types"
)

type ListTokenTransactionsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type TokenTransactionItem struct {
	ID             string                     `json:"id"`
	TenantID       string                     `json:"tenant_id"`
	SubscriptionID string                     `json:"subscription_id"`
	Type           types.TokenTransactionType `json:"type"`
	Tokens         int64                      `json:"tokens"`
	BalanceBefore  int64                      `json:"balance_before"`
	BalanceAfter   int64                      `json:"balance_after"`
	ActionType     *string                    `json:"action_type"`
	Description    string                     `json:"description"`
	CreatedAt      time.Time                  `json:"created_at"`
}

func toTokenTransactionItem(m *models.TokenTransaction) *TokenTransactionItem {
	return &TokenTransactionItem{
		ID:             m.ID,
		TenantID:       m.TenantID,
		SubscriptionID: m.SubscriptionID,
		Type:           m.Type,
		Tokens:         m.Tokens,
		BalanceBefore:  m.BalanceBefore,
		BalanceAfter:   m.BalanceAfter,
		ActionType:     m.ActionType,
		Description:    m.Description,
		CreatedAt:      m.CreatedAt,
	}
}

type ListTokenTransactionsResponse struct {
	Items []*TokenTransactionItem `json:"items"`
	Total int64                   `json:"total"`
}

// @Summary      List Token Transactions (Admin)
// @Description  Retrieves a paginated and filterable slice of the token ledger.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ListTokenTransactionsRequest true "Filters, pagination, and sorting"
// @Success      200  {object}  handlers.RespListTokenTransactions
// @Router       /api/v1/admin/list_token_transactions [post]
func ApiListTokenTransactions(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListTokenTransactionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		scanReq := &ledger.ScanTransactionsRequest{Filters: req.Filters, From: req.From, Size: req.Size, SortBy: req.SortBy, SortOrder: req.SortOrder}
		res, err := led.ScanTransactions(c.Request.Context(), scanReq)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		items := lo.Map(res.Items, func(it *models.TokenTransaction, _ int) *TokenTransactionItem { return toTokenTransactionItem(it) })
		c.JSON(http.StatusOK, response.OKT(&ListTokenTransactionsResponse{Items: items, Total: res.Total}))
	}
}

type GrantTokensRequest struct {
	TenantID    string `json:"tenant_id"`
	Tokens      int64  `json:"tokens"`
	Type        string `json:"type"` // refill or bonus
	OperatorID  string `json:"operator_id"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// @Summary      Grant Tokens (Admin)
// @Description  Credits a tenant with refill or bonus tokens. Top-up purchases land here as refill rows.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body GrantTokensRequest true "Grant request"
// @Success      200  {object}  handlers.RespGrantTokens
// @Router       /api/v1/admin/grant_tokens [post]
func ApiGrantTokens(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GrantTokensRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if req.TenantID == "" || req.Tokens <= 0 || req.OperatorID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing tenant_id, positive tokens or operator_id"))
			return
		}
		grantType := types.TokenTransactionTypeRefill
		if req.Type == string(types.TokenTransactionTypeBonus) {
			grantType = types.TokenTransactionTypeBonus
		}
		txn, err := led.ApplyDelta(c.Request.Context(), &ledger.ApplyDeltaRequest{
			TenantID:    req.TenantID,
			Delta:       req.Tokens,
			Type:        grantType,
			Description: req.Description,
			Extra: &models.TokenTransactionExtra{Grant: &models.GrantExtra{
				OperatorID: req.OperatorID,
				Reference:  req.Reference,
			}},
		})
		if err != nil {
			if errors.Is(err, ledger.ErrSubscriptionNotFound) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeNotFound, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(toTokenTransactionItem(txn)))
	}
}

// @Summary      Create Subscription (Admin)
// @Description  Opens a tenant subscription on a configured plan and grants the first allocation.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ledger.CreateSubscriptionRequest true "Create subscription request"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/create_subscription [post]
func ApiCreateSubscription(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ledger.CreateSubscriptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		sub, err := led.CreateSubscription(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(sub))
	}
}

type TenantRequest struct {
	TenantID string `json:"tenant_id" binding:"required"`
}

// @Summary      Retire Subscription (Admin)
// @Description  Soft-retires the tenant's subscription; the ledger stays intact.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body TenantRequest true "Tenant"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/retire_subscription [post]
func ApiRetireSubscription(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TenantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err := led.RetireSubscription(c.Request.Context(), req.TenantID); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

// @Summary      Reconcile Ledger (Admin)
// @Description  Replays the tenant's ledger against the stored balance. A mismatch halts further debits.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body TenantRequest true "Tenant"
// @Success      200  {object}  handlers.RespReconcile
// @Router       /api/v1/admin/reconcile [post]
func ApiReconcile(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TenantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := led.Replay(c.Request.Context(), req.TenantID)
		if err != nil && !errors.Is(err, ledger.ErrLedgerMismatch) {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		// A mismatch is reported in the payload, not as a transport error.
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// @Summary      Run Rollover (Admin)
// @Description  Triggers one rollover pass outside the scheduler tick. Idempotent per boundary.
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/run_rollover [post]
func ApiRunRollover(sched *rollover.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := sched.RunOnce(c.Request.Context(), time.Now()); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

// @Summary      Upsert Pricing Entry (Admin)
// @Description  Creates or reprices a catalog entry; the cost cache slot is invalidated.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body catalog.UpsertEntryRequest true "Entry"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/upsert_pricing_entry [post]
func ApiUpsertPricingEntry(cat *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req catalog.UpsertEntryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		entry, err := cat.Upsert(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(entry))
	}
}

type DeactivatePricingEntryRequest struct {
	ActionType string `json:"action_type" binding:"required"`
}

// @Summary      Deactivate Pricing Entry (Admin)
// @Description  Soft-deletes a catalog entry; future authorizations for it fail closed.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body DeactivatePricingEntryRequest true "Action type"
// @Success      200  {object}  handlers.RespOK
// @Router       /api/v1/admin/deactivate_pricing_entry [post]
func ApiDeactivatePricingEntry(cat *catalog.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DeactivatePricingEntryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if err := cat.Deactivate(c.Request.Context(), req.ActionType); err != nil {
			if errors.Is(err, catalog.ErrUnknownActionType) {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeNotFound, err.Error()))
				return
			}
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT[any](nil))
	}
}

// @Summary      Get Usage Statistics (Admin)
// @Description  Read-only analytics series over the token ledger.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body statistics.UsageStatisticRequest true "Requested series and filters"
// @Success      200  {object}  handlers.RespUsageStatistic
// @Router       /api/v1/admin/get_usage_statistic [post]
func ApiGetUsageStatistic(svc *statistics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statistics.UsageStatisticRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.GetUsageStatistic(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterAdminRoutes(r gin.IRouter, led *ledger.Service, cat *catalog.Service, sched *rollover.Scheduler, stats *statistics.Service) {
	r.POST("/list_token_transactions", ApiListTokenTransactions(led))
	r.POST("/grant_tokens", ApiGrantTokens(led))
	r.POST("/create_subscription", ApiCreateSubscription(led))
	r.POST("/retire_subscription", ApiRetireSubscription(led))
	r.POST("/reconcile", ApiReconcile(led))
	r.POST("/run_rollover", ApiRunRollover(sched))
	r.POST("/upsert_pricing_entry", ApiUpsertPricingEntry(cat))
	r.POST("/deactivate_pricing_entry", ApiDeactivatePricingEntry(cat))
	r.POST("/get_usage_statistic", ApiGetUsageStatistic(stats))
}
