package handlers

import (
	"github.com/agencykit/tokenmeter/internal/app/service/ledger"
	"github.com/agencykit/tokenmeter/internal/app/service/metering"
	"github.com/agencykit/tokenmeter/internal/app/service/planchange"
	"github.com/agencykit/tokenmeter/internal/app/service/statistics"
	"github.com/agencykit/tokenmeter/pkg/response"
)

// RespOK is a generic OK envelope for endpoints returning no specific data.
type RespOK struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    interface{}              `json:"data"`
}

// RespAuthorize wraps an authorization decision in the standard envelope.
type RespAuthorize struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    metering.Decision        `json:"data"`
}

// RespBalance wraps BalanceResponse in the standard envelope.
type RespBalance struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    BalanceResponse          `json:"data"`
}

// RespChangePlan wraps the plan change result in the standard envelope.
type RespChangePlan struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    planchange.Result        `json:"data"`
}

// RespListPlans wraps the configured plan catalog in the standard envelope.
type RespListPlans struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    []PlanItem               `json:"data"`
}

// RespListTokenTransactions wraps ListTokenTransactionsResponse in the standard envelope.
type RespListTokenTransactions struct {
	Code    response.APIResponseCode      `json:"code"`
	Message string                        `json:"message"`
	Data    ListTokenTransactionsResponse `json:"data"`
}

// RespGrantTokens wraps the created grant row in the standard envelope.
type RespGrantTokens struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    TokenTransactionItem     `json:"data"`
}

// RespReconcile wraps a ledger replay result in the standard envelope.
type RespReconcile struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    ledger.ReplayResult      `json:"data"`
}

// RespUsageStatistic wraps UsageStatisticResponse in the standard envelope.
type RespUsageStatistic struct {
	Code    response.APIResponseCode          `json:"code"`
	Message string                            `json:"message"`
	Data    statistics.UsageStatisticResponse `json:"data"`
}
