package invoicing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/agencykit/tokenmeter/pkg/config"
	"github.com/agencykit/tokenmeter/pkg/logctx"
)

// ErrChargeFailed reports that the external invoicing provider rejected or
// failed a charge. Callers flag the tenant for manual collection; token
// movements behind the charge are never rolled back.
var ErrChargeFailed = errors.New("invoicing charge failed")

type ChargeKind string

const (
	ChargeKindOverage    ChargeKind = "overage"
	ChargeKindPlanChange ChargeKind = "plan_change"
)

// ChargeEvent is the payload handed to the invoicing collaborator. Amounts
// are positive for charges and negative for credits.
type ChargeEvent struct {
	TenantID    string     `json:"tenant_id"`
	Kind        ChargeKind `json:"kind"`
	Amount      float64    `json:"amount"`
	Description string     `json:"description"`
	OccurredAt  time.Time  `json:"occurred_at"`
}

// Client posts charge events to the configured invoicing endpoint. With no
// endpoint configured it degrades to logging, which keeps local and test
// environments off the payment rails.
type Client struct {
	cfg  *cfgpkg.Config
	log  *zap.SugaredLogger
	http *http.Client
}

func NewClient(cfg *cfgpkg.Config, log *zap.SugaredLogger) *Client {
	timeout := cfg.Invoicing.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{cfg: cfg, log: log, http: &http.Client{Timeout: timeout}}
}

// SubmitCharge sends one charge event. A nil return means the provider
// accepted the charge; any failure is wrapped in ErrChargeFailed.
func (c *Client) SubmitCharge(ctx context.Context, ev *ChargeEvent) error {
	if ev == nil {
		return fmt.Errorf("nil charge event")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	if c.cfg.Invoicing.Endpoint == "" {
		logctx.FromCtx(ctx, c.log).Infow("invoicing disabled, charge logged only",
			"tenant_id", ev.TenantID, "kind", ev.Kind, "amount", ev.Amount)
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrChargeFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Invoicing.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrChargeFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Invoicing.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Invoicing.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChargeFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: provider returned %d", ErrChargeFailed, resp.StatusCode)
	}
	return nil
}

var Module = fx.Options(
	fx.Provide(NewClient),
)
