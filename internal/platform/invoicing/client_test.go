package invoicing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/agencykit/tokenmeter/pkg/config"
)

func newClientFor(endpoint, apiKey string) *Client {
	cfg := &cfgpkg.Config{}
	cfg.Invoicing.Endpoint = endpoint
	cfg.Invoicing.APIKey = apiKey
	return NewClient(cfg, zap.NewNop().Sugar())
}

func TestSubmitCharge_PostsEvent(t *testing.T) {
	var got ChargeEvent
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := newClientFor(srv.URL, "key-1")
	err := c.SubmitCharge(context.Background(), &ChargeEvent{
		TenantID: "t1",
		Kind:     ChargeKindOverage,
		Amount:   0.42,
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer key-1", auth)
	require.Equal(t, "t1", got.TenantID)
	require.Equal(t, ChargeKindOverage, got.Kind)
	require.Equal(t, 0.42, got.Amount)
	require.False(t, got.OccurredAt.IsZero())
}

func TestSubmitCharge_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := newClientFor(srv.URL, "")
	err := c.SubmitCharge(context.Background(), &ChargeEvent{TenantID: "t1", Kind: ChargeKindPlanChange, Amount: 10})
	require.ErrorIs(t, err, ErrChargeFailed)
}

func TestSubmitCharge_NoEndpointLogsOnly(t *testing.T) {
	c := newClientFor("", "")
	err := c.SubmitCharge(context.Background(), &ChargeEvent{TenantID: "t1", Kind: ChargeKindOverage, Amount: 1})
	require.NoError(t, err)
}

func TestSubmitCharge_NilEvent(t *testing.T) {
	c := newClientFor("", "")
	require.Error(t, c.SubmitCharge(context.Background(), nil))
}
