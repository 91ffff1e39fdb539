package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTriggerPayoutPostsRequest(t *testing.T) {
	var got PayoutRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/payouts", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewPayoutClient(srv.URL+"/", time.Second, zap.NewNop())
	err := c.TriggerPayout(context.Background(), PayoutRequest{ProviderID: "p1", JobID: "j1", AmountHalala: 117})
	require.NoError(t, err)
	assert.Equal(t, int64(117), got.AmountHalala)
	assert.Equal(t, "p1", got.ProviderID)
}

func TestTriggerPayoutNonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewPayoutClient(srv.URL, time.Second, zap.NewNop())
	require.Error(t, c.TriggerPayout(context.Background(), PayoutRequest{JobID: "j1"}))
}

func TestTriggerPayoutDisabled(t *testing.T) {
	c := NewPayoutClient("", time.Second, zap.NewNop())
	require.NoError(t, c.TriggerPayout(context.Background(), PayoutRequest{JobID: "j1"}))
}
