package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPDoer defines http.Client interface subset.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// PayoutRequest asks the payout service to pay a provider for a settled job.
type PayoutRequest struct {
	ProviderID   string `json:"provider_id"`
	JobID        string `json:"job_id"`
	SessionID    string `json:"session_id"`
	AmountHalala int64  `json:"amount_halala"`
	ReceiptHash  string `json:"receipt_hash"`
}

// PayoutClient triggers provider payouts. It is best-effort: callers log failures.
type PayoutClient struct {
	baseURL string
	client  HTTPDoer
	logger  *zap.Logger
}

// NewPayoutClient returns HTTP client wrapper. An empty baseURL disables payouts.
func NewPayoutClient(baseURL string, timeout time.Duration, logger *zap.Logger) *PayoutClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return NewPayoutClientWithDoer(baseURL, &http.Client{Timeout: timeout}, logger)
}

// NewPayoutClientWithDoer uses a caller-supplied HTTP client.
func NewPayoutClientWithDoer(baseURL string, doer HTTPDoer, logger *zap.Logger) *PayoutClient {
	return &PayoutClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  doer,
		logger:  logger,
	}
}

// TriggerPayout posts the payout request.
func (c *PayoutClient) TriggerPayout(ctx context.Context, req PayoutRequest) error {
	if c.baseURL == "" {
		c.logger.Debug("payout client disabled, skip payout trigger", zap.String("job_id", req.JobID))
		return nil
	}
	return c.post(ctx, "/internal/payouts", req)
}

func (c *PayoutClient) post(ctx context.Context, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("payout client request failed", zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.logger.Warn("payout client returned non-success", zap.Int("status", resp.StatusCode))
		return fmt.Errorf("payout: unexpected status %d", resp.StatusCode)
	}
	return nil
}
