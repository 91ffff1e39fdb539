package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"gpurental/backend/services/settlement-service/internal/models"
)

const (
	// DefaultProviderShareBP is the provider's cut in basis points (75%).
	DefaultProviderShareBP = 7500
	basisPoints            = 10000
	minutesPerHour         = 60
)

// Split is a charge divided between provider and platform.
type Split struct {
	Provider int64 `json:"provider_halala"`
	Platform int64 `json:"platform_halala"`
}

// SplitCost divides n with the default provider share. Provider + Platform == n.
func SplitCost(n int64) Split {
	return splitCost(n, DefaultProviderShareBP)
}

func splitCost(n, providerBP int64) Split {
	provider := n * providerBP / basisPoints
	return Split{Provider: provider, Platform: n - provider}
}

// ChargeFor is floor(minutes * ratePerHour / 60).
func ChargeFor(minutes, ratePerHour int64) int64 {
	if minutes <= 0 || ratePerHour <= 0 {
		return 0
	}
	return minutes * ratePerHour / minutesPerHour
}

// WholeMinutes is the number of complete minutes between start and end.
func WholeMinutes(start, end time.Time) int64 {
	if !end.After(start) {
		return 0
	}
	return int64(end.Sub(start) / time.Minute)
}

// ProofHash binds a tick charge to its job, session, amount and time.
func ProofHash(jobID, sessionID string, amount int64, at time.Time) string {
	payload := fmt.Sprintf("%s|%s|%d|%s", jobID, sessionID, amount, at.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// ReceiptHash seals a receipt and chains it to the session's last tick proof.
func ReceiptHash(r *models.BillingReceipt, lastProof string) string {
	payload := fmt.Sprintf("%s|%s|%d|%d|%d|%d|%d|%s|%s",
		r.SessionID,
		r.JobID,
		r.TotalMinutes,
		r.TotalCharged,
		r.ProviderPayout,
		r.PlatformRevenue,
		r.SettlementAmount,
		r.ClosedAt.UTC().Format(time.RFC3339Nano),
		lastProof,
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
