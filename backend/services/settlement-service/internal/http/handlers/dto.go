package handlers

import (
	"gpurental/backend/services/settlement-service/internal/models"
	"gpurental/backend/services/settlement-service/internal/orchestrator"
	"gpurental/backend/services/settlement-service/internal/service"
)

// Response types add a *_major rendering next to every halala amount.

type balanceResponse struct {
	models.Balance
	TotalMajor     string `json:"total_major"`
	ReservedMajor  string `json:"reserved_major"`
	AvailableMajor string `json:"available_major"`
}

func newBalanceResponse(b models.Balance) balanceResponse {
	return balanceResponse{
		Balance:        b,
		TotalMajor:     models.FormatMajor(b.Total),
		ReservedMajor:  models.FormatMajor(b.Reserved),
		AvailableMajor: models.FormatMajor(b.Available),
	}
}

type transactionResponse struct {
	models.WalletTransaction
	AmountMajor string `json:"amount_major"`
}

func newTransactionResponse(t models.WalletTransaction) transactionResponse {
	return transactionResponse{WalletTransaction: t, AmountMajor: models.FormatMajor(t.Amount)}
}

type reservationResponse struct {
	*models.Reservation
	AmountMajor string `json:"amount_major"`
}

func newReservationResponse(r *models.Reservation) reservationResponse {
	return reservationResponse{Reservation: r, AmountMajor: models.FormatMajor(r.Amount)}
}

type sessionResponse struct {
	*models.BillingSession
	RatePerHourMajor string `json:"rate_per_hour_major"`
}

func newSessionResponse(s *models.BillingSession) sessionResponse {
	return sessionResponse{BillingSession: s, RatePerHourMajor: models.FormatMajor(s.RatePerHour)}
}

type tickResponse struct {
	models.BillingTick
	AmountMajor        string `json:"amount_major"`
	ProviderShareMajor string `json:"provider_share_major"`
	PlatformShareMajor string `json:"platform_share_major"`
}

func newTickResponse(t models.BillingTick) tickResponse {
	return tickResponse{
		BillingTick:        t,
		AmountMajor:        models.FormatMajor(t.Amount),
		ProviderShareMajor: models.FormatMajor(t.ProviderShare),
		PlatformShareMajor: models.FormatMajor(t.PlatformShare),
	}
}

type receiptResponse struct {
	*models.BillingReceipt
	TotalChargedMajor     string `json:"total_charged_major"`
	ProviderPayoutMajor   string `json:"provider_payout_major"`
	PlatformRevenueMajor  string `json:"platform_revenue_major"`
	SettlementAmountMajor string `json:"settlement_amount_major"`
}

func newReceiptResponse(r *models.BillingReceipt) *receiptResponse {
	if r == nil {
		return nil
	}
	return &receiptResponse{
		BillingReceipt:        r,
		TotalChargedMajor:     models.FormatMajor(r.TotalCharged),
		ProviderPayoutMajor:   models.FormatMajor(r.ProviderPayout),
		PlatformRevenueMajor:  models.FormatMajor(r.PlatformRevenue),
		SettlementAmountMajor: models.FormatMajor(r.SettlementAmount),
	}
}

type jobResponse struct {
	*models.Job
	MaxBudgetMajor   string `json:"max_budget_major"`
	RatePerHourMajor string `json:"rate_per_hour_major"`
	FinalCostMajor   string `json:"final_cost_major,omitempty"`
}

func newJobResponse(j *models.Job) jobResponse {
	resp := jobResponse{
		Job:              j,
		MaxBudgetMajor:   models.FormatMajor(j.MaxBudget),
		RatePerHourMajor: models.FormatMajor(j.RatePerHour),
	}
	if j.FinalCost != nil {
		resp.FinalCostMajor = models.FormatMajor(*j.FinalCost)
	}
	return resp
}

type jobStatusResponse struct {
	Job                  jobResponse           `json:"job"`
	Metrics              *orchestrator.Metrics `json:"metrics,omitempty"`
	CostSoFar            int64                 `json:"cost_so_far_halala"`
	CostSoFarMajor       string                `json:"cost_so_far_major"`
	RemainingBudget      int64                 `json:"remaining_budget_halala"`
	RemainingBudgetMajor string                `json:"remaining_budget_major"`
	Receipt              *receiptResponse      `json:"receipt,omitempty"`
}

func newJobStatusResponse(v *service.JobStatusView) jobStatusResponse {
	return jobStatusResponse{
		Job:                  newJobResponse(v.Job),
		Metrics:              v.Metrics,
		CostSoFar:            v.CostSoFar,
		CostSoFarMajor:       models.FormatMajor(v.CostSoFar),
		RemainingBudget:      v.RemainingBudget,
		RemainingBudgetMajor: models.FormatMajor(v.RemainingBudget),
		Receipt:              newReceiptResponse(v.Receipt),
	}
}

type jobResultResponse struct {
	Job            jobResponse      `json:"job"`
	Receipt        *receiptResponse `json:"receipt,omitempty"`
	FinalCost      int64            `json:"final_cost_halala"`
	FinalCostMajor string           `json:"final_cost_major"`
	GPUWipeFailed  bool             `json:"gpu_wipe_failed"`
}

func newJobResultResponse(r *service.JobResult) jobResultResponse {
	return jobResultResponse{
		Job:            newJobResponse(r.Job),
		Receipt:        newReceiptResponse(r.Receipt),
		FinalCost:      r.FinalCost,
		FinalCostMajor: models.FormatMajor(r.FinalCost),
		GPUWipeFailed:  r.GPUWipeFailed,
	}
}

type gpuResponse struct {
	*models.ProviderGPU
	RatePerHourMajor string `json:"rate_per_hour_major"`
}

func newGPUResponse(g *models.ProviderGPU) gpuResponse {
	return gpuResponse{ProviderGPU: g, RatePerHourMajor: models.FormatMajor(g.RatePerHour)}
}
