package models

import "time"

// GPUStatus tracks whether a provider GPU can be matched.
type GPUStatus string

const (
	GPUAvailable   GPUStatus = "available"
	GPUInUse       GPUStatus = "in-use"
	GPUMaintenance GPUStatus = "maintenance"
)

// ProviderGPU is a rentable device in the fleet directory. DeviceID is the host-level
// identifier handed to the container runtime (index or GPU UUID).
type ProviderGPU struct {
	ID          string    `db:"id" json:"id"`
	ProviderID  string    `db:"provider_id" json:"provider_id"`
	Model       string    `db:"model" json:"model"`
	VRAMGB      int       `db:"vram_gb" json:"vram_gb"`
	RatePerHour int64     `db:"rate_per_hour" json:"rate_per_hour_halala"`
	Reliability float64   `db:"reliability" json:"reliability"`
	DeviceID    string    `db:"device_id" json:"device_id"`
	Status      GPUStatus `db:"status" json:"status"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
