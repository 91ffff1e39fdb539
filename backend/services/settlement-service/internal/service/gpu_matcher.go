package service

import (
	"sort"

	"gpurental/backend/services/settlement-service/internal/models"
)

// RankGPUs keeps available GPUs with at least minVRAMGB and orders them by reliability
// descending, then rate ascending, then id for a stable result.
func RankGPUs(gpus []models.ProviderGPU, minVRAMGB int) []models.ProviderGPU {
	ranked := make([]models.ProviderGPU, 0, len(gpus))
	for _, g := range gpus {
		if g.Status == models.GPUAvailable && g.VRAMGB >= minVRAMGB {
			ranked = append(ranked, g)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Reliability != b.Reliability {
			return a.Reliability > b.Reliability
		}
		if a.RatePerHour != b.RatePerHour {
			return a.RatePerHour < b.RatePerHour
		}
		return a.ID < b.ID
	})
	return ranked
}
