package service

import (
	"testing"

	"gpurental/backend/services/settlement-service/internal/models"
)

func TestRankGPUsPrefersReliabilityOverPrice(t *testing.T) {
	gpus := []models.ProviderGPU{
		{ID: "cheap", VRAMGB: 24, RatePerHour: 100, Reliability: 0.85, Status: models.GPUAvailable},
		{ID: "reliable", VRAMGB: 24, RatePerHour: 150, Reliability: 0.99, Status: models.GPUAvailable},
	}
	ranked := RankGPUs(gpus, 16)
	if len(ranked) != 2 || ranked[0].ID != "reliable" {
		t.Fatalf("expected reliable gpu first, got %v", ranked)
	}
}

func TestRankGPUsTieBreaks(t *testing.T) {
	gpus := []models.ProviderGPU{
		{ID: "b", VRAMGB: 24, RatePerHour: 100, Reliability: 0.9, Status: models.GPUAvailable},
		{ID: "a", VRAMGB: 24, RatePerHour: 100, Reliability: 0.9, Status: models.GPUAvailable},
		{ID: "c", VRAMGB: 24, RatePerHour: 90, Reliability: 0.9, Status: models.GPUAvailable},
		{ID: "small", VRAMGB: 8, RatePerHour: 10, Reliability: 1, Status: models.GPUAvailable},
		{ID: "busy", VRAMGB: 80, RatePerHour: 10, Reliability: 1, Status: models.GPUInUse},
	}
	ranked := RankGPUs(gpus, 16)
	got := make([]string, 0, len(ranked))
	for _, g := range ranked {
		got = append(got, g.ID)
	}
	want := []string{"c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRankGPUsNoCandidate(t *testing.T) {
	ranked := RankGPUs([]models.ProviderGPU{{ID: "x", VRAMGB: 8, Status: models.GPUAvailable}}, 24)
	if len(ranked) != 0 {
		t.Fatalf("expected no candidates, got %v", ranked)
	}
}
