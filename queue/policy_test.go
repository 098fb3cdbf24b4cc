package queue

import (
	"testing"
	"time"

	"fcpqueue/models"
)

func TestPriorityPolicyOrdersByPriorityThenAge(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candidates := []models.Transfer{
		&models.Download{Item: models.Item{GlobalID: "get-1", Priority: models.PriorityBulk, CreatedAt: base}},
		&models.Download{Item: models.Item{GlobalID: "get-2", Priority: models.PriorityInteractive, CreatedAt: base.Add(2 * time.Minute)}},
		&models.Download{Item: models.Item{GlobalID: "get-3", Priority: models.PriorityInteractive, CreatedAt: base.Add(time.Minute)}},
	}

	next := PriorityPolicy{}.Next(models.DirectionDownload, candidates)
	if next == nil || next.Base().GlobalID != "get-3" {
		t.Fatalf("expected get-3, got %v", next)
	}
	if (PriorityPolicy{}).Next(models.DirectionDownload, nil) != nil {
		t.Fatalf("expected nil for no candidates")
	}
}
