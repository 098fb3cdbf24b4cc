package queue

import (
	"fcpqueue/models"
)

// SelectionPolicy picks the next Waiting item to admit. Candidates are live
// items; implementations must not modify or retain them.
type SelectionPolicy interface {
	Next(direction models.Direction, candidates []models.Transfer) models.Transfer
}

// PriorityPolicy admits the most urgent priority class first and, within a
// class, the oldest item.
type PriorityPolicy struct{}

// Next implements SelectionPolicy.
func (PriorityPolicy) Next(_ models.Direction, candidates []models.Transfer) models.Transfer {
	var best models.Transfer
	for _, candidate := range candidates {
		if best == nil || before(candidate.Base(), best.Base()) {
			best = candidate
		}
	}
	return best
}

func before(a, b *models.Item) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.GlobalID < b.GlobalID
}
