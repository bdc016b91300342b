package engine

import (
	"github.com/google/uuid"

	"phaseline/internal/dates"
	"phaseline/internal/domain"
)

// GenerateWorkItemsForBlock expands every work rule of the block into
// dated PENDING items. Due days are 1-based offsets from the
// transaction start date, clamped to the block's window. Generation is
// idempotent: an item is never created twice for the same (rule,
// dueDay) pair.
func (e Engine) GenerateWorkItemsForBlock(blockID string) ([]domain.WorkItem, error) {
	b, err := e.getBlock(blockID)
	if err != nil {
		return nil, err
	}
	t, err := e.getTransaction(b.TransactionID)
	if err != nil {
		return nil, err
	}
	if !dates.Valid(t.StartDate) || !dates.Valid(b.StartDate) || !dates.Valid(b.EndDate) {
		return nil, errf(KindOutOfRange, "transaction %s has no usable date range for block %q", t.ID, b.Title)
	}
	windowStart := dates.DaysBetween(t.StartDate, b.StartDate) + 1
	windowEnd := dates.DaysBetween(t.StartDate, b.EndDate) + 1

	var created []domain.WorkItem
	for _, r := range e.Store.GetWorkRules(blockID) {
		for _, day := range dueDaysFor(r, windowStart, windowEnd) {
			if e.Store.HasWorkItem(r.ID, day) {
				continue
			}
			item := domain.WorkItem{
				ID:     uuid.New().String(),
				RuleID: r.ID,
				DueDay: day,
				Status: domain.ItemPending,
			}
			e.Store.PutWorkItem(item)
			created = append(created, item)
		}
	}
	return created, nil
}

// dueDaysFor computes the due-day offsets a rule produces inside the
// block window [windowStart, windowEnd].
func dueDaysFor(r domain.WorkRule, windowStart, windowEnd int) []int {
	if len(r.DueDays) > 0 {
		var days []int
		for _, d := range r.DueDays {
			if d < windowStart || d > windowEnd {
				continue
			}
			days = append(days, d)
			if len(days) == r.Quantity {
				break
			}
		}
		return days
	}
	switch r.Frequency {
	case domain.FreqDaily:
		return stepDays(windowStart, windowEnd, 1, r.Quantity)
	case domain.FreqWeekly:
		return stepDays(windowStart, windowEnd, 7, r.Quantity)
	default:
		// ONCE, and CUSTOM without an explicit list: one item at the
		// window's end day.
		return []int{windowEnd}
	}
}

func stepDays(start, end, step, quantity int) []int {
	var days []int
	for d := start; d <= end; d += step {
		days = append(days, d)
		if len(days) == quantity {
			break
		}
	}
	return days
}
