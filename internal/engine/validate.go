package engine

import (
	"phaseline/internal/dates"
	"phaseline/internal/domain"
)

// validateBlockDates checks a candidate block range against its
// transaction's bounds and every sibling block. excludeBlockID skips
// the block being updated.
func validateBlockDates(t domain.Transaction, blocks []domain.Block, candidateStart, candidateEnd, excludeBlockID string) error {
	if !dates.Valid(candidateStart) || !dates.Valid(candidateEnd) {
		return errf(KindBadInput, "block dates must be YYYY-MM-DD")
	}
	if dates.After(candidateStart, candidateEnd) {
		return errf(KindInvalidRange, "block start %s is after end %s", candidateStart, candidateEnd)
	}
	if t.StartDate == "" || t.EndDate == "" {
		return errf(KindOutOfRange, "transaction %s has no date range set", t.ID)
	}
	if dates.Before(candidateStart, t.StartDate) || dates.After(candidateEnd, t.EndDate) {
		return errf(KindOutOfRange, "block %s..%s outside transaction range %s..%s",
			candidateStart, candidateEnd, t.StartDate, t.EndDate)
	}
	for _, b := range blocks {
		if b.ID == excludeBlockID {
			continue
		}
		if dates.Overlaps(candidateStart, candidateEnd, b.StartDate, b.EndDate) {
			return errf(KindOverlap, "block %s..%s overlaps block %q (%s..%s)",
				candidateStart, candidateEnd, b.Title, b.StartDate, b.EndDate)
		}
	}
	return nil
}

// requireDraft gates structural mutations to the editable phase.
func requireDraft(t domain.Transaction) error {
	if t.Status != domain.TxDraft {
		return errf(KindInvalidLifecyclePhase, "transaction %s is %s; structural edits require DRAFT", t.ID, t.Status)
	}
	return nil
}

func validRole(role string) bool {
	switch role {
	case domain.RoleBuyer, domain.RoleSeller, domain.RoleVerifier:
		return true
	}
	return false
}

func validPolicyType(typ string) bool {
	switch typ {
	case domain.PolicySingle, domain.PolicyAll, domain.PolicyAny, domain.PolicyThreshold:
		return true
	}
	return false
}

func validFrequency(freq string) bool {
	switch freq {
	case domain.FreqOnce, domain.FreqDaily, domain.FreqWeekly, domain.FreqCustom:
		return true
	}
	return false
}
