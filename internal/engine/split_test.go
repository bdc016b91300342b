package engine

import (
	"testing"

	"phaseline/internal/dates"
	"phaseline/internal/domain"
)

func TestSplitBlock(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	b := env.addBlock(t, tx.ID, "Shipping", "2025-02-05", "2025-02-15")
	tail := env.addBlock(t, tx.ID, "Inspection", "2025-02-16", "2025-02-28")
	r := env.addRule(t, b.ID, "Tracking update", 1, domain.FreqOnce)

	first, second, err := env.eng.SplitBlock(env.ctx, b.ID, "2025-02-10", domain.RoleSeller)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if first.ID != b.ID {
		t.Fatalf("first half got a new id")
	}
	if first.StartDate != "2025-02-05" || first.EndDate != "2025-02-09" {
		t.Fatalf("first half = %s..%s, want 2025-02-05..2025-02-09", first.StartDate, first.EndDate)
	}
	if second.StartDate != "2025-02-10" || second.EndDate != "2025-02-15" {
		t.Fatalf("second half = %s..%s, want 2025-02-10..2025-02-15", second.StartDate, second.EndDate)
	}
	if second.PolicyID != first.PolicyID {
		t.Fatalf("second half does not share the policy")
	}

	blocks := env.eng.Store.GetBlocks(tx.ID)
	if len(blocks) != 3 {
		t.Fatalf("blocks after split = %d, want 3", len(blocks))
	}
	if blocks[0].ID != first.ID || blocks[1].ID != second.ID || blocks[2].ID != tail.ID {
		t.Fatalf("order after split: %q, %q, %q", blocks[0].Title, blocks[1].Title, blocks[2].Title)
	}
	if blocks[2].OrderIndex != 3 {
		t.Fatalf("tail block order index = %d, want 3", blocks[2].OrderIndex)
	}

	// The rule stays with the first half.
	if got := env.eng.Store.GetWorkRules(first.ID); len(got) != 1 || got[0].ID != r.ID {
		t.Fatalf("first half rules = %+v", got)
	}
	if got := env.eng.Store.GetWorkRules(second.ID); len(got) != 0 {
		t.Fatalf("second half rules = %+v", got)
	}
}

func TestSplitBlockRejectsBoundaryDates(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	b := env.addBlock(t, tx.ID, "Shipping", "2025-02-05", "2025-02-15")

	for _, splitDate := range []string{"2025-02-05", "2025-02-15", "2025-02-01", "2025-02-20"} {
		_, _, err := env.eng.SplitBlock(env.ctx, b.ID, splitDate, domain.RoleSeller)
		wantKind(t, err, KindInvalidSplitPoint)
	}
	_, _, err := env.eng.SplitBlock(env.ctx, b.ID, "not-a-date", domain.RoleSeller)
	wantKind(t, err, KindBadInput)
}

func TestAddBlockWithAutoSplit(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")

	// First block takes the whole range.
	b1, err := env.eng.AddBlockWithAutoSplit(env.ctx, tx.ID, "Deposit", PolicySpec{}, domain.RoleBuyer)
	if err != nil {
		t.Fatalf("autosplit 1: %v", err)
	}
	if b1.StartDate != "2025-02-01" || b1.EndDate != "2025-02-28" {
		t.Fatalf("block 1 = %s..%s", b1.StartDate, b1.EndDate)
	}

	// No free days remain, so the last block is halved.
	b2, err := env.eng.AddBlockWithAutoSplit(env.ctx, tx.ID, "Shipping", PolicySpec{}, domain.RoleBuyer)
	if err != nil {
		t.Fatalf("autosplit 2: %v", err)
	}
	if b2.StartDate != "2025-02-15" || b2.EndDate != "2025-02-28" {
		t.Fatalf("block 2 = %s..%s, want 2025-02-15..2025-02-28", b2.StartDate, b2.EndDate)
	}

	b3, err := env.eng.AddBlockWithAutoSplit(env.ctx, tx.ID, "Inspection", PolicySpec{}, domain.RoleBuyer)
	if err != nil {
		t.Fatalf("autosplit 3: %v", err)
	}
	if b3.StartDate != "2025-02-22" || b3.EndDate != "2025-02-28" {
		t.Fatalf("block 3 = %s..%s, want 2025-02-22..2025-02-28", b3.StartDate, b3.EndDate)
	}

	// The blocks must still tile the whole range with no gaps.
	blocks := env.eng.Store.GetBlocks(tx.ID)
	total := 0
	for i, b := range blocks {
		total += dates.SpanDays(b.StartDate, b.EndDate)
		if i > 0 && dates.AddDays(blocks[i-1].EndDate, 1) != b.StartDate {
			t.Fatalf("gap between %q and %q", blocks[i-1].Title, b.Title)
		}
	}
	if total != 28 {
		t.Fatalf("tiled days = %d, want 28", total)
	}
}

func TestAddBlockWithAutoSplitClaimsTail(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	env.addBlock(t, tx.ID, "Deposit", "2025-02-01", "2025-02-10")

	b, err := env.eng.AddBlockWithAutoSplit(env.ctx, tx.ID, "Rest", PolicySpec{}, domain.RoleBuyer)
	if err != nil {
		t.Fatalf("autosplit: %v", err)
	}
	if b.StartDate != "2025-02-11" || b.EndDate != "2025-02-28" {
		t.Fatalf("tail block = %s..%s, want 2025-02-11..2025-02-28", b.StartDate, b.EndDate)
	}
}

func TestAddBlockWithAutoSplitOutOfOrderDates(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	// Order index and dates disagree: the later-dated block comes first.
	mid := env.addBlock(t, tx.ID, "Mid", "2025-02-10", "2025-02-20")
	env.addBlock(t, tx.ID, "Early", "2025-02-01", "2025-02-05")

	b, err := env.eng.AddBlockWithAutoSplit(env.ctx, tx.ID, "Tail", PolicySpec{}, domain.RoleBuyer)
	if err != nil {
		t.Fatalf("autosplit: %v", err)
	}
	if b.StartDate != "2025-02-21" || b.EndDate != "2025-02-28" {
		t.Fatalf("tail block = %s..%s, want 2025-02-21..2025-02-28", b.StartDate, b.EndDate)
	}
	if got, _ := env.eng.Store.GetBlock(mid.ID); got.EndDate != "2025-02-20" {
		t.Fatalf("mid block end = %s, want 2025-02-20 untouched", got.EndDate)
	}

	blocks := env.eng.Store.GetBlocks(tx.ID)
	for i, a := range blocks {
		for _, c := range blocks[i+1:] {
			if dates.Overlaps(a.StartDate, a.EndDate, c.StartDate, c.EndDate) {
				t.Fatalf("blocks %q and %q overlap", a.Title, c.Title)
			}
		}
	}
}

func TestAddBlockWithAutoSplitSingleDayBlock(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-01")
	env.addBlock(t, tx.ID, "Only", "2025-02-01", "2025-02-01")

	_, err := env.eng.AddBlockWithAutoSplit(env.ctx, tx.ID, "More", PolicySpec{}, domain.RoleBuyer)
	wantKind(t, err, KindInvariantViolation)
}
