package engine

import (
	"testing"

	"phaseline/internal/domain"
)

func TestGenerateWorkItemsFrequencies(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	// Block window is days 11..20 of the transaction.
	b := env.addBlock(t, tx.ID, "Shipping", "2025-02-11", "2025-02-20")

	daily := env.addRule(t, b.ID, "Daily ping", 4, domain.FreqDaily)
	weekly := env.addRule(t, b.ID, "Weekly drop", 3, domain.FreqWeekly)
	once := env.addRule(t, b.ID, "Final report", 1, domain.FreqOnce)

	if _, err := env.eng.GenerateWorkItemsForBlock(b.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}

	wantDays := func(ruleID string, want ...int) {
		t.Helper()
		items := env.eng.Store.GetWorkItemsByRule(ruleID)
		if len(items) != len(want) {
			t.Fatalf("rule %s items = %d, want %d", ruleID, len(items), len(want))
		}
		for i, d := range want {
			if items[i].DueDay != d {
				t.Fatalf("rule %s item %d due day = %d, want %d", ruleID, i, items[i].DueDay, d)
			}
			if items[i].Status != domain.ItemPending {
				t.Fatalf("new item status = %s", items[i].Status)
			}
		}
	}
	wantDays(daily.ID, 11, 12, 13, 14)
	// Only two weekly steps fit a 10-day window.
	wantDays(weekly.ID, 11, 18)
	wantDays(once.ID, 20)
}

func TestGenerateWorkItemsExplicitDueDays(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	b := env.addBlock(t, tx.ID, "Inspection", "2025-02-11", "2025-02-20")

	// Days 5 and 25 fall outside the block window and are dropped;
	// quantity caps the rest at two.
	r := env.addRule(t, b.ID, "Checks", 2, domain.FreqCustom, 5, 12, 15, 19, 25)

	if _, err := env.eng.GenerateWorkItemsForBlock(b.ID); err != nil {
		t.Fatalf("generate: %v", err)
	}
	items := env.eng.Store.GetWorkItemsByRule(r.ID)
	if len(items) != 2 || items[0].DueDay != 12 || items[1].DueDay != 15 {
		t.Fatalf("items = %+v, want due days 12 and 15", items)
	}
}

func TestGenerateWorkItemsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	b := env.addBlock(t, tx.ID, "Only", "2025-02-01", "2025-02-28")
	r := env.addRule(t, b.ID, "Daily ping", 5, domain.FreqDaily)

	created, err := env.eng.GenerateWorkItemsForBlock(b.ID)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(created) != 5 {
		t.Fatalf("first run created %d, want 5", len(created))
	}

	again, err := env.eng.GenerateWorkItemsForBlock(b.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second run created %d, want 0", len(again))
	}
	if items := env.eng.Store.GetWorkItemsByRule(r.ID); len(items) != 5 {
		t.Fatalf("items after rerun = %d, want 5", len(items))
	}

	// A new rule added later only fills the gap.
	r2 := env.addRule(t, b.ID, "Final", 1, domain.FreqOnce)
	more, err := env.eng.GenerateWorkItemsForBlock(b.ID)
	if err != nil {
		t.Fatalf("generate after new rule: %v", err)
	}
	if len(more) != 1 || more[0].RuleID != r2.ID {
		t.Fatalf("gap fill = %+v", more)
	}
}

func TestGenerateWithoutDatesReturnsError(t *testing.T) {
	env := newTestEnv(t)
	// Seed the store directly; the mutation API refuses undated blocks.
	env.eng.Store.PutTransaction(domain.Transaction{ID: "t-1", Title: "No dates", Status: domain.TxDraft})
	env.eng.Store.PutBlock(domain.Block{ID: "b-1", TransactionID: "t-1", Title: "Orphan", OrderIndex: 1})

	_, err := env.eng.GenerateWorkItemsForBlock("b-1")
	wantKind(t, err, KindOutOfRange)
}
