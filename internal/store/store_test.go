package store

import (
	"errors"
	"testing"

	"phaseline/internal/domain"
)

func graphFixture(txID string) domain.Graph {
	policy := domain.ApprovalPolicy{ID: txID + "-p1", Type: domain.PolicySingle}
	b1 := domain.Block{ID: txID + "-b1", TransactionID: txID, Title: "Deposit", StartDate: "2025-02-01", EndDate: "2025-02-10", OrderIndex: 1, PolicyID: policy.ID}
	b2 := domain.Block{ID: txID + "-b2", TransactionID: txID, Title: "Handover", StartDate: "2025-02-11", EndDate: "2025-02-20", OrderIndex: 2, PolicyID: policy.ID}
	r := domain.WorkRule{ID: txID + "-r1", BlockID: b1.ID, Title: "Proof", Quantity: 1, Frequency: domain.FreqOnce}
	return domain.Graph{
		Transaction: domain.Transaction{ID: txID, Title: "Laptop", InitiatorRole: domain.RoleBuyer, Status: domain.TxDraft, StartDate: "2025-02-01", EndDate: "2025-02-20"},
		Blocks:      []domain.Block{b1, b2},
		Policies:    []domain.ApprovalPolicy{policy},
		Approvers:   []domain.BlockApprover{{ID: txID + "-a1", BlockID: b1.ID, Role: domain.RoleBuyer, Required: true}},
		Rules:       []domain.WorkRule{r},
		Items:       []domain.WorkItem{{ID: txID + "-i1", RuleID: r.ID, DueDay: 10, Status: domain.ItemPending}},
	}
}

func TestSaveGraphReplacesNotMerges(t *testing.T) {
	s := New()
	g := graphFixture("tx1")
	if err := s.SaveGraph(g); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Resave with one block dropped. Nothing from the first save may
	// linger.
	g2 := graphFixture("tx1")
	g2.Blocks = g2.Blocks[:1]
	if err := s.SaveGraph(g2); err != nil {
		t.Fatalf("resave: %v", err)
	}
	if blocks := s.GetBlocks("tx1"); len(blocks) != 1 {
		t.Fatalf("blocks after resave = %d, want 1", len(blocks))
	}
	if _, err := s.GetBlock("tx1-b2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("dropped block still present")
	}

	// Saving the identical graph repeatedly never accumulates.
	for i := 0; i < 3; i++ {
		if err := s.SaveGraph(g2); err != nil {
			t.Fatalf("idempotent save %d: %v", i, err)
		}
	}
	if blocks := s.GetBlocks("tx1"); len(blocks) != 1 {
		t.Fatalf("blocks after repeated saves = %d", len(blocks))
	}
	if items := s.GetWorkItemsByRule("tx1-r1"); len(items) != 1 {
		t.Fatalf("items after repeated saves = %d", len(items))
	}
}

func TestSaveGraphRejectsDuplicates(t *testing.T) {
	s := New()
	g := graphFixture("tx1")
	g.Blocks = append(g.Blocks, g.Blocks[0])
	err := s.SaveGraph(g)
	var dup DuplicateIDError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateIDError, got %v", err)
	}
	if dup.Collection != "block" || dup.ID != "tx1-b1" {
		t.Fatalf("duplicate = %+v", dup)
	}
	// The failed save must not leave partial state behind.
	if _, err := s.GetTransaction("tx1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("partial state after failed save")
	}
}

func TestPolicySharedAcrossTransactions(t *testing.T) {
	s := New()
	g1 := graphFixture("tx1")
	if err := s.SaveGraph(g1); err != nil {
		t.Fatalf("save tx1: %v", err)
	}
	g2 := graphFixture("tx2")
	// tx2's blocks reference tx1's policy.
	for i := range g2.Blocks {
		g2.Blocks[i].PolicyID = "tx1-p1"
	}
	g2.Policies = nil
	if err := s.SaveGraph(g2); err != nil {
		t.Fatalf("save tx2: %v", err)
	}
	if n := s.PolicyRefCount("tx1-p1"); n != 4 {
		t.Fatalf("policy refs = %d, want 4", n)
	}

	// Evicting tx1 keeps the policy alive while tx2 references it.
	g1.Blocks = nil
	g1.Policies = nil
	g1.Approvers = nil
	g1.Rules = nil
	g1.Items = nil
	if err := s.SaveGraph(g1); err != nil {
		t.Fatalf("resave tx1 empty: %v", err)
	}
	if _, err := s.GetApprovalPolicy("tx1-p1"); err != nil {
		t.Fatalf("shared policy was garbage-collected too early: %v", err)
	}
}

func TestDeleteBlockCascades(t *testing.T) {
	s := New()
	if err := s.SaveGraph(graphFixture("tx1")); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.DeleteBlock("tx1-b1")
	if _, err := s.GetWorkRule("tx1-r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rule survived block delete")
	}
	if _, err := s.GetWorkItem("tx1-i1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("item survived block delete")
	}
	if _, err := s.GetBlockApprover("tx1-a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("approver survived block delete")
	}
	if blocks := s.GetBlocks("tx1"); len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(blocks))
	}
}

func TestAppendAndListLogs(t *testing.T) {
	s := New()
	for i := 0; i < 4; i++ {
		s.AppendLog(domain.ActivityLogEntry{TransactionID: "tx1", ActorRole: domain.RoleBuyer, Action: "A"})
	}
	s.AppendLog(domain.ActivityLogEntry{TransactionID: "tx2", ActorRole: domain.RoleSeller, Action: "B"})

	all := s.ListLogs("tx1", 0, 0)
	if len(all) != 4 {
		t.Fatalf("tx1 logs = %d, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("log ids not increasing: %d then %d", all[i-1].ID, all[i].ID)
		}
	}
	page := s.ListLogs("tx1", all[1].ID, 1)
	if len(page) != 1 || page[0].ID != all[2].ID {
		t.Fatalf("cursor page = %+v", page)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New()
	g := graphFixture("tx1")
	if err := s.SaveGraph(g); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.AppendLog(domain.ActivityLogEntry{TransactionID: "tx1", ActorRole: domain.RoleBuyer, Action: "TRANSACTION_CREATED", TS: "2025-02-01T00:00:00Z"})

	snap, err := s.Snapshot("tx1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Blocks) != 2 || len(snap.Policies) != 1 || len(snap.Rules) != 1 || len(snap.Items) != 1 {
		t.Fatalf("snapshot sizes: %d blocks %d policies %d rules %d items",
			len(snap.Blocks), len(snap.Policies), len(snap.Rules), len(snap.Items))
	}

	restored := New()
	if err := restored.Restore([]domain.Graph{snap}, s.LogEntries("tx1")); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := restored.GetTransaction("tx1"); err != nil {
		t.Fatalf("restored transaction missing: %v", err)
	}
	if logs := restored.ListLogs("tx1", 0, 0); len(logs) != 1 {
		t.Fatalf("restored logs = %d, want 1", len(logs))
	}
	// New log ids continue past the restored ones.
	next := restored.AppendLog(domain.ActivityLogEntry{TransactionID: "tx1", Action: "X"})
	if next.ID <= 1 {
		t.Fatalf("next log id = %d, want > restored max", next.ID)
	}
}
