package engine

import (
	"context"
	"testing"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/store"
)

type testEnv struct {
	eng Engine
	ctx context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	eng := New(store.New(), nil, config.Default())
	eng.Now = func() time.Time { return time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC) }
	eng.Events.Now = eng.Now
	return &testEnv{eng: eng, ctx: context.Background()}
}

func (env *testEnv) createTransaction(t *testing.T, start, end string) domain.Transaction {
	t.Helper()
	tx, err := env.eng.CreateTransaction(env.ctx, TransactionCreateOptions{
		Title:         "Laptop purchase",
		InitiatorID:   "u-1",
		InitiatorRole: domain.RoleBuyer,
		StartDate:     start,
		EndDate:       end,
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return tx
}

func (env *testEnv) addBlock(t *testing.T, txID, title, start, end string) domain.Block {
	t.Helper()
	b, err := env.eng.AddBlock(env.ctx, BlockCreateOptions{
		TransactionID: txID,
		Title:         title,
		StartDate:     start,
		EndDate:       end,
		ActorRole:     domain.RoleBuyer,
	})
	if err != nil {
		t.Fatalf("add block %q: %v", title, err)
	}
	return b
}

func (env *testEnv) addRule(t *testing.T, blockID, title string, quantity int, freq string, dueDays ...int) domain.WorkRule {
	t.Helper()
	r, err := env.eng.AddWorkRule(env.ctx, WorkRuleOptions{
		BlockID:   blockID,
		WorkType:  "document",
		Title:     title,
		Quantity:  quantity,
		Frequency: freq,
		DueDays:   dueDays,
		ActorRole: domain.RoleSeller,
	})
	if err != nil {
		t.Fatalf("add rule %q: %v", title, err)
	}
	return r
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.eng.CreateTransaction(env.ctx, TransactionCreateOptions{InitiatorRole: domain.RoleBuyer})
	wantKind(t, err, KindBadInput)

	_, err = env.eng.CreateTransaction(env.ctx, TransactionCreateOptions{
		Title: "t", InitiatorRole: domain.RoleBuyer, StartDate: "2025-03-10", EndDate: "2025-03-01",
	})
	wantKind(t, err, KindInvalidRange)

	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	if tx.Status != domain.TxDraft {
		t.Fatalf("new transaction status = %s, want DRAFT", tx.Status)
	}

	_, err = env.eng.CreateTransaction(env.ctx, TransactionCreateOptions{
		ID: tx.ID, Title: "again", InitiatorRole: domain.RoleBuyer,
	})
	wantKind(t, err, KindDuplicateEntity)
}

func TestAddBlockBounds(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	env.addBlock(t, tx.ID, "Deposit", "2025-02-01", "2025-02-10")

	_, err := env.eng.AddBlock(env.ctx, BlockCreateOptions{
		TransactionID: tx.ID, Title: "Bad", StartDate: "2025-02-20", EndDate: "2025-03-05", ActorRole: domain.RoleBuyer,
	})
	wantKind(t, err, KindOutOfRange)

	// Shares 2025-02-10 with the deposit block. Closed intervals
	// overlap on a single common day.
	_, err = env.eng.AddBlock(env.ctx, BlockCreateOptions{
		TransactionID: tx.ID, Title: "Overlap", StartDate: "2025-02-10", EndDate: "2025-02-15", ActorRole: domain.RoleBuyer,
	})
	wantKind(t, err, KindOverlap)

	b2 := env.addBlock(t, tx.ID, "Shipping", "2025-02-11", "2025-02-28")
	if b2.OrderIndex != 2 {
		t.Fatalf("second block order index = %d, want 2", b2.OrderIndex)
	}
}

func TestStructuralEditsRequireDraft(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	b := env.addBlock(t, tx.ID, "Only", "2025-02-01", "2025-02-28")
	env.addRule(t, b.ID, "Proof", 1, domain.FreqOnce)

	if _, err := env.eng.ActivateTransaction(env.ctx, tx.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("activate: %v", err)
	}

	_, err := env.eng.AddBlock(env.ctx, BlockCreateOptions{
		TransactionID: tx.ID, Title: "Late", StartDate: "2025-02-01", EndDate: "2025-02-05", ActorRole: domain.RoleBuyer,
	})
	wantKind(t, err, KindInvalidLifecyclePhase)

	err = env.eng.DeleteBlock(env.ctx, b.ID, domain.RoleBuyer)
	wantKind(t, err, KindInvalidLifecyclePhase)
}

func TestDeleteBlockKeepsLastAndRenumbers(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	b1 := env.addBlock(t, tx.ID, "A", "2025-02-01", "2025-02-10")
	b2 := env.addBlock(t, tx.ID, "B", "2025-02-11", "2025-02-20")
	b3 := env.addBlock(t, tx.ID, "C", "2025-02-21", "2025-02-28")

	if err := env.eng.DeleteBlock(env.ctx, b2.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("delete middle block: %v", err)
	}
	blocks := env.eng.Store.GetBlocks(tx.ID)
	if len(blocks) != 2 {
		t.Fatalf("blocks after delete = %d, want 2", len(blocks))
	}
	if blocks[0].ID != b1.ID || blocks[0].OrderIndex != 1 {
		t.Fatalf("first block = %q index %d", blocks[0].Title, blocks[0].OrderIndex)
	}
	if blocks[1].ID != b3.ID || blocks[1].OrderIndex != 2 {
		t.Fatalf("second block = %q index %d, want C at 2", blocks[1].Title, blocks[1].OrderIndex)
	}

	if err := env.eng.DeleteBlock(env.ctx, b3.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("delete block: %v", err)
	}
	err := env.eng.DeleteBlock(env.ctx, b1.ID, domain.RoleBuyer)
	wantKind(t, err, KindInvariantViolation)
}

func TestLifecycleAndApprovalCascade(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-20")
	b1 := env.addBlock(t, tx.ID, "Deposit", "2025-02-01", "2025-02-10")
	b2 := env.addBlock(t, tx.ID, "Handover", "2025-02-11", "2025-02-20")
	env.addRule(t, b1.ID, "Proof of deposit", 1, domain.FreqOnce)
	env.addRule(t, b2.ID, "Delivery receipt", 1, domain.FreqOnce)

	if _, err := env.eng.ActivateTransaction(env.ctx, tx.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, _ := env.eng.Store.GetTransaction(tx.ID)
	if got.Status != domain.TxActive {
		t.Fatalf("status after activate = %s, want ACTIVE", got.Status)
	}
	first, _ := env.eng.Store.GetBlock(b1.ID)
	if !first.IsActive {
		t.Fatalf("first block not active after activation")
	}

	items := env.eng.Store.GetWorkItemsByBlock(b1.ID)
	if len(items) != 1 {
		t.Fatalf("items in first block = %d, want 1", len(items))
	}

	// Approving before any item is approved fails.
	err := env.eng.ApproveBlock(env.ctx, b1.ID, domain.RoleBuyer)
	wantKind(t, err, KindIncompleteApprovals)

	it := items[0]
	if _, err := env.eng.SubmitWorkItem(env.ctx, it.ID, domain.RoleSeller); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// A rejected item can be resubmitted.
	if _, err := env.eng.RejectWorkItem(env.ctx, it.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.eng.SubmitWorkItem(env.ctx, it.ID, domain.RoleSeller); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if _, err := env.eng.ApproveWorkItem(env.ctx, it.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("approve item: %v", err)
	}
	_, err = env.eng.ApproveWorkItem(env.ctx, it.ID, domain.RoleBuyer)
	wantKind(t, err, KindInvalidTransition)

	// Cascade: block 1 closes, block 2 activates with its own items.
	if err := env.eng.ApproveBlock(env.ctx, b1.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("approve block 1: %v", err)
	}
	first, _ = env.eng.Store.GetBlock(b1.ID)
	second, _ := env.eng.Store.GetBlock(b2.ID)
	if first.IsActive || !second.IsActive {
		t.Fatalf("after cascade: b1 active=%v b2 active=%v", first.IsActive, second.IsActive)
	}
	items2 := env.eng.Store.GetWorkItemsByBlock(b2.ID)
	if len(items2) != 1 {
		t.Fatalf("items in second block = %d, want 1", len(items2))
	}

	if _, err := env.eng.SubmitWorkItem(env.ctx, items2[0].ID, domain.RoleSeller); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if _, err := env.eng.ApproveWorkItem(env.ctx, items2[0].ID, domain.RoleBuyer); err != nil {
		t.Fatalf("approve item 2: %v", err)
	}
	if err := env.eng.ApproveBlock(env.ctx, b2.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("approve block 2: %v", err)
	}
	got, _ = env.eng.Store.GetTransaction(tx.ID)
	if got.Status != domain.TxCompleted {
		t.Fatalf("status after final approval = %s, want COMPLETED", got.Status)
	}
}

func TestApproveInactiveBlock(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-20")
	env.addBlock(t, tx.ID, "A", "2025-02-01", "2025-02-10")
	b2 := env.addBlock(t, tx.ID, "B", "2025-02-11", "2025-02-20")
	if _, err := env.eng.ActivateTransaction(env.ctx, tx.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("activate: %v", err)
	}
	err := env.eng.ApproveBlock(env.ctx, b2.ID, domain.RoleBuyer)
	wantKind(t, err, KindNotActive)
}

func TestPauseResume(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-20")
	b := env.addBlock(t, tx.ID, "Only", "2025-02-01", "2025-02-20")
	env.addRule(t, b.ID, "Proof", 1, domain.FreqOnce)

	_, err := env.eng.PauseTransaction(env.ctx, tx.ID, domain.RoleBuyer)
	wantKind(t, err, KindInvalidLifecyclePhase)

	if _, err := env.eng.ActivateTransaction(env.ctx, tx.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := env.eng.PauseTransaction(env.ctx, tx.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// Work items are frozen while paused.
	it := env.eng.Store.GetWorkItemsByBlock(b.ID)[0]
	_, err = env.eng.SubmitWorkItem(env.ctx, it.ID, domain.RoleSeller)
	wantKind(t, err, KindInvalidLifecyclePhase)

	if _, err := env.eng.ResumeTransaction(env.ctx, tx.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := env.eng.SubmitWorkItem(env.ctx, it.ID, domain.RoleSeller); err != nil {
		t.Fatalf("submit after resume: %v", err)
	}
}

func TestApproveBlockWhilePaused(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-20")
	b := env.addBlock(t, tx.ID, "Only", "2025-02-01", "2025-02-20")
	env.addRule(t, b.ID, "Proof", 1, domain.FreqOnce)

	if _, err := env.eng.ActivateTransaction(env.ctx, tx.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("activate: %v", err)
	}
	it := env.eng.Store.GetWorkItemsByBlock(b.ID)[0]
	if _, err := env.eng.SubmitWorkItem(env.ctx, it.ID, domain.RoleSeller); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.eng.ApproveWorkItem(env.ctx, it.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("approve item: %v", err)
	}
	if _, err := env.eng.PauseTransaction(env.ctx, tx.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// Block approval is frozen with the rest of the transaction.
	err := env.eng.ApproveBlock(env.ctx, b.ID, domain.RoleBuyer)
	wantKind(t, err, KindInvalidLifecyclePhase)
	got, _ := env.eng.Store.GetTransaction(tx.ID)
	if got.Status != domain.TxPaused {
		t.Fatalf("status after rejected approval = %s, want PAUSED", got.Status)
	}

	if _, err := env.eng.ResumeTransaction(env.ctx, tx.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := env.eng.ApproveBlock(env.ctx, b.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("approve block after resume: %v", err)
	}
	got, _ = env.eng.Store.GetTransaction(tx.ID)
	if got.Status != domain.TxCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
}

func TestReorderBlock(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	b1 := env.addBlock(t, tx.ID, "A", "2025-02-01", "2025-02-10")
	b2 := env.addBlock(t, tx.ID, "B", "2025-02-11", "2025-02-20")
	b3 := env.addBlock(t, tx.ID, "C", "2025-02-21", "2025-02-28")

	if err := env.eng.ReorderBlock(env.ctx, b3.ID, 1, domain.RoleBuyer); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	blocks := env.eng.Store.GetBlocks(tx.ID)
	wantOrder := []string{b3.ID, b1.ID, b2.ID}
	for i, id := range wantOrder {
		if blocks[i].ID != id {
			t.Fatalf("position %d = %q, want %q", i+1, blocks[i].Title, id)
		}
		if blocks[i].OrderIndex != i+1 {
			t.Fatalf("position %d has order index %d", i+1, blocks[i].OrderIndex)
		}
	}

	err := env.eng.ReorderBlock(env.ctx, b1.ID, 5, domain.RoleBuyer)
	wantKind(t, err, KindBadInput)
}

func TestPolicyReplaceGarbageCollects(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	b := env.addBlock(t, tx.ID, "A", "2025-02-01", "2025-02-28")
	oldPolicyID := b.PolicyID

	three := 3
	p, err := env.eng.CreateApprovalPolicy(env.ctx, b.ID, PolicySpec{Type: domain.PolicyThreshold, Threshold: &three}, domain.RoleBuyer)
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	if _, err := env.eng.Store.GetApprovalPolicy(oldPolicyID); err == nil {
		t.Fatalf("replaced policy %s not garbage-collected", oldPolicyID)
	}
	got, _ := env.eng.Store.GetBlock(b.ID)
	if got.PolicyID != p.ID {
		t.Fatalf("block policy = %s, want %s", got.PolicyID, p.ID)
	}

	_, err = env.eng.CreateApprovalPolicy(env.ctx, b.ID, PolicySpec{Type: domain.PolicyThreshold}, domain.RoleBuyer)
	wantKind(t, err, KindBadInput)
}

func TestSetTransactionDatesRespectsBlocks(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	env.addBlock(t, tx.ID, "A", "2025-02-05", "2025-02-15")

	_, err := env.eng.SetTransactionDates(env.ctx, tx.ID, "2025-02-10", "2025-02-28", domain.RoleBuyer)
	wantKind(t, err, KindOutOfRange)

	if _, err := env.eng.SetTransactionDates(env.ctx, tx.ID, "2025-02-01", "2025-03-10", domain.RoleBuyer); err != nil {
		t.Fatalf("widen dates: %v", err)
	}
}

func TestSaveGraphRequiresDatesWithBlocks(t *testing.T) {
	env := newTestEnv(t)

	undated := domain.Graph{
		Transaction: domain.Transaction{ID: "t-1", Title: "No dates", Status: domain.TxDraft},
		Blocks:      []domain.Block{{ID: "b-1", TransactionID: "t-1", Title: "Orphan"}},
		Rules:       []domain.WorkRule{{ID: "r-1", BlockID: "b-1", Title: "Proof", Quantity: 1, Frequency: domain.FreqOnce}},
	}
	err := env.eng.SaveGraph(env.ctx, undated)
	wantKind(t, err, KindBadInput)
	if _, err := env.eng.Store.GetTransaction("t-1"); err == nil {
		t.Fatalf("rejected graph was committed")
	}

	malformed := domain.Graph{
		Transaction: domain.Transaction{ID: "t-2", Title: "Bad block", Status: domain.TxDraft, StartDate: "2025-02-01", EndDate: "2025-02-28"},
		Blocks:      []domain.Block{{ID: "b-2", TransactionID: "t-2", Title: "Bad", StartDate: "02/05/2025", EndDate: "2025-02-10"}},
	}
	err = env.eng.SaveGraph(env.ctx, malformed)
	wantKind(t, err, KindBadInput)
}

func TestActivityLogCursor(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-28")
	env.addBlock(t, tx.ID, "A", "2025-02-01", "2025-02-10")
	env.addBlock(t, tx.ID, "B", "2025-02-11", "2025-02-28")

	all, err := env.eng.ListLogs(tx.ID, 0, 0)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("log entries = %d, want 3 (create + 2 adds)", len(all))
	}
	if all[0].Action != ActionTransactionCreated {
		t.Fatalf("first action = %s", all[0].Action)
	}

	rest, err := env.eng.ListLogs(tx.ID, all[0].ID, 1)
	if err != nil {
		t.Fatalf("list logs after cursor: %v", err)
	}
	if len(rest) != 1 || rest[0].Action != ActionBlockAdded {
		t.Fatalf("cursor page = %+v", rest)
	}

	_, err = env.eng.ListLogs("missing", 0, 0)
	wantKind(t, err, KindNotFound)
}

func TestExpandTemplate(t *testing.T) {
	env := newTestEnv(t)
	g, err := env.eng.ExpandTemplate(env.ctx, "goods-inspection", "2025-03-01", TransactionCreateOptions{
		InitiatorID: "u-1", InitiatorRole: domain.RoleBuyer,
	})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	// 7 + 14 + 7 days.
	if g.Transaction.EndDate != "2025-03-28" {
		t.Fatalf("end date = %s, want 2025-03-28", g.Transaction.EndDate)
	}
	if len(g.Blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(g.Blocks))
	}
	if g.Blocks[0].StartDate != "2025-03-01" || g.Blocks[0].EndDate != "2025-03-07" {
		t.Fatalf("block 1 = %s..%s", g.Blocks[0].StartDate, g.Blocks[0].EndDate)
	}
	if g.Blocks[1].StartDate != "2025-03-08" || g.Blocks[2].EndDate != "2025-03-28" {
		t.Fatalf("tiling broken: b2 start %s, b3 end %s", g.Blocks[1].StartDate, g.Blocks[2].EndDate)
	}
	if len(g.Policies) != 3 || len(g.Approvers) != 5 || len(g.Rules) != 3 {
		t.Fatalf("graph sizes: policies=%d approvers=%d rules=%d", len(g.Policies), len(g.Approvers), len(g.Rules))
	}

	_, err = env.eng.ExpandTemplate(env.ctx, "no-such-template", "2025-03-01", TransactionCreateOptions{})
	wantKind(t, err, KindNotFound)
}

func TestSummarize(t *testing.T) {
	env := newTestEnv(t)
	tx := env.createTransaction(t, "2025-02-01", "2025-02-20")
	b := env.addBlock(t, tx.ID, "Only", "2025-02-01", "2025-02-20")
	env.addRule(t, b.ID, "Weekly drop", 3, domain.FreqWeekly)
	if _, err := env.eng.ActivateTransaction(env.ctx, tx.ID, domain.RoleBuyer); err != nil {
		t.Fatalf("activate: %v", err)
	}

	s, err := env.eng.Summarize(tx.ID)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if s.BlockCount != 1 || s.ActiveBlock == nil || s.ActiveBlock.ID != b.ID {
		t.Fatalf("summary = %+v", s)
	}
	if s.ItemsByState[domain.ItemPending] != 3 {
		t.Fatalf("pending items = %d, want 3", s.ItemsByState[domain.ItemPending])
	}
}
