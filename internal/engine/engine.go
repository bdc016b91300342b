// Package engine implements the escrow transaction execution graph:
// the mutation API over transactions, blocks, approval policies,
// approvers, work rules and generated work items, plus the lifecycle
// state machines and the block activation cascade.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/config"
	"phaseline/internal/dates"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/persist"
	"phaseline/internal/store"
)

// Activity log action names.
const (
	ActionTransactionCreated   = "TRANSACTION_CREATED"
	ActionTransactionUpdated   = "TRANSACTION_UPDATED"
	ActionTransactionActivated = "TRANSACTION_ACTIVATED"
	ActionTransactionPaused    = "TRANSACTION_PAUSED"
	ActionTransactionResumed   = "TRANSACTION_RESUMED"
	ActionTransactionCompleted = "TRANSACTION_COMPLETED"
	ActionBlockAdded           = "BLOCK_ADDED"
	ActionBlockUpdated         = "BLOCK_UPDATED"
	ActionBlockDeleted         = "BLOCK_DELETED"
	ActionBlockReordered       = "BLOCK_REORDERED"
	ActionBlockSplit           = "BLOCK_SPLIT"
	ActionBlockActivated       = "BLOCK_ACTIVATED"
	ActionBlockApproved        = "BLOCK_APPROVED"
	ActionPolicyCreated        = "POLICY_CREATED"
	ActionPolicyUpdated        = "POLICY_UPDATED"
	ActionApproverAdded        = "APPROVER_ADDED"
	ActionApproverUpdated      = "APPROVER_UPDATED"
	ActionApproverDeleted      = "APPROVER_DELETED"
	ActionRuleAdded            = "RULE_ADDED"
	ActionRuleUpdated          = "RULE_UPDATED"
	ActionRuleDeleted          = "RULE_DELETED"
	ActionItemSubmitted        = "ITEM_SUBMITTED"
	ActionItemApproved         = "ITEM_APPROVED"
	ActionItemRejected         = "ITEM_REJECTED"
)

type Engine struct {
	Store   *store.Store
	Events  events.Writer
	Persist *persist.Repo
	Config  *config.Config
	Now     func() time.Time
}

// New builds an engine over a store. repo may be nil for in-memory-only
// use (tests); cfg may be nil when template expansion is not needed.
func New(st *store.Store, repo *persist.Repo, cfg *config.Config) Engine {
	return Engine{
		Store:   st,
		Events:  events.Writer{Store: st},
		Persist: repo,
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// flush writes the durable snapshot for one transaction. The in-memory
// commit has already happened; a flush failure is reported but does not
// roll it back.
func (e Engine) flush(ctx context.Context, txID string) error {
	if e.Persist == nil {
		return nil
	}
	g, err := e.Store.Snapshot(txID)
	if err != nil {
		return err
	}
	return e.Persist.SaveTransaction(ctx, g, e.Store.LogEntries(txID))
}

func (e Engine) getTransaction(id string) (domain.Transaction, error) {
	t, err := e.Store.GetTransaction(id)
	if errors.Is(err, store.ErrNotFound) {
		return t, errf(KindNotFound, "transaction %s not found", id)
	}
	return t, err
}

func (e Engine) getBlock(id string) (domain.Block, error) {
	b, err := e.Store.GetBlock(id)
	if errors.Is(err, store.ErrNotFound) {
		return b, errf(KindNotFound, "block %s not found", id)
	}
	return b, err
}

// draftBlock resolves a block and its transaction and gates on DRAFT.
func (e Engine) draftBlock(id string) (domain.Block, domain.Transaction, error) {
	b, err := e.getBlock(id)
	if err != nil {
		return b, domain.Transaction{}, err
	}
	t, err := e.getTransaction(b.TransactionID)
	if err != nil {
		return b, t, err
	}
	if err := requireDraft(t); err != nil {
		return b, t, err
	}
	return b, t, nil
}

// --- transactions ---

type TransactionCreateOptions struct {
	ID            string
	Title         string
	Description   string
	InitiatorID   string
	InitiatorRole string
	BuyerID       string
	SellerID      string
	StartDate     string
	EndDate       string
}

func (e Engine) CreateTransaction(ctx context.Context, opts TransactionCreateOptions) (domain.Transaction, error) {
	if opts.Title == "" {
		return domain.Transaction{}, errf(KindBadInput, "title is required")
	}
	if opts.InitiatorRole != domain.RoleBuyer && opts.InitiatorRole != domain.RoleSeller {
		return domain.Transaction{}, errf(KindBadInput, "initiator role must be BUYER or SELLER")
	}
	if (opts.StartDate == "") != (opts.EndDate == "") {
		return domain.Transaction{}, errf(KindBadInput, "start and end date must be set together")
	}
	if opts.StartDate != "" {
		if !dates.Valid(opts.StartDate) || !dates.Valid(opts.EndDate) {
			return domain.Transaction{}, errf(KindBadInput, "dates must be YYYY-MM-DD")
		}
		if dates.After(opts.StartDate, opts.EndDate) {
			return domain.Transaction{}, errf(KindInvalidRange, "start date %s is after end date %s", opts.StartDate, opts.EndDate)
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	if _, err := e.Store.GetTransaction(id); err == nil {
		return domain.Transaction{}, errf(KindDuplicateEntity, "transaction %s already exists", id)
	}
	t := domain.Transaction{
		ID:            id,
		Title:         opts.Title,
		Description:   opts.Description,
		InitiatorID:   opts.InitiatorID,
		InitiatorRole: opts.InitiatorRole,
		Status:        domain.TxDraft,
		BuyerID:       optionalString(opts.BuyerID),
		SellerID:      optionalString(opts.SellerID),
		StartDate:     opts.StartDate,
		EndDate:       opts.EndDate,
		CreatedAt:     e.timestamp(),
	}
	unlock := e.Store.LockTransaction(id)
	defer unlock()
	e.Store.PutTransaction(t)
	e.Events.Append(t.ID, opts.InitiatorRole, ActionTransactionCreated, events.Metadata{"title": t.Title})
	return t, e.flush(ctx, t.ID)
}

// UpdateTransaction edits title/description while DRAFT.
func (e Engine) UpdateTransaction(ctx context.Context, id string, title, description *string, actorRole string) (domain.Transaction, error) {
	unlock := e.Store.LockTransaction(id)
	defer unlock()
	t, err := e.getTransaction(id)
	if err != nil {
		return t, err
	}
	if err := requireDraft(t); err != nil {
		return t, err
	}
	if title != nil {
		if *title == "" {
			return t, errf(KindBadInput, "title cannot be empty")
		}
		t.Title = *title
	}
	if description != nil {
		t.Description = *description
	}
	e.Store.PutTransaction(t)
	e.Events.Append(t.ID, actorRole, ActionTransactionUpdated, events.Metadata{"title": t.Title})
	return t, e.flush(ctx, t.ID)
}

// SetTransactionDates adjusts the date range while DRAFT. Every
// existing block must still fit the new range.
func (e Engine) SetTransactionDates(ctx context.Context, id, startDate, endDate, actorRole string) (domain.Transaction, error) {
	unlock := e.Store.LockTransaction(id)
	defer unlock()
	t, err := e.getTransaction(id)
	if err != nil {
		return t, err
	}
	if err := requireDraft(t); err != nil {
		return t, err
	}
	if !dates.Valid(startDate) || !dates.Valid(endDate) {
		return t, errf(KindBadInput, "dates must be YYYY-MM-DD")
	}
	if dates.After(startDate, endDate) {
		return t, errf(KindInvalidRange, "start date %s is after end date %s", startDate, endDate)
	}
	for _, b := range e.Store.GetBlocks(id) {
		if dates.Before(b.StartDate, startDate) || dates.After(b.EndDate, endDate) {
			return t, errf(KindOutOfRange, "block %q (%s..%s) would fall outside %s..%s",
				b.Title, b.StartDate, b.EndDate, startDate, endDate)
		}
	}
	t.StartDate = startDate
	t.EndDate = endDate
	e.Store.PutTransaction(t)
	e.Events.Append(t.ID, actorRole, ActionTransactionUpdated, events.Metadata{"start_date": startDate, "end_date": endDate})
	return t, e.flush(ctx, t.ID)
}

// SaveGraph replaces the whole entity set of the graph's transaction.
// Replace-not-merge; callers log explicitly.
func (e Engine) SaveGraph(ctx context.Context, g domain.Graph) error {
	if len(g.Blocks) > 0 && (!dates.Valid(g.Transaction.StartDate) || !dates.Valid(g.Transaction.EndDate)) {
		return errf(KindBadInput, "transaction %s has blocks but no usable date range", g.Transaction.ID)
	}
	for _, b := range g.Blocks {
		if !dates.Valid(b.StartDate) || !dates.Valid(b.EndDate) {
			return errf(KindBadInput, "block %q needs YYYY-MM-DD start and end dates", b.Title)
		}
	}
	unlock := e.Store.LockTransaction(g.Transaction.ID)
	defer unlock()
	if err := e.Store.SaveGraph(g); err != nil {
		var dup store.DuplicateIDError
		if errors.As(err, &dup) {
			return errf(KindDuplicateEntity, "%s", dup.Error())
		}
		return err
	}
	return e.flush(ctx, g.Transaction.ID)
}

// ExpandTemplate creates a draft transaction from a named deal
// template, its blocks tiling the template's total span from startDate.
func (e Engine) ExpandTemplate(ctx context.Context, name, startDate string, opts TransactionCreateOptions) (domain.Graph, error) {
	if e.Config == nil {
		return domain.Graph{}, errf(KindBadInput, "no template catalog loaded")
	}
	tpl, ok := e.Config.Templates[name]
	if !ok {
		return domain.Graph{}, errf(KindNotFound, "template %s not found", name)
	}
	if !dates.Valid(startDate) {
		return domain.Graph{}, errf(KindBadInput, "start date must be YYYY-MM-DD")
	}
	if opts.InitiatorRole == "" {
		opts.InitiatorRole = domain.RoleBuyer
	}
	if opts.InitiatorRole != domain.RoleBuyer && opts.InitiatorRole != domain.RoleSeller {
		return domain.Graph{}, errf(KindBadInput, "initiator role must be BUYER or SELLER")
	}
	txID := opts.ID
	if txID == "" {
		txID = uuid.New().String()
	}
	if _, err := e.Store.GetTransaction(txID); err == nil {
		return domain.Graph{}, errf(KindDuplicateEntity, "transaction %s already exists", txID)
	}
	title := opts.Title
	if title == "" {
		title = tpl.Title
	}
	description := opts.Description
	if description == "" {
		description = tpl.Description
	}
	endDate := dates.AddDays(startDate, tpl.TotalSpanDays()-1)
	g := domain.Graph{Transaction: domain.Transaction{
		ID:            txID,
		Title:         title,
		Description:   description,
		InitiatorID:   opts.InitiatorID,
		InitiatorRole: opts.InitiatorRole,
		Status:        domain.TxDraft,
		BuyerID:       optionalString(opts.BuyerID),
		SellerID:      optionalString(opts.SellerID),
		StartDate:     startDate,
		EndDate:       endDate,
		CreatedAt:     e.timestamp(),
	}}
	cursor := startDate
	for i, bt := range tpl.Blocks {
		policy := domain.ApprovalPolicy{ID: uuid.New().String(), Type: bt.Policy.Type, Threshold: bt.Policy.Threshold}
		block := domain.Block{
			ID:            uuid.New().String(),
			TransactionID: txID,
			Title:         bt.Title,
			StartDate:     cursor,
			EndDate:       dates.AddDays(cursor, bt.SpanDays-1),
			OrderIndex:    i + 1,
			PolicyID:      policy.ID,
		}
		g.Policies = append(g.Policies, policy)
		g.Blocks = append(g.Blocks, block)
		for _, at := range bt.Approvers {
			g.Approvers = append(g.Approvers, domain.BlockApprover{
				ID:       uuid.New().String(),
				BlockID:  block.ID,
				Role:     at.Role,
				Required: at.Required,
			})
		}
		for _, rt := range bt.Rules {
			g.Rules = append(g.Rules, domain.WorkRule{
				ID:        uuid.New().String(),
				BlockID:   block.ID,
				WorkType:  rt.WorkType,
				Title:     rt.Title,
				Quantity:  rt.Quantity,
				Frequency: rt.Frequency,
				DueDays:   append([]int(nil), rt.DueDays...),
			})
		}
		cursor = dates.AddDays(block.EndDate, 1)
	}
	unlock := e.Store.LockTransaction(txID)
	defer unlock()
	if err := e.Store.SaveGraph(g); err != nil {
		return domain.Graph{}, err
	}
	e.Events.Append(txID, opts.InitiatorRole, ActionTransactionCreated, events.Metadata{"title": title, "template": name})
	return g, e.flush(ctx, txID)
}

// --- blocks ---

// PolicySpec describes the approval policy attached to a new block.
type PolicySpec struct {
	Type      string
	Threshold *int
}

func (s PolicySpec) validate() error {
	if !validPolicyType(s.Type) {
		return errf(KindBadInput, "unknown policy type %q", s.Type)
	}
	if s.Type == domain.PolicyThreshold && (s.Threshold == nil || *s.Threshold < 1) {
		return errf(KindBadInput, "THRESHOLD policy needs a positive threshold")
	}
	return nil
}

type BlockCreateOptions struct {
	TransactionID string
	Title         string
	StartDate     string
	EndDate       string
	Policy        PolicySpec
	ActorRole     string
}

func (e Engine) AddBlock(ctx context.Context, opts BlockCreateOptions) (domain.Block, error) {
	if opts.Title == "" {
		return domain.Block{}, errf(KindBadInput, "title is required")
	}
	if opts.Policy.Type == "" {
		opts.Policy.Type = domain.PolicySingle
	}
	if err := opts.Policy.validate(); err != nil {
		return domain.Block{}, err
	}
	unlock := e.Store.LockTransaction(opts.TransactionID)
	defer unlock()
	t, err := e.getTransaction(opts.TransactionID)
	if err != nil {
		return domain.Block{}, err
	}
	if err := requireDraft(t); err != nil {
		return domain.Block{}, err
	}
	blocks := e.Store.GetBlocks(t.ID)
	if err := validateBlockDates(t, blocks, opts.StartDate, opts.EndDate, ""); err != nil {
		return domain.Block{}, err
	}
	policy := domain.ApprovalPolicy{ID: uuid.New().String(), Type: opts.Policy.Type, Threshold: opts.Policy.Threshold}
	b := domain.Block{
		ID:            uuid.New().String(),
		TransactionID: t.ID,
		Title:         opts.Title,
		StartDate:     opts.StartDate,
		EndDate:       opts.EndDate,
		OrderIndex:    len(blocks) + 1,
		PolicyID:      policy.ID,
	}
	e.Store.PutApprovalPolicy(policy)
	e.Store.PutBlock(b)
	e.Events.Append(t.ID, opts.ActorRole, ActionBlockAdded, events.Metadata{
		"block_id": b.ID, "title": b.Title, "start_date": b.StartDate, "end_date": b.EndDate,
	})
	return b, e.flush(ctx, t.ID)
}

type BlockUpdateOptions struct {
	BlockID   string
	Title     *string
	StartDate *string
	EndDate   *string
	ActorRole string
}

func (e Engine) UpdateBlock(ctx context.Context, opts BlockUpdateOptions) (domain.Block, error) {
	b, err := e.getBlock(opts.BlockID)
	if err != nil {
		return b, err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	b, t, err := e.draftBlock(opts.BlockID)
	if err != nil {
		return b, err
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return b, errf(KindBadInput, "title cannot be empty")
		}
		b.Title = *opts.Title
	}
	if opts.StartDate != nil || opts.EndDate != nil {
		start, end := b.StartDate, b.EndDate
		if opts.StartDate != nil {
			start = *opts.StartDate
		}
		if opts.EndDate != nil {
			end = *opts.EndDate
		}
		if err := validateBlockDates(t, e.Store.GetBlocks(t.ID), start, end, b.ID); err != nil {
			return b, err
		}
		b.StartDate, b.EndDate = start, end
	}
	e.Store.PutBlock(b)
	e.Events.Append(t.ID, opts.ActorRole, ActionBlockUpdated, events.Metadata{"block_id": b.ID, "title": b.Title})
	return b, e.flush(ctx, t.ID)
}

// DeleteBlock removes a block with its approvers, rules and items. The
// last remaining block of a transaction cannot be deleted. The block's
// approval policy is garbage-collected when nothing else references it.
func (e Engine) DeleteBlock(ctx context.Context, blockID, actorRole string) error {
	b, err := e.getBlock(blockID)
	if err != nil {
		return err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	b, t, err := e.draftBlock(blockID)
	if err != nil {
		return err
	}
	if len(e.Store.GetBlocks(t.ID)) == 1 {
		return errf(KindInvariantViolation, "cannot delete the last block of transaction %s", t.ID)
	}
	policyID := b.PolicyID
	e.Store.DeleteBlock(b.ID)
	if policyID != "" && e.Store.PolicyRefCount(policyID) == 0 {
		e.Store.DeleteApprovalPolicy(policyID)
	}
	e.renumberBlocks(t.ID)
	e.Events.Append(t.ID, actorRole, ActionBlockDeleted, events.Metadata{"block_id": b.ID, "title": b.Title})
	return e.flush(ctx, t.ID)
}

// ReorderBlock moves a block to a new 1-based position; the rest shift
// to keep indices contiguous.
func (e Engine) ReorderBlock(ctx context.Context, blockID string, newIndex int, actorRole string) error {
	b, err := e.getBlock(blockID)
	if err != nil {
		return err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	b, t, err := e.draftBlock(blockID)
	if err != nil {
		return err
	}
	blocks := e.Store.GetBlocks(t.ID)
	if newIndex < 1 || newIndex > len(blocks) {
		return errf(KindBadInput, "order index %d out of range 1..%d", newIndex, len(blocks))
	}
	var rest []domain.Block
	for _, other := range blocks {
		if other.ID != b.ID {
			rest = append(rest, other)
		}
	}
	reordered := append(rest[:newIndex-1:newIndex-1], b)
	reordered = append(reordered, rest[newIndex-1:]...)
	for i, rb := range reordered {
		rb.OrderIndex = i + 1
		e.Store.PutBlock(rb)
	}
	e.Events.Append(t.ID, actorRole, ActionBlockReordered, events.Metadata{"block_id": b.ID, "order_index": newIndex})
	return e.flush(ctx, t.ID)
}

// renumberBlocks rewrites order indices contiguously from 1, keeping
// the current relative order.
func (e Engine) renumberBlocks(txID string) {
	for i, b := range e.Store.GetBlocks(txID) {
		if b.OrderIndex != i+1 {
			b.OrderIndex = i + 1
			e.Store.PutBlock(b)
		}
	}
}

// --- approval policies ---

// CreateApprovalPolicy attaches a fresh policy to the block, replacing
// its current reference. The old policy is garbage-collected when
// unreferenced.
func (e Engine) CreateApprovalPolicy(ctx context.Context, blockID string, spec PolicySpec, actorRole string) (domain.ApprovalPolicy, error) {
	if err := spec.validate(); err != nil {
		return domain.ApprovalPolicy{}, err
	}
	b, err := e.getBlock(blockID)
	if err != nil {
		return domain.ApprovalPolicy{}, err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	b, t, err := e.draftBlock(blockID)
	if err != nil {
		return domain.ApprovalPolicy{}, err
	}
	policy := domain.ApprovalPolicy{ID: uuid.New().String(), Type: spec.Type, Threshold: spec.Threshold}
	oldID := b.PolicyID
	b.PolicyID = policy.ID
	e.Store.PutApprovalPolicy(policy)
	e.Store.PutBlock(b)
	if oldID != "" && e.Store.PolicyRefCount(oldID) == 0 {
		e.Store.DeleteApprovalPolicy(oldID)
	}
	e.Events.Append(t.ID, actorRole, ActionPolicyCreated, events.Metadata{"block_id": b.ID, "policy_id": policy.ID, "type": policy.Type})
	return policy, e.flush(ctx, t.ID)
}

// UpdateApprovalPolicy edits the block's referenced policy in place.
func (e Engine) UpdateApprovalPolicy(ctx context.Context, blockID string, spec PolicySpec, actorRole string) (domain.ApprovalPolicy, error) {
	if err := spec.validate(); err != nil {
		return domain.ApprovalPolicy{}, err
	}
	b, err := e.getBlock(blockID)
	if err != nil {
		return domain.ApprovalPolicy{}, err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	b, t, err := e.draftBlock(blockID)
	if err != nil {
		return domain.ApprovalPolicy{}, err
	}
	policy, err := e.Store.GetApprovalPolicy(b.PolicyID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.ApprovalPolicy{}, errf(KindNotFound, "policy %s not found", b.PolicyID)
	}
	policy.Type = spec.Type
	policy.Threshold = spec.Threshold
	e.Store.PutApprovalPolicy(policy)
	e.Events.Append(t.ID, actorRole, ActionPolicyUpdated, events.Metadata{"block_id": b.ID, "policy_id": policy.ID, "type": policy.Type})
	return policy, e.flush(ctx, t.ID)
}

// --- block approvers ---

type ApproverOptions struct {
	BlockID   string
	Role      string
	UserID    string
	Required  bool
	ActorRole string
}

func (e Engine) AddBlockApprover(ctx context.Context, opts ApproverOptions) (domain.BlockApprover, error) {
	if !validRole(opts.Role) {
		return domain.BlockApprover{}, errf(KindBadInput, "unknown approver role %q", opts.Role)
	}
	b, err := e.getBlock(opts.BlockID)
	if err != nil {
		return domain.BlockApprover{}, err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	b, t, err := e.draftBlock(opts.BlockID)
	if err != nil {
		return domain.BlockApprover{}, err
	}
	a := domain.BlockApprover{
		ID:       uuid.New().String(),
		BlockID:  b.ID,
		Role:     opts.Role,
		UserID:   optionalString(opts.UserID),
		Required: opts.Required,
	}
	e.Store.PutBlockApprover(a)
	e.Events.Append(t.ID, opts.ActorRole, ActionApproverAdded, events.Metadata{"block_id": b.ID, "approver_id": a.ID, "role": a.Role})
	return a, e.flush(ctx, t.ID)
}

func (e Engine) UpdateBlockApprover(ctx context.Context, approverID string, role *string, userID *string, required *bool, actorRole string) (domain.BlockApprover, error) {
	a, err := e.Store.GetBlockApprover(approverID)
	if errors.Is(err, store.ErrNotFound) {
		return a, errf(KindNotFound, "approver %s not found", approverID)
	}
	b, err := e.getBlock(a.BlockID)
	if err != nil {
		return a, err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	_, t, err := e.draftBlock(a.BlockID)
	if err != nil {
		return a, err
	}
	if role != nil {
		if !validRole(*role) {
			return a, errf(KindBadInput, "unknown approver role %q", *role)
		}
		a.Role = *role
	}
	if userID != nil {
		a.UserID = optionalString(*userID)
	}
	if required != nil {
		a.Required = *required
	}
	e.Store.PutBlockApprover(a)
	e.Events.Append(t.ID, actorRole, ActionApproverUpdated, events.Metadata{"approver_id": a.ID, "role": a.Role})
	return a, e.flush(ctx, t.ID)
}

func (e Engine) DeleteBlockApprover(ctx context.Context, approverID, actorRole string) error {
	a, err := e.Store.GetBlockApprover(approverID)
	if errors.Is(err, store.ErrNotFound) {
		return errf(KindNotFound, "approver %s not found", approverID)
	}
	b, err := e.getBlock(a.BlockID)
	if err != nil {
		return err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	_, t, err := e.draftBlock(a.BlockID)
	if err != nil {
		return err
	}
	e.Store.DeleteBlockApprover(a.ID)
	e.Events.Append(t.ID, actorRole, ActionApproverDeleted, events.Metadata{"approver_id": a.ID})
	return e.flush(ctx, t.ID)
}

// --- work rules ---

type WorkRuleOptions struct {
	BlockID   string
	WorkType  string
	Title     string
	Quantity  int
	Frequency string
	DueDays   []int
	ActorRole string
}

func (o WorkRuleOptions) validate() error {
	if o.Title == "" {
		return errf(KindBadInput, "rule title is required")
	}
	if o.Quantity < 1 {
		return errf(KindBadInput, "quantity must be at least 1")
	}
	if !validFrequency(o.Frequency) {
		return errf(KindBadInput, "unknown frequency %q", o.Frequency)
	}
	for _, d := range o.DueDays {
		if d < 1 {
			return errf(KindBadInput, "due days are 1-based offsets from the transaction start")
		}
	}
	return nil
}

func (e Engine) AddWorkRule(ctx context.Context, opts WorkRuleOptions) (domain.WorkRule, error) {
	if err := opts.validate(); err != nil {
		return domain.WorkRule{}, err
	}
	b, err := e.getBlock(opts.BlockID)
	if err != nil {
		return domain.WorkRule{}, err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	b, t, err := e.draftBlock(opts.BlockID)
	if err != nil {
		return domain.WorkRule{}, err
	}
	r := domain.WorkRule{
		ID:        uuid.New().String(),
		BlockID:   b.ID,
		WorkType:  opts.WorkType,
		Title:     opts.Title,
		Quantity:  opts.Quantity,
		Frequency: opts.Frequency,
		DueDays:   append([]int(nil), opts.DueDays...),
	}
	e.Store.PutWorkRule(r)
	e.Events.Append(t.ID, opts.ActorRole, ActionRuleAdded, events.Metadata{"block_id": b.ID, "rule_id": r.ID, "title": r.Title})
	return r, e.flush(ctx, t.ID)
}

func (e Engine) UpdateWorkRule(ctx context.Context, ruleID string, opts WorkRuleOptions) (domain.WorkRule, error) {
	r, err := e.Store.GetWorkRule(ruleID)
	if errors.Is(err, store.ErrNotFound) {
		return r, errf(KindNotFound, "work rule %s not found", ruleID)
	}
	opts.BlockID = r.BlockID
	if err := opts.validate(); err != nil {
		return r, err
	}
	b, err := e.getBlock(r.BlockID)
	if err != nil {
		return r, err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	_, t, err := e.draftBlock(r.BlockID)
	if err != nil {
		return r, err
	}
	r.WorkType = opts.WorkType
	r.Title = opts.Title
	r.Quantity = opts.Quantity
	r.Frequency = opts.Frequency
	r.DueDays = append([]int(nil), opts.DueDays...)
	e.Store.PutWorkRule(r)
	e.Events.Append(t.ID, opts.ActorRole, ActionRuleUpdated, events.Metadata{"rule_id": r.ID, "title": r.Title})
	return r, e.flush(ctx, t.ID)
}

// DeleteWorkRule cascades to the rule's generated work items.
func (e Engine) DeleteWorkRule(ctx context.Context, ruleID, actorRole string) error {
	r, err := e.Store.GetWorkRule(ruleID)
	if errors.Is(err, store.ErrNotFound) {
		return errf(KindNotFound, "work rule %s not found", ruleID)
	}
	b, err := e.getBlock(r.BlockID)
	if err != nil {
		return err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	_, t, err := e.draftBlock(r.BlockID)
	if err != nil {
		return err
	}
	e.Store.DeleteWorkRule(r.ID)
	e.Events.Append(t.ID, actorRole, ActionRuleDeleted, events.Metadata{"rule_id": r.ID, "title": r.Title})
	return e.flush(ctx, t.ID)
}

// --- lifecycle ---

// ActivateTransaction moves DRAFT to ACTIVE, activates the first block
// in order and generates its work items.
func (e Engine) ActivateTransaction(ctx context.Context, id, actorRole string) (domain.Transaction, error) {
	unlock := e.Store.LockTransaction(id)
	defer unlock()
	t, err := e.getTransaction(id)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TxDraft {
		return t, errf(KindInvalidLifecyclePhase, "transaction %s is %s; activation requires DRAFT", t.ID, t.Status)
	}
	t.Status = domain.TxActive
	e.Store.PutTransaction(t)
	e.Events.Append(t.ID, actorRole, ActionTransactionActivated, nil)
	blocks := e.Store.GetBlocks(t.ID)
	if len(blocks) > 0 {
		first := blocks[0]
		first.IsActive = true
		e.Store.PutBlock(first)
		if _, err := e.GenerateWorkItemsForBlock(first.ID); err != nil {
			return t, err
		}
		e.Events.Append(t.ID, actorRole, ActionBlockActivated, events.Metadata{"block_id": first.ID, "title": first.Title})
	}
	return t, e.flush(ctx, t.ID)
}

func (e Engine) PauseTransaction(ctx context.Context, id, actorRole string) (domain.Transaction, error) {
	unlock := e.Store.LockTransaction(id)
	defer unlock()
	t, err := e.getTransaction(id)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TxActive {
		return t, errf(KindInvalidLifecyclePhase, "transaction %s is %s; pause requires ACTIVE", t.ID, t.Status)
	}
	t.Status = domain.TxPaused
	e.Store.PutTransaction(t)
	e.Events.Append(t.ID, actorRole, ActionTransactionPaused, nil)
	return t, e.flush(ctx, t.ID)
}

func (e Engine) ResumeTransaction(ctx context.Context, id, actorRole string) (domain.Transaction, error) {
	unlock := e.Store.LockTransaction(id)
	defer unlock()
	t, err := e.getTransaction(id)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TxPaused {
		return t, errf(KindInvalidLifecyclePhase, "transaction %s is %s; resume requires PAUSED", t.ID, t.Status)
	}
	t.Status = domain.TxActive
	e.Store.PutTransaction(t)
	e.Events.Append(t.ID, actorRole, ActionTransactionResumed, nil)
	return t, e.flush(ctx, t.ID)
}

// --- work items ---

// itemContext resolves an item's rule, block and transaction and
// requires the block to be active on an ACTIVE transaction.
func (e Engine) itemContext(itemID string) (domain.WorkItem, domain.Block, domain.Transaction, error) {
	it, err := e.Store.GetWorkItem(itemID)
	if errors.Is(err, store.ErrNotFound) {
		return it, domain.Block{}, domain.Transaction{}, errf(KindNotFound, "work item %s not found", itemID)
	}
	r, err := e.Store.GetWorkRule(it.RuleID)
	if errors.Is(err, store.ErrNotFound) {
		return it, domain.Block{}, domain.Transaction{}, errf(KindNotFound, "work rule %s not found", it.RuleID)
	}
	b, err := e.getBlock(r.BlockID)
	if err != nil {
		return it, b, domain.Transaction{}, err
	}
	t, err := e.getTransaction(b.TransactionID)
	if err != nil {
		return it, b, t, err
	}
	if t.Status != domain.TxActive {
		return it, b, t, errf(KindInvalidLifecyclePhase, "transaction %s is %s; work items require ACTIVE", t.ID, t.Status)
	}
	if !b.IsActive {
		return it, b, t, errf(KindNotActive, "block %q is not active", b.Title)
	}
	return it, b, t, nil
}

func (e Engine) transitionWorkItem(ctx context.Context, itemID, target, actorRole, action string, from ...string) (domain.WorkItem, error) {
	it0, err := e.Store.GetWorkItem(itemID)
	if errors.Is(err, store.ErrNotFound) {
		return it0, errf(KindNotFound, "work item %s not found", itemID)
	}
	r, err := e.Store.GetWorkRule(it0.RuleID)
	if errors.Is(err, store.ErrNotFound) {
		return it0, errf(KindNotFound, "work rule %s not found", it0.RuleID)
	}
	b, err := e.getBlock(r.BlockID)
	if err != nil {
		return it0, err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	it, _, t, err := e.itemContext(itemID)
	if err != nil {
		return it, err
	}
	allowed := false
	for _, s := range from {
		if it.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return it, errf(KindInvalidTransition, "work item %s is %s; cannot move to %s", it.ID, it.Status, target)
	}
	it.Status = target
	e.Store.PutWorkItem(it)
	e.Events.Append(t.ID, actorRole, action, events.Metadata{"item_id": it.ID, "due_day": it.DueDay})
	return it, e.flush(ctx, t.ID)
}

// SubmitWorkItem marks an obligation delivered. Rejected items may be
// resubmitted.
func (e Engine) SubmitWorkItem(ctx context.Context, itemID, actorRole string) (domain.WorkItem, error) {
	return e.transitionWorkItem(ctx, itemID, domain.ItemSubmitted, actorRole, ActionItemSubmitted,
		domain.ItemPending, domain.ItemRejected)
}

func (e Engine) ApproveWorkItem(ctx context.Context, itemID, actorRole string) (domain.WorkItem, error) {
	return e.transitionWorkItem(ctx, itemID, domain.ItemApproved, actorRole, ActionItemApproved,
		domain.ItemSubmitted)
}

func (e Engine) RejectWorkItem(ctx context.Context, itemID, actorRole string) (domain.WorkItem, error) {
	return e.transitionWorkItem(ctx, itemID, domain.ItemRejected, actorRole, ActionItemRejected,
		domain.ItemSubmitted)
}

// ApproveBlock closes out an active block once every one of its work
// items is approved, then activates the next block in order or
// completes the transaction when none remains.
func (e Engine) ApproveBlock(ctx context.Context, blockID, actorRole string) error {
	b, err := e.getBlock(blockID)
	if err != nil {
		return err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	b, err = e.getBlock(blockID)
	if err != nil {
		return err
	}
	t, err := e.getTransaction(b.TransactionID)
	if err != nil {
		return err
	}
	if t.Status != domain.TxActive {
		return errf(KindInvalidLifecyclePhase, "transaction %s is %s; block approval requires ACTIVE", t.ID, t.Status)
	}
	if !b.IsActive {
		return errf(KindNotActive, "block %q is not active", b.Title)
	}
	items := e.Store.GetWorkItemsByBlock(b.ID)
	if len(items) == 0 {
		return errf(KindIncompleteApprovals, "block %q has no work items to approve", b.Title)
	}
	for _, it := range items {
		if it.Status != domain.ItemApproved {
			return errf(KindIncompleteApprovals, "block %q has a %s work item (due day %d)", b.Title, it.Status, it.DueDay)
		}
	}
	b.IsActive = false
	e.Store.PutBlock(b)
	e.Events.Append(t.ID, actorRole, ActionBlockApproved, events.Metadata{"block_id": b.ID, "title": b.Title})

	var next *domain.Block
	for _, cand := range e.Store.GetBlocks(t.ID) {
		if cand.OrderIndex > b.OrderIndex {
			next = &cand
			break
		}
	}
	if next == nil {
		t.Status = domain.TxCompleted
		e.Store.PutTransaction(t)
		e.Events.Append(t.ID, actorRole, ActionTransactionCompleted, nil)
		return e.flush(ctx, t.ID)
	}
	next.IsActive = true
	e.Store.PutBlock(*next)
	if _, err := e.GenerateWorkItemsForBlock(next.ID); err != nil {
		return err
	}
	e.Events.Append(t.ID, actorRole, ActionBlockActivated, events.Metadata{"block_id": next.ID, "title": next.Title})
	return e.flush(ctx, t.ID)
}

// --- reads ---

func (e Engine) ListLogs(txID string, afterID int64, limit int) ([]domain.ActivityLogEntry, error) {
	if _, err := e.getTransaction(txID); err != nil {
		return nil, err
	}
	return e.Store.ListLogs(txID, afterID, limit), nil
}

// Summary aggregates a transaction's progress.
type Summary struct {
	Transaction  domain.Transaction `json:"transaction"`
	BlockCount   int                `json:"block_count"`
	ActiveBlock  *domain.Block      `json:"active_block,omitempty"`
	ItemsByState map[string]int     `json:"items_by_state,omitempty"`
}

func (e Engine) Summarize(txID string) (Summary, error) {
	t, err := e.getTransaction(txID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{Transaction: t, ItemsByState: map[string]int{}}
	for _, b := range e.Store.GetBlocks(txID) {
		s.BlockCount++
		if b.IsActive {
			active := b
			s.ActiveBlock = &active
		}
		for _, it := range e.Store.GetWorkItemsByBlock(b.ID) {
			s.ItemsByState[it.Status]++
		}
	}
	return s, nil
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
