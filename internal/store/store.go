// Package store holds the authoritative in-memory representation of
// the transaction graphs. The engine is the only writer; persistence
// snapshots are taken from here, never read back except at startup.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"phaseline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// DuplicateIDError reports a duplicate id inside one collection of a
// submitted graph.
type DuplicateIDError struct {
	Collection string
	ID         string
}

func (e DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate %s id %s", e.Collection, e.ID)
}

type Store struct {
	mu sync.RWMutex

	transactions map[string]domain.Transaction
	blocks       map[string]domain.Block
	policies     map[string]domain.ApprovalPolicy
	approvers    map[string]domain.BlockApprover
	rules        map[string]domain.WorkRule
	items        map[string]domain.WorkItem

	blocksByTx       map[string]map[string]bool
	approversByBlock map[string]map[string]bool
	rulesByBlock     map[string]map[string]bool
	itemsByRule      map[string]map[string]bool

	logs      map[string][]domain.ActivityLogEntry
	nextLogID int64

	txLocks sync.Map
}

func New() *Store {
	return &Store{
		transactions:     map[string]domain.Transaction{},
		blocks:           map[string]domain.Block{},
		policies:         map[string]domain.ApprovalPolicy{},
		approvers:        map[string]domain.BlockApprover{},
		rules:            map[string]domain.WorkRule{},
		items:            map[string]domain.WorkItem{},
		blocksByTx:       map[string]map[string]bool{},
		approversByBlock: map[string]map[string]bool{},
		rulesByBlock:     map[string]map[string]bool{},
		itemsByRule:      map[string]map[string]bool{},
		logs:             map[string][]domain.ActivityLogEntry{},
		nextLogID:        1,
	}
}

// LockTransaction serializes mutations per transaction id. Returns the
// unlock func.
func (s *Store) LockTransaction(id string) func() {
	v, _ := s.txLocks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func addIndex(idx map[string]map[string]bool, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = map[string]bool{}
		idx[key] = set
	}
	set[id] = true
}

func dropIndex(idx map[string]map[string]bool, key, id string) {
	if set, ok := idx[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(idx, key)
		}
	}
}

// SaveGraph replaces every entity belonging to the graph's transaction
// with exactly the entities supplied. All-or-nothing: duplicate ids in
// any one collection fail before any mutation is applied.
func (s *Store) SaveGraph(g domain.Graph) error {
	if g.Transaction.ID == "" {
		return fmt.Errorf("graph transaction id required")
	}
	if err := checkDuplicates(g); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictTransaction(g.Transaction.ID)
	s.transactions[g.Transaction.ID] = g.Transaction
	for _, b := range g.Blocks {
		s.blocks[b.ID] = b
		addIndex(s.blocksByTx, b.TransactionID, b.ID)
	}
	for _, p := range g.Policies {
		s.policies[p.ID] = p
	}
	for _, a := range g.Approvers {
		s.approvers[a.ID] = a
		addIndex(s.approversByBlock, a.BlockID, a.ID)
	}
	for _, r := range g.Rules {
		s.rules[r.ID] = r
		addIndex(s.rulesByBlock, r.BlockID, r.ID)
	}
	for _, it := range g.Items {
		s.items[it.ID] = it
		addIndex(s.itemsByRule, it.RuleID, it.ID)
	}
	return nil
}

func checkDuplicates(g domain.Graph) error {
	seen := map[string]bool{}
	check := func(collection, id string) error {
		key := collection + "/" + id
		if seen[key] {
			return DuplicateIDError{Collection: collection, ID: id}
		}
		seen[key] = true
		return nil
	}
	for _, b := range g.Blocks {
		if err := check("block", b.ID); err != nil {
			return err
		}
	}
	for _, p := range g.Policies {
		if err := check("policy", p.ID); err != nil {
			return err
		}
	}
	for _, a := range g.Approvers {
		if err := check("approver", a.ID); err != nil {
			return err
		}
	}
	for _, r := range g.Rules {
		if err := check("rule", r.ID); err != nil {
			return err
		}
	}
	for _, it := range g.Items {
		if err := check("item", it.ID); err != nil {
			return err
		}
	}
	return nil
}

// evictTransaction removes a transaction's whole entity tree. Policies
// referenced by the evicted blocks are removed too unless another
// transaction's block still points at them. Caller holds the lock.
func (s *Store) evictTransaction(txID string) {
	evictedPolicies := map[string]bool{}
	for blockID := range s.blocksByTx[txID] {
		b := s.blocks[blockID]
		if b.PolicyID != "" {
			evictedPolicies[b.PolicyID] = true
		}
		for approverID := range s.approversByBlock[blockID] {
			delete(s.approvers, approverID)
		}
		delete(s.approversByBlock, blockID)
		for ruleID := range s.rulesByBlock[blockID] {
			for itemID := range s.itemsByRule[ruleID] {
				delete(s.items, itemID)
			}
			delete(s.itemsByRule, ruleID)
			delete(s.rules, ruleID)
		}
		delete(s.rulesByBlock, blockID)
		delete(s.blocks, blockID)
	}
	delete(s.blocksByTx, txID)
	delete(s.transactions, txID)
	for policyID := range evictedPolicies {
		if s.policyRefsLocked(policyID) == 0 {
			delete(s.policies, policyID)
		}
	}
}

func (s *Store) policyRefsLocked(policyID string) int {
	n := 0
	for _, b := range s.blocks {
		if b.PolicyID == policyID {
			n++
		}
	}
	return n
}

// PolicyRefCount returns how many blocks reference the policy.
func (s *Store) PolicyRefCount(policyID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policyRefsLocked(policyID)
}

// --- transactions ---

func (s *Store) GetTransaction(id string) (domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[id]
	if !ok {
		return domain.Transaction{}, ErrNotFound
	}
	return t, nil
}

func (s *Store) ListTransactions() []domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.Transaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt != res[j].CreatedAt {
			return res[i].CreatedAt > res[j].CreatedAt
		}
		return res[i].ID < res[j].ID
	})
	return res
}

func (s *Store) PutTransaction(t domain.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[t.ID] = t
}

// --- blocks ---

func (s *Store) GetBlock(id string) (domain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[id]
	if !ok {
		return domain.Block{}, ErrNotFound
	}
	return b, nil
}

// GetBlocks returns a transaction's blocks sorted by order index.
func (s *Store) GetBlocks(txID string) []domain.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocksLocked(txID)
}

func (s *Store) blocksLocked(txID string) []domain.Block {
	var res []domain.Block
	for id := range s.blocksByTx[txID] {
		res = append(res, s.blocks[id])
	}
	sort.Slice(res, func(i, j int) bool { return res[i].OrderIndex < res[j].OrderIndex })
	return res
}

func (s *Store) PutBlock(b domain.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[b.ID] = b
	addIndex(s.blocksByTx, b.TransactionID, b.ID)
}

// DeleteBlock removes a block and cascades to its approvers, rules and
// generated items. The approval policy is left to the caller, which
// knows whether it is still referenced.
func (s *Store) DeleteBlock(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return
	}
	for approverID := range s.approversByBlock[id] {
		delete(s.approvers, approverID)
	}
	delete(s.approversByBlock, id)
	for ruleID := range s.rulesByBlock[id] {
		s.deleteRuleLocked(ruleID)
	}
	delete(s.rulesByBlock, id)
	delete(s.blocks, id)
	dropIndex(s.blocksByTx, b.TransactionID, id)
}

// --- approval policies ---

func (s *Store) GetApprovalPolicy(id string) (domain.ApprovalPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return domain.ApprovalPolicy{}, ErrNotFound
	}
	return p, nil
}

func (s *Store) PutApprovalPolicy(p domain.ApprovalPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
}

func (s *Store) DeleteApprovalPolicy(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, id)
}

// --- approvers ---

func (s *Store) GetBlockApprover(id string) (domain.BlockApprover, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.approvers[id]
	if !ok {
		return domain.BlockApprover{}, ErrNotFound
	}
	return a, nil
}

func (s *Store) GetBlockApprovers(blockID string) []domain.BlockApprover {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.BlockApprover
	for id := range s.approversByBlock[blockID] {
		res = append(res, s.approvers[id])
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (s *Store) PutBlockApprover(a domain.BlockApprover) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvers[a.ID] = a
	addIndex(s.approversByBlock, a.BlockID, a.ID)
}

func (s *Store) DeleteBlockApprover(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvers[id]
	if !ok {
		return
	}
	delete(s.approvers, id)
	dropIndex(s.approversByBlock, a.BlockID, id)
}

// --- work rules ---

func (s *Store) GetWorkRule(id string) (domain.WorkRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return domain.WorkRule{}, ErrNotFound
	}
	return r, nil
}

func (s *Store) GetWorkRules(blockID string) []domain.WorkRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.WorkRule
	for id := range s.rulesByBlock[blockID] {
		res = append(res, s.rules[id])
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (s *Store) PutWorkRule(r domain.WorkRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	addIndex(s.rulesByBlock, r.BlockID, r.ID)
}

// DeleteWorkRule cascades to the rule's generated items.
func (s *Store) DeleteWorkRule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return
	}
	s.deleteRuleLocked(id)
	dropIndex(s.rulesByBlock, r.BlockID, id)
}

func (s *Store) deleteRuleLocked(ruleID string) {
	for itemID := range s.itemsByRule[ruleID] {
		delete(s.items, itemID)
	}
	delete(s.itemsByRule, ruleID)
	delete(s.rules, ruleID)
}

// --- work items ---

func (s *Store) GetWorkItem(id string) (domain.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return domain.WorkItem{}, ErrNotFound
	}
	return it, nil
}

func (s *Store) GetWorkItemsByRule(ruleID string) []domain.WorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.itemsByRuleLocked(ruleID)
}

func (s *Store) itemsByRuleLocked(ruleID string) []domain.WorkItem {
	var res []domain.WorkItem
	for id := range s.itemsByRule[ruleID] {
		res = append(res, s.items[id])
	}
	sortItems(res)
	return res
}

// GetWorkItemsByBlock joins through the block's rules.
func (s *Store) GetWorkItemsByBlock(blockID string) []domain.WorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.WorkItem
	for ruleID := range s.rulesByBlock[blockID] {
		res = append(res, s.itemsByRuleLocked(ruleID)...)
	}
	sortItems(res)
	return res
}

func sortItems(items []domain.WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].DueDay != items[j].DueDay {
			return items[i].DueDay < items[j].DueDay
		}
		return items[i].ID < items[j].ID
	})
}

func (s *Store) PutWorkItem(it domain.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[it.ID] = it
	addIndex(s.itemsByRule, it.RuleID, it.ID)
}

// HasWorkItem reports whether an item already exists for the
// (rule, dueDay) pair.
func (s *Store) HasWorkItem(ruleID string, dueDay int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id := range s.itemsByRule[ruleID] {
		if s.items[id].DueDay == dueDay {
			return true
		}
	}
	return false
}

// --- activity log ---

// AppendLog assigns the next log id and appends. Entries are never
// mutated or removed.
func (s *Store) AppendLog(e domain.ActivityLogEntry) domain.ActivityLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.nextLogID
	s.nextLogID++
	s.logs[e.TransactionID] = append(s.logs[e.TransactionID], e)
	return e
}

// ListLogs returns a transaction's log entries in insertion order,
// optionally after a cursor id and capped at limit.
func (s *Store) ListLogs(txID string, afterID int64, limit int) []domain.ActivityLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []domain.ActivityLogEntry
	for _, e := range s.logs[txID] {
		if e.ID <= afterID {
			continue
		}
		res = append(res, e)
		if limit > 0 && len(res) == limit {
			break
		}
	}
	return res
}

// Snapshot returns a copy of one transaction's full graph, the unit
// the persistence layer writes.
func (s *Store) Snapshot(txID string) (domain.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[txID]
	if !ok {
		return domain.Graph{}, ErrNotFound
	}
	g := domain.Graph{Transaction: t}
	policySeen := map[string]bool{}
	for _, b := range s.blocksLocked(txID) {
		g.Blocks = append(g.Blocks, b)
		if b.PolicyID != "" && !policySeen[b.PolicyID] {
			if p, ok := s.policies[b.PolicyID]; ok {
				g.Policies = append(g.Policies, p)
				policySeen[b.PolicyID] = true
			}
		}
		for id := range s.approversByBlock[b.ID] {
			g.Approvers = append(g.Approvers, s.approvers[id])
		}
		for id := range s.rulesByBlock[b.ID] {
			g.Rules = append(g.Rules, s.rules[id])
			g.Items = append(g.Items, s.itemsByRuleLocked(id)...)
		}
	}
	sort.Slice(g.Approvers, func(i, j int) bool { return g.Approvers[i].ID < g.Approvers[j].ID })
	sort.Slice(g.Rules, func(i, j int) bool { return g.Rules[i].ID < g.Rules[j].ID })
	sortItems(g.Items)
	return g, nil
}

// LogEntries returns every log entry for a transaction, for snapshot
// persistence.
func (s *Store) LogEntries(txID string) []domain.ActivityLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ActivityLogEntry(nil), s.logs[txID]...)
}

// Restore loads a persisted snapshot at startup.
func (s *Store) Restore(graphs []domain.Graph, logs []domain.ActivityLogEntry) error {
	for _, g := range graphs {
		if err := s.SaveGraph(g); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range logs {
		s.logs[e.TransactionID] = append(s.logs[e.TransactionID], e)
		if e.ID >= s.nextLogID {
			s.nextLogID = e.ID + 1
		}
	}
	return nil
}
