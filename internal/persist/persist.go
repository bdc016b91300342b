// Package persist writes durable snapshots of the in-memory graph
// store to SQLite and reads them back at startup. The in-memory store
// stays authoritative; this layer only survives restarts.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"phaseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// SaveTransaction rewrites one transaction's rows and its activity log
// inside a single SQL transaction.
func (r Repo) SaveTransaction(ctx context.Context, g domain.Graph, logs []domain.ActivityLogEntry) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE id=?`, g.Transaction.ID); err != nil {
		return fmt.Errorf("evict transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_log WHERE transaction_id=?`, g.Transaction.ID); err != nil {
		return fmt.Errorf("evict activity log: %w", err)
	}

	t := g.Transaction
	if _, err := tx.ExecContext(ctx, `INSERT INTO transactions(id,title,description,initiator_id,initiator_role,status,buyer_id,seller_id,start_date,end_date,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Description), t.InitiatorID, t.InitiatorRole, t.Status,
		nullableStringPtr(t.BuyerID), nullableStringPtr(t.SellerID), nullable(t.StartDate), nullable(t.EndDate), t.CreatedAt); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	for _, p := range g.Policies {
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO approval_policies(id,type,threshold) VALUES (?,?,?)`,
			p.ID, p.Type, nullableIntPtr(p.Threshold)); err != nil {
			return fmt.Errorf("insert policy: %w", err)
		}
	}
	for _, b := range g.Blocks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO blocks(id,transaction_id,title,start_date,end_date,order_index,policy_id,is_active)
VALUES (?,?,?,?,?,?,?,?)`,
			b.ID, b.TransactionID, b.Title, b.StartDate, b.EndDate, b.OrderIndex, b.PolicyID, boolInt(b.IsActive)); err != nil {
			return fmt.Errorf("insert block: %w", err)
		}
	}
	for _, a := range g.Approvers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO block_approvers(id,block_id,role,user_id,required) VALUES (?,?,?,?,?)`,
			a.ID, a.BlockID, a.Role, nullableStringPtr(a.UserID), boolInt(a.Required)); err != nil {
			return fmt.Errorf("insert approver: %w", err)
		}
	}
	for _, wr := range g.Rules {
		dueDays, err := marshalDueDays(wr.DueDays)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO work_rules(id,block_id,work_type,title,quantity,frequency,due_days_json) VALUES (?,?,?,?,?,?,?)`,
			wr.ID, wr.BlockID, wr.WorkType, wr.Title, wr.Quantity, wr.Frequency, dueDays); err != nil {
			return fmt.Errorf("insert work rule: %w", err)
		}
	}
	for _, it := range g.Items {
		if _, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,rule_id,due_day,status) VALUES (?,?,?,?)`,
			it.ID, it.RuleID, it.DueDay, it.Status); err != nil {
			return fmt.Errorf("insert work item: %w", err)
		}
	}
	for _, e := range logs {
		md, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal log metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO activity_log(id,transaction_id,actor_role,action,metadata_json,ts) VALUES (?,?,?,?,?,?)`,
			e.ID, e.TransactionID, e.ActorRole, e.Action, string(md), e.TS); err != nil {
			return fmt.Errorf("insert log entry: %w", err)
		}
	}

	// GC policies no longer referenced by any block.
	if _, err := tx.ExecContext(ctx, `DELETE FROM approval_policies WHERE id NOT IN (SELECT policy_id FROM blocks)`); err != nil {
		return fmt.Errorf("gc policies: %w", err)
	}
	return tx.Commit()
}

// Load reads the full persisted state: one graph per transaction plus
// all activity log entries.
func (r Repo) Load(ctx context.Context) ([]domain.Graph, []domain.ActivityLogEntry, error) {
	txs, err := r.loadTransactions(ctx)
	if err != nil {
		return nil, nil, err
	}
	graphs := map[string]*domain.Graph{}
	var order []string
	for _, t := range txs {
		graphs[t.ID] = &domain.Graph{Transaction: t}
		order = append(order, t.ID)
	}

	policies, err := r.loadPolicies(ctx)
	if err != nil {
		return nil, nil, err
	}
	blockTx := map[string]string{}
	ruleTx := map[string]string{}
	policyByID := map[string]domain.ApprovalPolicy{}
	for _, p := range policies {
		policyByID[p.ID] = p
	}

	blocks, err := r.loadBlocks(ctx)
	if err != nil {
		return nil, nil, err
	}
	policySeen := map[string]bool{}
	for _, b := range blocks {
		g, ok := graphs[b.TransactionID]
		if !ok {
			continue
		}
		g.Blocks = append(g.Blocks, b)
		blockTx[b.ID] = b.TransactionID
		if p, ok := policyByID[b.PolicyID]; ok && !policySeen[b.PolicyID] {
			g.Policies = append(g.Policies, p)
			policySeen[b.PolicyID] = true
		}
	}

	approvers, err := r.loadApprovers(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, a := range approvers {
		if g, ok := graphs[blockTx[a.BlockID]]; ok {
			g.Approvers = append(g.Approvers, a)
		}
	}

	rules, err := r.loadRules(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, wr := range rules {
		if g, ok := graphs[blockTx[wr.BlockID]]; ok {
			g.Rules = append(g.Rules, wr)
			ruleTx[wr.ID] = blockTx[wr.BlockID]
		}
	}

	items, err := r.loadItems(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, it := range items {
		if g, ok := graphs[ruleTx[it.RuleID]]; ok {
			g.Items = append(g.Items, it)
		}
	}

	logs, err := r.loadLogs(ctx)
	if err != nil {
		return nil, nil, err
	}

	res := make([]domain.Graph, 0, len(order))
	for _, id := range order {
		res = append(res, *graphs[id])
	}
	return res, logs, nil
}

func (r Repo) loadTransactions(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,description,initiator_id,initiator_role,status,buyer_id,seller_id,start_date,end_date,created_at FROM transactions ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var desc, buyer, seller, start, end sql.NullString
		if err := rows.Scan(&t.ID, &t.Title, &desc, &t.InitiatorID, &t.InitiatorRole, &t.Status, &buyer, &seller, &start, &end, &t.CreatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			t.Description = desc.String
		}
		if buyer.Valid {
			t.BuyerID = &buyer.String
		}
		if seller.Valid {
			t.SellerID = &seller.String
		}
		if start.Valid {
			t.StartDate = start.String
		}
		if end.Valid {
			t.EndDate = end.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) loadPolicies(ctx context.Context) ([]domain.ApprovalPolicy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,type,threshold FROM approval_policies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalPolicy
	for rows.Next() {
		var p domain.ApprovalPolicy
		var threshold sql.NullInt64
		if err := rows.Scan(&p.ID, &p.Type, &threshold); err != nil {
			return nil, err
		}
		if threshold.Valid {
			v := int(threshold.Int64)
			p.Threshold = &v
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) loadBlocks(ctx context.Context) ([]domain.Block, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,transaction_id,title,start_date,end_date,order_index,policy_id,is_active FROM blocks ORDER BY transaction_id, order_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Block
	for rows.Next() {
		var b domain.Block
		var active int
		if err := rows.Scan(&b.ID, &b.TransactionID, &b.Title, &b.StartDate, &b.EndDate, &b.OrderIndex, &b.PolicyID, &active); err != nil {
			return nil, err
		}
		b.IsActive = active != 0
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) loadApprovers(ctx context.Context) ([]domain.BlockApprover, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,block_id,role,user_id,required FROM block_approvers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BlockApprover
	for rows.Next() {
		var a domain.BlockApprover
		var userID sql.NullString
		var required int
		if err := rows.Scan(&a.ID, &a.BlockID, &a.Role, &userID, &required); err != nil {
			return nil, err
		}
		if userID.Valid {
			a.UserID = &userID.String
		}
		a.Required = required != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) loadRules(ctx context.Context) ([]domain.WorkRule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,block_id,work_type,title,quantity,frequency,due_days_json FROM work_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkRule
	for rows.Next() {
		var wr domain.WorkRule
		var dueDays sql.NullString
		if err := rows.Scan(&wr.ID, &wr.BlockID, &wr.WorkType, &wr.Title, &wr.Quantity, &wr.Frequency, &dueDays); err != nil {
			return nil, err
		}
		if dueDays.Valid && dueDays.String != "" {
			if err := json.Unmarshal([]byte(dueDays.String), &wr.DueDays); err != nil {
				return nil, fmt.Errorf("due days for rule %s: %w", wr.ID, err)
			}
		}
		res = append(res, wr)
	}
	return res, rows.Err()
}

func (r Repo) loadItems(ctx context.Context) ([]domain.WorkItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,rule_id,due_day,status FROM work_items`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		var it domain.WorkItem
		if err := rows.Scan(&it.ID, &it.RuleID, &it.DueDay, &it.Status); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) loadLogs(ctx context.Context) ([]domain.ActivityLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,transaction_id,actor_role,action,metadata_json,ts FROM activity_log ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityLogEntry
	for rows.Next() {
		var e domain.ActivityLogEntry
		var md sql.NullString
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.ActorRole, &e.Action, &md, &e.TS); err != nil {
			return nil, err
		}
		if md.Valid && md.String != "" && md.String != "null" {
			if err := json.Unmarshal([]byte(md.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("log metadata for entry %d: %w", e.ID, err)
			}
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalDueDays(in []int) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
