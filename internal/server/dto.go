package server

import (
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

type CreateTransactionRequest struct {
	ID            string  `json:"id,omitempty"`
	Title         string  `json:"title"`
	Description   *string `json:"description,omitempty"`
	InitiatorID   string  `json:"initiator_id"`
	InitiatorRole string  `json:"initiator_role" enum:"BUYER,SELLER"`
	BuyerID       *string `json:"buyer_id,omitempty"`
	SellerID      *string `json:"seller_id,omitempty"`
	StartDate     *string `json:"start_date,omitempty"`
	EndDate       *string `json:"end_date,omitempty"`
}

type UpdateTransactionRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type SetDatesRequest struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type ExpandTemplateRequest struct {
	Template    string  `json:"template"`
	StartDate   string  `json:"start_date"`
	Title       *string `json:"title,omitempty"`
	InitiatorID string  `json:"initiator_id"`
	Role        string  `json:"initiator_role,omitempty" enum:"BUYER,SELLER,"`
	BuyerID     *string `json:"buyer_id,omitempty"`
	SellerID    *string `json:"seller_id,omitempty"`
}

type PolicyRequest struct {
	Type      string `json:"type" enum:"SINGLE,ALL,ANY,THRESHOLD"`
	Threshold *int   `json:"threshold,omitempty"`
}

type CreateBlockRequest struct {
	Title     string         `json:"title"`
	StartDate string         `json:"start_date"`
	EndDate   string         `json:"end_date"`
	Policy    *PolicyRequest `json:"policy,omitempty"`
}

type UpdateBlockRequest struct {
	Title     *string `json:"title,omitempty"`
	StartDate *string `json:"start_date,omitempty"`
	EndDate   *string `json:"end_date,omitempty"`
}

type SplitBlockRequest struct {
	SplitDate string `json:"split_date"`
}

type AutoSplitBlockRequest struct {
	Title  string         `json:"title"`
	Policy *PolicyRequest `json:"policy,omitempty"`
}

type ReorderBlockRequest struct {
	OrderIndex int `json:"order_index"`
}

type CreateApproverRequest struct {
	Role     string  `json:"role" enum:"BUYER,SELLER,VERIFIER"`
	UserID   *string `json:"user_id,omitempty"`
	Required bool    `json:"required"`
}

type UpdateApproverRequest struct {
	Role     *string `json:"role,omitempty"`
	UserID   *string `json:"user_id,omitempty"`
	Required *bool   `json:"required,omitempty"`
}

type CreateWorkRuleRequest struct {
	WorkType  string `json:"work_type"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	Frequency string `json:"frequency" enum:"ONCE,DAILY,WEEKLY,CUSTOM"`
	DueDays   []int  `json:"due_days,omitempty"`
}

type TransactionResponse struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	InitiatorID   string  `json:"initiator_id"`
	InitiatorRole string  `json:"initiator_role"`
	Status        string  `json:"status"`
	BuyerID       *string `json:"buyer_id,omitempty"`
	SellerID      *string `json:"seller_id,omitempty"`
	StartDate     string  `json:"start_date,omitempty"`
	EndDate       string  `json:"end_date,omitempty"`
	CreatedAt     string  `json:"created_at"`
}

type BlockResponse struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Title         string `json:"title"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	OrderIndex    int    `json:"order_index"`
	PolicyID      string `json:"policy_id"`
	IsActive      bool   `json:"is_active"`
}

type PolicyResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Threshold *int   `json:"threshold,omitempty"`
}

type ApproverResponse struct {
	ID       string  `json:"id"`
	BlockID  string  `json:"block_id"`
	Role     string  `json:"role"`
	UserID   *string `json:"user_id,omitempty"`
	Required bool    `json:"required"`
}

type WorkRuleResponse struct {
	ID        string `json:"id"`
	BlockID   string `json:"block_id"`
	WorkType  string `json:"work_type"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	Frequency string `json:"frequency"`
	DueDays   []int  `json:"due_days,omitempty"`
}

type WorkItemResponse struct {
	ID     string `json:"id"`
	RuleID string `json:"rule_id"`
	DueDay int    `json:"due_day"`
	Status string `json:"status"`
}

type LogEntryResponse struct {
	ID            int64          `json:"id"`
	TransactionID string         `json:"transaction_id"`
	ActorRole     string         `json:"actor_role,omitempty"`
	Action        string         `json:"action"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	TS            string         `json:"ts"`
}

type GraphResponse struct {
	Transaction TransactionResponse `json:"transaction"`
	Blocks      []BlockResponse     `json:"blocks"`
	Policies    []PolicyResponse    `json:"policies"`
	Approvers   []ApproverResponse  `json:"approvers"`
	Rules       []WorkRuleResponse  `json:"rules"`
	Items       []WorkItemResponse  `json:"items"`
}

type SummaryResponse struct {
	Transaction TransactionResponse `json:"transaction"`
	BlockCount  int                 `json:"block_count"`
	ActiveBlock *BlockResponse      `json:"active_block,omitempty"`
	Items       map[string]int      `json:"items_by_state,omitempty"`
}

type paginatedLogs struct {
	Items      []LogEntryResponse `json:"items"`
	NextCursor int64              `json:"next_cursor,omitempty"`
}

func transactionResponse(t domain.Transaction) TransactionResponse {
	return TransactionResponse{
		ID:            t.ID,
		Title:         t.Title,
		Description:   t.Description,
		InitiatorID:   t.InitiatorID,
		InitiatorRole: t.InitiatorRole,
		Status:        t.Status,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		StartDate:     t.StartDate,
		EndDate:       t.EndDate,
		CreatedAt:     t.CreatedAt,
	}
}

func blockResponse(b domain.Block) BlockResponse {
	return BlockResponse{
		ID:            b.ID,
		TransactionID: b.TransactionID,
		Title:         b.Title,
		StartDate:     b.StartDate,
		EndDate:       b.EndDate,
		OrderIndex:    b.OrderIndex,
		PolicyID:      b.PolicyID,
		IsActive:      b.IsActive,
	}
}

func policyResponse(p domain.ApprovalPolicy) PolicyResponse {
	return PolicyResponse{ID: p.ID, Type: p.Type, Threshold: p.Threshold}
}

func approverResponse(a domain.BlockApprover) ApproverResponse {
	return ApproverResponse{ID: a.ID, BlockID: a.BlockID, Role: a.Role, UserID: a.UserID, Required: a.Required}
}

func ruleResponse(r domain.WorkRule) WorkRuleResponse {
	return WorkRuleResponse{
		ID:        r.ID,
		BlockID:   r.BlockID,
		WorkType:  r.WorkType,
		Title:     r.Title,
		Quantity:  r.Quantity,
		Frequency: r.Frequency,
		DueDays:   r.DueDays,
	}
}

func itemResponse(it domain.WorkItem) WorkItemResponse {
	return WorkItemResponse{ID: it.ID, RuleID: it.RuleID, DueDay: it.DueDay, Status: it.Status}
}

func logResponse(e domain.ActivityLogEntry) LogEntryResponse {
	return LogEntryResponse{
		ID:            e.ID,
		TransactionID: e.TransactionID,
		ActorRole:     e.ActorRole,
		Action:        e.Action,
		Metadata:      e.Metadata,
		TS:            e.TS,
	}
}

func graphResponse(g domain.Graph) GraphResponse {
	resp := GraphResponse{
		Transaction: transactionResponse(g.Transaction),
		Blocks:      []BlockResponse{},
		Policies:    []PolicyResponse{},
		Approvers:   []ApproverResponse{},
		Rules:       []WorkRuleResponse{},
		Items:       []WorkItemResponse{},
	}
	for _, b := range g.Blocks {
		resp.Blocks = append(resp.Blocks, blockResponse(b))
	}
	for _, p := range g.Policies {
		resp.Policies = append(resp.Policies, policyResponse(p))
	}
	for _, a := range g.Approvers {
		resp.Approvers = append(resp.Approvers, approverResponse(a))
	}
	for _, r := range g.Rules {
		resp.Rules = append(resp.Rules, ruleResponse(r))
	}
	for _, it := range g.Items {
		resp.Items = append(resp.Items, itemResponse(it))
	}
	return resp
}

func summaryResponse(s engine.Summary) SummaryResponse {
	resp := SummaryResponse{
		Transaction: transactionResponse(s.Transaction),
		BlockCount:  s.BlockCount,
		Items:       s.ItemsByState,
	}
	if s.ActiveBlock != nil {
		b := blockResponse(*s.ActiveBlock)
		resp.ActiveBlock = &b
	}
	return resp
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
