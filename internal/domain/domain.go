package domain

// Transaction lifecycle statuses.
const (
	TxDraft     = "DRAFT"
	TxActive    = "ACTIVE"
	TxPaused    = "PAUSED"
	TxCompleted = "COMPLETED"
)

// Party roles.
const (
	RoleBuyer    = "BUYER"
	RoleSeller   = "SELLER"
	RoleVerifier = "VERIFIER"
)

// Approval policy types.
const (
	PolicySingle    = "SINGLE"
	PolicyAll       = "ALL"
	PolicyAny       = "ANY"
	PolicyThreshold = "THRESHOLD"
)

// Work rule frequencies.
const (
	FreqOnce   = "ONCE"
	FreqDaily  = "DAILY"
	FreqWeekly = "WEEKLY"
	FreqCustom = "CUSTOM"
)

// Work item statuses.
const (
	ItemPending   = "PENDING"
	ItemSubmitted = "SUBMITTED"
	ItemApproved  = "APPROVED"
	ItemRejected  = "REJECTED"
)

type Transaction struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	InitiatorID   string  `json:"initiator_id"`
	InitiatorRole string  `json:"initiator_role" enum:"BUYER,SELLER"`
	Status        string  `json:"status" enum:"DRAFT,ACTIVE,PAUSED,COMPLETED"`
	BuyerID       *string `json:"buyer_id,omitempty"`
	SellerID      *string `json:"seller_id,omitempty"`
	StartDate     string  `json:"start_date,omitempty" format:"date"`
	EndDate       string  `json:"end_date,omitempty" format:"date"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type Block struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Title         string `json:"title"`
	StartDate     string `json:"start_date" format:"date"`
	EndDate       string `json:"end_date" format:"date"`
	OrderIndex    int    `json:"order_index"`
	PolicyID      string `json:"policy_id"`
	IsActive      bool   `json:"is_active"`
}

type ApprovalPolicy struct {
	ID        string `json:"id"`
	Type      string `json:"type" enum:"SINGLE,ALL,ANY,THRESHOLD"`
	Threshold *int   `json:"threshold,omitempty"`
}

type BlockApprover struct {
	ID       string  `json:"id"`
	BlockID  string  `json:"block_id"`
	Role     string  `json:"role" enum:"BUYER,SELLER,VERIFIER"`
	UserID   *string `json:"user_id,omitempty"`
	Required bool    `json:"required"`
}

type WorkRule struct {
	ID        string `json:"id"`
	BlockID   string `json:"block_id"`
	WorkType  string `json:"work_type"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	Frequency string `json:"frequency" enum:"ONCE,DAILY,WEEKLY,CUSTOM"`
	DueDays   []int  `json:"due_days,omitempty"`
}

// WorkItem is one dated obligation. DueDay is a 1-based offset from the
// transaction start date.
type WorkItem struct {
	ID     string `json:"id"`
	RuleID string `json:"rule_id"`
	DueDay int    `json:"due_day"`
	Status string `json:"status" enum:"PENDING,SUBMITTED,APPROVED,REJECTED"`
}

type ActivityLogEntry struct {
	ID            int64          `json:"id"`
	TransactionID string         `json:"transaction_id"`
	ActorRole     string         `json:"actor_role"`
	Action        string         `json:"action"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	TS            string         `json:"ts" format:"date-time"`
}

// Graph is the full entity set of one transaction, the unit SaveGraph
// replaces atomically.
type Graph struct {
	Transaction Transaction      `json:"transaction"`
	Blocks      []Block          `json:"blocks,omitempty"`
	Policies    []ApprovalPolicy `json:"policies,omitempty"`
	Approvers   []BlockApprover  `json:"approvers,omitempty"`
	Rules       []WorkRule       `json:"rules,omitempty"`
	Items       []WorkItem       `json:"items,omitempty"`
}
