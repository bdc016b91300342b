package phaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL     string
	ActorRole   string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Transaction represents the API transaction model.
type Transaction struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	InitiatorID string `json:"initiator_id,omitempty"`
	BuyerID     string `json:"buyer_id,omitempty"`
	SellerID    string `json:"seller_id,omitempty"`
	Status      string `json:"status"`
	StartDate   string `json:"start_date,omitempty"`
	EndDate     string `json:"end_date,omitempty"`
}

// Block represents one phase of a transaction.
type Block struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Title         string `json:"title"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	OrderIndex    int    `json:"order_index"`
	IsActive      bool   `json:"is_active"`
	PolicyID      string `json:"policy_id,omitempty"`
}

// WorkItem represents one dated obligation.
type WorkItem struct {
	ID     string `json:"id"`
	RuleID string `json:"rule_id"`
	DueDay int    `json:"due_day"`
	Status string `json:"status"`
}

// LogEntry represents an activity log entry.
type LogEntry struct {
	ID            int64          `json:"id"`
	TransactionID string         `json:"transaction_id"`
	TS            string         `json:"ts"`
	ActorRole     string         `json:"actor_role,omitempty"`
	Action        string         `json:"action"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Summary reports transaction progress.
type Summary struct {
	Transaction  Transaction    `json:"transaction"`
	BlockCount   int            `json:"block_count"`
	ActiveBlock  *Block         `json:"active_block,omitempty"`
	ItemsByState map[string]int `json:"items_by_state,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedLogs wraps log listings with a cursor.
type PaginatedLogs struct {
	Items      []LogEntry `json:"items"`
	NextCursor int64      `json:"next_cursor"`
}

// CreateTransaction creates a draft transaction.
func (c *Client) CreateTransaction(ctx context.Context, title, initiatorID, initiatorRole, startDate, endDate string) (Transaction, error) {
	body := map[string]any{
		"title":          title,
		"initiator_id":   initiatorID,
		"initiator_role": initiatorRole,
		"start_date":     startDate,
		"end_date":       endDate,
	}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "transactions", body, &resp)
	return resp, err
}

// ExpandTemplate creates a draft transaction from a catalog template.
func (c *Client) ExpandTemplate(ctx context.Context, template, startDate, initiatorID string) (Transaction, error) {
	body := map[string]any{
		"template":     template,
		"start_date":   startDate,
		"initiator_id": initiatorID,
	}
	var resp struct {
		Transaction Transaction `json:"transaction"`
	}
	err := c.do(ctx, http.MethodPost, "transactions/expand", body, &resp)
	return resp.Transaction, err
}

// Transactions lists all transactions.
func (c *Client) Transactions(ctx context.Context) ([]Transaction, error) {
	var resp []Transaction
	err := c.do(ctx, http.MethodGet, "transactions", nil, &resp)
	return resp, err
}

// AddBlock appends a block to a draft transaction.
func (c *Client) AddBlock(ctx context.Context, txID, title, startDate, endDate string) (Block, error) {
	body := map[string]any{
		"title":      title,
		"start_date": startDate,
		"end_date":   endDate,
	}
	var resp Block
	endpoint := fmt.Sprintf("transactions/%s/blocks", url.PathEscape(txID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Blocks lists a transaction's blocks in order.
func (c *Client) Blocks(ctx context.Context, txID string) ([]Block, error) {
	var resp []Block
	endpoint := fmt.Sprintf("transactions/%s/blocks", url.PathEscape(txID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Activate moves a draft transaction to ACTIVE and starts its first block.
func (c *Client) Activate(ctx context.Context, txID string) (Transaction, error) {
	var resp Transaction
	endpoint := fmt.Sprintf("transactions/%s/activate", url.PathEscape(txID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// WorkItems lists a block's work items.
func (c *Client) WorkItems(ctx context.Context, blockID string) ([]WorkItem, error) {
	var resp []WorkItem
	endpoint := fmt.Sprintf("blocks/%s/items", url.PathEscape(blockID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitWorkItem marks an item submitted.
func (c *Client) SubmitWorkItem(ctx context.Context, itemID string) (WorkItem, error) {
	return c.itemOp(ctx, itemID, "submit")
}

// ApproveWorkItem approves a submitted item.
func (c *Client) ApproveWorkItem(ctx context.Context, itemID string) (WorkItem, error) {
	return c.itemOp(ctx, itemID, "approve")
}

// RejectWorkItem rejects a submitted item so it can be redone.
func (c *Client) RejectWorkItem(ctx context.Context, itemID string) (WorkItem, error) {
	return c.itemOp(ctx, itemID, "reject")
}

func (c *Client) itemOp(ctx context.Context, itemID, op string) (WorkItem, error) {
	var resp WorkItem
	endpoint := fmt.Sprintf("items/%s/%s", url.PathEscape(itemID), op)
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ApproveBlock closes the active block and advances the transaction.
func (c *Client) ApproveBlock(ctx context.Context, blockID string) error {
	endpoint := fmt.Sprintf("blocks/%s/approve", url.PathEscape(blockID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// Summary returns transaction progress.
func (c *Client) Summary(ctx context.Context, txID string) (Summary, error) {
	var resp Summary
	endpoint := fmt.Sprintf("transactions/%s/summary", url.PathEscape(txID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Logs returns recent activity log entries.
func (c *Client) Logs(ctx context.Context, txID string, limit int) ([]LogEntry, error) {
	page, err := c.LogsPage(ctx, txID, limit, 0)
	return page.Items, err
}

// LogsPage returns a paginated activity log listing.
func (c *Client) LogsPage(ctx context.Context, txID string, limit int, after int64) (PaginatedLogs, error) {
	endpoint := fmt.Sprintf("transactions/%s/logs", url.PathEscape(txID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if after > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
	}
	var resp PaginatedLogs
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorRole != "":
		req.Header.Set("X-Actor-Role", c.ActorRole)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
