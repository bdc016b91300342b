package engine

import (
	"context"

	"github.com/google/uuid"

	"phaseline/internal/dates"
	"phaseline/internal/domain"
	"phaseline/internal/events"
)

// SplitBlock divides a block at splitDate. The original keeps its id
// and everything attached to it (approvers, rules) and now ends the day
// before splitDate; a new block covers splitDate through the original
// end, directly after it in order. splitDate must fall strictly inside
// the block: splitting at the start or end would leave an empty half.
func (e Engine) SplitBlock(ctx context.Context, blockID, splitDate, actorRole string) (domain.Block, domain.Block, error) {
	b, err := e.getBlock(blockID)
	if err != nil {
		return b, domain.Block{}, err
	}
	unlock := e.Store.LockTransaction(b.TransactionID)
	defer unlock()
	b, t, err := e.draftBlock(blockID)
	if err != nil {
		return b, domain.Block{}, err
	}
	if !dates.Valid(splitDate) {
		return b, domain.Block{}, errf(KindBadInput, "split date must be YYYY-MM-DD")
	}
	if !dates.After(splitDate, b.StartDate) || !dates.Before(splitDate, b.EndDate) {
		return b, domain.Block{}, errf(KindInvalidSplitPoint,
			"split date %s must be strictly inside %s..%s", splitDate, b.StartDate, b.EndDate)
	}

	second := domain.Block{
		ID:            uuid.New().String(),
		TransactionID: t.ID,
		Title:         b.Title + " (cont.)",
		StartDate:     splitDate,
		EndDate:       b.EndDate,
		OrderIndex:    b.OrderIndex + 1,
		PolicyID:      b.PolicyID,
	}
	b.EndDate = dates.AddDays(splitDate, -1)

	for _, other := range e.Store.GetBlocks(t.ID) {
		if other.OrderIndex > b.OrderIndex {
			other.OrderIndex++
			e.Store.PutBlock(other)
		}
	}
	e.Store.PutBlock(b)
	e.Store.PutBlock(second)
	e.Events.Append(t.ID, actorRole, ActionBlockSplit, events.Metadata{
		"block_id": b.ID, "new_block_id": second.ID, "split_date": splitDate,
	})
	return b, second, e.flush(ctx, t.ID)
}

// AddBlockWithAutoSplit appends a block while keeping the blocks tiling
// the transaction range with no gaps. When unclaimed days remain past
// the latest-ending block, the new block takes them; otherwise that
// block is halved and the new block takes the back half. A one-day
// block cannot be halved.
func (e Engine) AddBlockWithAutoSplit(ctx context.Context, txID, title string, policy PolicySpec, actorRole string) (domain.Block, error) {
	if title == "" {
		return domain.Block{}, errf(KindBadInput, "title is required")
	}
	if policy.Type == "" {
		policy.Type = domain.PolicySingle
	}
	if err := policy.validate(); err != nil {
		return domain.Block{}, err
	}
	unlock := e.Store.LockTransaction(txID)
	defer unlock()
	t, err := e.getTransaction(txID)
	if err != nil {
		return domain.Block{}, err
	}
	if err := requireDraft(t); err != nil {
		return domain.Block{}, err
	}
	if t.StartDate == "" || t.EndDate == "" {
		return domain.Block{}, errf(KindOutOfRange, "transaction %s has no date range set", t.ID)
	}
	blocks := e.Store.GetBlocks(t.ID)

	var start, end string
	if len(blocks) == 0 {
		start, end = t.StartDate, t.EndDate
	} else {
		// Carve from the block that ends latest, not the one with the
		// highest order index: blocks may be dated out of order, and
		// only a start past every end date cannot overlap.
		latest := blocks[0]
		for _, other := range blocks[1:] {
			if dates.After(other.EndDate, latest.EndDate) {
				latest = other
			}
		}
		if dates.Before(latest.EndDate, t.EndDate) {
			start = dates.AddDays(latest.EndDate, 1)
			end = t.EndDate
		} else {
			span := dates.SpanDays(latest.StartDate, latest.EndDate)
			if span < 2 {
				return domain.Block{}, errf(KindInvariantViolation,
					"block %q spans a single day and cannot be halved", latest.Title)
			}
			start = dates.AddDays(latest.StartDate, span/2)
			end = latest.EndDate
			latest.EndDate = dates.AddDays(start, -1)
			e.Store.PutBlock(latest)
		}
	}

	p := domain.ApprovalPolicy{ID: uuid.New().String(), Type: policy.Type, Threshold: policy.Threshold}
	b := domain.Block{
		ID:            uuid.New().String(),
		TransactionID: t.ID,
		Title:         title,
		StartDate:     start,
		EndDate:       end,
		OrderIndex:    len(blocks) + 1,
		PolicyID:      p.ID,
	}
	e.Store.PutApprovalPolicy(p)
	e.Store.PutBlock(b)
	e.Events.Append(t.ID, actorRole, ActionBlockAdded, events.Metadata{
		"block_id": b.ID, "title": b.Title, "start_date": b.StartDate, "end_date": b.EndDate, "auto_split": true,
	})
	return b, e.flush(ctx, t.ID)
}
