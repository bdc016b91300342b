package events

import (
	"time"

	"phaseline/internal/domain"
	"phaseline/internal/store"
)

// Writer appends activity log entries to the store.
type Writer struct {
	Store *store.Store
	Now   func() time.Time
}

type Metadata map[string]any

func (w Writer) Append(txID, actorRole, action string, md Metadata) domain.ActivityLogEntry {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return w.Store.AppendLog(domain.ActivityLogEntry{
		TransactionID: txID,
		ActorRole:     actorRole,
		Action:        action,
		Metadata:      md,
		TS:            now().UTC().Format(time.RFC3339),
	})
}
