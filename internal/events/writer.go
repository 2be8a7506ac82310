package events

import (
	"context"
	"database/sql"
	"encoding/json"

	"taskmarket/internal/domain"
	"taskmarket/internal/repo"
)

// Writer persists events to the local event log table. It is the default
// sink: a single indexed insert, cheap enough to run inline.
type Writer struct {
	Events repo.Events
}

func NewWriter(db *sql.DB) Writer {
	return Writer{Events: repo.Events{DB: db}}
}

func (w Writer) Emit(ctx context.Context, e Event) error {
	payload := "{}"
	if len(e.Payload) > 0 {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		payload = string(raw)
	}
	return w.Events.Insert(ctx, domain.Event{
		TS:         e.TS,
		Type:       e.Type,
		TaskID:     e.TaskID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	})
}
