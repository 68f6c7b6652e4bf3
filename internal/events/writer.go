package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TypeCatalogImported  = "catalog.imported"
	TypeConfigUpdated    = "config.updated"
	TypeResponseUpdated  = "response.updated"
	TypeDocumentUploaded = "document.uploaded"
	TypeDocumentDeleted  = "document.deleted"
	TypeStageSignedOff   = "stage.signed_off"
	TypeEndorsementSaved = "endorsement.saved"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits with the change it
// describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, activityID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,activity_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(activityID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
