package schema

import (
	"encoding/json"
	"time"
)

// Audit actions.
const (
	ActionInsert    = "insert"
	ActionUpdate    = "update"
	ActionReconcile = "reconcile"
)

// AuditEntry is an immutable record of a mutation applied to the local store.
type AuditEntry struct {
	ID        int64           `json:"id,omitempty"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Table     string          `json:"table_name"`
	RecordKey string          `json:"record_key"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
