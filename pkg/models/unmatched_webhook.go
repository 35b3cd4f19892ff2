package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UnmatchedWebhook is a provider callback that referenced no known job.
// Rows are kept for manual reconciliation.
type UnmatchedWebhook struct {
	ID            uuid.UUID       `db:"id"              json:"id"`
	Kind          JobKind         `db:"kind"            json:"kind"`
	ExternalJobID string          `db:"external_job_id" json:"external_job_id"`
	Status        string          `db:"status"          json:"status"`
	Payload       json.RawMessage `db:"payload"         json:"payload"`
	ReceivedAt    time.Time       `db:"received_at"     json:"received_at"`
}
