package models

import "time"

type RegistrationStatus string

const (
	RegistrationPending    RegistrationStatus = "pending"
	RegistrationRegistered RegistrationStatus = "registered"
	RegistrationFailed     RegistrationStatus = "failed"
	// RegistrationSkipped marks a job with no parent assets to declare.
	RegistrationSkipped RegistrationStatus = "skipped"
)

// Registration tracks registration of an artifact with the IP registry.
// It is kept apart from the owning record's lifecycle status.
type Registration struct {
	Status        RegistrationStatus `db:"registration_status"         json:"registration_status"`
	AssetID       *string            `db:"registration_asset_id"       json:"asset_id"`
	TxRef         *string            `db:"registration_tx_ref"         json:"tx_ref"`
	FailureReason *string            `db:"registration_failure_reason" json:"failure_reason"`
	Attempts      int                `db:"registration_attempts"       json:"attempts"`
	FailedAt      *time.Time         `db:"registration_failed_at"      json:"failed_at,omitempty"`
	RegisteredAt  *time.Time         `db:"registration_registered_at"  json:"registered_at,omitempty"`
}
