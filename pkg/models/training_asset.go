package models

import (
	"time"

	"github.com/google/uuid"
)

// TrainingAsset is one individually uploaded input file of a training job.
// A registered asset contributes its AssetID to the owning job's parent set.
type TrainingAsset struct {
	ID               uuid.UUID    `db:"id"                json:"id"`
	JobID            uuid.UUID    `db:"job_id"            json:"job_id"`
	OriginalFilename string       `db:"original_filename" json:"original_filename"`
	StorageRef       string       `db:"storage_ref"       json:"storage_ref"`
	DisplayOrder     int          `db:"display_order"     json:"display_order"`
	Registration     Registration `db:"-"                 json:"external_registration"`
	CreatedAt        time.Time    `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"        json:"updated_at"`
}
