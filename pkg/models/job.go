// Package models contains shared data models used across the tunehub codebase.
package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobKind distinguishes the two job variants. Both share the same lifecycle.
type JobKind string

const (
	JobKindTraining   JobKind = "training"
	JobKindGeneration JobKind = "generation"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	return k == JobKindTraining || k == JobKindGeneration
}

type JobStatus string

const (
	JobStatusPending          JobStatus = "pending"
	JobStatusSubmitted        JobStatus = "submitted"
	JobStatusStarting         JobStatus = "starting"
	JobStatusProcessing       JobStatus = "processing"
	JobStatusSucceeded        JobStatus = "succeeded"
	JobStatusFailed           JobStatus = "failed"
	JobStatusSubmissionFailed JobStatus = "submission_failed"
	JobStatusInvalidInput     JobStatus = "invalid_input"
)

// jobTransitions lists the statuses reachable from each non-terminal status.
// Terminal statuses have no entry.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {
		JobStatusSubmitted, JobStatusSubmissionFailed, JobStatusInvalidInput,
	},
	JobStatusSubmitted: {
		JobStatusStarting, JobStatusProcessing, JobStatusSucceeded, JobStatusFailed,
		JobStatusSubmissionFailed, JobStatusInvalidInput,
	},
	JobStatusStarting: {
		JobStatusProcessing, JobStatusSucceeded, JobStatusFailed,
	},
	JobStatusProcessing: {
		JobStatusSucceeded, JobStatusFailed,
	},
}

// IsTerminal reports whether no further status transition is accepted from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusSubmissionFailed, JobStatusInvalidInput:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
// Self-transitions are not transitions and return false.
func CanTransition(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Predecessors returns every status from which to is reachable in one step.
// Stores use it for compare-and-set updates.
func Predecessors(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{
		JobStatusPending, JobStatusSubmitted, JobStatusStarting, JobStatusProcessing,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// InputParameters is the decoded form of Job.InputParameters.
type InputParameters struct {
	Model          string         `json:"model"`
	TriggerWord    string         `json:"trigger_word,omitempty"`
	Prompt         string         `json:"prompt,omitempty"`
	InputImagesURL string         `json:"input_images,omitempty"`
	Title          string         `json:"title,omitempty"`
	Description    string         `json:"description,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Job is a unit of externally executed work (training or generation) tracked locally.
// OutputArtifactRef is set if and only if Status is succeeded. ProviderOutputs
// lists every output the provider returned; only the first is rehosted.
type Job struct {
	ID                uuid.UUID       `db:"id"                  json:"id"`
	Kind              JobKind         `db:"kind"                json:"kind"`
	ExternalJobID     *string         `db:"external_job_id"     json:"external_job_id,omitempty"`
	Status            JobStatus       `db:"status"              json:"status"`
	InputParameters   json.RawMessage `db:"input_parameters"    json:"input_parameters"`
	OutputArtifactRef *string         `db:"output_artifact_ref" json:"output_artifact_ref,omitempty"`
	ProviderOutputURL *string         `db:"provider_output_url" json:"provider_output_url,omitempty"`
	ProviderOutputs   []string        `db:"provider_outputs"    json:"provider_outputs,omitempty"`
	ErrorMessage      *string         `db:"error_message"       json:"error_message,omitempty"`
	Logs              string          `db:"logs"                json:"logs,omitempty"`
	PredictTime       *float64        `db:"predict_time"        json:"predict_time,omitempty"`
	ParentReferences  []string        `db:"parent_references"   json:"parent_references"`
	Registration      Registration    `db:"-"                   json:"derivative_registration"`
	IsHidden          bool            `db:"is_hidden"           json:"is_hidden"`
	SubmittedAt       *time.Time      `db:"submitted_at"        json:"submitted_at,omitempty"`
	CompletedAt       *time.Time      `db:"completed_at"        json:"completed_at,omitempty"`
	CreatedAt         time.Time       `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"          json:"updated_at"`
}

// Params decodes the job's input parameters.
func (j *Job) Params() (InputParameters, error) {
	var p InputParameters
	if len(j.InputParameters) == 0 {
		return p, nil
	}
	err := json.Unmarshal(j.InputParameters, &p)
	return p, err
}

// MergeLogs combines stored logs with a newly delivered snapshot. The provider
// sends cumulative logs, so a snapshot extending the stored text replaces it and
// a replayed or older snapshot leaves it unchanged.
func MergeLogs(current, incoming string) string {
	switch {
	case incoming == "":
		return current
	case strings.HasPrefix(incoming, current):
		return incoming
	case strings.HasPrefix(current, incoming):
		return current
	default:
		return current + "\n" + incoming
	}
}
