package jobs

import (
	"encoding/json"
	"time"
)

// JobType is a closed enum. Every member must have a case in
// Dispatcher.Dispatch; TestDispatcherCoversAllJobTypes enforces this, so an
// unhandled type fails the test run rather than silently no-opping.
type JobType string

const (
	TypeImportProducts    JobType = "import_products"
	TypeFetchTranscript   JobType = "fetch_transcript"
	TypeGenerateEmbedding JobType = "generate_embedding"
	TypeSendWelcomeEmail  JobType = "send_welcome_email"
)

// AllJobTypes lists every member of the JobType enum.
var AllJobTypes = []JobType{
	TypeImportProducts,
	TypeFetchTranscript,
	TypeGenerateEmbedding,
	TypeSendWelcomeEmail,
}

type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Job is one row of the generic job table. Rows are never deleted; terminal
// rows are kept for audit.
type Job struct {
	ID           string          `db:"id"`
	Type         JobType         `db:"job_type"`
	OwnerID      *string         `db:"owner_id"`
	Status       JobStatus       `db:"status"`
	Attempts     int             `db:"attempts"`
	MaxAttempts  int             `db:"max_attempts"`
	Payload      json.RawMessage `db:"payload"`
	Result       json.RawMessage `db:"result"`
	ErrorMessage *string         `db:"error_message"`
	CreatedAt    time.Time       `db:"created_at"`
	StartedAt    *time.Time      `db:"started_at"`
	CompletedAt  *time.Time      `db:"completed_at"`
}

// Payload shapes for each job type.

type ImportProductsPayload struct {
	CreatorID string `json:"creatorId"`
	CSVPath   string `json:"csvPath"`
}

type FetchTranscriptPayload struct {
	CreatorID     string `json:"creatorId"`
	ContentItemID string `json:"contentItemId"`
	SourceURL     string `json:"sourceUrl"`
}

type GenerateEmbeddingPayload struct {
	CreatorID     string `json:"creatorId"`
	ContentItemID string `json:"contentItemId"`
}

type SendWelcomeEmailPayload struct {
	CreatorID  string `json:"creatorId"`
	Email      string `json:"email"`
	PurchaseID string `json:"purchaseId"`
}
