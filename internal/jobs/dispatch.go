package jobs

import (
	"context"
	"encoding/json"
	"fmt"
)

// ErrUnknownJobType means a job row carries a type outside the JobType
// enum. This is a programming error, not a transient failure: the job is
// failed without retry.
var ErrUnknownJobType = fmt.Errorf("unknown job type")

// External collaborators. Real implementations live outside this service;
// the dispatcher only knows the interfaces.

type ProductImporter interface {
	ImportProducts(ctx context.Context, p ImportProductsPayload) (imported int, err error)
}

type TranscriptFetcher interface {
	FetchTranscript(ctx context.Context, p FetchTranscriptPayload) (transcript string, err error)
}

type EmbeddingGenerator interface {
	GenerateEmbedding(ctx context.Context, p GenerateEmbeddingPayload) (dimensions int, err error)
}

type Mailer interface {
	SendWelcomeEmail(ctx context.Context, p SendWelcomeEmailPayload) error
}

// Dispatcher maps a job's type to its collaborator and runs it. It holds no
// queue logic; claiming and status transitions belong to the Runner.
type Dispatcher struct {
	Importer    ProductImporter
	Transcripts TranscriptFetcher
	Embeddings  EmbeddingGenerator
	Mail        Mailer
}

// Dispatch runs the collaborator body for the job's type and returns the
// result to store on the row. The switch must cover every member of
// AllJobTypes.
func (d *Dispatcher) Dispatch(ctx context.Context, job *Job) (json.RawMessage, error) {
	switch job.Type {
	case TypeImportProducts:
		var p ImportProductsPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid import_products payload: %w", err)
		}
		imported, err := d.Importer.ImportProducts(ctx, p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"imported": imported})

	case TypeFetchTranscript:
		var p FetchTranscriptPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid fetch_transcript payload: %w", err)
		}
		transcript, err := d.Transcripts.FetchTranscript(ctx, p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"transcriptChars": len(transcript)})

	case TypeGenerateEmbedding:
		var p GenerateEmbeddingPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid generate_embedding payload: %w", err)
		}
		dims, err := d.Embeddings.GenerateEmbedding(ctx, p)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"dimensions": dims})

	case TypeSendWelcomeEmail:
		var p SendWelcomeEmailPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid send_welcome_email payload: %w", err)
		}
		if err := d.Mail.SendWelcomeEmail(ctx, p); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"sent": true})

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
}

// Handles reports whether the dispatcher has a case for the given type
// without running anything. Used by tests to prove the switch is total over
// AllJobTypes.
func (d *Dispatcher) Handles(t JobType) bool {
	switch t {
	case TypeImportProducts, TypeFetchTranscript, TypeGenerateEmbedding, TypeSendWelcomeEmail:
		return true
	default:
		return false
	}
}
