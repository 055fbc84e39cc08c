package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creatorhub/pipeline-service/internal/pkg/cuid2"
)

// ErrCreatorNotFound is returned for lookups of unknown creators.
var ErrCreatorNotFound = errors.New("creator not found")

// Creator is the owning entity of a pipeline. pipeline_status is the
// persisted state-machine position; pipeline_run_id is the ownership token.
type Creator struct {
	ID            string    `db:"id"`
	Handle        string    `db:"handle"`
	PipelineRunID *string   `db:"pipeline_run_id"`
	Status        Status    `db:"pipeline_status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// ContentItem mirrors one content_items row.
type ContentItem struct {
	ID         string  `db:"id"`
	CreatorID  string  `db:"creator_id"`
	ExternalID string  `db:"external_id"`
	SourceURL  *string `db:"source_url"`
	Title      *string `db:"title"`
	RawText    *string `db:"raw_text"`
	Transcript *string `db:"transcript"`
	Cleaned    *string `db:"cleaned"`
	ClusterKey *string `db:"cluster_key"`
	Usable     bool    `db:"usable"`
}

// Store persists creators, content items and insights. Every stage write
// is an upsert keyed by a natural external id so a retried run cannot
// duplicate rows.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureCreator inserts the creator if it does not exist yet and returns
// the row either way.
func (s *Store) EnsureCreator(ctx context.Context, id, handle string) (*Creator, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO creators (id, handle)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure creator: %w", err)
	}
	return s.GetCreator(ctx, id)
}

// GetCreator returns one creator by id.
func (s *Store) GetCreator(ctx context.Context, id string) (*Creator, error) {
	var c Creator
	err := s.pool.QueryRow(ctx, `
		SELECT id, handle, pipeline_run_id, pipeline_status, created_at, updated_at
		FROM creators
		WHERE id = $1
	`, id).Scan(&c.ID, &c.Handle, &c.PipelineRunID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCreatorNotFound
		}
		return nil, fmt.Errorf("failed to get creator: %w", err)
	}
	return &c, nil
}

// SetStatus persists the creator's state-machine position. A crash
// mid-pipeline resumes observably at the last completed stage.
func (s *Store) SetStatus(ctx context.Context, creatorID string, status Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE creators
		SET pipeline_status = $2, updated_at = NOW()
		WHERE id = $1
	`, creatorID, status)
	if err != nil {
		return fmt.Errorf("failed to set pipeline status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCreatorNotFound
	}
	return nil
}

// UpsertScraped writes one discovered item keyed by (creator, external id).
func (s *Store) UpsertScraped(ctx context.Context, creatorID string, item ScrapedItem) error {
	id := cuid2.New("ci")
	_, err := s.pool.Exec(ctx, `
		INSERT INTO content_items (id, creator_id, external_id, source_url, title, raw_text)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (creator_id, external_id) DO UPDATE
		SET source_url = EXCLUDED.source_url,
		    title = EXCLUDED.title,
		    raw_text = EXCLUDED.raw_text,
		    updated_at = NOW()
	`, id, creatorID, item.ExternalID, nullable(item.SourceURL), nullable(item.Title), nullable(item.RawText))
	if err != nil {
		return fmt.Errorf("failed to upsert content item: %w", err)
	}
	return nil
}

// SetTranscript stores a transcript and marks the item usable.
func (s *Store) SetTranscript(ctx context.Context, creatorID, externalID, transcript string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE content_items
		SET transcript = $3, usable = TRUE, updated_at = NOW()
		WHERE creator_id = $1 AND external_id = $2
	`, creatorID, externalID, transcript)
	if err != nil {
		return fmt.Errorf("failed to set transcript: %w", err)
	}
	return nil
}

// SetCleaned stores the cleaned text for an item.
func (s *Store) SetCleaned(ctx context.Context, creatorID, externalID, cleaned string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE content_items
		SET cleaned = $3, updated_at = NOW()
		WHERE creator_id = $1 AND external_id = $2
	`, creatorID, externalID, cleaned)
	if err != nil {
		return fmt.Errorf("failed to set cleaned text: %w", err)
	}
	return nil
}

// SetClusterKey assigns an item to a cluster.
func (s *Store) SetClusterKey(ctx context.Context, creatorID, externalID, clusterKey string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE content_items
		SET cluster_key = $3, updated_at = NOW()
		WHERE creator_id = $1 AND external_id = $2
	`, creatorID, externalID, clusterKey)
	if err != nil {
		return fmt.Errorf("failed to set cluster key: %w", err)
	}
	return nil
}

// ListItems returns all content items for a creator.
func (s *Store) ListItems(ctx context.Context, creatorID string) ([]ContentItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, creator_id, external_id, source_url, title, raw_text,
		       transcript, cleaned, cluster_key, usable
		FROM content_items
		WHERE creator_id = $1
		ORDER BY external_id
	`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list content items: %w", err)
	}
	defer rows.Close()

	var out []ContentItem
	for rows.Next() {
		var item ContentItem
		err := rows.Scan(
			&item.ID, &item.CreatorID, &item.ExternalID, &item.SourceURL,
			&item.Title, &item.RawText, &item.Transcript, &item.Cleaned,
			&item.ClusterKey, &item.Usable,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan content item: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// CountUsable counts items that survived scraping/transcription. Input to
// the minimum-content gate.
func (s *Store) CountUsable(ctx context.Context, creatorID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM content_items WHERE creator_id = $1 AND usable
	`, creatorID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usable items: %w", err)
	}
	return count, nil
}

// UpsertInsight writes one extracted insight keyed by (creator, kind, slot).
func (s *Store) UpsertInsight(ctx context.Context, creatorID string, insight Insight) error {
	content, err := json.Marshal(insight.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal insight: %w", err)
	}

	id := cuid2.New("ins")
	_, err = s.pool.Exec(ctx, `
		INSERT INTO creator_insights (id, creator_id, kind, slot, content)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (creator_id, kind, slot) DO UPDATE
		SET content = EXCLUDED.content, updated_at = NOW()
	`, id, creatorID, insight.Kind, insight.Slot, content)
	if err != nil {
		return fmt.Errorf("failed to upsert insight: %w", err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
