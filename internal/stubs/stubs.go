// Package stubs holds placeholder collaborators for local development.
// They satisfy the pipeline and job interfaces with deterministic output
// so the service can be wired and exercised end to end before the real
// scraping, transcription and email integrations land.
package stubs

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/creatorhub/pipeline-service/internal/jobs"
	"github.com/creatorhub/pipeline-service/internal/pipeline"
)

// ContentStack bundles stub implementations of every pipeline collaborator.
type ContentStack struct {
	logger zerolog.Logger
}

func NewContentStack(logger zerolog.Logger) *ContentStack {
	return &ContentStack{logger: logger.With().Str("component", "stub_content_stack").Logger()}
}

// Scrape returns a fixed set of synthetic items for the handle.
func (s *ContentStack) Scrape(ctx context.Context, handle string) ([]pipeline.ScrapedItem, error) {
	items := make([]pipeline.ScrapedItem, 0, 6)
	for i := 1; i <= 6; i++ {
		items = append(items, pipeline.ScrapedItem{
			ExternalID: fmt.Sprintf("%s-item-%d", handle, i),
			SourceURL:  fmt.Sprintf("https://content.example/%s/%d", handle, i),
			Title:      fmt.Sprintf("Episode %d", i),
			RawText:    fmt.Sprintf("placeholder transcript for %s episode %d", handle, i),
		})
	}
	s.logger.Debug().Str("handle", handle).Int("items", len(items)).Msg("Stub scrape")
	return items, nil
}

// Transcribe echoes the item's raw text.
func (s *ContentStack) Transcribe(ctx context.Context, item pipeline.ContentItem) (string, error) {
	if item.RawText != nil && *item.RawText != "" {
		return *item.RawText, nil
	}
	return "transcript for " + item.ExternalID, nil
}

// Clean trims and collapses whitespace.
func (s *ContentStack) Clean(ctx context.Context, transcript string) (string, error) {
	return strings.Join(strings.Fields(transcript), " "), nil
}

// Cluster groups items by the first word of their title.
func (s *ContentStack) Cluster(ctx context.Context, items []pipeline.ContentItem) (map[string]string, error) {
	clusters := make(map[string]string, len(items))
	for _, item := range items {
		key := "general"
		if item.Title != nil {
			if fields := strings.Fields(*item.Title); len(fields) > 0 {
				key = strings.ToLower(fields[0])
			}
		}
		clusters[item.ExternalID] = key
	}
	return clusters, nil
}

// Extract produces one voice-profile insight and one topic insight per
// cluster key.
func (s *ContentStack) Extract(ctx context.Context, items []pipeline.ContentItem) ([]pipeline.Insight, error) {
	insights := []pipeline.Insight{
		{Kind: "voice_profile", Slot: 0, Content: map[string]string{"tone": "conversational"}},
	}

	seen := map[string]bool{}
	slot := 0
	for _, item := range items {
		if item.ClusterKey == nil || seen[*item.ClusterKey] {
			continue
		}
		seen[*item.ClusterKey] = true
		insights = append(insights, pipeline.Insight{
			Kind:    "topic_summary",
			Slot:    slot,
			Content: map[string]string{"topic": *item.ClusterKey},
		})
		slot++
	}
	return insights, nil
}

// JobStack bundles stub implementations of the generic job collaborators.
type JobStack struct {
	logger zerolog.Logger
}

func NewJobStack(logger zerolog.Logger) *JobStack {
	return &JobStack{logger: logger.With().Str("component", "stub_job_stack").Logger()}
}

func (s *JobStack) ImportProducts(ctx context.Context, p jobs.ImportProductsPayload) (int, error) {
	s.logger.Debug().Str("creator_id", p.CreatorID).Str("csv", p.CSVPath).Msg("Stub product import")
	return 0, nil
}

func (s *JobStack) FetchTranscript(ctx context.Context, p jobs.FetchTranscriptPayload) (string, error) {
	return "transcript for " + p.ContentItemID, nil
}

func (s *JobStack) GenerateEmbedding(ctx context.Context, p jobs.GenerateEmbeddingPayload) (int, error) {
	return 1536, nil
}

func (s *JobStack) SendWelcomeEmail(ctx context.Context, p jobs.SendWelcomeEmailPayload) error {
	s.logger.Info().Str("email", p.Email).Str("purchase_id", p.PurchaseID).Msg("Stub welcome email")
	return nil
}
