// Package pipeline implements the multi-stage content pipeline that turns a
// creator's published content into storefront copy inputs. Stages run
// strictly in sequence and each one is persisted on the creator row, so a
// crashed run resumes observably at the last completed stage and a retried
// run re-does stage work idempotently.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Status is the creator's persisted pipeline position.
type Status string

const (
	StatusPending      Status = "pending"
	StatusScraping     Status = "scraping"
	StatusTranscribing Status = "transcribing"
	StatusCleaning     Status = "cleaning"
	StatusClustering   Status = "clustering"
	StatusExtracting   Status = "extracting"
	StatusReady        Status = "ready"

	// Absorbing states, reachable from any stage.
	StatusError               Status = "error"
	StatusInsufficientContent Status = "insufficient_content"
)

// contentStore is the slice of Store the pipeline needs.
type contentStore interface {
	SetStatus(ctx context.Context, creatorID string, status Status) error
	UpsertScraped(ctx context.Context, creatorID string, item ScrapedItem) error
	SetTranscript(ctx context.Context, creatorID, externalID, transcript string) error
	SetCleaned(ctx context.Context, creatorID, externalID, cleaned string) error
	SetClusterKey(ctx context.Context, creatorID, externalID, clusterKey string) error
	ListItems(ctx context.Context, creatorID string) ([]ContentItem, error)
	CountUsable(ctx context.Context, creatorID string) (int, error)
	UpsertInsight(ctx context.Context, creatorID string, insight Insight) error
}

// ownershipChecker reverifies the run token at stage boundaries.
type ownershipChecker interface {
	Check(ctx context.Context, creatorID, runID string) error
}

// heartbeater records forward progress on the run registry.
type heartbeater interface {
	Heartbeat(ctx context.Context, runID, step string, metrics interface{}) error
}

// Result summarizes one pipeline execution.
type Result struct {
	Status         Status `json:"status"`
	ItemsScraped   int    `json:"itemsScraped"`
	ItemsUsable    int    `json:"itemsUsable"`
	InsightsStored int    `json:"insightsStored"`
}

// Pipeline wires the stages to their collaborators. MinContentItems is the
// hard gate: creators below it land in insufficient_content rather than
// producing low-quality copy.
type Pipeline struct {
	store       contentStore
	guard       ownershipChecker
	runs        heartbeater
	scraper     Scraper
	transcriber Transcriber
	cleaner     Cleaner
	clusterer   Clusterer
	extractor   Extractor

	minContentItems int
	logger          zerolog.Logger
}

type Deps struct {
	Store       contentStore
	Guard       ownershipChecker
	Runs        heartbeater
	Scraper     Scraper
	Transcriber Transcriber
	Cleaner     Cleaner
	Clusterer   Clusterer
	Extractor   Extractor

	MinContentItems int
	Logger          zerolog.Logger
}

func New(deps Deps) *Pipeline {
	minItems := deps.MinContentItems
	if minItems <= 0 {
		minItems = 5
	}
	return &Pipeline{
		store:           deps.Store,
		guard:           deps.Guard,
		runs:            deps.Runs,
		scraper:         deps.Scraper,
		transcriber:     deps.Transcriber,
		cleaner:         deps.Cleaner,
		clusterer:       deps.Clusterer,
		extractor:       deps.Extractor,
		minContentItems: minItems,
		logger:          deps.Logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes the full stage sequence for one creator under the given run
// token. The token is threaded explicitly and rechecked at every stage
// boundary; a superseded run stops with the guard's supersession error
// without touching the creator's status (the newer run owns that field now).
//
// Other errors flip the creator to the error state and are returned for
// the worker to route into backoff or dead-letter.
func (p *Pipeline) Run(ctx context.Context, creatorID, handle, runID string) (*Result, error) {
	result := &Result{}

	// enter records the stage on the result as well, so a failed run
	// reports which stage it died in.
	enter := func(status Status) error {
		result.Status = status
		return p.enterStage(ctx, creatorID, runID, status)
	}

	// scraping
	if err := enter(StatusScraping); err != nil {
		return result, err
	}
	scraped, err := p.scraper.Scrape(ctx, handle)
	if err != nil {
		return result, p.stageError(ctx, creatorID, fmt.Errorf("scrape failed: %w", err))
	}
	for _, item := range scraped {
		if err := p.store.UpsertScraped(ctx, creatorID, item); err != nil {
			return result, p.stageError(ctx, creatorID, err)
		}
	}
	result.ItemsScraped = len(scraped)

	// transcribing
	if err := enter(StatusTranscribing); err != nil {
		return result, err
	}
	items, err := p.store.ListItems(ctx, creatorID)
	if err != nil {
		return result, p.stageError(ctx, creatorID, err)
	}
	for _, item := range items {
		if item.Transcript != nil {
			continue // already transcribed by a previous attempt
		}
		transcript, err := p.transcriber.Transcribe(ctx, item)
		if err != nil {
			return result, p.stageError(ctx, creatorID, fmt.Errorf("transcribe %s failed: %w", item.ExternalID, err))
		}
		if transcript == "" {
			continue
		}
		if err := p.store.SetTranscript(ctx, creatorID, item.ExternalID, transcript); err != nil {
			return result, p.stageError(ctx, creatorID, err)
		}
	}

	// minimum-content gate: a deliberate early exit, not a failure, and
	// never retried automatically.
	usable, err := p.store.CountUsable(ctx, creatorID)
	if err != nil {
		return result, p.stageError(ctx, creatorID, err)
	}
	result.ItemsUsable = usable
	if usable < p.minContentItems {
		p.logger.Info().
			Str("creator_id", creatorID).
			Int("usable", usable).
			Int("required", p.minContentItems).
			Msg("Insufficient content, halting pipeline")
		if err := p.store.SetStatus(ctx, creatorID, StatusInsufficientContent); err != nil {
			return result, err
		}
		result.Status = StatusInsufficientContent
		return result, nil
	}

	// cleaning
	if err := enter(StatusCleaning); err != nil {
		return result, err
	}
	items, err = p.store.ListItems(ctx, creatorID)
	if err != nil {
		return result, p.stageError(ctx, creatorID, err)
	}
	for _, item := range items {
		if !item.Usable || item.Transcript == nil {
			continue
		}
		cleaned, err := p.cleaner.Clean(ctx, *item.Transcript)
		if err != nil {
			return result, p.stageError(ctx, creatorID, fmt.Errorf("clean %s failed: %w", item.ExternalID, err))
		}
		if err := p.store.SetCleaned(ctx, creatorID, item.ExternalID, cleaned); err != nil {
			return result, p.stageError(ctx, creatorID, err)
		}
	}

	// clustering
	if err := enter(StatusClustering); err != nil {
		return result, err
	}
	items, err = p.store.ListItems(ctx, creatorID)
	if err != nil {
		return result, p.stageError(ctx, creatorID, err)
	}
	clusters, err := p.clusterer.Cluster(ctx, usableItems(items))
	if err != nil {
		return result, p.stageError(ctx, creatorID, fmt.Errorf("cluster failed: %w", err))
	}
	for externalID, clusterKey := range clusters {
		if err := p.store.SetClusterKey(ctx, creatorID, externalID, clusterKey); err != nil {
			return result, p.stageError(ctx, creatorID, err)
		}
	}

	// extracting
	if err := enter(StatusExtracting); err != nil {
		return result, err
	}
	items, err = p.store.ListItems(ctx, creatorID)
	if err != nil {
		return result, p.stageError(ctx, creatorID, err)
	}
	insights, err := p.extractor.Extract(ctx, usableItems(items))
	if err != nil {
		return result, p.stageError(ctx, creatorID, fmt.Errorf("extract failed: %w", err))
	}
	for _, insight := range insights {
		if err := p.store.UpsertInsight(ctx, creatorID, insight); err != nil {
			return result, p.stageError(ctx, creatorID, err)
		}
	}
	result.InsightsStored = len(insights)

	// ready: final ownership check before the terminal write
	if err := p.guard.Check(ctx, creatorID, runID); err != nil {
		return result, err
	}
	if err := p.store.SetStatus(ctx, creatorID, StatusReady); err != nil {
		return result, err
	}
	result.Status = StatusReady

	p.logger.Info().
		Str("creator_id", creatorID).
		Str("run_id", runID).
		Int("scraped", result.ItemsScraped).
		Int("usable", result.ItemsUsable).
		Int("insights", result.InsightsStored).
		Msg("Pipeline complete")
	return result, nil
}

// enterStage is the per-stage checkpoint: reverify ownership, persist the
// new stage, heartbeat the run registry.
func (p *Pipeline) enterStage(ctx context.Context, creatorID, runID string, status Status) error {
	if err := p.guard.Check(ctx, creatorID, runID); err != nil {
		return err
	}
	if err := p.store.SetStatus(ctx, creatorID, status); err != nil {
		return err
	}
	return p.runs.Heartbeat(ctx, runID, string(status), nil)
}

// stageError flips the creator into the error state, keeping the original
// error for the queue's retry accounting.
func (p *Pipeline) stageError(ctx context.Context, creatorID string, cause error) error {
	if err := p.store.SetStatus(ctx, creatorID, StatusError); err != nil {
		p.logger.Error().Err(err).Str("creator_id", creatorID).Msg("Failed to record error status")
	}
	return cause
}

func usableItems(items []ContentItem) []ContentItem {
	out := make([]ContentItem, 0, len(items))
	for _, item := range items {
		if item.Usable {
			out = append(out, item)
		}
	}
	return out
}
