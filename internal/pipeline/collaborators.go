package pipeline

import "context"

// External collaborators for the content pipeline. The real bodies
// (scraping a content source, calling a generative-text API) live outside
// this service; stages only know these interfaces.

// ScrapedItem is one piece of content discovered at the source, identified
// by the source's own id so repeated runs upsert instead of duplicating.
type ScrapedItem struct {
	ExternalID string
	SourceURL  string
	Title      string
	RawText    string
}

// Scraper discovers content for a creator handle.
type Scraper interface {
	Scrape(ctx context.Context, handle string) ([]ScrapedItem, error)
}

// Transcriber produces a transcript for one content item. Items that have
// usable raw text skip transcription.
type Transcriber interface {
	Transcribe(ctx context.Context, item ContentItem) (string, error)
}

// Cleaner normalizes a transcript into clean text.
type Cleaner interface {
	Clean(ctx context.Context, transcript string) (string, error)
}

// Clusterer groups cleaned items; the result maps external id to a cluster
// key.
type Clusterer interface {
	Cluster(ctx context.Context, items []ContentItem) (map[string]string, error)
}

// Insight is one extracted artifact (voice profile, topic summary, product
// angle) destined for the creator_insights table.
type Insight struct {
	Kind    string
	Slot    int
	Content interface{}
}

// Extractor derives insights from the clustered corpus.
type Extractor interface {
	Extract(ctx context.Context, items []ContentItem) ([]Insight, error)
}
