package search

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"quiver/api/internal/doctree"
	"quiver/api/internal/queue"
	"quiver/api/internal/store"
)

type searchStore interface {
	GetLatestPublished(ctx context.Context, staticID string) (*store.ContentObject, error)
}

// Indexer mirrors the published tip of each object into Meilisearch.
type Indexer struct {
	store searchStore
	meili *Meili
	log   zerolog.Logger
}

// NewIndexer creates the search job handler. meili may be nil when search is
// not configured; the handler then does nothing.
func NewIndexer(dataStore searchStore, meili *Meili, log zerolog.Logger) *Indexer {
	return &Indexer{store: dataStore, meili: meili, log: log}
}

// Handle re-reads the current published tip and mirrors it into the index:
// present and live means index, archived or missing means delete. Replays
// converge because the record is keyed by staticId.
func (ix *Indexer) Handle(ctx context.Context, job queue.Job) error {
	if ix.meili == nil {
		return nil
	}
	if !ix.meili.Healthy() {
		// The reconciliation scan re-enqueues once search is back; failing
		// the job here would just burn its retries against a down server.
		ix.log.Debug().Str("staticId", job.StaticID).Msg("skip search indexing, meilisearch unhealthy")
		return nil
	}

	current, err := ix.store.GetLatestPublished(ctx, job.StaticID)
	if err != nil {
		return fmt.Errorf("load published tip for %s: %w", job.StaticID, err)
	}

	if current == nil || current.IsArchived {
		if err := ix.meili.DeleteObject(job.StaticID); err != nil {
			return fmt.Errorf("delete %s from search index: %w", job.StaticID, err)
		}
		return nil
	}

	record := ObjectRecord{
		ID:           current.StaticID,
		ObjectID:     current.ID,
		Kind:         current.Kind,
		CollectionID: current.CollectionID,
	}
	if root, err := doctree.Parse(current.Payload); err == nil {
		if title, ok := root.Attrs["title"].(string); ok {
			record.Title = title
		}
		record.Text = doctree.PlainText(root)
	} else {
		ix.log.Warn().Err(err).Str("staticId", job.StaticID).Msg("index object without text, malformed document")
	}

	if err := ix.meili.IndexObject(record); err != nil {
		return fmt.Errorf("index %s: %w", job.StaticID, err)
	}
	return nil
}
