// Package containment maintains the derived workflow containment graph.
// The graph is recomputed from the current published payload on every job,
// so replays and out-of-order deliveries converge on the same rows.
package containment

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"quiver/api/internal/doctree"
	"quiver/api/internal/queue"
	"quiver/api/internal/store"
)

type containmentStore interface {
	GetLatestPublished(ctx context.Context, staticID string) (*store.ContentObject, error)
	ReplaceContainment(ctx context.Context, workflowStaticID string, contained []store.ContainedObject) error
}

type Indexer struct {
	store containmentStore
	log   zerolog.Logger
}

func NewIndexer(dataStore containmentStore, log zerolog.Logger) *Indexer {
	return &Indexer{store: dataStore, log: log}
}

// Handle recomputes the containment rows for the job's object. It ignores
// the snapshot referenced by the job and reads the current published tip
// instead, so the handler is idempotent and safe to run in any order.
func (ix *Indexer) Handle(ctx context.Context, job queue.Job) error {
	current, err := ix.store.GetLatestPublished(ctx, job.StaticID)
	if err != nil {
		return fmt.Errorf("load published tip for %s: %w", job.StaticID, err)
	}

	if current == nil || current.IsArchived || current.Kind != store.KindPlaybook {
		// Nothing to index: clear whatever rows an earlier version left.
		if err := ix.store.ReplaceContainment(ctx, job.StaticID, nil); err != nil {
			return fmt.Errorf("clear containment for %s: %w", job.StaticID, err)
		}
		return nil
	}

	tree, err := doctree.Parse(current.Payload)
	if err != nil {
		// A malformed tree is a data problem, not a transient one. Retrying
		// the job cannot fix it, so log and move on.
		ix.log.Warn().Err(err).
			Str("staticId", job.StaticID).
			Str("objectId", current.ID).
			Msg("skip containment for malformed document")
		return nil
	}

	refs, warnings := doctree.Extract(tree)
	for _, warning := range warnings {
		ix.log.Warn().
			Str("staticId", job.StaticID).
			Str("warning", warning).
			Msg("containment extraction")
	}

	contained := make([]store.ContainedObject, 0, len(refs))
	for _, ref := range refs {
		contained = append(contained, store.ContainedObject{
			WorkflowStaticID:  job.StaticID,
			ContainedStaticID: ref.StaticID,
			ContainedKind:     ref.Kind,
		})
	}

	if err := ix.store.ReplaceContainment(ctx, job.StaticID, contained); err != nil {
		return fmt.Errorf("replace containment for %s: %w", job.StaticID, err)
	}
	return nil
}
