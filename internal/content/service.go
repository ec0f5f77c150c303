// Package content implements the versioned-content branching engine: stable
// object identity, immutable revision writing, and branch merge resolution.
package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"quiver/api/internal/authz"
	"quiver/api/internal/queue"
	"quiver/api/internal/store"
	"quiver/api/internal/util"
)

// Identifier prefixes. A staticId names the logical object across all its
// versions; a branchId names one unpublished line of edits; a version id
// names a single immutable row.
const (
	PrefixStatic  = "obj"
	PrefixBranch  = "br"
	PrefixVersion = "ver"
)

type dataStore interface {
	GetObject(ctx context.Context, id string) (store.ContentObject, error)
	GetLatestPublished(ctx context.Context, staticID string) (*store.ContentObject, error)
	GetLatestOnBranch(ctx context.Context, branchID string) (*store.ContentObject, error)
	GetActiveBranch(ctx context.Context, staticID, userID string) (*store.ContentObject, error)
	InsertRevision(ctx context.Context, obj store.ContentObject, supersedesID string) error
	ArchiveObject(ctx context.Context, id, reason string) (store.ContentObject, bool, error)
	ApplyMerge(ctx context.Context, published store.ContentObject, supersedesID, branchRowID string) error
	ListPublishedHistory(ctx context.Context, staticID string) ([]store.ContentObject, error)
	ListContainment(ctx context.Context, staticID string) ([]store.ContainedObject, error)
	ListContainingWorkflows(ctx context.Context, staticID string) ([]string, error)
	UpsertSubscription(ctx context.Context, userID, staticID string, subscribed bool) error
	ListUserNotifications(ctx context.Context, userID string, limit int) ([]store.UserNotification, error)
	Ping(ctx context.Context) error
}

type jobQueue interface {
	Enqueue(ctx context.Context, job queue.Job) (string, error)
}

type Service struct {
	store dataStore
	queue jobQueue
	authz authz.Authorizer
	log   zerolog.Logger
}

func New(dataStore *store.PostgresStore, jobs *queue.Client, authorizer authz.Authorizer, log zerolog.Logger) *Service {
	svc := &Service{
		store: dataStore,
		authz: authorizer,
		log:   log,
	}
	if jobs != nil {
		svc.queue = jobs
	}
	return svc
}

type CreateInput struct {
	Kind                   string          `json:"kind"`
	CollectionID           string          `json:"collectionId"`
	BranchType             string          `json:"branchType"`
	Payload                json.RawMessage `json:"payload"`
	MajorChangeDescription json.RawMessage `json:"majorChangeDescription"`
	UserID                 string          `json:"-"`
}

type ReviseInput struct {
	BranchType             string          `json:"branchType"`
	Payload                json.RawMessage `json:"payload"`
	MajorChangeDescription json.RawMessage `json:"majorChangeDescription"`
	UserID                 string          `json:"-"`
}

// Merge resolutions.
const (
	ResolutionAccept = "accept"
	ResolutionReject = "reject"
)

var validBranchTypes = map[string]struct{}{
	store.BranchDraft:      {},
	store.BranchSuggestion: {},
	store.BranchPublished:  {},
}

var validKinds = map[string]struct{}{
	store.KindSnippet:  {},
	store.KindPlaybook: {},
}

// ResolveLatestPublished returns the published tip for a staticId, or nil.
func (s *Service) ResolveLatestPublished(ctx context.Context, staticID string) (*store.ContentObject, error) {
	return s.store.GetLatestPublished(ctx, staticID)
}

// ResolveLatestOnBranch returns the tip of a branch, or nil.
func (s *Service) ResolveLatestOnBranch(ctx context.Context, branchID string) (*store.ContentObject, error) {
	return s.store.GetLatestOnBranch(ctx, branchID)
}

// ResolveByAnyIdentifier dispatches on the identifier's type prefix: a
// staticId resolves to the published tip, a branchId to the branch tip, a
// version id to that exact row. A miss or unknown prefix returns nil, never
// an error: lookups here are frequently unauthenticated.
func (s *Service) ResolveByAnyIdentifier(ctx context.Context, id string) (*store.ContentObject, error) {
	switch util.IDPrefix(id) {
	case PrefixStatic:
		return s.store.GetLatestPublished(ctx, id)
	case PrefixBranch:
		return s.store.GetLatestOnBranch(ctx, id)
	case PrefixVersion:
		obj, err := s.store.GetObject(ctx, id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &obj, nil
	default:
		return nil, nil
	}
}

// CreateObject mints a brand-new logical object and writes its first
// revision on the requested branch type.
func (s *Service) CreateObject(ctx context.Context, input CreateInput) (store.ContentObject, error) {
	if _, ok := validKinds[input.Kind]; !ok {
		return store.ContentObject{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, input.Kind)
	}
	if _, ok := validBranchTypes[input.BranchType]; !ok {
		return store.ContentObject{}, fmt.Errorf("%w: unknown branch type %q", ErrInvalidInput, input.BranchType)
	}
	if allowed, err := s.authz.Can(ctx, input.UserID, input.CollectionID, authz.ActionEdit); err != nil {
		return store.ContentObject{}, err
	} else if !allowed {
		return store.ContentObject{}, ErrPermissionDenied
	}

	obj := store.ContentObject{
		ID:                     util.NewID(PrefixVersion),
		StaticID:               util.NewID(PrefixStatic),
		BranchType:             input.BranchType,
		CreatedByUserID:        input.UserID,
		CollectionID:           input.CollectionID,
		Kind:                   input.Kind,
		Payload:                input.Payload,
		MajorChangeDescription: input.MajorChangeDescription,
	}
	if input.BranchType != store.BranchPublished {
		branchID := util.NewID(PrefixBranch)
		obj.BranchID = &branchID
	}

	if err := s.store.InsertRevision(ctx, obj, ""); err != nil {
		if errors.Is(err, store.ErrTipConflict) {
			return store.ContentObject{}, ErrWriteConflict
		}
		return store.ContentObject{}, err
	}

	s.afterWrite(ctx, obj, queue.ActionCreate, input.UserID)
	return s.store.GetObject(ctx, obj.ID)
}

// ReviseObject writes a new revision for an existing object. The id may be
// a staticId (published lineage or the user's branch of it) or a branchId.
func (s *Service) ReviseObject(ctx context.Context, id string, input ReviseInput) (store.ContentObject, error) {
	if _, ok := validBranchTypes[input.BranchType]; !ok {
		return store.ContentObject{}, fmt.Errorf("%w: unknown branch type %q", ErrInvalidInput, input.BranchType)
	}

	switch util.IDPrefix(id) {
	case PrefixStatic:
		return s.reviseByStaticID(ctx, id, input)
	case PrefixBranch:
		return s.reviseBranch(ctx, id, input)
	default:
		return store.ContentObject{}, ErrNotFound
	}
}

func (s *Service) reviseByStaticID(ctx context.Context, staticID string, input ReviseInput) (store.ContentObject, error) {
	published, err := s.store.GetLatestPublished(ctx, staticID)
	if err != nil {
		return store.ContentObject{}, err
	}
	if published == nil {
		return store.ContentObject{}, ErrNotFound
	}
	if allowed, err := s.authz.Can(ctx, input.UserID, published.CollectionID, authz.ActionEdit); err != nil {
		return store.ContentObject{}, err
	} else if !allowed {
		return store.ContentObject{}, ErrPermissionDenied
	}

	if input.BranchType == store.BranchPublished {
		obj := store.ContentObject{
			ID:                     util.NewID(PrefixVersion),
			StaticID:               staticID,
			BranchType:             store.BranchPublished,
			PreviousVersionID:      &published.ID,
			CreatedByUserID:        input.UserID,
			CollectionID:           published.CollectionID,
			Kind:                   published.Kind,
			Payload:                input.Payload,
			MajorChangeDescription: input.MajorChangeDescription,
		}
		if err := s.store.InsertRevision(ctx, obj, published.ID); err != nil {
			if errors.Is(err, store.ErrTipConflict) {
				return store.ContentObject{}, ErrWriteConflict
			}
			return store.ContentObject{}, err
		}
		s.afterWrite(ctx, obj, queue.ActionUpdate, input.UserID)
		return s.store.GetObject(ctx, obj.ID)
	}

	// Draft or suggestion: extend the user's existing live branch when one
	// exists, otherwise fork a new branch off the published tip. A user
	// holds at most one live branch per staticId, so a revise with a
	// different branch type transitions that branch rather than opening a
	// second one.
	existing, err := s.store.GetActiveBranch(ctx, staticID, input.UserID)
	if err != nil {
		return store.ContentObject{}, err
	}

	obj := store.ContentObject{
		ID:                     util.NewID(PrefixVersion),
		StaticID:               staticID,
		BranchType:             input.BranchType,
		CreatedByUserID:        input.UserID,
		CollectionID:           published.CollectionID,
		Kind:                   published.Kind,
		Payload:                input.Payload,
		MajorChangeDescription: input.MajorChangeDescription,
	}

	supersedes := ""
	action := queue.ActionCreate
	if existing != nil {
		obj.BranchedFromID = existing.BranchedFromID
		obj.PreviousVersionID = &existing.ID
		supersedes = existing.ID
		action = queue.ActionUpdate
		if existing.BranchType == input.BranchType {
			obj.BranchID = existing.BranchID
		} else {
			// Changing branch type (draft -> suggestion) ends the old
			// branchId group and mints a fresh branch identity.
			freshID := util.NewID(PrefixBranch)
			obj.BranchID = &freshID
		}
	} else {
		branchID := util.NewID(PrefixBranch)
		obj.BranchID = &branchID
		obj.BranchedFromID = &published.ID
	}

	if err := s.store.InsertRevision(ctx, obj, supersedes); err != nil {
		if errors.Is(err, store.ErrTipConflict) {
			// A concurrent request created the branch first; surface it so
			// the caller can redirect instead of duplicating.
			raced, rerr := s.store.GetActiveBranch(ctx, staticID, input.UserID)
			if rerr == nil && raced != nil && raced.BranchID != nil {
				return store.ContentObject{}, &BranchConflictError{
					StaticID:         staticID,
					ExistingBranchID: *raced.BranchID,
				}
			}
			return store.ContentObject{}, ErrWriteConflict
		}
		return store.ContentObject{}, err
	}

	s.afterWrite(ctx, obj, action, input.UserID)
	return s.store.GetObject(ctx, obj.ID)
}

func (s *Service) reviseBranch(ctx context.Context, branchID string, input ReviseInput) (store.ContentObject, error) {
	tip, err := s.store.GetLatestOnBranch(ctx, branchID)
	if err != nil {
		return store.ContentObject{}, err
	}
	if tip == nil {
		return store.ContentObject{}, ErrNotFound
	}
	if tip.IsArchived {
		return store.ContentObject{}, ErrAlreadyResolved
	}
	if tip.CreatedByUserID != input.UserID {
		return store.ContentObject{}, ErrPermissionDenied
	}

	if input.BranchType == store.BranchPublished {
		// Publishing a branch directly goes through the merge path so the
		// divergence check and branch archival apply.
		return s.publishBranch(ctx, tip, "", input.Payload, input.MajorChangeDescription, input.UserID)
	}

	obj := store.ContentObject{
		ID:                     util.NewID(PrefixVersion),
		StaticID:               tip.StaticID,
		BranchType:             input.BranchType,
		PreviousVersionID:      &tip.ID,
		BranchedFromID:         tip.BranchedFromID,
		CreatedByUserID:        input.UserID,
		CollectionID:           tip.CollectionID,
		Kind:                   tip.Kind,
		Payload:                input.Payload,
		MajorChangeDescription: input.MajorChangeDescription,
	}
	if input.BranchType == tip.BranchType {
		obj.BranchID = tip.BranchID
	} else {
		// Transitioning branch type (draft -> suggestion) mints a fresh
		// branch identity; the old branchId group ends here.
		freshID := util.NewID(PrefixBranch)
		obj.BranchID = &freshID
	}

	if err := s.store.InsertRevision(ctx, obj, tip.ID); err != nil {
		if errors.Is(err, store.ErrTipConflict) {
			return store.ContentObject{}, ErrWriteConflict
		}
		return store.ContentObject{}, err
	}

	s.afterWrite(ctx, obj, queue.ActionUpdate, input.UserID)
	return s.store.GetObject(ctx, obj.ID)
}

// MergeBranch resolves a draft/suggestion against the published lineage.
// Accepting writes a new published revision and archives the branch with
// reason approved; rejecting archives it with reason rejected.
func (s *Service) MergeBranch(ctx context.Context, branchID, targetID, resolution, userID string) (store.ContentObject, error) {
	tip, err := s.store.GetLatestOnBranch(ctx, branchID)
	if err != nil {
		return store.ContentObject{}, err
	}
	if tip == nil {
		return store.ContentObject{}, ErrNotFound
	}
	if tip.IsArchived {
		return store.ContentObject{}, ErrAlreadyResolved
	}

	// Owners resolve their own drafts; suggestions need review permission.
	if tip.BranchType != store.BranchDraft || tip.CreatedByUserID != userID {
		if allowed, err := s.authz.Can(ctx, userID, tip.CollectionID, authz.ActionReviewSuggestions); err != nil {
			return store.ContentObject{}, err
		} else if !allowed {
			return store.ContentObject{}, ErrPermissionDenied
		}
	}

	switch resolution {
	case ResolutionReject:
		archived, ok, err := s.store.ArchiveObject(ctx, tip.ID, store.ArchiveRejected)
		if err != nil {
			return store.ContentObject{}, err
		}
		if !ok {
			return store.ContentObject{}, ErrAlreadyResolved
		}
		return archived, nil
	case ResolutionAccept:
		return s.publishBranch(ctx, tip, targetID, tip.Payload, tip.MajorChangeDescription, userID)
	default:
		return store.ContentObject{}, fmt.Errorf("%w: unknown resolution %q", ErrInvalidInput, resolution)
	}
}

// publishBranch writes the published revision for a branch tip and archives
// the branch, after checking whether the published lineage advanced since
// the branch was forked.
func (s *Service) publishBranch(ctx context.Context, tip *store.ContentObject, targetID string, payload, majorChange json.RawMessage, userID string) (store.ContentObject, error) {
	current, err := s.store.GetLatestPublished(ctx, tip.StaticID)
	if err != nil {
		return store.ContentObject{}, err
	}

	if current != nil {
		if tip.BranchedFromID == nil || *tip.BranchedFromID != current.ID {
			conflict := &MergeConflictError{BranchID: deref(tip.BranchID), CurrentTipID: current.ID}
			if tip.BranchedFromID != nil {
				conflict.BaseID = *tip.BranchedFromID
			}
			return store.ContentObject{}, conflict
		}
	}

	target := current
	if targetID != "" {
		row, err := s.store.GetObject(ctx, targetID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ContentObject{}, ErrNotFound
		}
		if err != nil {
			return store.ContentObject{}, err
		}
		if row.StaticID != tip.StaticID || row.BranchType != store.BranchPublished {
			return store.ContentObject{}, fmt.Errorf("%w: merge target %s is not a published revision of %s", ErrInvalidInput, targetID, tip.StaticID)
		}
		target = &row
	}

	obj := store.ContentObject{
		ID:                     util.NewID(PrefixVersion),
		StaticID:               tip.StaticID,
		BranchType:             store.BranchPublished,
		CreatedByUserID:        userID,
		CollectionID:           tip.CollectionID,
		Kind:                   tip.Kind,
		Payload:                payload,
		MajorChangeDescription: majorChange,
	}
	supersedes := ""
	action := queue.ActionCreate
	if target != nil {
		obj.PreviousVersionID = &target.ID
		obj.BranchedFromID = &target.ID
		action = queue.ActionUpdate
	}
	if current != nil {
		supersedes = current.ID
	}

	if err := s.store.ApplyMerge(ctx, obj, supersedes, tip.ID); err != nil {
		if errors.Is(err, store.ErrTipConflict) {
			return store.ContentObject{}, ErrWriteConflict
		}
		return store.ContentObject{}, err
	}

	s.afterWrite(ctx, obj, action, userID)
	return s.store.GetObject(ctx, obj.ID)
}

// Archive marks an object or branch tip archived. History stays intact;
// nothing is ever deleted.
func (s *Service) Archive(ctx context.Context, id, reason, userID string) (store.ContentObject, error) {
	row, err := s.ResolveByAnyIdentifier(ctx, id)
	if err != nil {
		return store.ContentObject{}, err
	}
	if row == nil {
		return store.ContentObject{}, ErrNotFound
	}
	if allowed, err := s.authz.Can(ctx, userID, row.CollectionID, authz.ActionEdit); err != nil {
		return store.ContentObject{}, err
	} else if !allowed {
		return store.ContentObject{}, ErrPermissionDenied
	}

	archived, ok, err := s.store.ArchiveObject(ctx, row.ID, reason)
	if err != nil {
		return store.ContentObject{}, err
	}
	if !ok {
		return store.ContentObject{}, ErrAlreadyResolved
	}

	if archived.BranchType == store.BranchPublished {
		s.enqueue(ctx, archived, queue.ActionArchive)
	}
	return archived, nil
}

// GetContainment returns the derived containment set for a workflow.
func (s *Service) GetContainment(ctx context.Context, staticID string) ([]store.ContainedObject, error) {
	return s.store.ListContainment(ctx, staticID)
}

// UsedIn answers the reverse containment query.
func (s *Service) UsedIn(ctx context.Context, staticID string) ([]string, error) {
	return s.store.ListContainingWorkflows(ctx, staticID)
}

// History returns the published lineage for an object, newest first.
func (s *Service) History(ctx context.Context, staticID string) ([]store.ContentObject, error) {
	return s.store.ListPublishedHistory(ctx, staticID)
}

// RecordInteraction subscribes a user to future changes of an object they
// ran or viewed. Idempotent.
func (s *Service) RecordInteraction(ctx context.Context, userID, staticID string) error {
	return s.store.UpsertSubscription(ctx, userID, staticID, true)
}

func (s *Service) ListNotifications(ctx context.Context, userID string, limit int) ([]store.UserNotification, error) {
	return s.store.ListUserNotifications(ctx, userID, limit)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// afterWrite runs the post-commit side effects: subscribe the author to the
// object and enqueue exactly one background job for the mutation.
func (s *Service) afterWrite(ctx context.Context, obj store.ContentObject, action, userID string) {
	if err := s.store.UpsertSubscription(ctx, userID, obj.StaticID, true); err != nil {
		s.log.Error().Err(err).Str("staticId", obj.StaticID).Msg("subscribe author")
	}
	s.enqueue(ctx, obj, action)
}

// enqueue is the last step after a committed write. A failure here is
// logged, not returned: the row is durable and the reconciliation scan
// re-enqueues anything that fell into the gap.
func (s *Service) enqueue(ctx context.Context, obj store.ContentObject, action string) {
	if s.queue == nil {
		return
	}
	_, err := s.queue.Enqueue(ctx, queue.Job{
		ObjectID: obj.ID,
		StaticID: obj.StaticID,
		Action:   action,
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("objectId", obj.ID).
			Str("action", action).
			Msg("enqueue side-effect job")
	}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
