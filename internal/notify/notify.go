// Package notify turns committed content mutations into in-app notifications
// and reviewer emails.
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"quiver/api/internal/authz"
	"quiver/api/internal/doctree"
	"quiver/api/internal/queue"
	"quiver/api/internal/store"
	"quiver/api/internal/util"
)

// Notification classes, suffixed onto the kind label.
const (
	classCreated     = "created"
	classArchived    = "archived"
	classMajorChange = "major_change"
)

type notifyStore interface {
	GetObject(ctx context.Context, id string) (store.ContentObject, error)
	GetLatestOnBranch(ctx context.Context, branchID string) (*store.ContentObject, error)
	CreateNotification(ctx context.Context, n store.Notification, userIDs []string) (string, error)
	ListSubscribers(ctx context.Context, staticID string) ([]string, error)
	GetCollection(ctx context.Context, collectionID string) (store.Collection, error)
	GetUser(ctx context.Context, userID string) (store.User, error)
	ListReviewerCandidates(ctx context.Context, organizationID, excludeUserID string) ([]store.ReviewerCandidate, error)
}

type emailSender interface {
	IsConfigured() bool
	SendSuggestionReviewEmail(to, reviewerName, suggesterName, objectTitle, reviewURL string) error
}

type Notifier struct {
	store   notifyStore
	authz   authz.Authorizer
	email   emailSender
	baseURL string
	log     zerolog.Logger
}

func NewNotifier(dataStore notifyStore, authorizer authz.Authorizer, mailer emailSender, baseURL string, log zerolog.Logger) *Notifier {
	return &Notifier{
		store:   dataStore,
		authz:   authorizer,
		email:   mailer,
		baseURL: baseURL,
		log:     log,
	}
}

// Handle classifies the revision a job points at and fans out. Published
// revisions notify subscribers in-app; a branch newly promoted to suggestion
// emails the collection's reviewers.
func (n *Notifier) Handle(ctx context.Context, job queue.Job) error {
	obj, err := n.store.GetObject(ctx, job.ObjectID)
	if errors.Is(err, sql.ErrNoRows) {
		// The job outlived its row somehow; nothing left to announce.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load revision %s: %w", job.ObjectID, err)
	}

	var prev *store.ContentObject
	if obj.PreviousVersionID != nil {
		row, err := n.store.GetObject(ctx, *obj.PreviousVersionID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load previous revision %s: %w", *obj.PreviousVersionID, err)
		}
		if err == nil {
			prev = &row
		}
	}

	if obj.BranchType == store.BranchPublished {
		if err := n.notifySubscribers(ctx, obj, prev); err != nil {
			return err
		}
	}
	if obj.BranchType == store.BranchSuggestion {
		n.emailReviewers(ctx, obj, prev)
	}
	return nil
}

// classify picks the notification class for a published revision. First
// match wins; most revisions produce nothing.
func classify(obj store.ContentObject, prev *store.ContentObject) string {
	switch {
	case obj.IsArchived && (prev == nil || !prev.IsArchived):
		return classArchived
	case prev == nil || prev.BranchType != store.BranchPublished:
		return classCreated
	case hasMajorChange(obj):
		return classMajorChange
	default:
		return ""
	}
}

func hasMajorChange(obj store.ContentObject) bool {
	return len(obj.MajorChangeDescription) > 0 && string(obj.MajorChangeDescription) != "null"
}

// kindLabel maps the storage kind to the label users see in notification
// types: snippets surface as tools, playbooks as workflows.
func kindLabel(kind string) string {
	if kind == store.KindPlaybook {
		return "workflow"
	}
	return "tool"
}

func (n *Notifier) notifySubscribers(ctx context.Context, obj store.ContentObject, prev *store.ContentObject) error {
	class := classify(obj, prev)
	if class == "" {
		return nil
	}

	subscribers, err := n.store.ListSubscribers(ctx, obj.StaticID)
	if err != nil {
		return fmt.Errorf("list subscribers for %s: %w", obj.StaticID, err)
	}
	recipients := make([]string, 0, len(subscribers))
	for _, userID := range subscribers {
		if userID == obj.CreatedByUserID {
			continue
		}
		recipients = append(recipients, userID)
	}

	payload := map[string]any{"objectId": obj.ID}
	if class == classMajorChange {
		payload["description"] = json.RawMessage(obj.MajorChangeDescription)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notification payload: %w", err)
	}

	_, err = n.store.CreateNotification(ctx, store.Notification{
		ID:       util.NewID("ntf"),
		Type:     kindLabel(obj.Kind) + "_" + class,
		StaticID: obj.StaticID,
		ObjectID: obj.ID,
		Payload:  raw,
	}, recipients)
	if err != nil {
		return fmt.Errorf("create notification for %s: %w", obj.StaticID, err)
	}
	return nil
}

// emailReviewers sends the review request for a branch that just became a
// suggestion. Email delivery is best-effort: a bounced send is logged and
// never fails the job, since retrying would re-send to everyone else.
func (n *Notifier) emailReviewers(ctx context.Context, obj store.ContentObject, prev *store.ContentObject) {
	if n.email == nil || !n.email.IsConfigured() {
		return
	}
	if prev != nil && prev.BranchType == store.BranchSuggestion {
		// Later edits to an existing suggestion stay quiet.
		return
	}

	collection, err := n.store.GetCollection(ctx, obj.CollectionID)
	if err != nil {
		n.log.Error().Err(err).Str("collectionId", obj.CollectionID).Msg("resolve collection for review email")
		return
	}
	if collection.OrganizationID == nil {
		// Personal collections have no reviewer pool.
		return
	}

	// The branch may have moved on while the job sat in the queue. Only the
	// current tip warrants an email, and only while it is still open.
	if obj.BranchID == nil {
		return
	}
	tip, err := n.store.GetLatestOnBranch(ctx, *obj.BranchID)
	if err != nil {
		n.log.Error().Err(err).Str("branchId", *obj.BranchID).Msg("re-read branch tip for review email")
		return
	}
	if tip == nil || tip.ID != obj.ID || tip.IsArchived {
		return
	}

	suggester, err := n.store.GetUser(ctx, obj.CreatedByUserID)
	if err != nil {
		n.log.Error().Err(err).Str("userId", obj.CreatedByUserID).Msg("resolve suggester for review email")
		return
	}

	candidates, err := n.store.ListReviewerCandidates(ctx, *collection.OrganizationID, obj.CreatedByUserID)
	if err != nil {
		n.log.Error().Err(err).Str("organizationId", *collection.OrganizationID).Msg("list reviewer candidates")
		return
	}

	title := objectTitle(obj)
	reviewURL := fmt.Sprintf("%s/review/%s", n.baseURL, *obj.BranchID)
	for _, candidate := range candidates {
		allowed, err := n.authz.Can(ctx, candidate.UserID, obj.CollectionID, authz.ActionReviewSuggestions)
		if err != nil {
			n.log.Error().Err(err).Str("userId", candidate.UserID).Msg("check reviewer permission")
			continue
		}
		if !allowed {
			continue
		}
		if err := n.email.SendSuggestionReviewEmail(candidate.Email, candidate.DisplayName, suggester.DisplayName, title, reviewURL); err != nil {
			n.log.Error().Err(err).
				Str("to", candidate.Email).
				Str("branchId", *obj.BranchID).
				Msg("send suggestion review email")
		}
	}
}

// objectTitle derives a human title from the document: the root title attr
// when present, otherwise the first words of the text, otherwise the id.
func objectTitle(obj store.ContentObject) string {
	root, err := doctree.Parse(obj.Payload)
	if err != nil {
		return obj.StaticID
	}
	if title, ok := root.Attrs["title"].(string); ok && title != "" {
		return title
	}
	text := doctree.PlainText(root)
	if len(text) > 80 {
		text = text[:80]
	}
	if text != "" {
		return text
	}
	return obj.StaticID
}
