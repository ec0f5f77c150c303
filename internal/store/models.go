package store

import (
	"encoding/json"
	"time"
)

// Branch classification for a content object row.
const (
	BranchDraft      = "draft"
	BranchSuggestion = "suggestion"
	BranchPublished  = "published"
)

// Content object kinds. Snippets and playbooks are structurally identical
// for versioning purposes.
const (
	KindSnippet  = "snippet"
	KindPlaybook = "playbook"
)

// Archive reasons for resolved branches.
const (
	ArchiveApproved = "approved"
	ArchiveRejected = "rejected"
)

// ContentObject is one immutable revision row. The only fields ever mutated
// in place are IsLatest, IsArchived, ArchiveReason and ArchivedAt.
type ContentObject struct {
	ID                     string
	StaticID               string
	BranchID               *string
	BranchType             string
	IsLatest               bool
	PreviousVersionID      *string
	BranchedFromID         *string
	CreatedByUserID        string
	CollectionID           string
	Kind                   string
	Payload                json.RawMessage
	MajorChangeDescription json.RawMessage
	IsArchived             bool
	ArchiveReason          *string
	ArchivedAt             *time.Time
	CreatedAt              time.Time
}

// ContainedObject is one edge of the derived containment graph: the published
// workflow identified by WorkflowStaticID embeds the object identified by
// ContainedStaticID.
type ContainedObject struct {
	WorkflowStaticID  string
	ContainedStaticID string
	ContainedKind     string
}

type Notification struct {
	ID        string
	Type      string
	StaticID  string
	ObjectID  string
	Payload   json.RawMessage
	CreatedAt time.Time
}

type UserNotification struct {
	ID             string
	NotificationID string
	UserID         string
	ViewedAt       *time.Time
	DismissedAt    *time.Time
	CreatedAt      time.Time
	// Joined notification fields for listing
	Type     string
	StaticID string
	Payload  json.RawMessage
}

type UserSubscription struct {
	UserID     string
	StaticID   string
	Subscribed bool
	UpdatedAt  time.Time
}

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Organization struct {
	ID   string
	Name string
}

type Collection struct {
	ID              string
	OrganizationID  *string
	Name            string
	CreatedByUserID string
	CreatedAt       time.Time
}

// ReviewerCandidate is an organization member who opted in to suggestion
// emails, before permission filtering.
type ReviewerCandidate struct {
	UserID      string
	DisplayName string
	Email       string
	Role        string
}
