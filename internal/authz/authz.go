// Package authz answers "may this viewer perform action X on this
// collection". It is the engine's only authorization surface; rule
// evaluation beyond the built-in role model belongs to the caller.
package authz

import "context"

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead              Action = "read"
	ActionEdit              Action = "edit"
	ActionReviewSuggestions Action = "review_suggestions"
	ActionAdmin             Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionEdit || action == ActionReviewSuggestions
	case RoleMember:
		return action == ActionRead || action == ActionEdit
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// Authorizer resolves a viewer's permission on a collection.
type Authorizer interface {
	Can(ctx context.Context, userID, collectionID string, action Action) (bool, error)
}

type roleSource interface {
	GetMemberRole(ctx context.Context, userID, collectionID string) (string, error)
}

// StoreAuthorizer evaluates the role model against organization membership.
type StoreAuthorizer struct {
	store roleSource
}

func NewStoreAuthorizer(store roleSource) *StoreAuthorizer {
	return &StoreAuthorizer{store: store}
}

func (a *StoreAuthorizer) Can(ctx context.Context, userID, collectionID string, action Action) (bool, error) {
	role, err := a.store.GetMemberRole(ctx, userID, collectionID)
	if err != nil {
		return false, err
	}
	if role == "" {
		return false, nil
	}
	return Can(Normalize(role), action), nil
}
