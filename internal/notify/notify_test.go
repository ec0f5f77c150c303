package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"quiver/api/internal/authz"
	"quiver/api/internal/queue"
	"quiver/api/internal/store"
)

type fakeNotifyStore struct {
	objects     map[string]store.ContentObject
	branchTips  map[string]*store.ContentObject
	subscribers map[string][]string
	collections map[string]store.Collection
	users       map[string]store.User
	candidates  []store.ReviewerCandidate

	created          []store.Notification
	createdRecipient [][]string
}

func newFakeNotifyStore() *fakeNotifyStore {
	return &fakeNotifyStore{
		objects:     map[string]store.ContentObject{},
		branchTips:  map[string]*store.ContentObject{},
		subscribers: map[string][]string{},
		collections: map[string]store.Collection{},
		users:       map[string]store.User{},
	}
}

func (f *fakeNotifyStore) GetObject(_ context.Context, id string) (store.ContentObject, error) {
	obj, ok := f.objects[id]
	if !ok {
		return store.ContentObject{}, sql.ErrNoRows
	}
	return obj, nil
}

func (f *fakeNotifyStore) GetLatestOnBranch(_ context.Context, branchID string) (*store.ContentObject, error) {
	return f.branchTips[branchID], nil
}

func (f *fakeNotifyStore) CreateNotification(_ context.Context, n store.Notification, userIDs []string) (string, error) {
	f.created = append(f.created, n)
	f.createdRecipient = append(f.createdRecipient, userIDs)
	return n.ID, nil
}

func (f *fakeNotifyStore) ListSubscribers(_ context.Context, staticID string) ([]string, error) {
	return f.subscribers[staticID], nil
}

func (f *fakeNotifyStore) GetCollection(_ context.Context, collectionID string) (store.Collection, error) {
	col, ok := f.collections[collectionID]
	if !ok {
		return store.Collection{}, sql.ErrNoRows
	}
	return col, nil
}

func (f *fakeNotifyStore) GetUser(_ context.Context, userID string) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeNotifyStore) ListReviewerCandidates(_ context.Context, _, excludeUserID string) ([]store.ReviewerCandidate, error) {
	out := make([]store.ReviewerCandidate, 0, len(f.candidates))
	for _, c := range f.candidates {
		if c.UserID == excludeUserID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

type fakeMailer struct {
	configured bool
	sentTo     []string
}

func (f *fakeMailer) IsConfigured() bool { return f.configured }

func (f *fakeMailer) SendSuggestionReviewEmail(to, _, _, _, _ string) error {
	f.sentTo = append(f.sentTo, to)
	return nil
}

type allowAll struct{}

func (allowAll) Can(context.Context, string, string, authz.Action) (bool, error) { return true, nil }

type allowOnly struct{ userID string }

func (a allowOnly) Can(_ context.Context, userID, _ string, _ authz.Action) (bool, error) {
	return userID == a.userID, nil
}

func strPtr(value string) *string { return &value }

func newNotifier(fs *fakeNotifyStore, mailer *fakeMailer, az authz.Authorizer) *Notifier {
	return NewNotifier(fs, az, mailer, "https://quiver.test", zerolog.Nop())
}

func TestPublishedCreateNotifiesSubscribers(t *testing.T) {
	fs := newFakeNotifyStore()
	fs.objects["ver_1"] = store.ContentObject{
		ID: "ver_1", StaticID: "obj_s", Kind: store.KindSnippet,
		BranchType: store.BranchPublished, CreatedByUserID: "user_a",
	}
	fs.subscribers["obj_s"] = []string{"user_a", "user_b", "user_c"}
	nf := newNotifier(fs, &fakeMailer{}, allowAll{})

	err := nf.Handle(context.Background(), queue.Job{ObjectID: "ver_1", StaticID: "obj_s", Action: queue.ActionCreate})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(fs.created) != 1 {
		t.Fatalf("expected one notification, got %d", len(fs.created))
	}
	if fs.created[0].Type != "tool_created" {
		t.Errorf("type = %q, want tool_created", fs.created[0].Type)
	}
	got := fs.createdRecipient[0]
	if len(got) != 2 || got[0] != "user_b" || got[1] != "user_c" {
		t.Errorf("author must be excluded from fan-out, got %v", got)
	}
}

func TestMajorChangeOnWorkflow(t *testing.T) {
	fs := newFakeNotifyStore()
	fs.objects["ver_1"] = store.ContentObject{
		ID: "ver_1", StaticID: "obj_w", Kind: store.KindPlaybook, BranchType: store.BranchPublished,
	}
	fs.objects["ver_2"] = store.ContentObject{
		ID: "ver_2", StaticID: "obj_w", Kind: store.KindPlaybook,
		BranchType: store.BranchPublished, PreviousVersionID: strPtr("ver_1"),
		CreatedByUserID:        "user_a",
		MajorChangeDescription: json.RawMessage(`{"summary":"rewrote step 3"}`),
	}
	fs.subscribers["obj_w"] = []string{"user_b"}
	nf := newNotifier(fs, &fakeMailer{}, allowAll{})

	err := nf.Handle(context.Background(), queue.Job{ObjectID: "ver_2", StaticID: "obj_w", Action: queue.ActionUpdate})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(fs.created) != 1 || fs.created[0].Type != "workflow_major_change" {
		t.Fatalf("expected workflow_major_change, got %+v", fs.created)
	}
	var payload map[string]any
	if err := json.Unmarshal(fs.created[0].Payload, &payload); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if _, ok := payload["description"]; !ok {
		t.Error("major change payload must carry the description")
	}
}

func TestMinorPublishedUpdateStaysQuiet(t *testing.T) {
	fs := newFakeNotifyStore()
	fs.objects["ver_1"] = store.ContentObject{
		ID: "ver_1", StaticID: "obj_s", Kind: store.KindSnippet, BranchType: store.BranchPublished,
	}
	fs.objects["ver_2"] = store.ContentObject{
		ID: "ver_2", StaticID: "obj_s", Kind: store.KindSnippet,
		BranchType: store.BranchPublished, PreviousVersionID: strPtr("ver_1"),
	}
	fs.subscribers["obj_s"] = []string{"user_b"}
	nf := newNotifier(fs, &fakeMailer{}, allowAll{})

	err := nf.Handle(context.Background(), queue.Job{ObjectID: "ver_2", StaticID: "obj_s", Action: queue.ActionUpdate})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(fs.created) != 0 {
		t.Errorf("minor update must not notify, got %+v", fs.created)
	}
}

func TestArchivedClassWins(t *testing.T) {
	fs := newFakeNotifyStore()
	fs.objects["ver_1"] = store.ContentObject{
		ID: "ver_1", StaticID: "obj_s", Kind: store.KindSnippet, BranchType: store.BranchPublished,
	}
	fs.objects["ver_2"] = store.ContentObject{
		ID: "ver_2", StaticID: "obj_s", Kind: store.KindSnippet,
		BranchType: store.BranchPublished, PreviousVersionID: strPtr("ver_1"),
		IsArchived:             true,
		MajorChangeDescription: json.RawMessage(`{"summary":"also major"}`),
	}
	fs.subscribers["obj_s"] = []string{"user_b"}
	nf := newNotifier(fs, &fakeMailer{}, allowAll{})

	err := nf.Handle(context.Background(), queue.Job{ObjectID: "ver_2", StaticID: "obj_s", Action: queue.ActionArchive})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(fs.created) != 1 || fs.created[0].Type != "tool_archived" {
		t.Errorf("archived must win over major_change, got %+v", fs.created)
	}
}

func suggestionFixture(fs *fakeNotifyStore) store.ContentObject {
	obj := store.ContentObject{
		ID: "ver_2", StaticID: "obj_s", Kind: store.KindSnippet,
		BranchType: store.BranchSuggestion, BranchID: strPtr("br_x"),
		BranchedFromID: strPtr("ver_1"), CreatedByUserID: "user_sug",
		CollectionID: "col_1",
		Payload:      json.RawMessage(`{"type":"doc","attrs":{"title":"Rotate the signing key"}}`),
	}
	fs.objects[obj.ID] = obj
	fs.branchTips["br_x"] = &obj
	fs.collections["col_1"] = store.Collection{ID: "col_1", OrganizationID: strPtr("org_1")}
	fs.users["user_sug"] = store.User{ID: "user_sug", DisplayName: "Sam Suggester", Email: "sam@example.com"}
	fs.candidates = []store.ReviewerCandidate{
		{UserID: "user_rev1", DisplayName: "Rita", Email: "rita@example.com", Role: "editor"},
		{UserID: "user_rev2", DisplayName: "Vik", Email: "vik@example.com", Role: "member"},
	}
	return obj
}

func TestNewSuggestionEmailsPermittedReviewers(t *testing.T) {
	fs := newFakeNotifyStore()
	suggestionFixture(fs)
	mailer := &fakeMailer{configured: true}
	nf := newNotifier(fs, mailer, allowOnly{userID: "user_rev1"})

	err := nf.Handle(context.Background(), queue.Job{ObjectID: "ver_2", StaticID: "obj_s", Action: queue.ActionCreate})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(mailer.sentTo) != 1 || mailer.sentTo[0] != "rita@example.com" {
		t.Errorf("expected exactly the permitted reviewer, got %v", mailer.sentTo)
	}
}

func TestSuggestionEditStaysQuiet(t *testing.T) {
	fs := newFakeNotifyStore()
	obj := suggestionFixture(fs)
	// Second revision on the same suggestion branch.
	prev := obj
	prev.ID = "ver_prev"
	prev.BranchType = store.BranchSuggestion
	fs.objects["ver_prev"] = prev
	obj.PreviousVersionID = strPtr("ver_prev")
	fs.objects[obj.ID] = obj
	fs.branchTips["br_x"] = &obj

	mailer := &fakeMailer{configured: true}
	nf := newNotifier(fs, mailer, allowAll{})

	err := nf.Handle(context.Background(), queue.Job{ObjectID: "ver_2", StaticID: "obj_s", Action: queue.ActionUpdate})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(mailer.sentTo) != 0 {
		t.Errorf("edits to an open suggestion must not re-email, got %v", mailer.sentTo)
	}
}

func TestStaleSuggestionJobSendsNothing(t *testing.T) {
	fs := newFakeNotifyStore()
	obj := suggestionFixture(fs)
	// The branch advanced past the job's revision before the worker got to it.
	newer := obj
	newer.ID = "ver_newer"
	fs.branchTips["br_x"] = &newer

	mailer := &fakeMailer{configured: true}
	nf := newNotifier(fs, mailer, allowAll{})

	err := nf.Handle(context.Background(), queue.Job{ObjectID: "ver_2", StaticID: "obj_s", Action: queue.ActionCreate})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(mailer.sentTo) != 0 {
		t.Errorf("stale jobs must not email, got %v", mailer.sentTo)
	}
}

func TestResolvedSuggestionSendsNothing(t *testing.T) {
	fs := newFakeNotifyStore()
	obj := suggestionFixture(fs)
	// Rejected before the job ran.
	archived := obj
	archived.IsArchived = true
	fs.objects[obj.ID] = archived
	fs.branchTips["br_x"] = &archived

	mailer := &fakeMailer{configured: true}
	nf := newNotifier(fs, mailer, allowAll{})

	err := nf.Handle(context.Background(), queue.Job{ObjectID: "ver_2", StaticID: "obj_s", Action: queue.ActionCreate})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(mailer.sentTo) != 0 {
		t.Errorf("resolved suggestions must not email, got %v", mailer.sentTo)
	}
}

func TestPersonalCollectionSendsNothing(t *testing.T) {
	fs := newFakeNotifyStore()
	suggestionFixture(fs)
	fs.collections["col_1"] = store.Collection{ID: "col_1", CreatedByUserID: "user_sug"}

	mailer := &fakeMailer{configured: true}
	nf := newNotifier(fs, mailer, allowAll{})

	err := nf.Handle(context.Background(), queue.Job{ObjectID: "ver_2", StaticID: "obj_s", Action: queue.ActionCreate})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(mailer.sentTo) != 0 {
		t.Errorf("personal collections have no reviewers, got %v", mailer.sentTo)
	}
}

func TestUnconfiguredMailerSkips(t *testing.T) {
	fs := newFakeNotifyStore()
	suggestionFixture(fs)
	mailer := &fakeMailer{configured: false}
	nf := newNotifier(fs, mailer, allowAll{})

	err := nf.Handle(context.Background(), queue.Job{ObjectID: "ver_2", StaticID: "obj_s", Action: queue.ActionCreate})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(mailer.sentTo) != 0 {
		t.Errorf("unconfigured mailer must not send, got %v", mailer.sentTo)
	}
}

func TestObjectTitleFallbacks(t *testing.T) {
	withTitle := store.ContentObject{
		StaticID: "obj_1",
		Payload:  json.RawMessage(`{"type":"doc","attrs":{"title":"Named"}}`),
	}
	if got := objectTitle(withTitle); got != "Named" {
		t.Errorf("title attr: got %q", got)
	}
	withText := store.ContentObject{
		StaticID: "obj_2",
		Payload:  json.RawMessage(`{"type":"doc","content":[{"type":"text","text":"hello world"}]}`),
	}
	if got := objectTitle(withText); got != "hello world" {
		t.Errorf("plain text: got %q", got)
	}
	empty := store.ContentObject{StaticID: "obj_3"}
	if got := objectTitle(empty); got != "obj_3" {
		t.Errorf("fallback: got %q", got)
	}
}
