package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"quiver/api/internal/content"
	"quiver/api/internal/store"
)

type fakeService struct {
	createFn       func(context.Context, content.CreateInput) (store.ContentObject, error)
	reviseFn       func(context.Context, string, content.ReviseInput) (store.ContentObject, error)
	mergeFn        func(ctx context.Context, branchID, targetID, resolution, userID string) (store.ContentObject, error)
	archiveFn      func(ctx context.Context, id, reason, userID string) (store.ContentObject, error)
	resolveFn      func(context.Context, string) (*store.ContentObject, error)
	containmentFn  func(context.Context, string) ([]store.ContainedObject, error)
	historyFn      func(context.Context, string) ([]store.ContentObject, error)
	pingFn         func(context.Context) error
	interactedWith []string
}

func (f *fakeService) CreateObject(ctx context.Context, input content.CreateInput) (store.ContentObject, error) {
	if f.createFn != nil {
		return f.createFn(ctx, input)
	}
	return store.ContentObject{ID: "ver_new"}, nil
}

func (f *fakeService) ReviseObject(ctx context.Context, id string, input content.ReviseInput) (store.ContentObject, error) {
	if f.reviseFn != nil {
		return f.reviseFn(ctx, id, input)
	}
	return store.ContentObject{ID: "ver_new"}, nil
}

func (f *fakeService) MergeBranch(ctx context.Context, branchID, targetID, resolution, userID string) (store.ContentObject, error) {
	if f.mergeFn != nil {
		return f.mergeFn(ctx, branchID, targetID, resolution, userID)
	}
	return store.ContentObject{ID: "ver_new"}, nil
}

func (f *fakeService) Archive(ctx context.Context, id, reason, userID string) (store.ContentObject, error) {
	if f.archiveFn != nil {
		return f.archiveFn(ctx, id, reason, userID)
	}
	return store.ContentObject{ID: "ver_new", IsArchived: true}, nil
}

func (f *fakeService) ResolveByAnyIdentifier(ctx context.Context, id string) (*store.ContentObject, error) {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeService) GetContainment(ctx context.Context, staticID string) ([]store.ContainedObject, error) {
	if f.containmentFn != nil {
		return f.containmentFn(ctx, staticID)
	}
	return nil, nil
}

func (f *fakeService) UsedIn(context.Context, string) ([]string, error) { return nil, nil }

func (f *fakeService) History(ctx context.Context, staticID string) ([]store.ContentObject, error) {
	if f.historyFn != nil {
		return f.historyFn(ctx, staticID)
	}
	return nil, nil
}

func (f *fakeService) RecordInteraction(_ context.Context, userID, staticID string) error {
	f.interactedWith = append(f.interactedWith, userID+":"+staticID)
	return nil
}

func (f *fakeService) ListNotifications(context.Context, string, int) ([]store.UserNotification, error) {
	return nil, nil
}

func (f *fakeService) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newTestServer(fs *fakeService) *HTTPServer {
	return NewHTTPServer(fs, "*", zerolog.Nop())
}

func doRequest(t *testing.T, server *HTTPServer, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return response
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&fakeService{})

	rr := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if ok := decodeResponse(t, rr)["ok"]; ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpointDatabaseDown(t *testing.T) {
	server := newTestServer(&fakeService{
		pingFn: func(context.Context) error { return errors.New("connection refused") },
	})

	rr := doRequest(t, server, http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}
}

func TestCreateObjectRequiresUser(t *testing.T) {
	server := newTestServer(&fakeService{})

	rr := doRequest(t, server, http.MethodPost, "/api/objects", "", `{"kind":"snippet"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rr.Code)
	}
}

func TestCreateObjectPassesUserFromHeader(t *testing.T) {
	var gotUser string
	server := newTestServer(&fakeService{
		createFn: func(_ context.Context, input content.CreateInput) (store.ContentObject, error) {
			gotUser = input.UserID
			return store.ContentObject{ID: "ver_1", StaticID: "obj_1"}, nil
		},
	})

	rr := doRequest(t, server, http.MethodPost, "/api/objects", "user_a",
		`{"kind":"snippet","collectionId":"col_1","branchType":"published","payload":{"type":"doc"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotUser != "user_a" {
		t.Errorf("user id not threaded from header, got %q", gotUser)
	}
}

func TestGetObjectNotFound(t *testing.T) {
	server := newTestServer(&fakeService{})

	rr := doRequest(t, server, http.MethodGet, "/api/objects/obj_missing", "", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}

func TestReviseBranchConflictResponse(t *testing.T) {
	server := newTestServer(&fakeService{
		reviseFn: func(context.Context, string, content.ReviseInput) (store.ContentObject, error) {
			return store.ContentObject{}, &content.BranchConflictError{
				StaticID:         "obj_s",
				ExistingBranchID: "br_live",
			}
		},
	})

	rr := doRequest(t, server, http.MethodPost, "/api/objects/obj_s/revise", "user_a",
		`{"branchType":"draft","payload":{"type":"doc"}}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["code"] != "BRANCH_CONFLICT" {
		t.Errorf("code = %v, want BRANCH_CONFLICT", response["code"])
	}
	details, _ := response["details"].(map[string]any)
	if details["existingBranchId"] != "br_live" {
		t.Errorf("details must carry the existing branch id, got %v", details)
	}
}

func TestMergeConflictResponse(t *testing.T) {
	server := newTestServer(&fakeService{
		mergeFn: func(context.Context, string, string, string, string) (store.ContentObject, error) {
			return store.ContentObject{}, &content.MergeConflictError{
				BranchID:     "br_b",
				BaseID:       "ver_1",
				CurrentTipID: "ver_2",
			}
		},
	})

	rr := doRequest(t, server, http.MethodPost, "/api/branches/br_b/merge", "user_rev",
		`{"resolution":"accept"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	if response["code"] != "MERGE_CONFLICT" {
		t.Errorf("code = %v, want MERGE_CONFLICT", response["code"])
	}
	details, _ := response["details"].(map[string]any)
	if details["baseId"] != "ver_1" || details["currentTipId"] != "ver_2" {
		t.Errorf("details must carry base and current tip, got %v", details)
	}
}

func TestMergeAlreadyResolvedResponse(t *testing.T) {
	server := newTestServer(&fakeService{
		mergeFn: func(context.Context, string, string, string, string) (store.ContentObject, error) {
			return store.ContentObject{}, content.ErrAlreadyResolved
		},
	})

	rr := doRequest(t, server, http.MethodPost, "/api/branches/br_b/merge", "user_rev",
		`{"resolution":"reject"}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rr.Code)
	}
	if code := decodeResponse(t, rr)["code"]; code != "ALREADY_RESOLVED" {
		t.Errorf("code = %v, want ALREADY_RESOLVED", code)
	}
}

func TestArchiveWithoutBodyDefaultsReason(t *testing.T) {
	var gotReason string
	server := newTestServer(&fakeService{
		archiveFn: func(_ context.Context, _, reason, _ string) (store.ContentObject, error) {
			gotReason = reason
			return store.ContentObject{ID: "ver_new", IsArchived: true}, nil
		},
	})

	// The reason is optional; a POST with no body at all must not 400.
	req := httptest.NewRequest(http.MethodPost, "/api/objects/obj_s/archive", nil)
	req.Header.Set("X-User-ID", "user_a")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotReason != "" {
		t.Errorf("reason must default to empty, got %q", gotReason)
	}
}

func TestPermissionDeniedResponse(t *testing.T) {
	server := newTestServer(&fakeService{
		archiveFn: func(context.Context, string, string, string) (store.ContentObject, error) {
			return store.ContentObject{}, content.ErrPermissionDenied
		},
	})

	rr := doRequest(t, server, http.MethodPost, "/api/objects/obj_s/archive", "user_x", `{}`)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rr.Code)
	}
}

func TestInvalidInputResponse(t *testing.T) {
	server := newTestServer(&fakeService{
		createFn: func(context.Context, content.CreateInput) (store.ContentObject, error) {
			return store.ContentObject{}, content.ErrInvalidInput
		},
	})

	rr := doRequest(t, server, http.MethodPost, "/api/objects", "user_a", `{"kind":"gadget"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestRecordInteractionSubscribes(t *testing.T) {
	fs := &fakeService{}
	server := newTestServer(fs)

	rr := doRequest(t, server, http.MethodPost, "/api/objects/obj_s/interactions", "user_a", `{}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if len(fs.interactedWith) != 1 || fs.interactedWith[0] != "user_a:obj_s" {
		t.Errorf("interaction not recorded, got %v", fs.interactedWith)
	}
}

func TestContainmentResponseShape(t *testing.T) {
	server := newTestServer(&fakeService{
		containmentFn: func(context.Context, string) ([]store.ContainedObject, error) {
			return []store.ContainedObject{
				{WorkflowStaticID: "obj_wf", ContainedStaticID: "obj_s", ContainedKind: "snippet"},
			}, nil
		},
	})

	rr := doRequest(t, server, http.MethodGet, "/api/objects/obj_wf/containment", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	contains, _ := response["contains"].([]any)
	if len(contains) != 1 {
		t.Fatalf("expected one containment row, got %v", response)
	}
	row, _ := contains[0].(map[string]any)
	if row["staticId"] != "obj_s" || row["kind"] != "snippet" {
		t.Errorf("unexpected row shape: %v", row)
	}
}

func TestUnknownRouteNotFound(t *testing.T) {
	server := newTestServer(&fakeService{})

	rr := doRequest(t, server, http.MethodGet, "/api/widgets", "", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}
