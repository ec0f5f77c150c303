// Package app exposes the content engine over HTTP.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"quiver/api/internal/content"
	"quiver/api/internal/store"
)

// contentService is the slice of the engine the transport needs.
type contentService interface {
	CreateObject(ctx context.Context, input content.CreateInput) (store.ContentObject, error)
	ReviseObject(ctx context.Context, id string, input content.ReviseInput) (store.ContentObject, error)
	MergeBranch(ctx context.Context, branchID, targetID, resolution, userID string) (store.ContentObject, error)
	Archive(ctx context.Context, id, reason, userID string) (store.ContentObject, error)
	ResolveByAnyIdentifier(ctx context.Context, id string) (*store.ContentObject, error)
	GetContainment(ctx context.Context, staticID string) ([]store.ContainedObject, error)
	UsedIn(ctx context.Context, staticID string) ([]string, error)
	History(ctx context.Context, staticID string) ([]store.ContentObject, error)
	RecordInteraction(ctx context.Context, userID, staticID string) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]store.UserNotification, error)
	Ping(ctx context.Context) error
}

type HTTPServer struct {
	service    contentService
	corsOrigin string
	log        zerolog.Logger
}

func NewHTTPServer(service contentService, corsOrigin string, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/notifications" {
		userID := requestUserID(r)
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("userId"))
		}
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, err := s.service.ListNotifications(r.Context(), userID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": notificationResponses(items)})
		return
	}

	parts := splitPath(r.URL.Path)

	// /api/objects...
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "objects" {
		switch {
		case len(parts) == 2 && r.Method == http.MethodPost:
			s.handleCreateObject(w, r)
			return
		case len(parts) == 3 && r.Method == http.MethodGet:
			s.handleGetObject(w, r, parts[2])
			return
		case len(parts) == 4 && r.Method == http.MethodPost && parts[3] == "revise":
			s.handleReviseObject(w, r, parts[2])
			return
		case len(parts) == 4 && r.Method == http.MethodPost && parts[3] == "archive":
			s.handleArchiveObject(w, r, parts[2])
			return
		case len(parts) == 4 && r.Method == http.MethodPost && parts[3] == "interactions":
			s.handleRecordInteraction(w, r, parts[2])
			return
		case len(parts) == 4 && r.Method == http.MethodGet && parts[3] == "containment":
			s.handleContainment(w, r, parts[2])
			return
		case len(parts) == 4 && r.Method == http.MethodGet && parts[3] == "used-in":
			s.handleUsedIn(w, r, parts[2])
			return
		case len(parts) == 4 && r.Method == http.MethodGet && parts[3] == "history":
			s.handleHistory(w, r, parts[2])
			return
		}
	}

	// /api/branches/{id}/merge
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "branches" && parts[3] == "merge" && r.Method == http.MethodPost {
		s.handleMergeBranch(w, r, parts[2])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCreateObject(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var input content.CreateInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	input.UserID = userID

	obj, err := s.service.CreateObject(r.Context(), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, objectResponse(obj))
}

func (s *HTTPServer) handleGetObject(w http.ResponseWriter, r *http.Request, id string) {
	obj, err := s.service.ResolveByAnyIdentifier(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if obj == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, objectResponse(*obj))
}

func (s *HTTPServer) handleReviseObject(w http.ResponseWriter, r *http.Request, id string) {
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var input content.ReviseInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	input.UserID = userID

	obj, err := s.service.ReviseObject(r.Context(), id, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, objectResponse(obj))
}

func (s *HTTPServer) handleMergeBranch(w http.ResponseWriter, r *http.Request, branchID string) {
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body struct {
		Resolution string `json:"resolution"`
		TargetID   string `json:"targetId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	obj, err := s.service.MergeBranch(r.Context(), branchID, body.TargetID, body.Resolution, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, objectResponse(obj))
}

func (s *HTTPServer) handleArchiveObject(w http.ResponseWriter, r *http.Request, id string) {
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	obj, err := s.service.Archive(r.Context(), id, body.Reason, userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, objectResponse(obj))
}

func (s *HTTPServer) handleRecordInteraction(w http.ResponseWriter, r *http.Request, staticID string) {
	userID := requestUserID(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	if err := s.service.RecordInteraction(r.Context(), userID, staticID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscribed": true})
}

func (s *HTTPServer) handleContainment(w http.ResponseWriter, r *http.Request, staticID string) {
	items, err := s.service.GetContainment(r.Context(), staticID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"staticId": item.ContainedStaticID,
			"kind":     item.ContainedKind,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"contains": out})
}

func (s *HTTPServer) handleUsedIn(w http.ResponseWriter, r *http.Request, staticID string) {
	workflows, err := s.service.UsedIn(r.Context(), staticID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"usedIn": workflows})
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request, staticID string) {
	items, err := s.service.History(r.Context(), staticID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, objectResponse(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func objectResponse(obj store.ContentObject) map[string]any {
	resp := map[string]any{
		"id":           obj.ID,
		"staticId":     obj.StaticID,
		"branchId":     obj.BranchID,
		"branchType":   obj.BranchType,
		"kind":         obj.Kind,
		"collectionId": obj.CollectionID,
		"createdBy":    obj.CreatedByUserID,
		"isLatest":     obj.IsLatest,
		"isArchived":   obj.IsArchived,
		"createdAt":    obj.CreatedAt,
	}
	if obj.Payload != nil {
		resp["payload"] = json.RawMessage(obj.Payload)
	}
	if obj.MajorChangeDescription != nil {
		resp["majorChangeDescription"] = json.RawMessage(obj.MajorChangeDescription)
	}
	if obj.PreviousVersionID != nil {
		resp["previousVersionId"] = *obj.PreviousVersionID
	}
	if obj.BranchedFromID != nil {
		resp["branchedFromId"] = *obj.BranchedFromID
	}
	if obj.ArchiveReason != nil {
		resp["archiveReason"] = *obj.ArchiveReason
	}
	return resp
}

func notificationResponses(items []store.UserNotification) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"id":          item.ID,
			"type":        item.Type,
			"staticId":    item.StaticID,
			"payload":     json.RawMessage(item.Payload),
			"viewedAt":    item.ViewedAt,
			"dismissedAt": item.DismissedAt,
			"createdAt":   item.CreatedAt,
		})
	}
	return out
}

// requestUserID reads the authenticated user from the X-User-ID header set
// by the gateway. The service trusts the gateway's authentication.
func requestUserID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("requestId", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("durationMs", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-User-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		// An absent body decodes to the zero value; every body field on
		// these endpoints is optional or validated downstream.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
