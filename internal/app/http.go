package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tribute/api/internal/anchor"
	"tribute/api/internal/indicator"
	"tribute/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
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

	// Pure anchor endpoints: no stored state involved.
	if r.Method == http.MethodPost && r.URL.Path == "/api/anchors/extract" {
		var body struct {
			Start         int    `json:"start"`
			End           int    `json:"end"`
			ContainerText string `json:"containerText"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		descriptor, err := s.service.ExtractAnchor(body.Start, body.End, body.ContainerText)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"anchor": descriptor})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/anchors/relocate" {
		var body struct {
			Anchor      *anchor.Descriptor `json:"anchor"`
			CurrentText string             `json:"currentText"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if body.Anchor == nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "anchor is required", nil)
			return
		}
		result := s.service.RelocateAnchor(*body.Anchor, body.CurrentText)
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/documents" {
		items, err := s.service.ListDocuments(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Could not list documents", nil)
			return
		}
		payload := make([]map[string]any, 0, len(items))
		for _, doc := range items {
			payload = append(payload, documentPayload(doc))
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": payload})
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/documents" {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body CreateDocumentInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, err := s.service.CreateDocument(r.Context(), actor, body)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"document": documentPayload(doc)})
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "documents" {
		key, ok := parseDocumentKey(parts[2], parts[3])
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "document createdAt must be a unix timestamp", nil)
			return
		}
		s.handleDocument(w, r, key, parts[4:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, key store.DocumentKey, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodGet {
		doc, err := s.service.GetDocument(r.Context(), key)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"document": documentPayload(doc)})
		return
	}

	if len(rest) == 1 && rest[0] == "content" && r.Method == http.MethodGet {
		doc, err := s.service.GetDocument(r.Context(), key)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"content":   doc.Content,
			"plainText": anchor.Flatten(doc.Content),
		})
		return
	}

	if len(rest) == 1 && rest[0] == "content" && r.Method == http.MethodPut {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		doc, relocations, err := s.service.UpdateDocumentContent(r.Context(), actor, key, body.Content)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"document":    documentPayload(doc),
			"relocations": relocations,
		})
		return
	}

	if len(rest) == 1 && rest[0] == "comments" {
		if r.Method == http.MethodGet {
			actor := actorFrom(r)
			comments, err := s.service.ListComments(r.Context(), actor, key)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			payload := make([]map[string]any, 0, len(comments))
			for _, comment := range comments {
				payload = append(payload, commentPayload(comment))
			}
			writeJSON(w, http.StatusOK, map[string]any{"comments": payload})
			return
		}
		if r.Method == http.MethodPost {
			actor, ok := s.requireActor(w, r)
			if !ok {
				return
			}
			var body CreateCommentInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			comment, err := s.service.CreateComment(r.Context(), actor, key, body)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"comment": commentPayload(comment)})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(rest) == 2 && rest[0] == "comments" && rest[1] == "resolve" && r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			CommentIDs []string `json:"commentIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.BulkResolve(r.Context(), actor, key, body.CommentIDs)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(rest) == 2 && rest[0] == "comments" {
		commentID := rest[1]
		if r.Method == http.MethodPatch {
			actor, ok := s.requireActor(w, r)
			if !ok {
				return
			}
			var body struct {
				Content string `json:"content"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			comment, err := s.service.EditComment(r.Context(), actor, key, commentID, body.Content)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"comment": commentPayload(comment)})
			return
		}
		if r.Method == http.MethodDelete {
			actor, ok := s.requireActor(w, r)
			if !ok {
				return
			}
			if err := s.service.DeleteComment(r.Context(), actor, key, commentID); err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if len(rest) == 3 && rest[0] == "comments" && rest[2] == "status" && r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := s.service.TransitionStatus(r.Context(), actor, key, rest[1], body.Status)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": commentPayload(comment)})
		return
	}

	if len(rest) == 3 && rest[0] == "comments" && rest[2] == "anchor-status" && r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			AnchorStatus string `json:"anchorStatus"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := s.service.TransitionAnchorStatus(r.Context(), actor, key, rest[1], body.AnchorStatus)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": commentPayload(comment)})
		return
	}

	if len(rest) == 1 && rest[0] == "indicators" && r.Method == http.MethodPost {
		var body struct {
			Layout indicator.Layout `json:"layout"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		indicators, err := s.service.ComputeIndicators(r.Context(), key, body.Layout)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"indicators": indicators})
		return
	}

	if len(rest) == 1 && rest[0] == "generation-context" && r.Method == http.MethodGet {
		blob, err := s.service.FormatApprovedCommentsForGeneration(r.Context(), key)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"context": blob})
		return
	}

	if len(rest) == 1 && rest[0] == "apply" && r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		var body struct {
			Content    string   `json:"content"`
			CommentIDs []string `json:"commentIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ApplyGeneratedContentAndResolve(r.Context(), actor, key, body.Content, body.CommentIDs)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(rest) == 1 && rest[0] == "generate" && r.Method == http.MethodPost {
		actor, ok := s.requireActor(w, r)
		if !ok {
			return
		}
		result, err := s.service.GenerateAndApply(r.Context(), actor, key)
		if err != nil {
			log.Printf("generate error for document=%s: %v", key.ID, err)
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":                doc.ID,
		"createdAt":         doc.CreatedAt.Unix(),
		"title":             doc.Title,
		"content":           doc.Content,
		"ownerId":           doc.OwnerID,
		"ownerName":         doc.OwnerName,
		"commentingEnabled": doc.CommentingEnabled,
		"updatedAt":         doc.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func commentPayload(comment store.Comment) map[string]any {
	payload := map[string]any{
		"id":         comment.ID,
		"documentId": comment.DocumentID,
		"authorId":   comment.AuthorID,
		"authorName": comment.AuthorName,
		"content":    comment.Content,
		"parentId":   comment.ParentID,
		"status":     comment.Status,
		"createdAt":  comment.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":  comment.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if comment.Anchor != nil {
		payload["anchor"] = map[string]any{
			"start":  comment.Anchor.Start,
			"end":    comment.Anchor.End,
			"text":   comment.Anchor.Text,
			"prefix": comment.Anchor.Prefix,
			"suffix": comment.Anchor.Suffix,
			"valid":  comment.Anchor.Valid,
			"status": comment.Anchor.Status,
		}
	}
	return payload
}

func parseDocumentKey(id, createdAt string) (store.DocumentKey, bool) {
	unix, err := strconv.ParseInt(createdAt, 10, 64)
	if err != nil {
		return store.DocumentKey{}, false
	}
	return store.DocumentKey{ID: id, CreatedAt: time.Unix(unix, 0).UTC()}, true
}

func actorFrom(r *http.Request) Actor {
	return Actor{
		ID:   strings.TrimSpace(r.Header.Get("X-Actor-Id")),
		Name: strings.TrimSpace(r.Header.Get("X-Actor-Name")),
	}
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	actor := actorFrom(r)
	if actor.ID == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-Actor-Id header is required", nil)
		return Actor{}, false
	}
	return actor, true
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

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-Id, X-Actor-Name, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
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
		if errors.Is(err, http.ErrBodyReadAfterClose) {
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
