package v1

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/securedocs/sdap/pkg/auth"
	"github.com/securedocs/sdap/pkg/documents"
	"github.com/securedocs/sdap/pkg/errors"
	"github.com/securedocs/sdap/pkg/logger"
	"github.com/securedocs/sdap/pkg/problem"
)

// maxMetadataBody bounds metadata update payloads.
const maxMetadataBody = 64 << 10

// listContainerItems handles GET /containers/{id}/items.
func (s *Routes) listContainerItems(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "id")

	items, err := s.graph.ForUser().ListContainerItems(r.Context(), containerID)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"value": items})
}

// uploadFile handles PUT /containers/{id}/files/{path}. The simple upload
// path is for small files; clients stream large files through sessions.
func (s *Routes) uploadFile(w http.ResponseWriter, r *http.Request) {
	containerID := chi.URLParam(r, "id")
	filePath := chi.URLParam(r, "*")
	if filePath == "" {
		problem.New(errors.KindNotFound, "missing file path", r).Write(w)
		return
	}

	item, err := s.graph.ForUser().UploadFile(r.Context(), containerID, filePath,
		r.Body, r.Header.Get("Content-Type"))
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, item)
}

// previewFile handles GET /drives/{id}/items/{itemId}/content, streaming
// the content through without buffering.
func (s *Routes) previewFile(w http.ResponseWriter, r *http.Request) {
	driveID := chi.URLParam(r, "id")
	itemID := chi.URLParam(r, "itemId")

	content, err := s.graph.ForUser().GetItemContent(r.Context(), driveID, itemID)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	defer content.Body.Close()

	if content.ContentType != "" {
		w.Header().Set("Content-Type", content.ContentType)
	}
	if content.ContentLength > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(content.ContentLength, 10))
	}
	if content.ETag != "" {
		w.Header().Set("ETag", content.ETag)
	}

	if _, err := io.Copy(w, content.Body); err != nil {
		// Headers are gone; all we can do is note the broken stream.
		logger.Debugf("content stream interrupted: %v", err)
	}
}

// deleteFile handles DELETE /drives/{id}/items/{itemId}. An inbound
// If-Match passes through to the store.
func (s *Routes) deleteFile(w http.ResponseWriter, r *http.Request) {
	driveID := chi.URLParam(r, "id")
	itemID := chi.URLParam(r, "itemId")

	err := s.graph.ForUser().DeleteItem(r.Context(), driveID, itemID, r.Header.Get("If-Match"))
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// readMetadata handles GET /documents/{id}.
func (s *Routes) readMetadata(w http.ResponseWriter, r *http.Request) {
	doc, err := s.documents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}

	if doc.ETag != "" {
		w.Header().Set("ETag", doc.ETag)
	}
	writeJSON(w, http.StatusOK, doc)
}

// updateMetadata handles PATCH /documents/{id}.
func (s *Routes) updateMetadata(w http.ResponseWriter, r *http.Request) {
	var patch documents.UpdatePatch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMetadataBody)).Decode(&patch); err != nil {
		problem.New(errors.KindUnknown, "unparseable request body", r).Write(w)
		return
	}

	doc, err := s.documents.Update(r.Context(), chi.URLParam(r, "id"), &patch, r.Header.Get("If-Match"))
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}

	if doc.ETag != "" {
		w.Header().Set("ETag", doc.ETag)
	}
	writeJSON(w, http.StatusOK, doc)
}

// createSessionRequest is the POST /upload/session body.
type createSessionRequest struct {
	Path string `json:"path"`
}

// createUploadSession handles POST /upload/session?containerId=...; the
// authorization middleware already validated access to the container.
func (s *Routes) createUploadSession(w http.ResponseWriter, r *http.Request) {
	containerID := r.URL.Query().Get("containerId")

	var req createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMetadataBody)).Decode(&req); err != nil || req.Path == "" {
		problem.New(errors.KindUnknown, "request body must carry a file path", r).Write(w)
		return
	}

	principal, _ := auth.PrincipalFromContext(r.Context())

	upstream, err := s.graph.ForUser().CreateUploadSession(r.Context(), containerID, req.Path)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}

	session, err := s.sessions.Create(r.Context(), principal.UserID, containerID, req.Path, upstream)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":                 session.ID,
		"expirationDateTime": session.Expiration,
	})
}

// uploadChunk handles PUT /upload/session/{sessionId}/chunk, forwarding one
// byte range to the stored upstream session.
func (s *Routes) uploadChunk(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		problem.New(errors.KindInvalidCredential, "authentication required", r).Write(w)
		return
	}

	session, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}
	if session.UserID != principal.UserID {
		// Another user's session reads as nonexistent.
		problem.New(errors.KindNotFound, "upload session not found", r).Write(w)
		return
	}

	contentRange := r.Header.Get("Content-Range")
	if contentRange == "" {
		problem.New(errors.KindUnknown, "missing Content-Range header", r).Write(w)
		return
	}

	next, item, err := s.graph.ForUser().UploadChunk(r.Context(),
		session.UploadURL, r.Body, contentRange, r.ContentLength)
	if err != nil {
		problem.WriteError(w, r, err)
		return
	}

	if item != nil {
		// Final chunk: the item exists and the session is spent.
		s.sessions.Remove(r.Context(), session.ID)
		writeJSON(w, http.StatusCreated, item)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":                 session.ID,
		"nextExpectedRanges": next.NextExpectedRanges,
	})
}

// writeJSONBody encodes the body, logging encode failures.
func writeJSONBody(w http.ResponseWriter, body any) {
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnf("failed to encode response: %v", err)
	}
}
