// Package server exposes the application core over HTTP. Streaming replies
// are relayed as server-sent events; everything else is plain JSON.
package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"diaryai/internal/app"
	"diaryai/internal/ratelimit"
	"diaryai/internal/usertoken"
	"diaryai/internal/util"
	"diaryai/pkg/domain"
	"diaryai/pkg/reconciler"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	TokenVerifier *usertoken.Verifier
	// Limiter bounds generation requests per owner. Nil disables limiting.
	Limiter *ratelimit.FixedWindowLimiter
}

// Server routes HTTP requests to the application core.
type Server struct {
	app           *app.App
	tokenVerifier *usertoken.Verifier
	limiter       *ratelimit.FixedWindowLimiter
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		limiter:       cfg.Limiter,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.Handle("POST /sessions", s.withOwner(s.handleCreateSession))
	s.mux.Handle("GET /sessions", s.withOwner(s.handleListSessions))
	s.mux.Handle("DELETE /sessions/{id}", s.withOwner(s.handleDeleteSession))
	s.mux.Handle("GET /sessions/{id}/messages", s.withOwner(s.handleListMessages))
	s.mux.Handle("POST /sessions/{id}/messages", s.withOwner(s.handleSendMessage))
	s.mux.Handle("GET /sessions/{id}/stream", s.withOwner(s.handleStream))
	s.mux.Handle("POST /sessions/{id}/cancel", s.withOwner(s.handleCancel))
	s.mux.Handle("GET /sessions/{id}/export", s.withOwner(s.handleExport))
	s.mux.Handle("POST /messages", s.withOwner(s.handleSendMessage))
	s.mux.Handle("POST /messages/{id}/retry", s.withOwner(s.handleRetryMessage))

	s.mux.Handle("POST /entries", s.withOwner(s.handleCreateEntry))
	s.mux.Handle("GET /entries", s.withOwner(s.handleListEntries))
	s.mux.Handle("PUT /entries/{id}", s.withOwner(s.handleUpdateEntry))
	s.mux.Handle("DELETE /entries/{id}", s.withOwner(s.handleDeleteEntry))
	s.mux.Handle("DELETE /entries", s.withOwner(s.handleDeleteAllEntries))

	s.mux.Handle("POST /images", s.withOwner(s.handleAttachImage))
	s.mux.Handle("DELETE /images", s.withOwner(s.handleRemoveImage))
	s.mux.Handle("GET /images/url", s.withOwner(s.handleImageURL))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ownerHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withOwner(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ownerID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, ownerID)
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	session, err := s.app.CreateSession(r.Context(), ownerID, req.Title)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, ownerID string) {
	sessions, err := s.app.ListSessions(r.Context(), ownerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, ownerID string) {
	if err := s.app.DeleteSession(r.Context(), ownerID, r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, ownerID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	messages, err := s.app.Messages(r.Context(), ownerID, r.PathValue("id"), limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, ownerID string) {
	if s.limiter != nil && !s.limiter.Allow(ownerID) {
		writeError(w, http.StatusTooManyRequests, "generation limit reached, try again shortly")
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	msg, err := s.app.SendMessage(r.Context(), ownerID, r.PathValue("id"), req.Content)
	if err != nil && msg.ID == "" {
		writeAppError(w, err)
		return
	}
	// A committed user message with a failed dispatch still returns the
	// message so the client can offer a retry.
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleRetryMessage(w http.ResponseWriter, r *http.Request, ownerID string) {
	msg, err := s.app.RetryMessage(r.Context(), ownerID, r.PathValue("id"))
	if err != nil && msg.ID == "" {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, ownerID string) {
	if err := s.app.CancelGeneration(ownerID, r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleStream relays reconciler updates as server-sent events until the
// stream reaches a terminal state or the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, ownerID string) {
	updates, cancelWatch, err := s.app.WatchGeneration(ownerID, r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	defer cancelWatch()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			payload := map[string]any{
				"sessionId": u.SessionID,
				"state":     string(u.State),
				"content":   u.Content,
			}
			if u.Err != nil {
				payload["error"] = u.Err.Error()
			}
			data, err := json.Marshal(payload)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if terminal(u.State) {
				return
			}
		}
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, ownerID string) {
	text, err := s.app.ExportSessionText(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

func (s *Server) handleCreateEntry(w http.ResponseWriter, r *http.Request, ownerID string) {
	var entry domain.DiaryEntry
	if err := decodeBody(r, &entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry.OwnerID = ownerID
	created, err := s.app.CreateEntry(r.Context(), ownerID, entry)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request, ownerID string) {
	if from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to"); from != "" || to != "" {
		start, end, err := parseRange(from, to)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		entries, err := s.app.EntriesInRange(r.Context(), ownerID, start, end)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
		return
	}
	if r.URL.Query().Get("group") == "day" {
		days, err := s.app.EntriesByDay(r.Context(), ownerID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"days": days})
		return
	}
	entries, err := s.app.Entries(r.Context(), ownerID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleUpdateEntry(w http.ResponseWriter, r *http.Request, ownerID string) {
	var entry domain.DiaryEntry
	if err := decodeBody(r, &entry); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry.ID = r.PathValue("id")
	entry.OwnerID = ownerID
	if err := s.app.UpdateEntry(r.Context(), ownerID, entry); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request, ownerID string) {
	if err := s.app.DeleteEntry(r.Context(), ownerID, r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleDeleteAllEntries(w http.ResponseWriter, r *http.Request, ownerID string) {
	if err := s.app.DeleteAllEntries(r.Context(), ownerID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleAttachImage(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req struct {
		SourceURI  string `json:"sourceUri"`
		RemotePath string `json:"remotePath"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SourceURI == "" || req.RemotePath == "" {
		writeError(w, http.StatusBadRequest, "sourceUri and remotePath are required")
		return
	}
	queued, err := s.app.AttachImage(r.Context(), ownerID, req.SourceURI, req.RemotePath)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"queued": queued})
}

func (s *Server) handleRemoveImage(w http.ResponseWriter, r *http.Request, ownerID string) {
	var req struct {
		RemotePath string `json:"remotePath"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RemotePath == "" {
		writeError(w, http.StatusBadRequest, "remotePath is required")
		return
	}
	queued, err := s.app.RemoveImage(r.Context(), ownerID, req.RemotePath)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"queued": queued})
}

func (s *Server) handleImageURL(w http.ResponseWriter, r *http.Request, ownerID string) {
	remotePath := r.URL.Query().Get("path")
	if remotePath == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	url, err := s.app.ImageURL(r.Context(), ownerID, remotePath)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func terminal(state reconciler.State) bool {
	switch state {
	case reconciler.StateCompleted, reconciler.StateFailed, reconciler.StateCancelled:
		return true
	}
	return false
}
