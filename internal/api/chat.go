package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/sereneai/serene-server/internal/domain"
	"github.com/sereneai/serene-server/internal/identity"
	"github.com/sereneai/serene-server/internal/store"
	"github.com/sereneai/serene-server/internal/therapy"
)

// TurnProcessor runs one chat turn. It never fails: degraded results carry
// safe fallback values.
type TurnProcessor interface {
	ProcessMessage(ctx context.Context, runID string, in therapy.TurnInput) therapy.TurnResult
}

// SessionAnalyzer summarizes an ended session.
type SessionAnalyzer interface {
	AnalyzeSession(ctx context.Context, runID, sessionID string, messages []domain.Message) (therapy.SessionAnalysis, error)
}

// ChatHandler handles chat session endpoints.
type ChatHandler struct {
	repo      store.Repository
	processor TurnProcessor
	analyzer  SessionAnalyzer
}

// NewChatHandler creates a chat handler. analyzer may be nil, which disables
// end-of-session analysis.
func NewChatHandler(repo store.Repository, processor TurnProcessor, analyzer SessionAnalyzer) *ChatHandler {
	return &ChatHandler{repo: repo, processor: processor, analyzer: analyzer}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Post("/sessions/{sessionID}/messages", h.SendMessage)
		r.Get("/sessions/{sessionID}/history", h.GetHistory)
		r.Post("/sessions/{sessionID}/end", h.EndSession)
	})
	r.Get("/api/me", h.GetMe)
}

// GetMe returns the current caller identity.
func (h *ChatHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "Unauthorized - User not authenticated")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load user", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "Error loading user")
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "User not found")
		return
	}

	JSON(w, http.StatusOK, map[string]string{
		"user_id":  user.UserID,
		"username": user.Username,
	})
}

// CreateSession starts a new chat session for the caller.
func (h *ChatHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "Unauthorized - User not authenticated")
		return
	}

	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to load user for session create", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "Error creating chat session")
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "User not found")
		return
	}

	now := time.Now()
	session := &domain.Session{
		SessionID: uuid.NewString(),
		UserID:    userID,
		StartTime: now,
		Status:    domain.StatusActive,
		Messages:  []domain.Message{},
		Memory:    domain.NewMemory(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.repo.CreateSession(r.Context(), session); err != nil {
		slog.Error("Failed to create chat session", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "Error creating chat session")
		return
	}

	slog.Info("Chat session created", "session_id", session.SessionID, "user_id", userID)
	JSON(w, http.StatusCreated, map[string]string{
		"message":   "Chat session created successfully",
		"sessionId": session.SessionID,
	})
}

// ListSessions returns the caller's sessions, newest first.
func (h *ChatHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "Unauthorized - User not authenticated")
		return
	}

	sessions, err := h.repo.ListSessions(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list chat sessions", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "Error fetching chat sessions")
		return
	}

	JSON(w, http.StatusOK, sessions)
}

// loadOwnedSession loads a session and enforces ownership. It writes the
// error response and returns nil when the caller may not proceed.
func (h *ChatHandler) loadOwnedSession(w http.ResponseWriter, r *http.Request, userID string) *domain.Session {
	sessionID := chi.URLParam(r, "sessionID")

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to load session", "error", err, "session_id", sessionID)
		Error(w, http.StatusInternalServerError, "Error loading session")
		return nil
	}
	if session == nil {
		slog.Warn("Session not found", "session_id", sessionID)
		Error(w, http.StatusNotFound, "Session not found")
		return nil
	}
	if !session.OwnedBy(userID) {
		slog.Warn("Unauthorized session access attempt", "session_id", sessionID, "user_id", userID)
		Error(w, http.StatusForbidden, "Unauthorized")
		return nil
	}
	return session
}

// GetSession returns one session's messages, start time and status.
func (h *ChatHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "Unauthorized - User not authenticated")
		return
	}

	session := h.loadOwnedSession(w, r, userID)
	if session == nil {
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"messages":  session.Messages,
		"startTime": session.StartTime,
		"status":    session.Status,
	})
}

// GetHistory returns the ordered message sequence of a session.
func (h *ChatHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "Unauthorized - User not authenticated")
		return
	}

	session := h.loadOwnedSession(w, r, userID)
	if session == nil {
		return
	}

	JSON(w, http.StatusOK, session.Messages)
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// SendMessage runs the turn processor on an inbound message and appends the
// turn's messages to the session in a single durable write.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "Unauthorized - User not authenticated")
		return
	}

	// Resolve the session and enforce ownership before looking at the
	// payload: a caller who may not touch the session gets the same answer
	// whatever they send.
	session := h.loadOwnedSession(w, r, userID)
	if session == nil {
		return
	}

	var req sendMessageRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "Message is required")
		return
	}

	slog.Info("Processing message", "session_id", session.SessionID)

	runID := uuid.NewString()
	result := h.processor.ProcessMessage(r.Context(), runID, therapy.TurnInput{
		Message:      req.Message,
		History:      session.Messages,
		Memory:       session.Memory,
		Goals:        []string{},
		SystemPrompt: therapy.DefaultSystemPrompt,
	})

	analysisJSON, err := json.Marshal(result.Analysis)
	if err != nil {
		slog.Error("Failed to serialize analysis", "error", err, "session_id", session.SessionID)
		analysisJSON = []byte("{}")
	}

	progress := &domain.Progress{
		EmotionalState: result.Analysis.EmotionalState,
		RiskLevel:      result.Analysis.RiskLevel,
	}
	now := time.Now()
	userMsg := domain.Message{
		Role:      domain.RoleUser,
		Content:   req.Message,
		Timestamp: now,
	}
	assistantMsg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   result.Response,
		Timestamp: now,
		Metadata: &domain.Metadata{
			Analysis: string(analysisJSON),
			Progress: progress,
		},
	}

	if err := h.repo.AppendMessages(r.Context(), session.SessionID, result.Memory, userMsg, assistantMsg); err != nil {
		slog.Error("Failed to persist chat turn", "error", err, "session_id", session.SessionID)
		Error(w, http.StatusInternalServerError, "Error processing message")
		return
	}

	slog.Info("Session updated", "session_id", session.SessionID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"response": result.Response,
		"message":  result.Response,
		"analysis": result.Analysis,
		"metadata": map[string]interface{}{
			"progress": progress,
		},
	})
}

// EndSession marks a session as ended and stores an end-of-session summary.
func (h *ChatHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "Unauthorized - User not authenticated")
		return
	}

	session := h.loadOwnedSession(w, r, userID)
	if session == nil {
		return
	}
	if session.Status == domain.StatusEnded {
		JSON(w, http.StatusOK, map[string]string{"status": domain.StatusEnded})
		return
	}

	summary := ""
	if h.analyzer != nil && len(session.Messages) > 0 {
		runID := "session-end-" + session.SessionID
		analysis, err := h.analyzer.AnalyzeSession(r.Context(), runID, session.SessionID, session.Messages)
		if err != nil {
			// The session still ends; the summary is best-effort.
			slog.Warn("Session analysis failed", "error", err, "session_id", session.SessionID)
		} else if b, err := json.Marshal(analysis); err == nil {
			summary = string(b)
		}
	}

	if err := h.repo.UpdateSessionStatus(r.Context(), session.SessionID, domain.StatusEnded, summary); err != nil {
		slog.Error("Failed to end session", "error", err, "session_id", session.SessionID)
		Error(w, http.StatusInternalServerError, "Error ending session")
		return
	}

	slog.Info("Chat session ended", "session_id", session.SessionID)
	JSON(w, http.StatusOK, map[string]string{
		"message": "Chat session ended successfully",
		"status":  domain.StatusEnded,
	})
}
