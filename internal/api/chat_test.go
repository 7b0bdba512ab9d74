package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sereneai/serene-server/internal/domain"
	"github.com/sereneai/serene-server/internal/identity"
	"github.com/sereneai/serene-server/internal/llm"
	"github.com/sereneai/serene-server/internal/therapy"
)

type fakeRepo struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	sessions map[string]*domain.Session
	steps    map[string][]byte
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[string]*domain.User),
		sessions: make(map[string]*domain.Session),
		steps:    make(map[string][]byte),
	}
}

func (f *fakeRepo) addUser(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	f.users[userID] = &domain.User{UserID: userID, Username: "anon-" + userID, CreatedAt: now, UpdatedAt: now}
}

func (f *fakeRepo) GetUser(_ context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	if user == nil {
		return nil, nil
	}
	copy := *user
	return &copy, nil
}

func (f *fakeRepo) UpsertUser(_ context.Context, user *domain.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *user
	f.users[user.UserID] = &copy
	return nil
}

func (f *fakeRepo) UpdateLastSeen(_ context.Context, _ string, _ time.Time) error { return nil }

func (f *fakeRepo) CreateSession(_ context.Context, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy := *session
	copy.Messages = append([]domain.Message{}, session.Messages...)
	f.sessions[session.SessionID] = &copy
	return nil
}

func (f *fakeRepo) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session := f.sessions[sessionID]
	if session == nil {
		return nil, nil
	}
	copy := *session
	copy.Messages = append([]domain.Message{}, session.Messages...)
	return &copy, nil
}

func (f *fakeRepo) ListSessions(_ context.Context, userID string) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			copy := *s
			copy.Messages = nil
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (f *fakeRepo) AppendMessages(_ context.Context, sessionID string, memory domain.Memory, messages ...domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session := f.sessions[sessionID]
	if session == nil {
		return errors.New("session not found")
	}
	session.Messages = append(session.Messages, messages...)
	session.Memory = memory
	session.UpdatedAt = time.Now()
	return nil
}

func (f *fakeRepo) UpdateSessionStatus(_ context.Context, sessionID, status, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session := f.sessions[sessionID]
	if session == nil {
		return errors.New("session not found")
	}
	session.Status = status
	if summary != "" {
		session.Summary = summary
	}
	return nil
}

func (f *fakeRepo) GetStepResult(_ context.Context, runID, step string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.steps[runID+"/"+step]
	return b, ok, nil
}

func (f *fakeRepo) SaveStepResult(_ context.Context, runID, step string, result []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps[runID+"/"+step] = result
	return nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return nil }
func (f *fakeRepo) Close() error                 { return nil }

// newTestHandler wires a ChatHandler against a fake repo and a real processor
// backed by the given generator.
func newTestHandler(repo *fakeRepo, gen llm.Generator) *ChatHandler {
	processor := therapy.NewProcessor(gen, therapy.LogAlerter{}, nil, therapy.DefaultRiskThreshold)
	analyzer := therapy.NewSessionAnalyzer(gen, therapy.LogAlerter{}, nil)
	return NewChatHandler(repo, processor, analyzer)
}

func newRouter(h *ChatHandler) chi.Router {
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func doRequest(t *testing.T, r chi.Router, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req = req.WithContext(identity.WithUserID(req.Context(), userID))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

const testAnalysisJSON = `{"emotionalState":"anxious","themes":["stress"],"riskLevel":2,"recommendedApproach":"supportive","progressIndicators":[]}`

// echoGenerator answers the analysis prompt with fixed JSON and every other
// prompt with a fixed reply.
func echoGenerator(reply string) llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		if bytes.Contains([]byte(prompt), []byte("Required JSON structure")) {
			return testAnalysisJSON, nil
		}
		return reply, nil
	})
}

func failingGenerator() llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, _ string) (string, error) {
		return "", errors.New("gateway unavailable")
	})
}

func TestCreateSession(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser("anon_user1")
	r := newRouter(newTestHandler(repo, echoGenerator("hi")))

	w := doRequest(t, r, http.MethodPost, "/chat/sessions", "anon_user1", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]string
	decodeJSON(t, w, &resp)
	if resp["sessionId"] == "" {
		t.Error("expected a session ID in the response")
	}

	session, _ := repo.GetSession(context.Background(), resp["sessionId"])
	if session == nil {
		t.Fatal("session was not persisted")
	}
	if session.Status != domain.StatusActive {
		t.Errorf("expected active status, got %q", session.Status)
	}
	if len(session.Messages) != 0 {
		t.Errorf("expected empty message list, got %d", len(session.Messages))
	}
}

func TestCreateSessionUnauthorized(t *testing.T) {
	r := newRouter(newTestHandler(newFakeRepo(), echoGenerator("hi")))

	w := doRequest(t, r, http.MethodPost, "/chat/sessions", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestCreateSessionUnknownUser(t *testing.T) {
	r := newRouter(newTestHandler(newFakeRepo(), echoGenerator("hi")))

	w := doRequest(t, r, http.MethodPost, "/chat/sessions", "anon_ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func createSession(t *testing.T, r chi.Router, userID string) string {
	t.Helper()
	w := doRequest(t, r, http.MethodPost, "/chat/sessions", userID, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create session: expected 201, got %d", w.Code)
	}
	var resp map[string]string
	decodeJSON(t, w, &resp)
	return resp["sessionId"]
}

func TestSendMessageScenario(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser("anon_user1")
	r := newRouter(newTestHandler(repo, echoGenerator("That sounds difficult. I'm here with you.")))

	sessionID := createSession(t, r, "anon_user1")

	w := doRequest(t, r, http.MethodPost, "/chat/sessions/"+sessionID+"/messages", "anon_user1",
		map[string]string{"message": "I feel anxious today"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Response string          `json:"response"`
		Analysis domain.Analysis `json:"analysis"`
		Metadata struct {
			Progress domain.Progress `json:"progress"`
		} `json:"metadata"`
	}
	decodeJSON(t, w, &resp)

	if resp.Response == "" {
		t.Error("expected a non-empty response")
	}
	if resp.Analysis.RiskLevel < 0 || resp.Analysis.RiskLevel > 10 {
		t.Errorf("risk level out of bounds: %v", resp.Analysis.RiskLevel)
	}
	if resp.Metadata.Progress.EmotionalState != "anxious" {
		t.Errorf("expected progress emotional state anxious, got %q", resp.Metadata.Progress.EmotionalState)
	}

	// History now holds exactly [user, assistant] in that order.
	hw := doRequest(t, r, http.MethodGet, "/chat/sessions/"+sessionID+"/history", "anon_user1", nil)
	if hw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", hw.Code)
	}
	var history []domain.Message
	decodeJSON(t, hw, &history)
	if len(history) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(history))
	}
	if history[0].Role != domain.RoleUser || history[1].Role != domain.RoleAssistant {
		t.Errorf("unexpected roles: %s, %s", history[0].Role, history[1].Role)
	}
	if history[1].Metadata == nil || history[1].Metadata.Analysis == "" {
		t.Error("expected assistant message to carry analysis metadata")
	}
}

func TestSendMessageGatewayDownStillReplies(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser("anon_user1")
	r := newRouter(newTestHandler(repo, failingGenerator()))

	sessionID := createSession(t, r, "anon_user1")

	w := doRequest(t, r, http.MethodPost, "/chat/sessions/"+sessionID+"/messages", "anon_user1",
		map[string]string{"message": "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 despite gateway failure, got %d", w.Code)
	}

	var resp struct {
		Response string          `json:"response"`
		Analysis domain.Analysis `json:"analysis"`
	}
	decodeJSON(t, w, &resp)
	if resp.Response == "" {
		t.Error("expected a fallback response")
	}
	if resp.Analysis.EmotionalState != "neutral" || resp.Analysis.RiskLevel != 0 {
		t.Errorf("expected neutral analysis, got %+v", resp.Analysis)
	}
}

func TestSendMessageValidation(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser("anon_user1")
	repo.addUser("anon_user2")
	r := newRouter(newTestHandler(repo, echoGenerator("hi")))

	sessionID := createSession(t, r, "anon_user1")

	tests := []struct {
		name     string
		path     string
		userID   string
		body     any
		wantCode int
	}{
		{"empty message", "/chat/sessions/" + sessionID + "/messages", "anon_user1", map[string]string{"message": "  "}, http.StatusBadRequest},
		{"missing message", "/chat/sessions/" + sessionID + "/messages", "anon_user1", map[string]string{}, http.StatusBadRequest},
		{"unknown session", "/chat/sessions/nope/messages", "anon_user1", map[string]string{"message": "hi"}, http.StatusNotFound},
		{"not the owner", "/chat/sessions/" + sessionID + "/messages", "anon_user2", map[string]string{"message": "hi"}, http.StatusForbidden},
		{"no identity", "/chat/sessions/" + sessionID + "/messages", "", map[string]string{"message": "hi"}, http.StatusUnauthorized},
		// Ownership wins over payload validity: a non-owner never learns
		// whether their body would have been accepted.
		{"not the owner, empty message", "/chat/sessions/" + sessionID + "/messages", "anon_user2", map[string]string{"message": ""}, http.StatusForbidden},
		{"unknown session, empty message", "/chat/sessions/nope/messages", "anon_user1", map[string]string{"message": ""}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, r, http.MethodPost, tt.path, tt.userID, tt.body)
			if w.Code != tt.wantCode {
				t.Errorf("expected %d, got %d: %s", tt.wantCode, w.Code, w.Body.String())
			}
		})
	}
}

func TestGetSessionOwnershipAndShape(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser("anon_user1")
	repo.addUser("anon_user2")
	r := newRouter(newTestHandler(repo, echoGenerator("hi")))

	sessionID := createSession(t, r, "anon_user1")

	if w := doRequest(t, r, http.MethodGet, "/chat/sessions/"+sessionID, "anon_user2", nil); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-owner, got %d", w.Code)
	}
	if w := doRequest(t, r, http.MethodGet, "/chat/sessions/missing", "anon_user1", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing session, got %d", w.Code)
	}

	w := doRequest(t, r, http.MethodGet, "/chat/sessions/"+sessionID, "anon_user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]json.RawMessage
	decodeJSON(t, w, &resp)
	for _, key := range []string{"messages", "startTime", "status"} {
		if _, ok := resp[key]; !ok {
			t.Errorf("expected %q in response", key)
		}
	}
}

func TestGetHistoryIdempotent(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser("anon_user1")
	r := newRouter(newTestHandler(repo, echoGenerator("a reply")))

	sessionID := createSession(t, r, "anon_user1")
	doRequest(t, r, http.MethodPost, "/chat/sessions/"+sessionID+"/messages", "anon_user1",
		map[string]string{"message": "first"})

	first := doRequest(t, r, http.MethodGet, "/chat/sessions/"+sessionID+"/history", "anon_user1", nil)
	second := doRequest(t, r, http.MethodGet, "/chat/sessions/"+sessionID+"/history", "anon_user1", nil)
	if first.Body.String() != second.Body.String() {
		t.Error("expected identical history with no intervening write")
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser("anon_user1")
	r := newRouter(newTestHandler(repo, echoGenerator("hi")))

	now := time.Now()
	for i, id := range []string{"s-old", "s-mid", "s-new"} {
		repo.CreateSession(context.Background(), &domain.Session{
			SessionID: id,
			UserID:    "anon_user1",
			StartTime: now.Add(time.Duration(i) * time.Hour),
			Status:    domain.StatusActive,
		})
	}

	w := doRequest(t, r, http.MethodGet, "/chat/sessions", "anon_user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sessions []domain.Session
	decodeJSON(t, w, &sessions)
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	if sessions[0].SessionID != "s-new" || sessions[2].SessionID != "s-old" {
		t.Errorf("expected newest-first order, got %s, %s, %s",
			sessions[0].SessionID, sessions[1].SessionID, sessions[2].SessionID)
	}
}

func TestEndSession(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser("anon_user1")
	sessionJSON := `{"keyThemes":["stress"],"emotionalState":"improving","areasOfConcern":[],"recommendations":[],"progressIndicators":[]}`
	gen := llm.GeneratorFunc(func(_ context.Context, prompt string) (string, error) {
		if bytes.Contains([]byte(prompt), []byte("Required JSON structure")) {
			return testAnalysisJSON, nil
		}
		if bytes.Contains([]byte(prompt), []byte("Session Content")) {
			return sessionJSON, nil
		}
		return "a reply", nil
	})
	r := newRouter(newTestHandler(repo, gen))

	sessionID := createSession(t, r, "anon_user1")
	doRequest(t, r, http.MethodPost, "/chat/sessions/"+sessionID+"/messages", "anon_user1",
		map[string]string{"message": "I'm stressed"})

	w := doRequest(t, r, http.MethodPost, "/chat/sessions/"+sessionID+"/end", "anon_user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	session, _ := repo.GetSession(context.Background(), sessionID)
	if session.Status != domain.StatusEnded {
		t.Errorf("expected ended status, got %q", session.Status)
	}
	if session.Summary == "" {
		t.Error("expected a session summary to be stored")
	}

	// Ending twice is a no-op.
	w = doRequest(t, r, http.MethodPost, "/chat/sessions/"+sessionID+"/end", "anon_user1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 on repeat end, got %d", w.Code)
	}
}

func TestEndSessionAnalysisFailureStillEnds(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser("anon_user1")
	r := newRouter(newTestHandler(repo, failingGenerator()))

	sessionID := createSession(t, r, "anon_user1")
	doRequest(t, r, http.MethodPost, "/chat/sessions/"+sessionID+"/messages", "anon_user1",
		map[string]string{"message": "hello"})

	w := doRequest(t, r, http.MethodPost, "/chat/sessions/"+sessionID+"/end", "anon_user1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	session, _ := repo.GetSession(context.Background(), sessionID)
	if session.Status != domain.StatusEnded {
		t.Errorf("expected ended status, got %q", session.Status)
	}
}

func TestMessagesAreAppendOnly(t *testing.T) {
	repo := newFakeRepo()
	repo.addUser("anon_user1")
	r := newRouter(newTestHandler(repo, echoGenerator("reply")))

	sessionID := createSession(t, r, "anon_user1")

	var prefix []domain.Message
	for _, msg := range []string{"one", "two", "three"} {
		doRequest(t, r, http.MethodPost, "/chat/sessions/"+sessionID+"/messages", "anon_user1",
			map[string]string{"message": msg})

		w := doRequest(t, r, http.MethodGet, "/chat/sessions/"+sessionID+"/history", "anon_user1", nil)
		var history []domain.Message
		decodeJSON(t, w, &history)

		if len(history) <= len(prefix) {
			t.Fatalf("history did not grow: %d -> %d", len(prefix), len(history))
		}
		for i := range prefix {
			if history[i].Role != prefix[i].Role || history[i].Content != prefix[i].Content {
				t.Fatalf("earlier history changed at index %d", i)
			}
		}
		prefix = history
	}
}
