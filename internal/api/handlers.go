package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ajax-ai/ajax-chat/internal/auth"
	"github.com/ajax-ai/ajax-chat/internal/core"
	"github.com/ajax-ai/ajax-chat/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

type contextKey string

const sessionContextKey contextKey = "session"

type APIHandler struct {
	dbStore      *store.SQLiteStore
	orchestrator *core.Orchestrator
	registry     *core.SessionRegistry
	cookies      *auth.SessionManager
	logger       *zap.Logger
	templates    *template.Template
}

func NewAPIHandler(db *store.SQLiteStore, orch *core.Orchestrator, registry *core.SessionRegistry, cookies *auth.SessionManager, logger *zap.Logger) *APIHandler {
	templates := template.Must(template.ParseFS(templateFS, "templates/*.html"))
	return &APIHandler{
		dbStore:      db,
		orchestrator: orch,
		registry:     registry,
		cookies:      cookies,
		logger:       logger,
		templates:    templates,
	}
}

// sessionFromRequest reads the signed cookie; an absent or tampered cookie
// reads as logged-out.
func (h *APIHandler) sessionFromRequest(r *http.Request) *auth.Session {
	session, err := h.cookies.Get(r)
	if err != nil {
		h.logger.Warn("rejecting invalid session cookie", zap.Error(err))
		return nil
	}
	return session
}

// RequirePageSession gates HTML pages: without a valid session the browser is
// redirected to the login page.
func (h *APIHandler) RequirePageSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := h.sessionFromRequest(r)
		if session == nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r, session)))
	})
}

// RequireAPISession gates JSON/SSE endpoints with a plain 401.
func (h *APIHandler) RequireAPISession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := h.sessionFromRequest(r)
		if session == nil {
			http.Error(w, "Not logged in", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withSession(r, session)))
	})
}

func withSession(r *http.Request, session *auth.Session) context.Context {
	return context.WithValue(r.Context(), sessionContextKey, session)
}

func sessionFromContext(r *http.Request) *auth.Session {
	return r.Context().Value(sessionContextKey).(*auth.Session)
}

// Pages

type homeView struct {
	LoggedIn bool
	Name     string
}

func (h *APIHandler) HomePage(w http.ResponseWriter, r *http.Request) {
	view := homeView{}
	if session := h.sessionFromRequest(r); session != nil {
		view.LoggedIn = true
		view.Name = session.Name
	}
	h.render(w, "home.html", view)
}

type authView struct {
	Error string
	Name  string
	Email string
}

func (h *APIHandler) LoginPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, "login.html", authView{})
}

func (h *APIHandler) LoginSubmit(w http.ResponseWriter, r *http.Request) {
	email := r.FormValue("email")
	password := r.FormValue("password")

	if email == "" || password == "" {
		h.render(w, "login.html", authView{Error: "Please fill in all fields.", Email: email})
		return
	}

	user, err := h.dbStore.GetUserByEmail(email)
	if err != nil {
		h.logger.Error("login lookup failed", zap.Error(err))
		h.render(w, "login.html", authView{Error: "Something went wrong", Email: email})
		return
	}
	if user == nil {
		h.render(w, "login.html", authView{Error: "User was not found", Email: email})
		return
	}
	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		h.render(w, "login.html", authView{Error: "Invalid password", Email: email})
		return
	}

	h.establishSession(w, r, user)
}

func (h *APIHandler) SignupPage(w http.ResponseWriter, r *http.Request) {
	h.render(w, "signup.html", authView{})
}

func (h *APIHandler) SignupSubmit(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("name")
	email := r.FormValue("email")
	password := r.FormValue("password")
	confirm := r.FormValue("confirm_password")

	view := authView{Name: name, Email: email}

	if name == "" || email == "" || password == "" {
		view.Error = "Please fill in all fields."
		h.render(w, "signup.html", view)
		return
	}
	if password != confirm {
		view.Error = "Passwords do not match."
		h.render(w, "signup.html", view)
		return
	}

	// Fast-path UX hint only; the unique index rejection below is the source
	// of truth for duplicate emails.
	existing, err := h.dbStore.GetUserByEmail(email)
	if err != nil {
		h.logger.Error("signup lookup failed", zap.Error(err))
		view.Error = "Something went wrong"
		h.render(w, "signup.html", view)
		return
	}
	if existing != nil {
		view.Error = "Email already exists"
		h.render(w, "signup.html", view)
		return
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		h.logger.Error("password hashing failed", zap.Error(err))
		view.Error = "Something went wrong"
		h.render(w, "signup.html", view)
		return
	}

	user, err := h.dbStore.CreateUser(name, email, hashed)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			view.Error = "Email already exists"
		} else {
			h.logger.Error("user creation failed", zap.Error(err))
			view.Error = "Something went wrong"
		}
		h.render(w, "signup.html", view)
		return
	}

	h.establishSession(w, r, user)
}

func (h *APIHandler) establishSession(w http.ResponseWriter, r *http.Request, user *store.User) {
	identity := auth.Identity{ID: user.ID, Name: user.Name, Email: user.Email}
	if _, err := h.cookies.Set(w, identity); err != nil {
		h.logger.Error("failed to set session cookie", zap.Error(err))
		http.Error(w, "Failed to establish session", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/chat", http.StatusSeeOther)
}

func (h *APIHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if session := h.sessionFromRequest(r); session != nil {
		h.registry.Drop(session.SessionID)
	}
	h.cookies.Delete(w)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type chatView struct {
	Name       string
	Title      string
	Transcript []transcriptEntry
	PastChats  []store.Chat
}

type transcriptEntry struct {
	Role    string `json:"role"` // display vocabulary: "user" or "assistant"
	Content string `json:"content"`
}

// displayRole maps the internal role vocabulary to the display one.
func displayRole(role store.Role) string {
	if role == store.RoleUser {
		return "user"
	}
	return "assistant"
}

func (h *APIHandler) ChatPage(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r)
	chatSession := h.registry.Get(session.SessionID)

	pastChats, err := h.orchestrator.ListChats(session.ID)
	if err != nil {
		h.logger.Error("failed to list chats", zap.String("userID", session.ID), zap.Error(err))
		pastChats = nil // sidebar degrades, the page still renders
	}

	_, title, transcript := chatSession.Snapshot()
	view := chatView{
		Name:      session.Name,
		Title:     title,
		PastChats: pastChats,
	}
	for _, entry := range transcript {
		view.Transcript = append(view.Transcript, transcriptEntry{
			Role:    displayRole(entry.Role),
			Content: entry.Content,
		})
	}
	h.render(w, "chat.html", view)
}

func (h *APIHandler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("template render failed", zap.String("template", name), zap.Error(err))
	}
}

// API

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r)

	chats, err := h.orchestrator.ListChats(session.ID)
	if err != nil {
		h.logger.Error("failed to list chats", zap.String("userID", session.ID), zap.Error(err))
		http.Error(w, "Failed to list chats", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(chats)
}

type sessionStateResponse struct {
	ChatID     string            `json:"chat_id"`
	Title      string            `json:"title"`
	Transcript []transcriptEntry `json:"transcript"`
}

func sessionState(chatSession *core.ChatSession) sessionStateResponse {
	chatID, title, transcript := chatSession.Snapshot()
	resp := sessionStateResponse{ChatID: chatID, Title: title}
	for _, entry := range transcript {
		resp.Transcript = append(resp.Transcript, transcriptEntry{
			Role:    displayRole(entry.Role),
			Content: entry.Content,
		})
	}
	return resp
}

func (h *APIHandler) NewChatHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r)
	chatSession := h.registry.StartNew(session.SessionID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessionState(chatSession))
}

func (h *APIHandler) LoadChatHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r)
	chatID := chi.URLParam(r, "chatID")

	chatSession := h.registry.Get(session.SessionID)
	if err := h.orchestrator.LoadChat(chatSession, chatID, session.ID); err != nil {
		if errors.Is(err, core.ErrChatNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load chat", zap.String("chatID", chatID), zap.Error(err))
		http.Error(w, "Failed to load chat", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sessionState(chatSession))
}

type postMessageRequest struct {
	Content string `json:"content"`
}

// StreamMessageHandler runs one turn and streams the reply as server-sent
// events: "data:" fragment events while the model responds, an optional
// "event: error" when the commit fails, and a terminal "event: done" carrying
// the bound chat id and title.
func (h *APIHandler) StreamMessageHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r)

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	chatSession := h.registry.Get(session.SessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	onFragment := func(fragment string) {
		payload, _ := json.Marshal(map[string]string{"text": fragment})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	_, err := h.orchestrator.CompleteTurn(r.Context(), session.ID, chatSession, req.Content, onFragment)
	if err != nil {
		if errors.Is(err, core.ErrEmptyMessage) {
			http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
			return
		}
		// The reply was already streamed; tell the client it may not survive
		// a reload instead of pretending the turn is durable.
		fmt.Fprintf(w, "event: error\ndata: %s\n\n",
			`{"message":"Your message could not be saved. It may disappear on reload."}`)
		flusher.Flush()
	}

	// Report what the session is actually bound to: after a failed first-turn
	// commit there is no persisted chat for the client to list or load.
	chatID, title, _ := chatSession.Snapshot()
	donePayload, _ := json.Marshal(map[string]string{"chat_id": chatID, "title": title})
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", donePayload)
	flusher.Flush()
}
