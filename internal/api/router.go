package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// Pages
	r.Get("/", apiHandler.HomePage)
	r.Get("/login", apiHandler.LoginPage)
	r.Post("/login", apiHandler.LoginSubmit)
	r.Get("/signup", apiHandler.SignupPage)
	r.Post("/signup", apiHandler.SignupSubmit)
	r.Get("/logout", apiHandler.Logout)

	r.Group(func(r chi.Router) {
		r.Use(apiHandler.RequirePageSession)
		r.Get("/chat", apiHandler.ChatPage)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// Session-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.RequireAPISession)

			r.Get("/chats", apiHandler.ListChatsHandler)
			r.Post("/chats/new", apiHandler.NewChatHandler)
			r.Post("/chats/{chatID}/load", apiHandler.LoadChatHandler)
			r.Post("/messages", apiHandler.StreamMessageHandler)
		})
	})

	return r
}
