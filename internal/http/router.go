package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/keyfold/server/internal/http/handlers"
	"github.com/keyfold/server/internal/middleware"
	"github.com/keyfold/server/internal/repo"
	"github.com/keyfold/server/internal/session"
)

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(recoveryHandler *handlers.RecoveryHandler, jwtService *session.JWTService, userRepo repo.UserRepo) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	// Recovery flow: unauthenticated by design, the account is inaccessible.
	r.Route("/recovery", func(r chi.Router) {
		r.Post("/start", recoveryHandler.HandleStart)
		r.Post("/approve", recoveryHandler.HandleApprove)
		r.Get("/challenges/{challengeID}", recoveryHandler.HandleStatus)
		r.Post("/finalize", recoveryHandler.HandleFinalize)

		// Guardian registry: requires a valid access token.
		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthMiddleware(jwtService, userRepo))
			r.Post("/setup", recoveryHandler.HandleSetup)
			r.Post("/guardians/email", recoveryHandler.HandleAddGuardianEmail)
			r.Post("/guardians/second-factor", recoveryHandler.HandleAddGuardianTwoFactor)
			r.Delete("/guardians/{guardianID}", recoveryHandler.HandleRemoveGuardian)
			r.Post("/wrappers", recoveryHandler.HandleStoreWrapper)
			r.Get("/id", recoveryHandler.HandleRecoveryID)
		})
	})

	return r
}
