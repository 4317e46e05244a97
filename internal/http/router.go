package http

import (
	"net/http"

	"unsub/internal/auth"
	"unsub/internal/config"
	"unsub/internal/http/handler"
	mw "unsub/internal/http/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func NewRouter(cfg config.Config, jwtSvc *auth.JWT, core handler.Core, dispatch handler.Dispatcher) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(mw.CORS(cfg.CORSAllowedOrigins))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	sh := &handler.StatusHandler{Dispatch: dispatch, MaxJobs: cfg.MaxAgentJobs}
	r.With(auth.RequireAgent(jwtSvc)).Get("/status", sh.Status)

	ch := &handler.CallbackHandler{Core: core}
	r.Route("/callbacks", func(r chi.Router) {
		r.Use(auth.RequireAgent(jwtSvc))

		r.Post("/otp-needed", ch.OTPNeeded)
		r.Post("/credential-needed", ch.CredentialNeeded)
		r.Post("/result", ch.Result)
	})

	return r
}
