package app

import (
	"net/http"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/chatapi"
	"courier/cmd/internal/realtime"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type routes struct {
	log       Logger
	cfg       Config
	dbPool    *pgxpool.Pool
	dbEnabled bool
	verifier  auth.Verifier
	ws        *realtime.Gateway
	chats     *chatapi.Handler
}

func registerHTTP(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, rt.log) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if rt.cfg.ReadinessRequireDB && !rt.dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if rt.dbEnabled && rt.dbPool != nil {
			if err := PingDB(r.Context(), rt.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				rt.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	r.Handle("/metrics", promhttp.Handler())

	// The gateway runs its own origin policy and token check.
	r.Get("/ws", rt.ws.HandleWS)

	r.Route("/v1", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return WithCORS(next, rt.cfg, rt.log) })
		r.Use(WithSecurityHeaders)
		r.Use(auth.Middleware(rt.verifier, rt.log))
		rt.chats.Register(r)
	})

	return r
}
