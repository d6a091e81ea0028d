package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/perppool/pool-engine/internal/auth"
	"github.com/perppool/pool-engine/internal/metrics"
)

// RouterOptions configures NewRouter. Tokens may be nil, in which case
// every request is anonymous and only read routes succeed.
type RouterOptions struct {
	Service *Service
	Hub     *WSHub
	Tokens  *auth.TokenService
	Logger  zerolog.Logger
	Name    string
}

// NewRouter mounts the API on a chi router.
func NewRouter(opts RouterOptions) http.Handler {
	svc := opts.Service

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS for browser clients.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	name := opts.Name
	if name == "" {
		name = "poolengine"
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": name})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if opts.Hub != nil {
			r.Get("/ws", opts.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			if opts.Tokens != nil {
				r.Use(opts.Tokens.Middleware)
			}

			r.Get("/pools", svc.ListPools)
			r.Route("/pools/{pool}", func(r chi.Router) {
				r.Get("/", svc.GetPool)
				r.Post("/commit", svc.Commit)
				r.Post("/claim", svc.Claim)
				r.Get("/balances/{user}", svc.GetBalance)
				r.Get("/commitments/{user}", svc.GetCommitments)
				r.Get("/history", svc.GetHistory)

				r.Post("/approve", svc.Approve)
				r.Post("/faucet", svc.Faucet)

				r.Post("/pause", svc.Pause)
				r.Post("/unpause", svc.Unpause)
				r.Post("/invariants", svc.CheckInvariants)
				r.Put("/fees", svc.SetFees)
				r.Post("/fees/{receiver}/claim", svc.ClaimFees)
			})

			r.Post("/keeper/upkeep", svc.Upkeep)
		})
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}
