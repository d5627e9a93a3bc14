package httpapi

import (
	"context"
	"net/http"

	"agrispare-be/internal/logger"
	"agrispare-be/internal/metrics"
	"agrispare-be/internal/middleware"
	"agrispare-be/internal/quote"
	"agrispare-be/internal/user"

	"github.com/gorilla/mux"
)

// Pinger reports whether the backing store is reachable. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	Quotes  quote.Service
	Users   user.Service
	Live    http.Handler
	Metrics *metrics.Negotiation
	Limiter *middleware.RateLimiter
	DB      Pinger

	CORSOrigin string
}

// NewRouter builds the public handler. The middleware chain wraps the router
// rather than using mux middleware so preflight and rate limiting apply to
// requests no route matches.
func NewRouter(d Deps) http.Handler {
	if d.Metrics == nil {
		d.Metrics = &metrics.Negotiation{}
	}

	quotes := NewQuoteHandler(d.Quotes)
	auth := NewAuthHandler(d.Users)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", health(d.DB)).Methods(http.MethodGet)
	r.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		respondWithJSON(w, http.StatusOK, d.Metrics.Snapshot())
	}).Methods(http.MethodGet)
	r.HandleFunc("/auth/login", auth.Login).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(middleware.RequireIdentity)
	api.HandleFunc("/quotes", quotes.List).Methods(http.MethodGet)
	api.HandleFunc("/quotes/{id}", quotes.Get).Methods(http.MethodGet)
	api.HandleFunc("/quotes/{id}", quotes.Revise).Methods(http.MethodPut)
	api.HandleFunc("/quotes/{id}/actions", quotes.Actions).Methods(http.MethodGet)
	api.HandleFunc("/quotes/{id}/{action:send|accept|reject|cancel}", quotes.Transition).Methods(http.MethodPost)
	if d.Live != nil {
		api.Handle("/ws", d.Live).Methods(http.MethodGet)
	}

	var h http.Handler = r
	if d.Limiter != nil {
		h = d.Limiter.Middleware(h)
	}
	h = middleware.AuthMiddleware(h)
	h = middleware.CORS(d.CORSOrigin)(h)
	h = logger.LoggingMiddleware(h)
	return logger.RequestIDMiddleware(h)
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				respondWithError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
				return
			}
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	}
}
