// Package http exposes the service over HTTP: submissions, the NDJSON and
// websocket live feeds, ranking reads, health and metrics.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"contest-live-service/internal/app"
	"contest-live-service/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigins []string
	// SubmitRate and SubmitBurst bound submissions per client IP. A zero
	// rate disables the limit.
	SubmitRate  float64
	SubmitBurst int
	// KeepAlive is the idle interval after which a feed gets a heartbeat.
	KeepAlive    time.Duration
	WriteTimeout time.Duration
	LogLevel     slog.Level
	LogJSON      bool
	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

func (o Options) withDefaults() Options {
	if o.KeepAlive <= 0 {
		o.KeepAlive = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

type Server struct {
	service *app.Service
	opts    Options
	ws      *WSHandler
}

// NewRouter builds the chi router with logging, CORS and the submission
// rate limit applied.
func NewRouter(service *app.Service, opts Options) http.Handler {
	opts = opts.withDefaults()
	s := &Server{service: service, opts: opts}
	s.ws = NewWSHandler(service, opts)

	router := chi.NewRouter()
	logger := httplog.NewLogger("contest-live", httplog.Options{
		LogLevel:         opts.LogLevel,
		JSON:             opts.LogJSON,
		Concise:          true,
		MessageFieldName: "message",
	})
	router.Use(httplog.RequestLogger(logger))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}).Handler)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics)
	}

	router.Group(func(r chi.Router) {
		if opts.SubmitRate > 0 {
			burst := opts.SubmitBurst
			if burst <= 0 {
				burst = 1
			}
			r.Use(RateLimit(NewIPRateLimiter(rate.Limit(opts.SubmitRate), burst)))
		}
		r.Post("/contests/submit", s.submitCode)
		r.Post("/quizzes/submit", s.submitQuiz)
	})

	router.Get("/contests/live", s.liveFeed(domain.KindContest))
	router.Get("/quizzes/live", s.liveFeed(domain.KindQuiz))
	router.Get("/ws", s.ws.ServeWS)
	router.Get("/rankings", s.rankings)

	return router
}

func (s *Server) rankings(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.Ranking(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeError(httplog.LogEntry(r.Context()), w, domain.KindContest, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
