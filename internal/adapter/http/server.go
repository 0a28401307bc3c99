package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/bnema/coachfeed/internal/adapter/http/middleware"
	"github.com/bnema/coachfeed/internal/infrastructure/logger"
	"github.com/bnema/coachfeed/internal/service"
)

type Server struct {
	router     chi.Router
	handlers   *Handlers
	sseHandler *SSEHandler
	apiToken   string
	log        *logrus.Entry
}

func NewServer(jobs JobService, health HealthReporter, eventBus *service.EventBus, apiToken string, log *logrus.Entry) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		router:     chi.NewRouter(),
		handlers:   NewHandlers(jobs, health, log),
		sseHandler: NewSSEHandler(eventBus, jobs),
		apiToken:   apiToken,
		log:        log,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(chimw.Recoverer)
	s.router.Use(middleware.RequestLogger(s.log))
	s.router.Use(middleware.SecurityHeaders)

	s.router.Get("/healthz", s.handlers.Health())

	s.router.Group(func(r chi.Router) {
		r.Use(BearerAuth(s.apiToken))

		r.Get("/queue", s.handlers.Queue())
		r.Post("/jobs", s.handlers.Register())
		r.Route("/jobs/{id}", func(r chi.Router) {
			r.Get("/", s.handlers.Job())
			r.Delete("/", s.handlers.Cancel())
			r.Post("/enqueue", s.handlers.Enqueue())
			r.Post("/reset", s.handlers.Reset())
			r.Get("/analysis", s.handlers.Analysis())
			r.Get("/events", s.sseHandler.Events())
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
