package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mithileshchellappan/novelpush/internal/auth"
	"github.com/mithileshchellappan/novelpush/internal/pipeline"
	"github.com/mithileshchellappan/novelpush/internal/receiver"
	"github.com/mithileshchellappan/novelpush/internal/service"
	"github.com/mithileshchellappan/novelpush/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// NotificationService is what the HTTP layer needs from the service.
type NotificationService interface {
	Send(ctx context.Context, intent storage.Intent) (*pipeline.Result, error)
	Schedule(ctx context.Context, intent storage.Intent, sendAt time.Time) (*storage.Job, error)
	Requeue(ctx context.Context, jobID string) error
	GetJob(ctx context.Context, jobID string) (*storage.Job, error)

	AddToken(ctx context.Context, userID, token string) (*storage.UserDevice, error)
	RemoveToken(ctx context.Context, userID, token string) (*storage.UserDevice, error)
	SetPreferences(ctx context.Context, userID string, prefs storage.Preferences) (*storage.UserDevice, error)
	GetDevice(ctx context.Context, userID string) (*storage.UserDevice, error)
}

// JobSubmitter hands queued jobs to the worker pool.
type JobSubmitter interface {
	Submit(job *storage.Job) bool
}

type Options struct {
	Verifier       auth.Verifier
	ReceiverScript http.Handler
	Metrics        http.Handler
	AllowedOrigins []string
	SendRateLimit  float64
	SendRateBurst  int
	Log            logrus.FieldLogger
}

type Server struct {
	service    NotificationService
	workerPool JobSubmitter
	opts       Options
	limiter    *RateLimiter
	log        logrus.FieldLogger
	httpServer *http.Server
	router     chi.Router
}

func New(s NotificationService, pool JobSubmitter, opts Options) *Server {
	srv := &Server{
		service:    s,
		workerPool: pool,
		opts:       opts,
		limiter:    NewRateLimiter(rate.Limit(opts.SendRateLimit), opts.SendRateBurst),
		log:        opts.Log,
	}
	srv.router = srv.setupRouter()
	return srv
}

func (s *Server) Start(addr string) error {
	s.log.WithField("addr", addr).Info("Starting server")
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: s.log, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "If-None-Match"},
		ExposedHeaders:   []string{"ETag"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.opts.ReceiverScript != nil {
		r.Method(http.MethodGet, receiver.ScriptPath, s.opts.ReceiverScript)
	}
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	authenticated := auth.Middleware(s.opts.Verifier)

	r.With(authenticated, auth.RequireOperator, s.limiter.Limit).
		Post("/api/notifications/send", s.handleSend)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/ping", s.handlePing)

		r.Group(func(r chi.Router) {
			r.Use(authenticated)

			r.Route("/notifications", func(r chi.Router) {
				r.Use(auth.RequireOperator)
				r.With(s.limiter.Limit).Post("/send", s.handleSend)
				r.With(s.limiter.Limit).Post("/schedule", s.handleSchedule)
				r.Get("/jobs/{jobID}", s.handleGetJob)
			})

			r.Route("/users/{userID}", func(r chi.Router) {
				r.Use(auth.RequireSelf)
				r.Get("/device", s.handleGetDevice)
				r.Post("/tokens", s.handleAddToken)
				r.Delete("/tokens/{token}", s.handleRemoveToken)
				r.Put("/preferences", s.handlePutPreferences)
			})
		})
	})

	return r
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("pong"))
}

type sendRequest struct {
	storage.Intent
	Async bool `json:"async,omitempty"`
}

type sendResponse struct {
	Message string `json:"message"`
	*pipeline.Result
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.Async {
		s.enqueue(w, r, req.Intent, time.Time{})
		return
	}

	result, err := s.service.Send(r.Context(), req.Intent)
	if err != nil {
		s.handleError(w, r, err, "Failed to send notifications")
		return
	}

	msg := "Notifications sent"
	if result.Status == pipeline.StatusNoop {
		msg = "No valid tokens found"
	}
	s.respond(w, r, sendResponse{Message: msg, Result: result}, http.StatusOK)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		storage.Intent
		SendAt time.Time `json:"sendAt"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.enqueue(w, r, req.Intent, req.SendAt)
}

// enqueue persists a job and, when it is due now, hands it to the pool.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, intent storage.Intent, sendAt time.Time) {
	job, err := s.service.Schedule(r.Context(), intent, sendAt)
	if err != nil {
		s.handleError(w, r, err, "Error creating notification job")
		return
	}

	if job.Status == storage.JobQueued && !s.workerPool.Submit(job) {
		if err := s.service.Requeue(r.Context(), job.ID); err != nil {
			s.log.WithError(err).WithField("job_id", job.ID).Error("Error requeueing rejected job")
		} else {
			job.Status = storage.JobScheduled
		}
	}
	s.respond(w, r, job, http.StatusAccepted)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.handleError(w, r, err, "Error getting job status")
		return
	}
	s.respond(w, r, job, http.StatusOK)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.service.GetDevice(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.handleError(w, r, err, "Error getting device")
		return
	}
	s.respond(w, r, device, http.StatusOK)
}

func (s *Server) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	device, err := s.service.AddToken(r.Context(), chi.URLParam(r, "userID"), req.Token)
	if err != nil {
		s.handleError(w, r, err, "Error adding token")
		return
	}
	s.respond(w, r, device, http.StatusCreated)
}

func (s *Server) handleRemoveToken(w http.ResponseWriter, r *http.Request) {
	token, err := url.PathUnescape(chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, "Bad request", http.StatusBadRequest)
		return
	}

	device, err := s.service.RemoveToken(r.Context(), chi.URLParam(r, "userID"), token)
	if err != nil {
		s.handleError(w, r, err, "Error removing token")
		return
	}
	s.respond(w, r, device, http.StatusOK)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var prefs storage.Preferences
	if !s.decode(w, r, &prefs) {
		return
	}

	device, err := s.service.SetPreferences(r.Context(), chi.URLParam(r, "userID"), prefs)
	if err != nil {
		s.handleError(w, r, err, "Error updating preferences")
		return
	}
	s.respond(w, r, device, http.StatusOK)
}

// MARK: Helpers

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, storage.ErrInvalidAudience) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return false
		}
		writeError(w, "Bad request", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrInvalidIntent), errors.Is(err, service.ErrInvalidToken):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrAudienceUnavailable):
		s.log.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).Error("Audience resolution failed")
		writeError(w, "Audience unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, storage.Errors.NotFound):
		writeError(w, "Not found", http.StatusNotFound)
	default:
		s.log.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).Error(fallback)
		writeError(w, fallback, http.StatusInternalServerError)
	}
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.log.WithError(err).WithField("request_id", middleware.GetReqID(r.Context())).Error("Error encoding response")
		}
	}
}

func writeError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
