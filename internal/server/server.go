// Package server is the ops HTTP surface: health, metrics, task
// history, the current task, and a redacted account listing.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sumire-labs/poolkeeper/internal/models"
)

// TaskSource exposes the engine's running task.
type TaskSource interface {
	Current() *models.RefreshTask
	Cancel(reason string)
}

// HistorySource lists finished task records.
type HistorySource interface {
	Recent(ctx context.Context, limit int) ([]models.TaskRecord, error)
}

// AccountSource lists accounts. Secret fields never serialize.
type AccountSource interface {
	LoadAll(ctx context.Context) ([]models.Account, error)
}

type Server struct {
	router chi.Router
	http   *http.Server
}

func New(addr string, tasks TaskSource, history HistorySource, accounts AccountSource, gatherer prometheus.Gatherer) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", HealthHandler())
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", TaskHistoryHandler(history))
		r.Get("/tasks/current", CurrentTaskHandler(tasks))
		r.Post("/tasks/current/cancel", CancelTaskHandler(tasks))
		r.Get("/accounts", AccountsHandler(accounts))
	})

	return &Server{
		router: r,
		http:   &http.Server{Addr: addr, Handler: r},
	}
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Printf("[server] listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// HealthHandler reports liveness
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// TaskHistoryHandler lists recent finished tasks
func TaskHistoryHandler(history HistorySource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		records, err := history.Recent(ctx, 50)
		if err != nil {
			http.Error(w, "failed to load task history", http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []models.TaskRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

// CurrentTaskHandler returns the running task, or 404 when idle
func CurrentTaskHandler(tasks TaskSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task := tasks.Current()
		if task == nil {
			http.Error(w, "no task running", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// CancelTaskHandler requests cancellation of the running task
func CancelTaskHandler(tasks TaskSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Reason == "" {
			body.Reason = "cancelled via api"
		}

		if tasks.Current() == nil {
			http.Error(w, "no task running", http.StatusConflict)
			return
		}
		tasks.Cancel(body.Reason)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "cancelling",
			"reason": body.Reason,
		})
	}
}

// AccountsHandler lists accounts with secrets redacted
func AccountsHandler(accounts AccountSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()

		list, err := accounts.LoadAll(ctx)
		if err != nil {
			http.Error(w, "failed to load accounts", http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []models.Account{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[server] failed to encode response: %v", err)
	}
}
