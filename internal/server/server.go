// Package server exposes the scheduler over http: health, last run status and a manual trigger.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/scheduler"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	report_server_request = "server.request"
)

type Server struct {
	http *http.Server
	tel  telemetry.API
}

type healthzResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type runResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

// log reports one line per request.
func log(tel telemetry.API) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			tel.ReportDebug(
				report_server_request,
				r.Method,
				r.URL.Path,
				ww.Status(),
				time.Since(start).String(),
				middleware.GetReqID(r.Context()),
			)
		})
	}
}

// NewRouter builds the routes, manual runs are started with `runCtx` so they outlive the
// request that triggered them.
func NewRouter(runCtx context.Context, runner *scheduler.Runner, tel telemetry.API) http.Handler {
	started := time.Now()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(log(tel))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthzResponse{
			Status:        "ok",
			UptimeSeconds: time.Since(started).Seconds(),
		})
	})
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, runner.Status())
	})
	r.Post("/run", func(w http.ResponseWriter, r *http.Request) {
		if !runner.TryStart(runCtx) {
			writeJSON(w, http.StatusConflict, runResponse{
				Message: scheduler.ErrAlreadyRunning.Error(),
			})
			return
		}
		tel.ReportInfo("manual run triggered", r.RemoteAddr)
		writeJSON(w, http.StatusAccepted, runResponse{
			Started: true,
			Message: "run started",
		})
	})

	return r
}

func New(addr string, handler http.Handler, tel telemetry.API) *Server {
	tel = telemetry.NewScopedAPI("server", tel)
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           h2c.NewHandler(handler, &http2.Server{}),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		tel: tel,
	}
}

// Start blocks until the server is stopped.
func (s *Server) Start() error {
	s.tel.ReportInfo("listening", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
