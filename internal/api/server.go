// Package api exposes the control operations over HTTP with huma.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/pimonitor/internal/api/models"
	"github.com/smazurov/pimonitor/internal/control"
	"github.com/smazurov/pimonitor/internal/devices"
	"github.com/smazurov/pimonitor/internal/events"
	"github.com/smazurov/pimonitor/internal/jobs"
	"github.com/smazurov/pimonitor/internal/logging"
	"github.com/smazurov/pimonitor/internal/settings"
	"github.com/smazurov/pimonitor/internal/stream"
	"github.com/smazurov/pimonitor/internal/version"
)

// Controller is the control surface the API serves.
type Controller interface {
	GetConfig() settings.Config
	UpdateConfig(ctx context.Context, patch settings.Patch) (control.UpdateResult, error)
	ListDevices() ([]devices.Device, error)
	StreamStatus() stream.Status
	StartStream(ctx context.Context) (control.UpdateResult, error)
	StopStream() (stream.Status, error)
	TriggerJob(ctx context.Context, kind jobs.Kind, params jobs.Params) (jobs.Job, error)
	GetJobStatus(id string) (jobs.Job, error)
	ListJobs() []jobs.Job
	CancelJob(id string) (jobs.Job, error)
}

// Options configures the server.
type Options struct {
	Controller        Controller
	EventBus          *events.Bus
	PrometheusHandler http.Handler // optional
}

// Server is the huma API server.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	ctrl       Controller
	eventBus   *events.Bus
	logger     *slog.Logger
}

// NewServer creates the API on a Go 1.22+ ServeMux.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("pimonitor API", version.String())
	config.Info.Description = "Control plane for a single-camera capture appliance"
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	s := &Server{
		api:      api,
		mux:      mux,
		ctrl:     opts.Controller,
		eventBus: opts.EventBus,
		logger:   logging.GetLogger("api"),
	}

	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)
	api.UseMiddleware(s.recoverMiddleware)
	api.UseMiddleware(s.basicAuthMiddleware)

	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	s.registerRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// GetAPI returns the Huma API instance.
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until
// ctx ends; open event streams are then closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		return &models.HealthResponse{
			Body: models.HealthData{Status: "ok", Message: "API is healthy"},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				BuildID:   info.BuildID,
				GoVersion: info.GoVersion,
				Compiler:  info.Compiler,
				Platform:  info.Platform,
			},
		}, nil
	})

	s.registerConfigRoutes()
	s.registerDeviceRoutes()
	s.registerStreamRoutes()
	s.registerJobRoutes()
	s.registerSSERoutes()
}

// withAuth returns security requirement for basic auth.
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
