// Package api exposes the telemetry store over HTTP. Every mutating route
// identifies its caller through the X-Beacon-Source header; handlers publish
// the bus events their store transitions produce.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/avrel/beacon/internal/bus"
	"github.com/avrel/beacon/internal/store"
)

// Server is the HTTP front of the store and the event bus.
type Server struct {
	store  *store.Store
	bus    *bus.Bus
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(addr string, st *store.Store, b *bus.Bus) *Server {
	srv := &Server{
		store: st,
		bus:   b,
		mux:   http.NewServeMux(),
	}

	srv.registerRoutes()

	srv.server = &http.Server{
		Addr:         addr,
		Handler:      SecurityHeadersMiddleware(RecoveryMiddleware(LoggingMiddleware(srv.mux))),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return srv
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("HTTP server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	// Entities
	s.mux.HandleFunc("POST /entities", s.handleDeclareEntity)
	s.mux.HandleFunc("GET /entities", s.handleSearchEntities)
	s.mux.HandleFunc("GET /entities/{id}", s.handleGetEntity)
	s.mux.HandleFunc("DELETE /entities/{id}", s.handleRemoveEntity)
	s.mux.HandleFunc("POST /entities/{id}/descriptors", s.handleDeclareDescriptor)
	s.mux.HandleFunc("GET /entities/{id}/descriptors", s.handleGetDescriptors)

	// Metric identity cards and their series
	s.mux.HandleFunc("POST /mics", s.handleDeclareMIC)
	s.mux.HandleFunc("GET /mics", s.handleListMICs)
	s.mux.HandleFunc("GET /mics/{id}", s.handleGetMIC)
	s.mux.HandleFunc("POST /mics/{id}/metrics", s.handlePublishMetric)
	s.mux.HandleFunc("GET /mics/{id}/pull", s.handlePullMIC)
	s.mux.HandleFunc("GET /mics/{id}/stats", s.handleMICStats)
	s.mux.HandleFunc("DELETE /mics/{id}/rows", s.handleDeleteMICRows)

	// Alarms
	s.mux.HandleFunc("POST /alarms", s.handleCreateAlarm)
	s.mux.HandleFunc("GET /alarms", s.handleGetAlarms)
	s.mux.HandleFunc("GET /alarms/occurence", s.handleAlarmOccurence)
	s.mux.HandleFunc("DELETE /alarms/{cid}", s.handleRemoveAlarm)

	// Events
	s.mux.HandleFunc("POST /events/types", s.handleRegisterEventType)
	s.mux.HandleFunc("POST /events", s.handlePublishEvent)
	s.mux.HandleFunc("POST /subscriptions", s.handleSubscribe)

	// Introspection
	s.mux.HandleFunc("GET /summary", s.handleSummary)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}
