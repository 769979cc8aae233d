package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReceiverStatus is an interface for checking queue receiver state.
type ReceiverStatus interface {
	IsRunning() bool
}

// PublisherStatus abstracts the delivery publisher health check for
// testability.
type PublisherStatus interface {
	IsOpen() bool
}

type Server struct {
	srv       *http.Server
	receiver  ReceiverStatus
	publisher PublisherStatus
	logger    *zap.Logger
}

func NewServer(addr string, receiver ReceiverStatus, publisher PublisherStatus, logger *zap.Logger) *Server {
	s := &Server{
		receiver:  receiver,
		publisher: publisher,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check the queue receiver.
	if s.receiver != nil && s.receiver.IsRunning() {
		checks["receiver"] = "ok"
	} else {
		checks["receiver"] = "not_running"
		allOK = false
	}

	// Check the delivery publisher.
	if s.publisher != nil && s.publisher.IsOpen() {
		checks["publisher"] = "ok"
	} else {
		checks["publisher"] = "closed"
		allOK = false
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
