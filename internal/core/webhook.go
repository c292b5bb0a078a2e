package core

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/keepmind9/botgate/internal/bot"
	"github.com/keepmind9/botgate/internal/logger"
	"github.com/keepmind9/botgate/pkg/constants"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server receives webhook deliveries over HTTP and hands them to the Engine
type Server struct {
	engine       *Engine
	addr         string
	pathPrefix   string
	maxBodyBytes int64
	httpServer   *http.Server
}

// NewServer creates the webhook server for engine from the server section
func NewServer(engine *Engine, cfg ServerConfig) *Server {
	s := &Server{
		engine:       engine,
		addr:         cfg.Addr,
		pathPrefix:   cfg.PathPrefix,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	if s.addr == "" {
		s.addr = DefaultServerAddr
	}
	if s.maxBodyBytes <= 0 {
		s.maxBodyBytes = constants.DefaultMaxBodyBytes
	}

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes of the server:
//
//	POST {prefix}/{platform}  webhook deliveries
//	GET  /healthz             liveness
//	GET  /metrics             prometheus metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.pathPrefix+"/{platform}", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	logger.WithFields(logrus.Fields{
		"address":   listener.Addr().String(),
		"prefix":    s.pathPrefix,
		"platforms": s.engine.Platforms(),
	}).Info("webhook-server-listening")

	errCh := make(chan error, 1)
	go func() {
		// Shutdown makes Serve return ErrServerClosed
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.WithField("error", err).Error("webhook-server-error")
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Warn("webhook-server-shutdown-failed")
		return err
	}

	logger.Info("webhook-server-stopped")
	return <-errCh
}

// handleWebhook handles one delivery:
//
//	401 verification failed
//	404 no connector for the platform
//	413 body over the size limit
//	400 unreadable body
//	500 session store failure
//	200 accepted, with the handshake or acknowledgement body if any
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	if _, ok := s.engine.Connector(platform); !ok {
		logger.WithPlatform(platform).Warn("no-connector-found-for-platform")
		http.Error(w, "Unknown platform", http.StatusNotFound)
		return
	}

	defer r.Body.Close()
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			logger.WithFields(logrus.Fields{
				"platform": platform,
				"limit":    tooLarge.Limit,
			}).Warn("webhook-body-too-large")
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		logger.WithFields(logrus.Fields{
			"platform": platform,
			"error":    err,
		}).Warn("failed-to-read-request-body")
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	if len(data) == 0 {
		logger.WithPlatform(platform).Warn("empty-request-body-in-webhook")
		http.Error(w, "Empty request body", http.StatusBadRequest)
		return
	}

	req, err := bot.NewRequest(r.Header, data)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"platform": platform,
			"error":    err,
		}).Warn("failed-to-decode-request-body")
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	logger.WithFields(logrus.Fields{
		"platform": platform,
		"size":     len(data),
	}).Debug("webhook-delivery-received")

	result, err := s.engine.HandleRequest(r.Context(), platform, req)
	switch {
	case errors.Is(err, ErrUnauthorized):
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	case errors.Is(err, ErrUnknownPlatform):
		http.Error(w, "Unknown platform", http.StatusNotFound)
		return
	case errors.Is(err, ErrHandler):
		// accepted; the engine already logged the handler failure
	case err != nil:
		logger.WithFields(logrus.Fields{
			"platform": platform,
			"error":    err,
		}).Error("failed-to-handle-delivery")
		http.Error(w, "Failed to process delivery", http.StatusInternalServerError)
		return
	}

	if result == nil || len(result.Body) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Body); err != nil {
		logger.WithFields(logrus.Fields{
			"platform": platform,
			"error":    err,
		}).Warn("failed-to-write-response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}
