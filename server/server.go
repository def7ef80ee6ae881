// Package server exposes the push registry over HTTP.
//
// Browsers fetch the application server key, subscribe, and unsubscribe.
// Other services in the deployment post to /push/notify.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imjasonh/pushregistry/dispatch"
	"github.com/imjasonh/pushregistry/registry"
	"github.com/imjasonh/pushregistry/webpush"
)

// maxBodySize caps request bodies. Subscriptions are well under 1KiB.
const maxBodySize = 64 << 10

// KeySource supplies the application server key.
type KeySource interface {
	PublicKey(ctx context.Context) (string, error)
}

// Notifier queues a notification for delivery. dispatch.Dispatcher implements it.
type Notifier interface {
	Go(ctx context.Context, userID string, n dispatch.Notification)
}

// Server holds the HTTP handlers.
type Server struct {
	keys     KeySource
	registry registry.Registry
	notifier Notifier
	gatherer prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New returns a Server.
func New(ks KeySource, reg registry.Registry, n Notifier, opts ...Option) *Server {
	s := &Server{
		keys:     ks,
		registry: reg,
		notifier: n,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routes. The request context carries the logger from ctx.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /push/public-key", s.handlePublicKey)
	mux.HandleFunc("POST /push/subscriptions", s.handleSubscribe)
	mux.HandleFunc("DELETE /push/subscriptions/{userId}", s.handleUnsubscribe)
	mux.HandleFunc("POST /push/notify", s.handleNotify)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	log := clog.FromContext(ctx)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := log.With("method", r.Method, "path", r.URL.Path)
		mux.ServeHTTP(w, r.WithContext(clog.WithLogger(r.Context(), l)))
	})
}

type subscribeRequest struct {
	UserID       string                `json:"userId"`
	Subscription *webpush.Subscription `json:"subscription"`
}

type notifyRequest struct {
	UserID string `json:"userId"`
	dispatch.Notification
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	key, err := s.keys.PublicKey(r.Context())
	if err != nil {
		clog.FromContext(r.Context()).Error("loading VAPID key", "error", err)
		writeError(w, http.StatusInternalServerError, "push keys unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": key})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req subscribeRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Subscription == nil {
		writeError(w, http.StatusBadRequest, "subscription is required")
		return
	}
	if err := req.Subscription.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := clog.FromContext(ctx).With("user", req.UserID)

	// Bind the subscription to the key the browser subscribed with.
	key, err := s.keys.PublicKey(ctx)
	if err != nil {
		log.Warn("storing subscription without VAPID key", "error", err)
		key = ""
	}

	if err := s.registry.Upsert(ctx, req.UserID, req.Subscription, key); err != nil {
		log.Error("saving subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}

	log.Info("subscription saved")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	log := clog.FromContext(r.Context()).With("user", userID)

	if err := s.registry.Remove(r.Context(), userID); err != nil {
		log.Error("removing subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to remove subscription")
		return
	}

	log.Info("subscription removed")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	s.notifier.Go(r.Context(), req.UserID, req.Notification)
	writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return errors.New("empty body")
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
