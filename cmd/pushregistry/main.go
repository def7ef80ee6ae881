// Command pushregistry serves the push subscription registry and delivers
// notifications to subscribed browsers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/imjasonh/pushregistry/config"
	"github.com/imjasonh/pushregistry/dispatch"
	"github.com/imjasonh/pushregistry/keys"
	"github.com/imjasonh/pushregistry/registry"
	"github.com/imjasonh/pushregistry/server"
	"github.com/imjasonh/pushregistry/vapid"
	"github.com/imjasonh/pushregistry/webpush"
)

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		clog.FromContext(ctx).Error("pushregistry failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	level, _ := cfg.Level()
	log := clog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	ctx = clog.WithLogger(ctx, log)

	provider, closeKeys, err := newKeyProvider(ctx, cfg.VAPID)
	if err != nil {
		return err
	}
	defer closeKeys.Close()

	reg, err := newRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	checkKeys(ctx, provider, reg)

	client := webpush.NewClient(cfg.VAPID.Subject)
	d := dispatch.New(provider, reg, client,
		dispatch.WithTimeout(cfg.Push.SendTimeout),
		dispatch.WithOptions(webpush.Options{TTL: cfg.Push.TTL, Urgency: cfg.Push.Urgency}),
		dispatch.WithRateLimit(cfg.Push.RateLimit, cfg.Push.RateBurst),
		dispatch.WithRegisterer(prometheus.DefaultRegisterer),
	)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.New(provider, reg, d).Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", srv.Addr, "backend", cfg.Registry.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown", "error", err)
	}
	d.Wait()
	return nil
}

// newKeyProvider picks the key source. A KMS key or an inline private key is
// used as is; otherwise the key lives in a file created on first use.
func newKeyProvider(ctx context.Context, cfg config.VAPID) (*keys.Provider, io.Closer, error) {
	log := clog.FromContext(ctx)
	switch {
	case cfg.KMSKey != "":
		s, err := keys.NewKMSSigner(ctx, cfg.KMSKey)
		if err != nil {
			return nil, nil, fmt.Errorf("creating KMS signer: %w", err)
		}
		log.Info("using KMS VAPID key", "key", cfg.KMSKey)
		return keys.NewStaticProvider(s), s, nil
	case cfg.PrivateKey != "":
		s, err := keys.NewFileSignerFromKeyPair(vapid.KeyPair{
			PublicKey:  cfg.PublicKey,
			PrivateKey: cfg.PrivateKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("loading VAPID key from environment: %w", err)
		}
		log.Info("using VAPID key from environment")
		return keys.NewStaticProvider(s), io.NopCloser(nil), nil
	default:
		return keys.NewProvider(cfg.KeyPath), io.NopCloser(nil), nil
	}
}

func newRegistry(ctx context.Context, cfg *config.Config) (registry.Registry, error) {
	switch cfg.Registry.Backend {
	case config.BackendMemory:
		clog.FromContext(ctx).Warn("memory registry does not survive restarts")
		return registry.NewMemory(), nil
	case config.BackendSQLite:
		return registry.NewSQLite(cfg.Registry.DSN)
	case config.BackendRedis:
		r := registry.NewRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.Key)
		if err := r.Ping(ctx); err != nil {
			r.Close()
			return nil, err
		}
		return r, nil
	default:
		return registry.NewFile(cfg.Registry.Path)
	}
}

// checkKeys loads or creates the key up front and reports subscriptions made
// with a different key. A failure leaves push disabled until a later call
// succeeds; the service still starts.
func checkKeys(ctx context.Context, p *keys.Provider, reg registry.Registry) {
	log := clog.FromContext(ctx)

	pub, err := p.PublicKey(ctx)
	if err != nil {
		log.Error("VAPID key unavailable, push disabled", "error", err)
		return
	}
	log.Info("VAPID key ready", "publicKey", pub)

	all, err := reg.GetAll(ctx)
	if err != nil {
		log.Warn("reading registry", "error", err)
		return
	}
	current, err := reg.CountByVAPIDKey(ctx, pub)
	if err != nil {
		log.Warn("counting subscriptions", "error", err)
		return
	}

	var unbound int
	for _, rec := range all {
		if rec.VAPIDKey == "" {
			unbound++
		}
	}
	if orphaned := len(all) - current - unbound; orphaned > 0 {
		log.Warn("subscriptions bound to a different VAPID key will be rejected by push services",
			"orphaned", orphaned, "total", len(all))
	}
}
