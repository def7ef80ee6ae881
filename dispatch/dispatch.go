// Package dispatch delivers notifications to a user's registered push
// endpoint and keeps the registry in step with what the push service reports.
//
// Delivery is best effort: Send never returns an error, never retries, and
// never makes the calling business operation fail.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/imjasonh/pushregistry/keys"
	"github.com/imjasonh/pushregistry/registry"
	"github.com/imjasonh/pushregistry/vapid"
	"github.com/imjasonh/pushregistry/webpush"
)

// DefaultTimeout bounds a single call to the push service.
const DefaultTimeout = 10 * time.Second

// Notification is the payload delivered to the browser. URL is where the
// client should navigate when the notification is clicked.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// KeySource supplies the VAPID signer, creating it on first use.
type KeySource interface {
	Signer(ctx context.Context) (keys.Signer, error)
}

// readier is implemented by key sources that can report whether the key is
// loaded without loading it. keys.Provider implements it.
type readier interface {
	Ready() bool
}

// Transport delivers an encrypted message to a push service.
// webpush.Client implements it.
type Transport interface {
	Send(ctx context.Context, signer webpush.Signer, sub *webpush.Subscription, payload []byte, opts *webpush.Options) error
}

// Outcome is how a single delivery attempt ended.
type Outcome string

const (
	OutcomeSent           Outcome = "sent"
	OutcomeGone           Outcome = "gone"
	OutcomeFailed         Outcome = "failed"
	OutcomeNoSubscription Outcome = "no_subscription"
	OutcomeNoKeys         Outcome = "no_keys"
)

// Dispatcher sends notifications to individual users.
type Dispatcher struct {
	keys      KeySource
	registry  registry.Registry
	transport Transport
	timeout   time.Duration
	options   webpush.Options
	limiter   *rate.Limiter
	metrics   *metrics

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTimeout bounds each push service call. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithOptions sets the TTL, urgency and topic used for every message.
func WithOptions(o webpush.Options) Option {
	return func(d *Dispatcher) { d.options = o }
}

// WithRateLimit caps outgoing push requests at perSecond with the given burst.
// A send that cannot get a slot within the send timeout fails.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		}
	}
}

// WithRegisterer registers the dispatcher's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) { d.metrics = newMetrics(reg) }
}

// New returns a Dispatcher.
func New(ks KeySource, reg registry.Registry, t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		keys:      ks,
		registry:  reg,
		transport: t,
		timeout:   DefaultTimeout,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = newMetrics(nil)
	}
	return d
}

// Send delivers n to the user's current subscription. Every failure is logged
// and absorbed.
func (d *Dispatcher) Send(ctx context.Context, userID string, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			clog.FromContext(ctx).Error("panic while sending push notification", "user", userID, "panic", r)
		}
	}()
	d.deliver(ctx, userID, n)
}

// Go runs Send in the background, detached from ctx's cancellation so the
// triggering request can finish first. Wait blocks until all such sends end.
func (d *Dispatcher) Go(ctx context.Context, userID string, n Notification) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Send(ctx, userID, n)
	}()
}

// Wait blocks until every send started with Go, and any background key
// loading, has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// warmKeys loads or creates the key in the background. Concurrent calls share
// one attempt inside the key source.
func (d *Dispatcher) warmKeys(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.keys.Signer(ctx); err != nil {
			clog.FromContext(ctx).Error("loading VAPID key", "error", err)
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, userID string, n Notification) Outcome {
	log := clog.FromContext(ctx).With("user", userID)
	start := time.Now()
	outcome := d.attempt(clog.WithLogger(ctx, log), userID, n)
	d.metrics.observe(outcome, time.Since(start))
	return outcome
}

func (d *Dispatcher) attempt(ctx context.Context, userID string, n Notification) Outcome {
	log := clog.FromContext(ctx)

	// Key generation never runs on the caller's path.
	if r, ok := d.keys.(readier); ok && !r.Ready() {
		d.warmKeys(ctx)
		log.Warn("VAPID key not loaded yet, notification dropped")
		return OutcomeNoKeys
	}

	signer, err := d.keys.Signer(ctx)
	if err != nil {
		log.Error("push disabled: no VAPID key", "error", err)
		return OutcomeNoKeys
	}

	rec, err := d.registry.Get(ctx, userID)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		log.Info("no push subscription for user")
		return OutcomeNoSubscription
	case err != nil:
		// An unreadable registry has no subscribers.
		log.Error("reading push registry", "error", err)
		return OutcomeNoSubscription
	case rec.Subscription == nil:
		log.Warn("registry entry has no subscription")
		return OutcomeNoSubscription
	}

	if current := vapid.ApplicationServerKey(signer.PublicKey()); rec.VAPIDKey != "" && rec.VAPIDKey != current {
		log.Warn("subscription was created with a different VAPID key", "subscribedKey", rec.VAPIDKey)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		log.Error("encoding notification", "error", err)
		return OutcomeFailed
	}

	opts := d.options
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if d.limiter != nil {
		if err := d.limiter.Wait(sendCtx); err != nil {
			log.Warn("push notification dropped by rate limit", "error", err)
			return OutcomeFailed
		}
	}
	err = d.transport.Send(sendCtx, signer, rec.Subscription, payload, &opts)

	switch {
	case err == nil:
		log.Debug("push notification sent")
		return OutcomeSent
	case errors.Is(err, webpush.ErrGone):
		log.Info("push endpoint gone, removing subscription", "error", err)
		removed, rerr := d.registry.RemoveEndpoint(ctx, userID, rec.Subscription.Endpoint)
		switch {
		case rerr != nil:
			log.Error("removing gone subscription", "error", rerr)
		case !removed:
			log.Info("subscription replaced since send, keeping it")
		}
		return OutcomeGone
	default:
		log.Warn("push notification failed", "error", err)
		return OutcomeFailed
	}
}
