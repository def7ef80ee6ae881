package keys

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/singleflight"

	"github.com/imjasonh/pushregistry/vapid"
)

// Provider supplies the process-wide VAPID signer. The key is created on first
// use, persisted at path, and reused by every later call and every later
// process. Once a key exists it is never regenerated: browser subscriptions are
// bound to the public key they were created with.
type Provider struct {
	path     string
	generate func(path string) (*FileSigner, error)
	load     func(path string) (*FileSigner, error)

	group singleflight.Group

	mu     sync.RWMutex
	signer Signer
}

// NewProvider returns a Provider that keeps its key in a PEM file at path.
// Nothing touches the disk until the first call.
func NewProvider(path string) *Provider {
	return &Provider{
		path:     path,
		generate: GenerateKey,
		load:     NewFileSigner,
	}
}

// NewStaticProvider returns a Provider for a key managed elsewhere (an
// environment variable or KMS). It never generates.
func NewStaticProvider(s Signer) *Provider {
	return &Provider{signer: s}
}

// Signer returns the signer, loading or creating the key if needed.
// Concurrent first calls share one attempt; a failed attempt is not
// remembered, so a later call tries again.
func (p *Provider) Signer(ctx context.Context) (Signer, error) {
	if s := p.current(); s != nil {
		return s, nil
	}
	if p.path == "" {
		return nil, errors.New("no VAPID key configured")
	}

	v, err, _ := p.group.Do(p.path, func() (any, error) {
		if s := p.current(); s != nil {
			return s, nil
		}
		s, err := p.loadOrCreate(ctx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.signer = s
		p.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Signer), nil
}

// GetOrCreateKeys returns the keypair, creating and persisting it on first use.
// Repeated calls return identical values.
func (p *Provider) GetOrCreateKeys(ctx context.Context) (vapid.KeyPair, error) {
	s, err := p.Signer(ctx)
	if err != nil {
		return vapid.KeyPair{}, err
	}
	if kp, ok := s.(interface{ KeyPair() vapid.KeyPair }); ok {
		return kp.KeyPair(), nil
	}
	return vapid.KeyPair{PublicKey: vapid.ApplicationServerKey(s.PublicKey())}, nil
}

// PublicKey returns the application server key browsers subscribe with.
func (p *Provider) PublicKey(ctx context.Context) (string, error) {
	s, err := p.Signer(ctx)
	if err != nil {
		return "", err
	}
	return vapid.ApplicationServerKey(s.PublicKey()), nil
}

// Ready reports whether a key has been loaded, without trying to load one.
func (p *Provider) Ready() bool {
	return p.current() != nil
}

func (p *Provider) current() Signer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.signer
}

func (p *Provider) loadOrCreate(ctx context.Context) (*FileSigner, error) {
	log := clog.FromContext(ctx).With("path", p.path)

	s, err := p.load(p.path)
	if err == nil {
		log.Info("loaded VAPID key")
		return s, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		// A damaged key file is not replaced; a new key would orphan every
		// existing subscription.
		return nil, fmt.Errorf("loading VAPID key: %w", err)
	}

	s, err = p.generate(p.path)
	switch {
	case err == nil:
		log.Info("generated new VAPID key", "publicKey", s.PublicKeyBase64())
		return s, nil
	case errors.Is(err, fs.ErrExist):
		// Another process created the key first; use theirs.
		log.Info("VAPID key created concurrently, loading it")
		return p.load(p.path)
	default:
		return nil, err
	}
}
