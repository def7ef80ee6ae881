package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/imjasonh/pushregistry/webpush"
)

// File keeps the whole registry in one JSON document on disk.
//
// Reads load the document directly. All mutations go through a single writer
// goroutine that re-reads the document, applies the change, and atomically
// replaces the file, so two mutations can never interleave their
// read-modify-write and overwrite each other.
type File struct {
	path string
	now  func() time.Time

	ops  chan fileOp
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
}

var _ Registry = (*File)(nil)

type fileOp struct {
	ctx    context.Context
	apply  func(doc map[string]*Record) (changed bool, err error)
	result chan error
}

// NewFile opens the registry document at path, creating its directory if
// needed. The file itself is created on the first mutation.
func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	f := &File{
		path: path,
		now:  time.Now,
		ops:  make(chan fileOp),
		done: make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f, nil
}

func (f *File) run() {
	defer f.wg.Done()
	for {
		select {
		case op := <-f.ops:
			op.result <- f.mutate(op)
		case <-f.done:
			return
		}
	}
}

func (f *File) mutate(op fileOp) error {
	doc, err := f.read()
	if err != nil {
		// Writing over a document we could not parse would drop every entry in it.
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	changed, err := op.apply(doc)
	if err != nil || !changed {
		return err
	}
	if err := f.write(doc); err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	clog.FromContext(op.ctx).Debug("registry document written", "path", f.path, "entries", len(doc))
	return nil
}

// submit hands apply to the writer and waits for the result. If ctx ends
// after the writer picked the operation up, the mutation may still land.
func (f *File) submit(ctx context.Context, apply func(map[string]*Record) (bool, error)) error {
	op := fileOp{ctx: ctx, apply: apply, result: make(chan error, 1)}
	select {
	case f.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return ErrClosed
	}
	select {
	case err := <-op.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *File) read() (map[string]*Record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrRead, f.path, err)
	}
	doc := map[string]*Record{}
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrRead, f.path, err)
	}
	for id, r := range doc {
		if r == nil {
			delete(doc, id)
		}
	}
	return doc, nil
}

// write replaces the document via temp file and rename, so readers see either
// the old or the new document.
func (f *File) write(doc map[string]*Record) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".registry-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing %s: %w", f.path, err)
	}
	return nil
}

// GetAll returns the current document.
func (f *File) GetAll(_ context.Context) (map[string]*Record, error) {
	return f.read()
}

// Get returns the user's entry.
func (f *File) Get(ctx context.Context, userID string) (*Record, error) {
	doc, err := f.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	r, ok := doc[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// Upsert replaces the user's subscription.
func (f *File) Upsert(ctx context.Context, userID string, sub *webpush.Subscription, vapidKey string) error {
	if err := validate(userID, sub); err != nil {
		return err
	}
	return f.submit(ctx, func(doc map[string]*Record) (bool, error) {
		doc[userID] = nextRecord(doc[userID], userID, sub, vapidKey, f.now())
		return true, nil
	})
}

// Remove deletes the user's entry if present.
func (f *File) Remove(ctx context.Context, userID string) error {
	return f.submit(ctx, func(doc map[string]*Record) (bool, error) {
		if _, ok := doc[userID]; !ok {
			return false, nil
		}
		delete(doc, userID)
		return true, nil
	})
}

// RemoveEndpoint deletes the user's entry if it still has endpoint.
func (f *File) RemoveEndpoint(ctx context.Context, userID, endpoint string) (bool, error) {
	var removed bool
	err := f.submit(ctx, func(doc map[string]*Record) (bool, error) {
		r, ok := doc[userID]
		if !ok || r.Subscription == nil || r.Subscription.Endpoint != endpoint {
			return false, nil
		}
		delete(doc, userID)
		removed = true
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// CountByVAPIDKey returns the number of subscriptions for a specific VAPID key.
func (f *File) CountByVAPIDKey(ctx context.Context, vapidKey string) (int, error) {
	doc, err := f.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range doc {
		if r.VAPIDKey == vapidKey {
			count++
		}
	}
	return count, nil
}

// Close stops the writer. Mutations already handed to it finish first.
func (f *File) Close() error {
	f.closeOnce.Do(func() {
		close(f.done)
	})
	f.wg.Wait()
	return nil
}
