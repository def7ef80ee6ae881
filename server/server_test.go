package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imjasonh/pushregistry/dispatch"
	"github.com/imjasonh/pushregistry/registry"
	"github.com/imjasonh/pushregistry/webpush"
)

const validSub = `{"endpoint":"https://push.example.com/abc","keys":{"p256dh":"BNcR","auth":"tBHI"}}`

type fakeKeys struct {
	key string
	err error
}

func (f fakeKeys) PublicKey(context.Context) (string, error) { return f.key, f.err }

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyRequest
}

func (f *fakeNotifier) Go(_ context.Context, userID string, n dispatch.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyRequest{UserID: userID, Notification: n})
}

// failingRegistry fails every mutation.
type failingRegistry struct{ registry.Registry }

func (failingRegistry) Upsert(context.Context, string, *webpush.Subscription, string) error {
	return registry.ErrWrite
}

func (failingRegistry) Remove(context.Context, string) error { return registry.ErrWrite }

func newTestServer(t *testing.T, ks KeySource, reg registry.Registry) (*httptest.Server, *fakeNotifier) {
	t.Helper()
	n := &fakeNotifier{}
	s := New(ks, reg, n, WithGatherer(prometheus.NewRegistry()))
	ts := httptest.NewServer(s.Handler(context.Background()))
	t.Cleanup(ts.Close)
	return ts, n
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestPublicKey(t *testing.T) {
	ts, _ := newTestServer(t, fakeKeys{key: "BPubKey"}, registry.NewMemory())

	resp, body := do(t, http.MethodGet, ts.URL+"/push/public-key", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"publicKey":"BPubKey"}`, body)
}

func TestPublicKey_KeysUnavailable(t *testing.T) {
	ts, _ := newTestServer(t, fakeKeys{err: errors.New("disk full")}, registry.NewMemory())

	resp, body := do(t, http.MethodGet, ts.URL+"/push/public-key", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, body, "disk full")
}

func TestSubscribe(t *testing.T) {
	reg := registry.NewMemory()
	ts, _ := newTestServer(t, fakeKeys{key: "BPubKey"}, reg)

	resp, body := do(t, http.MethodPost, ts.URL+"/push/subscriptions", `{"userId":"u1","subscription":`+validSub+`}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.JSONEq(t, `{"success":true}`, body)

	rec, err := reg.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://push.example.com/abc", rec.Subscription.Endpoint)
	assert.Equal(t, "BPubKey", rec.VAPIDKey)
}

func TestSubscribe_Overwrites(t *testing.T) {
	reg := registry.NewMemory()
	ts, _ := newTestServer(t, fakeKeys{key: "BPubKey"}, reg)

	second := strings.Replace(validSub, "/abc", "/def", 1)
	for _, s := range []string{validSub, second} {
		resp, body := do(t, http.MethodPost, ts.URL+"/push/subscriptions", `{"userId":"u1","subscription":`+s+`}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
	}

	all, err := reg.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "https://push.example.com/def", all["u1"].Subscription.Endpoint)
}

func TestSubscribe_KeysUnavailableStillStores(t *testing.T) {
	reg := registry.NewMemory()
	ts, _ := newTestServer(t, fakeKeys{err: errors.New("no key")}, reg)

	resp, _ := do(t, http.MethodPost, ts.URL+"/push/subscriptions", `{"userId":"u1","subscription":`+validSub+`}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	rec, err := reg.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, rec.VAPIDKey)
}

func TestSubscribe_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "invalid json", body: `{"userId":`},
		{name: "missing user", body: `{"subscription":` + validSub + `}`},
		{name: "blank user", body: `{"userId":"  ","subscription":` + validSub + `}`},
		{name: "missing subscription", body: `{"userId":"u1"}`},
		{name: "missing endpoint", body: `{"userId":"u1","subscription":{"keys":{"p256dh":"a","auth":"b"}}}`},
		{name: "missing keys", body: `{"userId":"u1","subscription":{"endpoint":"https://push.example.com/x"}}`},
		{name: "http endpoint", body: `{"userId":"u1","subscription":{"endpoint":"http://push.example.com/x","keys":{"p256dh":"a","auth":"b"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.NewMemory()
			ts, _ := newTestServer(t, fakeKeys{key: "k"}, reg)

			resp, body := do(t, http.MethodPost, ts.URL+"/push/subscriptions", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
			assert.Contains(t, body, `"error"`)

			all, err := reg.GetAll(context.Background())
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestSubscribe_StorageFailure(t *testing.T) {
	ts, _ := newTestServer(t, fakeKeys{key: "k"}, failingRegistry{registry.NewMemory()})

	resp, body := do(t, http.MethodPost, ts.URL+"/push/subscriptions", `{"userId":"u1","subscription":`+validSub+`}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, body, "success")
}

func TestUnsubscribe(t *testing.T) {
	reg := registry.NewMemory()
	ts, _ := newTestServer(t, fakeKeys{key: "k"}, reg)
	sub, err := webpush.ParseSubscription([]byte(validSub))
	require.NoError(t, err)
	require.NoError(t, reg.Upsert(context.Background(), "u1", sub, "k"))

	resp, body := do(t, http.MethodDelete, ts.URL+"/push/subscriptions/u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"success":true}`, body)

	_, err = reg.Get(context.Background(), "u1")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	// Absent users are a no-op.
	resp, _ = do(t, http.MethodDelete, ts.URL+"/push/subscriptions/u1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUnsubscribe_StorageFailure(t *testing.T) {
	ts, _ := newTestServer(t, fakeKeys{key: "k"}, failingRegistry{registry.NewMemory()})

	resp, _ := do(t, http.MethodDelete, ts.URL+"/push/subscriptions/u1", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestNotify(t *testing.T) {
	ts, n := newTestServer(t, fakeKeys{key: "k"}, registry.NewMemory())

	resp, body := do(t, http.MethodPost, ts.URL+"/push/notify", `{"userId":"u1","title":"New request","body":"Order #42","url":"/requests/42"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.JSONEq(t, `{"queued":true}`, body)

	require.Len(t, n.calls, 1)
	assert.Equal(t, "u1", n.calls[0].UserID)
	assert.Equal(t, dispatch.Notification{Title: "New request", Body: "Order #42", URL: "/requests/42"}, n.calls[0].Notification)
}

func TestNotify_BadRequest(t *testing.T) {
	ts, n := newTestServer(t, fakeKeys{key: "k"}, registry.NewMemory())

	for _, body := range []string{
		``,
		`{"title":"hi"}`,
		`{"userId":"u1","body":"no title"}`,
	} {
		resp, _ := do(t, http.MethodPost, ts.URL+"/push/notify", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Empty(t, n.calls)
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, fakeKeys{key: "k"}, registry.NewMemory())

	resp, _ := do(t, http.MethodGet, ts.URL+"/push/subscriptions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, fakeKeys{key: "k"}, registry.NewMemory())

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	resp, _ = do(t, http.MethodGet, ts.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
