package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsync/internal/apperrors"
	"feedsync/internal/httpclient"
	"feedsync/internal/model"
	"feedsync/internal/store"
)

type fakeServer struct {
	*httptest.Server

	mu          sync.Mutex
	validToken  string
	tokenCalls  atomic.Int32
	rejectGrant bool
	tokenDelay  time.Duration
	marked      map[string]bool
	fetchBody   string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{validToken: "fresh", fetchBody: `[]`}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		f.tokenCalls.Add(1)
		time.Sleep(f.tokenDelay)
		_ = r.ParseForm()
		if f.rejectGrant || r.PostForm.Get("grant_type") != "refresh_token" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: f.validToken, RefreshToken: "r2", ExpiresIn: 3600})
	})
	authorized := func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") != "Bearer "+f.validToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return false
		}
		return true
	}
	mux.HandleFunc("POST /api/v1/feeds/fetch", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		var reqs []FeedRequest
		if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(f.fetchBody))
	})
	mux.HandleFunc("POST /api/v1/articles/read", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(w, r) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&f.marked); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestClient(t *testing.T, srv *fakeServer, cred *model.Credential) (*Client, store.CredentialStore) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	creds := s.Credentials()
	if cred != nil {
		require.NoError(t, creds.Save(context.Background(), cred))
	}
	cfg := Config{BaseURL: srv.URL + "/", AccountID: "acct", AccountType: "feedsync", ClientID: "id", ClientSecret: "secret"}
	return NewClient(cfg, httpclient.New(httpclient.Config{}, nil), creds, nil), creds
}

func credential(access string, expires time.Time) *model.Credential {
	return &model.Credential{AccountID: "acct", AccountType: "feedsync", AccessToken: access, RefreshToken: "r1", Expiration: expires}
}

func TestClient_FetchWithValidToken(t *testing.T) {
	srv := newFakeServer(t)
	srv.fetchBody = `[{"url":"https://example.com/feed","title":"Example","last_updated":"2024-05-01T10:00:00Z",
		"articles":[{"title":"A","url":"https://example.com/a","published":"2024-05-01T09:00:00Z","read":true,
		"authors":[{"name":"Jane","email":"jane@example.com"}]}]}]`
	c, _ := newTestClient(t, srv, credential("fresh", time.Now().Add(time.Hour)))

	since := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	feeds, err := c.Fetch(context.Background(), []FeedRequest{{URL: "https://example.com/feed", Since: &since}})
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, "Example", feeds[0].Title)
	require.Len(t, feeds[0].Articles, 1)
	require.NotNil(t, feeds[0].Articles[0].Read)
	assert.True(t, *feeds[0].Articles[0].Read)
	assert.Equal(t, "Jane", feeds[0].Articles[0].Authors[0].Name)
	assert.Zero(t, srv.tokenCalls.Load())
}

func TestClient_RefreshesNearExpiry(t *testing.T) {
	srv := newFakeServer(t)
	c, creds := newTestClient(t, srv, credential("stale", time.Now().Add(time.Minute)))

	require.NoError(t, c.MarkRead(context.Background(), map[string]bool{"https://example.com/a": true}))
	assert.Equal(t, int32(1), srv.tokenCalls.Load())
	assert.Equal(t, map[string]bool{"https://example.com/a": true}, srv.marked)

	stored, err := creds.Load(context.Background(), "acct", "feedsync")
	require.NoError(t, err)
	assert.Equal(t, "fresh", stored.AccessToken)
	assert.Equal(t, "r2", stored.RefreshToken)
	assert.True(t, stored.Expiration.After(time.Now().Add(50*time.Minute)))
}

func TestClient_RetriesOnceAfterUnauthorized(t *testing.T) {
	srv := newFakeServer(t)
	c, _ := newTestClient(t, srv, credential("revoked", time.Now().Add(time.Hour)))

	_, err := c.Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.tokenCalls.Load())
}

func TestClient_RejectedRefreshDeletesCredential(t *testing.T) {
	srv := newFakeServer(t)
	srv.rejectGrant = true
	c, creds := newTestClient(t, srv, credential("", time.Time{}))

	err := c.MarkRead(context.Background(), map[string]bool{"https://example.com/a": false})
	assert.True(t, apperrors.IsUnauthorized(err))

	_, err = creds.Load(context.Background(), "acct", "feedsync")
	assert.True(t, apperrors.IsNotFound(err))

	err = c.MarkRead(context.Background(), map[string]bool{"https://example.com/a": false})
	assert.ErrorIs(t, err, apperrors.ErrNotConfigured)
}

func TestClient_MalformedResponse(t *testing.T) {
	srv := newFakeServer(t)
	srv.fetchBody = `{"not":"a list"`
	c, _ := newTestClient(t, srv, credential("fresh", time.Now().Add(time.Hour)))

	_, err := c.Fetch(context.Background(), nil)
	var backendErr *apperrors.BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, apperrors.BackendMalformedResponse, backendErr.Code)
}

func TestClient_ConcurrentRefreshesCollapse(t *testing.T) {
	srv := newFakeServer(t)
	srv.tokenDelay = 200 * time.Millisecond
	c, _ := newTestClient(t, srv, credential("stale", time.Now().Add(-time.Minute)))

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Fetch(context.Background(), nil)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), srv.tokenCalls.Load())
}

func TestClient_Bootstrap(t *testing.T) {
	srv := newFakeServer(t)
	c, creds := newTestClient(t, srv, nil)

	require.NoError(t, c.Bootstrap(context.Background(), "seed"))
	stored, err := creds.Load(context.Background(), "acct", "feedsync")
	require.NoError(t, err)
	assert.Equal(t, "seed", stored.RefreshToken)

	require.NoError(t, c.Bootstrap(context.Background(), "other"))
	stored, err = creds.Load(context.Background(), "acct", "feedsync")
	require.NoError(t, err)
	assert.Equal(t, "seed", stored.RefreshToken)

	_, err = c.Fetch(context.Background(), nil)
	require.NoError(t, err)
}
