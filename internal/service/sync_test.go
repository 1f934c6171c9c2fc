package service

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"feedsync/internal/backend"
	"feedsync/internal/httpclient"
	"feedsync/internal/mocks"
	"feedsync/internal/model"
	"feedsync/internal/operation"
	"feedsync/internal/store"
)

type syncFixture struct {
	st   *store.Store
	repo *mocks.MockRepository
	svc  *SyncService
	main *operation.Queue
	a    *model.Article
}

func newSyncFixture(t *testing.T, withBackend bool) *syncFixture {
	t.Helper()
	st := newTestStore(t)
	importFeed(t, st, NewReconciler(nil), samplePayload())

	f := &syncFixture{
		st:   st,
		main: operation.NewQueue("main", 1, nil),
		a:    articleByLink(t, st, "https://example.com/a"),
	}
	var repo backend.Repository
	if withBackend {
		f.repo = mocks.NewMockRepository(gomock.NewController(t))
		repo = f.repo
	}
	f.svc = NewSyncService(st, repo, operation.NewQueue("work", 2, nil), f.main, nil)
	return f
}

func waitResult(t *testing.T, ch <-chan SyncResult) SyncResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("sync callback not delivered")
		return SyncResult{}
	}
}

func TestSync_SetReadPushesAndPersists(t *testing.T) {
	f := newSyncFixture(t, true)
	f.repo.EXPECT().MarkRead(gomock.Any(), map[string]bool{"https://example.com/a": true}).Return(nil)

	results := make(chan SyncResult, 1)
	article, op, err := f.svc.SetRead(context.Background(), f.a.ID, true, func(r SyncResult) { results <- r })
	require.NoError(t, err)
	assert.True(t, article.Read)
	assert.False(t, article.Synced)

	require.NoError(t, op.Wait(context.Background()))
	res := waitResult(t, results)
	assert.Equal(t, 1, res.Pushed)
	assert.NoError(t, res.Err)

	stored := articleByLink(t, f.st, "https://example.com/a")
	assert.True(t, stored.Read)
	assert.True(t, stored.Synced)

	h := f.st.Acquire(context.Background())
	defer h.Release()
	_, ok, err := h.Setting(model.SettingLastSyncAt)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSync_FailedPushKeepsArticlesQueued(t *testing.T) {
	f := newSyncFixture(t, true)
	boom := errors.New("backend down")
	f.repo.EXPECT().MarkRead(gomock.Any(), gomock.Any()).Return(boom)

	results := make(chan SyncResult, 1)
	_, op, err := f.svc.SetRead(context.Background(), f.a.ID, true, func(r SyncResult) { results <- r })
	require.NoError(t, err)
	assert.ErrorIs(t, op.Wait(context.Background()), boom)
	res := waitResult(t, results)
	assert.Zero(t, res.Pushed)
	assert.ErrorIs(t, res.Err, boom)

	stored := articleByLink(t, f.st, "https://example.com/a")
	assert.True(t, stored.Read)
	assert.False(t, stored.Synced)

	// The next pass picks the article up again.
	f.repo.EXPECT().MarkRead(gomock.Any(), map[string]bool{"https://example.com/a": true}).Return(nil)
	op, err = f.svc.Sync(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, op.Wait(context.Background()))
	assert.True(t, articleByLink(t, f.st, "https://example.com/a").Synced)
}

func TestSync_LocalChangeDuringPushStaysUnsynced(t *testing.T) {
	f := newSyncFixture(t, true)

	f.repo.EXPECT().MarkRead(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ map[string]bool) error {
		// The user flips the article back while the push is in flight.
		h := f.st.Acquire(ctx)
		defer h.Release()
		return h.Write(func(tx *store.Tx) error {
			a, err := tx.ArticleByID(f.a.ID)
			if err != nil {
				return err
			}
			a.SetRead(false)
			a.SetSynced(false)
			return tx.BatchSave(nil, []*model.Article{a})
		})
	})

	_, op, err := f.svc.SetRead(context.Background(), f.a.ID, true, nil)
	require.NoError(t, err)
	require.NoError(t, op.Wait(context.Background()))

	stored := articleByLink(t, f.st, "https://example.com/a")
	assert.False(t, stored.Read)
	assert.False(t, stored.Synced)
}

func TestSync_NothingPending(t *testing.T) {
	f := newSyncFixture(t, true)

	results := make(chan SyncResult, 1)
	op, err := f.svc.Sync(context.Background(), func(r SyncResult) { results <- r })
	require.NoError(t, err)
	assert.Equal(t, operation.Finished, op.State())
	assert.Equal(t, SyncResult{}, waitResult(t, results))
}

func TestSync_BatchesEveryUnsyncedArticle(t *testing.T) {
	f := newSyncFixture(t, true)
	h := f.st.Acquire(context.Background())
	require.NoError(t, h.Write(func(tx *store.Tx) error {
		all, err := tx.AllArticles().All()
		if err != nil {
			return err
		}
		for i := range all {
			all[i].SetRead(true)
			all[i].SetSynced(false)
			if err := tx.BatchSave(nil, []*model.Article{&all[i]}); err != nil {
				return err
			}
		}
		return nil
	}))
	h.Release()

	f.repo.EXPECT().MarkRead(gomock.Any(), map[string]bool{
		"https://example.com/a": true,
		"https://example.com/b": true,
	}).Return(nil)

	results := make(chan SyncResult, 1)
	op, err := f.svc.Sync(context.Background(), func(r SyncResult) { results <- r })
	require.NoError(t, err)
	require.NoError(t, op.Wait(context.Background()))
	assert.Equal(t, 2, waitResult(t, results).Pushed)
	assert.Equal(t, int64(0), countUnsynced(t, f.st))
}

func TestSync_WithoutBackend(t *testing.T) {
	f := newSyncFixture(t, false)
	assert.False(t, f.svc.Configured())

	article, op, err := f.svc.SetRead(context.Background(), f.a.ID, true, nil)
	require.NoError(t, err)
	require.NoError(t, op.Wait(context.Background()))
	assert.True(t, article.Read)
	assert.Equal(t, int64(1), countUnsynced(t, f.st))

	op, err = f.svc.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.NoError(t, op.Err())
}

func TestSync_SetReadUnknownArticle(t *testing.T) {
	f := newSyncFixture(t, true)
	_, _, err := f.svc.SetRead(context.Background(), "missing", true, nil)
	assert.Error(t, err)
}

func countUnsynced(t *testing.T, st *store.Store) int64 {
	t.Helper()
	h := st.Acquire(context.Background())
	defer h.Release()
	n, err := h.ArticlesMatching("synced = ?", false).Count()
	require.NoError(t, err)
	return n
}

type unreachableDoer struct{ t *testing.T }

func (d unreachableDoer) Do(req *http.Request) (*httpclient.Response, error) {
	d.t.Errorf("backend called without a stored account: %s", req.URL)
	return nil, errors.New("unreachable")
}

func TestSync_NoStoredAccountLeavesArticlesUnsynced(t *testing.T) {
	st := newTestStore(t)
	importFeed(t, st, NewReconciler(nil), samplePayload())
	a := articleByLink(t, st, "https://example.com/a")

	client := backend.NewClient(backend.Config{
		BaseURL:     "https://sync.example.com",
		AccountID:   "acct",
		AccountType: "default",
	}, unreachableDoer{t}, st.Credentials(), nil)
	svc := NewSyncService(st, client, operation.NewQueue("work", 2, nil), operation.NewQueue("main", 1, nil), nil)
	ctx := context.Background()

	_, op, err := svc.SetRead(ctx, a.ID, true, nil)
	require.NoError(t, err)
	require.NoError(t, op.Wait(ctx))

	writes := st.Writes()
	results := make(chan SyncResult, 1)
	op, err = svc.Sync(ctx, func(r SyncResult) { results <- r })
	require.NoError(t, err)
	require.NoError(t, op.Wait(ctx))
	assert.Equal(t, SyncResult{}, waitResult(t, results))
	assert.Equal(t, writes, st.Writes(), "a pass without an account must not write")

	stored := articleByLink(t, st, "https://example.com/a")
	assert.True(t, stored.Read)
	assert.False(t, stored.Synced)
	assert.Equal(t, int64(1), countUnsynced(t, st))

	h := st.Acquire(ctx)
	defer h.Release()
	_, ok, err := h.Setting(model.SettingLastSyncAt)
	require.NoError(t, err)
	assert.False(t, ok)
}
