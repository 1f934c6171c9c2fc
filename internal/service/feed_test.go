package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"feedsync/internal/apperrors"
	"feedsync/internal/backend"
	"feedsync/internal/httpclient"
	"feedsync/internal/mocks"
	"feedsync/internal/model"
	"feedsync/internal/store"
)

const rssTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>%s</title>
  <link>https://example.com/</link>
  <description>Example feed</description>
  <image><url>%s</url><title>logo</title><link>https://example.com/</link></image>
  <item>
    <title>First</title>
    <link>https://example.com/first</link>
    <description>one two three</description>
    <pubDate>Wed, 01 May 2024 09:00:00 GMT</pubDate>
  </item>
  <item>
    <title>Second</title>
    <link>https://example.com/second</link>
    <description>four five</description>
    <pubDate>Thu, 02 May 2024 09:00:00 GMT</pubDate>
  </item>
</channel>
</rss>`

type feedServer struct {
	*httptest.Server

	mu        sync.Mutex
	imageHits int
	imageFail bool
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, rssTemplate, "Example", fs.URL+"/logo.png")
	})
	mux.HandleFunc("/logo.png", func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.imageHits++
		fail := fs.imageFail
		fs.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("PNGDATA"))
	})
	mux.HandleFunc("/broken.xml", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func newFeedService(st *store.Store, repo backend.Repository) *FeedService {
	return NewFeedService(st, httpclient.New(httpclient.Config{Timeout: 5 * time.Second}, nil), repo, 2, nil)
}

func TestFeedService_AddFeedDownloadsArticlesAndImage(t *testing.T) {
	st := newTestStore(t)
	srv := newFeedServer(t)
	svc := newFeedService(st, nil)

	feed, err := svc.AddFeed(context.Background(), srv.URL+"/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, "Example", feed.Title)
	assert.Equal(t, []byte("PNGDATA"), feed.Image)

	articles, total, err := svc.ListArticles(context.Background(), ArticleQuery{FeedID: feed.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, articles, 2)
	assert.Equal(t, "Second", articles[0].Title, "newest first")

	// The image is only fetched while missing.
	_, err = svc.UpdateFeed(context.Background(), feed)
	require.NoError(t, err)
	srv.mu.Lock()
	assert.Equal(t, 1, srv.imageHits)
	srv.mu.Unlock()
}

func TestFeedService_ImageFailureIsNotFatal(t *testing.T) {
	st := newTestStore(t)
	srv := newFeedServer(t)
	srv.imageFail = true
	svc := newFeedService(st, nil)

	feed, err := svc.AddFeed(context.Background(), srv.URL+"/feed.xml")
	require.NoError(t, err)
	assert.False(t, feed.HasImage())
	assert.Equal(t, int64(2), count(t, st, &model.Article{}))
}

func TestFeedService_AddFeedRejectsInvalidURL(t *testing.T) {
	svc := newFeedService(newTestStore(t), nil)
	for _, raw := range []string{"", "ftp://example.com/feed", "/relative", "https://"} {
		_, err := svc.AddFeed(context.Background(), raw)
		assert.ErrorIs(t, err, ErrInvalidFeedURL, raw)
	}
}

func TestFeedService_AddFeedKeepsFeedWhenUpdateFails(t *testing.T) {
	st := newTestStore(t)
	srv := newFeedServer(t)
	svc := newFeedService(st, nil)

	feed, err := svc.AddFeed(context.Background(), srv.URL+"/broken.xml")
	require.Error(t, err)
	var netErr *apperrors.NetworkError
	assert.ErrorAs(t, err, &netErr)
	require.NotNil(t, feed)

	feeds, err := svc.ListFeeds(context.Background())
	require.NoError(t, err)
	assert.Len(t, feeds, 1)
}

func TestFeedService_UpdateFeedsDirect(t *testing.T) {
	st := newTestStore(t)
	srv := newFeedServer(t)
	svc := newFeedService(st, nil)

	_, err := svc.AddFeed(context.Background(), srv.URL+"/feed.xml")
	require.NoError(t, err)
	_, _ = svc.AddFeed(context.Background(), srv.URL+"/broken.xml")

	var (
		mu       sync.Mutex
		progress []int
	)
	results, err := svc.UpdateFeeds(context.Background(), func(completed, total int) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 2, total)
		progress = append(progress, completed)
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, progress)

	byURL := make(map[string]UpdateResult)
	for _, r := range results {
		byURL[r.URL] = r
	}
	require.Len(t, byURL, 2)
	assert.NoError(t, byURL[srv.URL+"/feed.xml"].Err)
	assert.Error(t, byURL[srv.URL+"/broken.xml"].Err)

	h := st.Acquire(context.Background())
	defer h.Release()
	last, ok, err := h.Setting(model.SettingLastUpdateAt)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, last)
}

func TestFeedService_UpdateFeedsViaBackend(t *testing.T) {
	st := newTestStore(t)
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	svc := NewFeedService(st, nil, repo, 2, nil)

	seedFeed(t, st, "https://example.com/feed")

	repo.EXPECT().Fetch(gomock.Any(), []backend.FeedRequest{{URL: "https://example.com/feed"}}).
		Return([]backend.RemoteFeed{{
			URL:   "https://example.com/feed",
			Title: "Remote",
			Articles: []backend.RemoteArticle{
				{Title: "A", URL: "https://example.com/a", Published: day(1), Read: boolPtr(true)},
			},
		}}, nil)

	results, err := svc.UpdateFeeds(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, "Remote", results[0].Feed.Title)

	a := articleByLink(t, st, "https://example.com/a")
	assert.True(t, a.Read)
	assert.True(t, a.Synced)
}

func TestFeedService_UpdateFeedsViaBackendReportsOmittedFeeds(t *testing.T) {
	st := newTestStore(t)
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	svc := NewFeedService(st, nil, repo, 2, nil)

	seedFeed(t, st, "https://example.com/feed")
	seedFeed(t, st, "https://example.com/quiet")

	repo.EXPECT().Fetch(gomock.Any(), gomock.Len(2)).
		Return([]backend.RemoteFeed{{
			URL:   "https://example.com/feed",
			Title: "Remote",
		}}, nil)

	var totals []int
	results, err := svc.UpdateFeeds(context.Background(), func(completed, total int) {
		totals = append(totals, total)
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []int{2, 2}, totals)

	byURL := make(map[string]UpdateResult)
	for _, r := range results {
		byURL[r.URL] = r
	}
	quiet, ok := byURL["https://example.com/quiet"]
	require.True(t, ok)
	assert.NoError(t, quiet.Err)
	require.NotNil(t, quiet.Feed)
	assert.Equal(t, "https://example.com/quiet", quiet.Feed.URL)
	assert.Equal(t, "Remote", byURL["https://example.com/feed"].Feed.Title)
}

func TestFeedService_UpdateFeedsBackendBatchError(t *testing.T) {
	st := newTestStore(t)
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	svc := NewFeedService(st, nil, repo, 2, nil)
	seedFeed(t, st, "https://example.com/feed")

	boom := apperrors.Backend(apperrors.BackendRejected, "fetch", nil)
	repo.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(nil, boom)

	results, err := svc.UpdateFeeds(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, results)
}

func TestFeedService_UpdateFeedsFallsBackWhenAccountMissing(t *testing.T) {
	st := newTestStore(t)
	srv := newFeedServer(t)
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	svc := NewFeedService(st, httpclient.New(httpclient.Config{}, nil), repo, 2, nil)
	seedFeed(t, st, srv.URL+"/feed.xml")

	repo.EXPECT().Fetch(gomock.Any(), gomock.Any()).Return(nil, apperrors.ErrNotConfigured)

	results, err := svc.UpdateFeeds(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, int64(2), count(t, st, &model.Article{}))
}

func TestFeedService_RetentionAfterUpdate(t *testing.T) {
	st := newTestStore(t)
	svc := NewFeedService(st, nil, nil, 1, nil)
	r := NewReconciler(nil)

	payload := &model.ImportableFeed{URL: "https://example.com/feed", Title: "Example"}
	for i := 1; i <= 3; i++ {
		payload.Articles = append(payload.Articles, model.ImportableArticle{
			Title: fmt.Sprint(i), URL: fmt.Sprintf("https://example.com/%d", i), Published: day(i),
		})
	}
	res := importFeed(t, st, r, payload)

	// Cap the feed without trimming, as an older release would have left it.
	h := st.Acquire(context.Background())
	res.Feed.SetMaxArticles(2)
	require.NoError(t, h.BatchSave([]*model.Feed{res.Feed}, nil))
	h.Release()
	require.Equal(t, int64(3), count(t, st, &model.Article{}))

	_, err := svc.apply(context.Background(), &model.ImportableFeed{
		URL:   "https://example.com/feed",
		Title: "Example",
		Articles: []model.ImportableArticle{
			{Title: "4", URL: "https://example.com/4", Published: day(4)},
		},
	})
	require.NoError(t, err)

	articles, total, err := svc.ListArticles(context.Background(), ArticleQuery{FeedID: res.Feed.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, articles, 2)
	assert.Equal(t, "https://example.com/4", articles[0].Link)
	assert.Equal(t, "https://example.com/3", articles[1].Link)
}

func TestFeedService_SetMaxArticles(t *testing.T) {
	st := newTestStore(t)
	svc := NewFeedService(st, nil, nil, 1, nil)
	r := NewReconciler(nil)

	payload := &model.ImportableFeed{URL: "https://example.com/feed"}
	for i := 1; i <= 5; i++ {
		payload.Articles = append(payload.Articles, model.ImportableArticle{
			URL: fmt.Sprintf("https://example.com/%d", i), Published: day(i),
		})
	}
	res := importFeed(t, st, r, payload)

	feed, err := svc.SetMaxArticles(context.Background(), res.Feed.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, feed.Settings.MaxArticles)
	assert.Equal(t, int64(3), count(t, st, &model.Article{}))

	// Lowering the cap never brings articles back; raising it keeps what is left.
	_, err = svc.SetMaxArticles(context.Background(), res.Feed.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, st, &model.Article{}))
	_, err = svc.SetMaxArticles(context.Background(), res.Feed.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, st, &model.Article{}))
	assert.Equal(t, "https://example.com/5", articleByLink(t, st, "https://example.com/5").Link)

	_, err = svc.SetMaxArticles(context.Background(), "missing", 2)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestFeedService_ListArticlesFilters(t *testing.T) {
	st := newTestStore(t)
	svc := NewFeedService(st, nil, nil, 1, nil)
	res := importFeed(t, st, NewReconciler(nil), samplePayload())

	a := articleByLink(t, st, "https://example.com/a")
	a.SetRead(true)
	h := st.Acquire(context.Background())
	require.NoError(t, h.BatchSave(nil, []*model.Article{a}))
	h.Release()

	unread, total, err := svc.ListArticles(context.Background(), ArticleQuery{UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, unread, 1)
	assert.Equal(t, "https://example.com/b", unread[0].Link)

	page, total, err := svc.ListArticles(context.Background(), ArticleQuery{FeedID: res.Feed.ID, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, page, 1)
	assert.Equal(t, "https://example.com/a", page[0].Link)
}

func TestFeedService_Delete(t *testing.T) {
	st := newTestStore(t)
	svc := NewFeedService(st, nil, nil, 1, nil)
	res := importFeed(t, st, NewReconciler(nil), samplePayload())

	require.NoError(t, svc.DeleteArticle(context.Background(), res.Articles[0].ID))
	assert.Equal(t, int64(1), count(t, st, &model.Article{}))
	assert.True(t, apperrors.IsNotFound(svc.DeleteArticle(context.Background(), res.Articles[0].ID)))

	require.NoError(t, svc.DeleteFeed(context.Background(), res.Feed.ID))
	assert.Zero(t, count(t, st, &model.Feed{}))
	assert.Zero(t, count(t, st, &model.Article{}))
	assert.True(t, apperrors.IsNotFound(svc.DeleteFeed(context.Background(), res.Feed.ID)))
}

func seedFeed(t *testing.T, st *store.Store, url string) *model.Feed {
	t.Helper()
	h := st.Acquire(context.Background())
	defer h.Release()
	var feed *model.Feed
	require.NoError(t, h.Write(func(tx *store.Tx) error {
		var err error
		feed, err = tx.FindOrCreateFeed(url)
		return err
	}))
	return feed
}

func TestFeedService_TrimmedArticlesAreNotImportedAgain(t *testing.T) {
	st := newTestStore(t)
	svc := NewFeedService(st, nil, nil, 1, nil)
	ctx := context.Background()

	feed := seedFeed(t, st, "https://example.com/feed")
	_, err := svc.SetMaxArticles(ctx, feed.ID, 2)
	require.NoError(t, err)

	payload := func(n int) *model.ImportableFeed {
		remote := &model.ImportableFeed{URL: "https://example.com/feed", Title: "Example"}
		for i := 1; i <= n; i++ {
			remote.Articles = append(remote.Articles, model.ImportableArticle{
				Title: fmt.Sprint(i), URL: fmt.Sprintf("https://example.com/%d", i), Published: day(i),
			})
		}
		return remote
	}

	_, err = svc.apply(ctx, payload(3))
	require.NoError(t, err)
	require.Equal(t, int64(2), count(t, st, &model.Article{}))

	writes := st.Writes()
	_, err = svc.apply(ctx, payload(3))
	require.NoError(t, err)
	assert.Equal(t, writes, st.Writes(), "identical capped import must not write")
	assert.Equal(t, int64(2), count(t, st, &model.Article{}))

	// Raising the cap restores nothing, even though the item is still listed.
	_, err = svc.SetMaxArticles(ctx, feed.ID, 5)
	require.NoError(t, err)
	_, err = svc.apply(ctx, payload(3))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count(t, st, &model.Article{}))

	h := st.Acquire(ctx)
	trimmed, err := h.ArticlesMatching("link = ?", "https://example.com/1").Count()
	h.Release()
	require.NoError(t, err)
	assert.Zero(t, trimmed)

	// New items still arrive under the raised cap.
	_, err = svc.apply(ctx, payload(4))
	require.NoError(t, err)
	assert.Equal(t, int64(3), count(t, st, &model.Article{}))
}
