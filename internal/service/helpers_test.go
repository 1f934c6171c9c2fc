package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"feedsync/internal/model"
	"feedsync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func importFeed(t *testing.T, st *store.Store, r *Reconciler, remote *model.ImportableFeed) *ImportResult {
	t.Helper()
	h := st.Acquire(context.Background())
	defer h.Release()
	var res *ImportResult
	require.NoError(t, h.Write(func(tx *store.Tx) error {
		var err error
		res, err = r.Import(tx, remote)
		return err
	}))
	return res
}

func count(t *testing.T, st *store.Store, value any) int64 {
	t.Helper()
	h := st.Acquire(context.Background())
	defer h.Release()
	n, err := h.Count(value)
	require.NoError(t, err)
	return n
}

func articleByLink(t *testing.T, st *store.Store, link string) *model.Article {
	t.Helper()
	h := st.Acquire(context.Background())
	defer h.Release()
	a, err := h.ArticlesMatching("link = ?", link).First()
	require.NoError(t, err)
	return a
}

func day(n int) time.Time {
	return time.Date(2024, 5, n, 9, 0, 0, 0, time.UTC)
}

func boolPtr(b bool) *bool { return &b }
