package store

import (
	"sort"

	"gorm.io/gorm"

	"feedsync/internal/apperrors"
	"feedsync/internal/model"
)

// reader holds the query methods shared by Handle and Tx.
type reader struct {
	db *gorm.DB
}

// AllFeeds returns every feed, lazily.
func (r reader) AllFeeds() *LazyCollection[model.Feed] {
	return newCollection(r.db, loadFeedTags)
}

// FeedsMatching returns feeds satisfying a gorm Where condition.
func (r reader) FeedsMatching(query any, args ...any) *LazyCollection[model.Feed] {
	return r.AllFeeds().Where(query, args...)
}

func (r reader) FeedByID(id string) (*model.Feed, error) {
	f, err := r.AllFeeds().Where("id = ?", id).First()
	if err != nil {
		return nil, notFoundAs(err, "FeedByID")
	}
	return f, nil
}

func (r reader) FeedByURL(url string) (*model.Feed, error) {
	f, err := r.AllFeeds().Where("url = ?", url).First()
	if err != nil {
		return nil, notFoundAs(err, "FeedByURL")
	}
	return f, nil
}

// AllArticles returns every article, newest first.
func (r reader) AllArticles() *LazyCollection[model.Article] {
	return newCollection(r.db, loadArticleDetails).Order(sortDateDesc)
}

// ArticlesMatching returns articles satisfying a gorm Where condition.
func (r reader) ArticlesMatching(query any, args ...any) *LazyCollection[model.Article] {
	return newCollection(r.db, loadArticleDetails).Where(query, args...)
}

// ArticlesForFeed returns a feed's articles, newest first by revision or
// publication date.
func (r reader) ArticlesForFeed(feedID string) *LazyCollection[model.Article] {
	return r.ArticlesMatching("feed_id = ?", feedID).Order(sortDateDesc)
}

func (r reader) ArticleByID(id string) (*model.Article, error) {
	a, err := r.ArticlesMatching("id = ?", id).First()
	if err != nil {
		return nil, notFoundAs(err, "ArticleByID")
	}
	return a, nil
}

// ArticleDates returns only the id, link and dates of a feed's articles,
// enough to order them by SortDate.
func (r reader) ArticleDates(feedID string) ([]model.Article, error) {
	var rows []model.Article
	err := r.db.Session(&gorm.Session{NewDB: true}).
		Model(&model.Article{}).
		Select("id", "link", "published", "revised").
		Where("feed_id = ?", feedID).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.Storage("ArticleDates", err)
	}
	return rows, nil
}

// RelatedArticles resolves the related-article links of a through the store.
func (r reader) RelatedArticles(a *model.Article) *LazyCollection[model.Article] {
	sub := r.db.Session(&gorm.Session{NewDB: true}).
		Model(&model.RelatedArticle{}).
		Select("related_id").
		Where("article_id = ?", a.ID)
	return r.ArticlesMatching("id IN (?)", sub)
}

// Count returns the number of rows of the given model type.
func (r reader) Count(value any) (int64, error) {
	var n int64
	if err := r.db.Session(&gorm.Session{NewDB: true}).Model(value).Count(&n).Error; err != nil {
		return 0, apperrors.Storage("Count", err)
	}
	return n, nil
}

// Setting returns the value stored under key and whether it exists.
func (r reader) Setting(key string) (string, bool, error) {
	var rows []model.Setting
	if err := r.db.Session(&gorm.Session{NewDB: true}).Where("key = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return "", false, apperrors.Storage("Setting", err)
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0].Value, true, nil
}

// Dates are stored in UTC, so the textual sqlite encoding sorts correctly.
const sortDateDesc = "COALESCE(revised, published) DESC, id"

func notFoundAs(err error, op string) error {
	if apperrors.IsNotFound(err) {
		return apperrors.NotFound(op, err)
	}
	return err
}

type ownedValue struct {
	OwnerID string
	Value   string
}

func loadFeedTags(db *gorm.DB, feeds []model.Feed) error {
	ids := make([]string, len(feeds))
	for i := range feeds {
		ids[i] = feeds[i].ID
	}
	var rows []ownedValue
	err := db.Table("feed_tags").
		Select("feed_tags.feed_id AS owner_id, interned_strings.value AS value").
		Joins("JOIN interned_strings ON interned_strings.id = feed_tags.string_id").
		Where("feed_tags.feed_id IN ?", ids).
		Order("feed_tags.position").
		Scan(&rows).Error
	if err != nil {
		return apperrors.Storage("loadFeedTags", err)
	}
	byFeed := make(map[string][]string, len(feeds))
	for _, row := range rows {
		byFeed[row.OwnerID] = append(byFeed[row.OwnerID], row.Value)
	}
	for i := range feeds {
		feeds[i].Tags = byFeed[feeds[i].ID]
	}
	return nil
}

type ownedAuthor struct {
	OwnerID string
	ID      uint
	Name    string
	Email   string
}

func loadArticleDetails(db *gorm.DB, articles []model.Article) error {
	ids := make([]string, len(articles))
	for i := range articles {
		ids[i] = articles[i].ID
	}

	var authors []ownedAuthor
	err := db.Table("article_authors").
		Select("article_authors.article_id AS owner_id, authors.id AS id, authors.name AS name, authors.email AS email").
		Joins("JOIN authors ON authors.id = article_authors.author_id").
		Where("article_authors.article_id IN ?", ids).
		Order("article_authors.position").
		Scan(&authors).Error
	if err != nil {
		return apperrors.Storage("loadArticleAuthors", err)
	}

	var flags []ownedValue
	err = db.Table("article_flags").
		Select("article_flags.article_id AS owner_id, interned_strings.value AS value").
		Joins("JOIN interned_strings ON interned_strings.id = article_flags.string_id").
		Where("article_flags.article_id IN ?", ids).
		Scan(&flags).Error
	if err != nil {
		return apperrors.Storage("loadArticleFlags", err)
	}

	authorsByArticle := make(map[string][]model.Author)
	for _, row := range authors {
		authorsByArticle[row.OwnerID] = append(authorsByArticle[row.OwnerID],
			model.Author{ID: row.ID, Name: row.Name, Email: row.Email})
	}
	flagsByArticle := make(map[string][]string)
	for _, row := range flags {
		flagsByArticle[row.OwnerID] = append(flagsByArticle[row.OwnerID], row.Value)
	}
	for i := range articles {
		articles[i].Authors = authorsByArticle[articles[i].ID]
		fl := flagsByArticle[articles[i].ID]
		sort.Strings(fl)
		articles[i].Flags = fl
	}
	return nil
}
