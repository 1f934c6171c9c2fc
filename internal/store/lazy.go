package store

import (
	"gorm.io/gorm"

	"feedsync/internal/apperrors"
)

const defaultPageSize = 100

// LazyCollection is a query that has not run yet. Refinements return new
// collections; rows are fetched a page at a time when iterated.
//
// Iteration pages with offsets, so deleting rows of the same collection while
// iterating it may skip rows.
type LazyCollection[T any] struct {
	db       *gorm.DB
	pageSize int
	ordered  bool
	load     func(*gorm.DB, []T) error
}

func newCollection[T any](db *gorm.DB, load func(*gorm.DB, []T) error) *LazyCollection[T] {
	return &LazyCollection[T]{
		db:       db.Model(new(T)).Session(&gorm.Session{}),
		pageSize: defaultPageSize,
		load:     load,
	}
}

func (c *LazyCollection[T]) with(db *gorm.DB) *LazyCollection[T] {
	cp := *c
	cp.db = db.Session(&gorm.Session{})
	return &cp
}

// Where narrows the collection. Arguments follow gorm's Where.
func (c *LazyCollection[T]) Where(query any, args ...any) *LazyCollection[T] {
	return c.with(c.db.Where(query, args...))
}

func (c *LazyCollection[T]) Order(value any) *LazyCollection[T] {
	next := c.with(c.db.Order(value))
	next.ordered = true
	return next
}

// PageSize sets how many rows each fetch reads.
func (c *LazyCollection[T]) PageSize(n int) *LazyCollection[T] {
	cp := *c
	if n > 0 {
		cp.pageSize = n
	}
	return &cp
}

func (c *LazyCollection[T]) Count() (int64, error) {
	var n int64
	if err := c.db.Count(&n).Error; err != nil {
		return 0, apperrors.Storage("Count", err)
	}
	return n, nil
}

// First returns the first element or a not-found DatabaseError.
func (c *LazyCollection[T]) First() (*T, error) {
	page, err := c.page(0, 1)
	if err != nil {
		return nil, err
	}
	if len(page) == 0 {
		return nil, apperrors.NotFound("First", gorm.ErrRecordNotFound)
	}
	return &page[0], nil
}

// Each calls fn for every element, stopping at the first error.
func (c *LazyCollection[T]) Each(fn func(*T) error) error {
	for offset := 0; ; offset += c.pageSize {
		page, err := c.page(offset, c.pageSize)
		if err != nil {
			return err
		}
		for i := range page {
			if err := fn(&page[i]); err != nil {
				return err
			}
		}
		if len(page) < c.pageSize {
			return nil
		}
	}
}

// Slice returns at most limit elements starting at offset.
func (c *LazyCollection[T]) Slice(offset, limit int) ([]T, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return nil, nil
	}
	return c.page(offset, limit)
}

// All materializes the whole collection.
func (c *LazyCollection[T]) All() ([]T, error) {
	var out []T
	err := c.Each(func(t *T) error {
		out = append(out, *t)
		return nil
	})
	return out, err
}

func (c *LazyCollection[T]) page(offset, limit int) ([]T, error) {
	q := c.db
	if !c.ordered {
		q = q.Order("id")
	}
	var page []T
	if err := q.Offset(offset).Limit(limit).Find(&page).Error; err != nil {
		return nil, apperrors.Storage("Find", err)
	}
	if c.load != nil && len(page) > 0 {
		if err := c.load(c.db.Session(&gorm.Session{NewDB: true}), page); err != nil {
			return nil, err
		}
	}
	return page, nil
}
