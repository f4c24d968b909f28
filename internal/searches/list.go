package searches

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/medbrief/internal/storage"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Page is one page of results, newest first.
type Page[T any] struct {
	Items      []T
	Page       int
	Limit      int
	Total      int
	TotalPages int
}

// RecentItem is the lightweight projection used by recent-search listings.
type RecentItem struct {
	SearchID  string
	Title     string
	Query     string
	Status    string
	CreatedAt time.Time
}

// NormalizePage clamps page to >= 1 and limit to 1..MaxLimit, with
// non-positive limits replaced by DefaultLimit. Page is capped so the row
// offset cannot overflow.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if maxPage := math.MaxInt/limit + 1; page > maxPage {
		page = maxPage
	}
	return page, limit
}

// List returns a page of the owner's searches.
func (s *Service) List(ctx context.Context, ownerID string, page, limit int) (Page[storage.Search], error) {
	if ownerID == "" {
		return Page[storage.Search]{}, ErrUnauthenticated
	}
	if err := s.allow(ctx, ownerID, ScopeRead); err != nil {
		return Page[storage.Search]{}, err
	}
	page, limit = NormalizePage(page, limit)

	var (
		items []storage.Search
		total int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		items, err = s.store.ListSearches(gctx, ownerID, limit, (page-1)*limit)
		if err != nil {
			return fmt.Errorf("listing searches: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		total, err = s.store.CountSearches(gctx, ownerID)
		if err != nil {
			return fmt.Errorf("counting searches: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Page[storage.Search]{}, err
	}
	if items == nil {
		items = []storage.Search{}
	}

	return Page[storage.Search]{
		Items:      items,
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: (total + limit - 1) / limit,
	}, nil
}

// Recent returns a page of the owner's searches as lightweight items. The
// title falls back to the query while a search has no title yet.
func (s *Service) Recent(ctx context.Context, ownerID string, page, limit int) (Page[RecentItem], error) {
	full, err := s.List(ctx, ownerID, page, limit)
	if err != nil {
		return Page[RecentItem]{}, err
	}
	items := make([]RecentItem, len(full.Items))
	for i, rec := range full.Items {
		title := rec.Title
		if title == "" {
			title = rec.Query
		}
		items[i] = RecentItem{
			SearchID:  rec.ID,
			Title:     title,
			Query:     rec.Query,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
		}
	}
	return Page[RecentItem]{
		Items:      items,
		Page:       full.Page,
		Limit:      full.Limit,
		Total:      full.Total,
		TotalPages: full.TotalPages,
	}, nil
}
