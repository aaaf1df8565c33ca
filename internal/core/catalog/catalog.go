// Package catalog validates and stores published apps.
package catalog

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/port"
)

// PublishInput is the unvalidated publish request.
type PublishInput struct {
	Title string
	Genre string
	Price domain.Amount
}

// Store assigns ids and enforces publish-time rules. It holds no state of its
// own; every call works against the repository of the caller's unit of work.
type Store struct{}

func New() *Store {
	return &Store{}
}

// Publish validates in and stores a new item with id = count + 1. Nothing is
// written unless every check passes.
func (s *Store) Publish(ctx context.Context, repo port.CatalogRepository, in PublishInput, publisher, marketplace domain.Identity, now time.Time) (domain.ItemID, error) {
	if publisher == marketplace {
		return 0, domain.ErrSelfDealing
	}
	if in.Title == "" {
		return 0, domain.ErrEmptyTitle
	}
	if in.Genre == "" {
		return 0, domain.ErrEmptyGenre
	}
	if !in.Price.IsPositive() {
		return 0, domain.ErrNonPositivePrice
	}
	genre, err := domain.ParseGenre(in.Genre)
	if err != nil {
		return 0, err
	}

	count, err := repo.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	// Count-derived ids hold only because items are never removed.
	item := domain.Item{
		ID:          domain.ItemID(count + 1),
		Title:       in.Title,
		Genre:       genre,
		Price:       in.Price,
		PublishedAt: now.UTC().Truncate(time.Millisecond),
		Publisher:   publisher,
	}
	if err := repo.Insert(ctx, item); err != nil {
		return 0, fmt.Errorf("insert item %d: %w", item.ID, err)
	}
	return item.ID, nil
}

func (s *Store) Get(ctx context.Context, repo port.CatalogRepository, id domain.ItemID) (domain.Item, error) {
	if id == 0 {
		return domain.Item{}, fmt.Errorf("%w: app with id %d not found", domain.ErrItemNotFound, id)
	}
	item, err := repo.Get(ctx, id)
	if err != nil {
		if domain.CategoryOf(err) == domain.CategoryLookup {
			return domain.Item{}, fmt.Errorf("%w: app with id %d not found", domain.ErrItemNotFound, id)
		}
		return domain.Item{}, fmt.Errorf("get item %d: %w", id, err)
	}
	return item, nil
}

// List yields the catalog in ascending id order.
func (s *Store) List(ctx context.Context, repo port.CatalogRepository) iter.Seq2[domain.Item, error] {
	return repo.Items(ctx)
}

// Collect drains a catalog sequence, stopping at the first error.
func Collect(seq iter.Seq2[domain.Item, error]) ([]domain.Item, error) {
	items := make([]domain.Item, 0)
	for item, err := range seq {
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
