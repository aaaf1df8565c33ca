package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/appstore/internal/core/catalog"
	"github.com/rl1809/appstore/internal/core/domain"
	"github.com/rl1809/appstore/internal/core/ledger"
	"github.com/rl1809/appstore/internal/core/payment"
	"github.com/rl1809/appstore/internal/port"
)

const tracerName = "github.com/rl1809/appstore/internal/core/service"

// SettlementNotifier receives settlements once their purchase has committed.
type SettlementNotifier interface {
	Notify(settlement domain.Settlement)
}

type PublishAppInput struct {
	Title string
	Genre string
	Price domain.Amount
}

// PublishAppResult reports the new id. Created is always true on success:
// ids are never reused, so an existing record cannot be hit.
type PublishAppResult struct {
	Created bool
	ID      domain.ItemID
}

// MarketplaceService is the only externally callable surface. Calls are
// serialized, and each call commits all of its mutations or none.
type MarketplaceService struct {
	mu       sync.Mutex
	store    port.Store
	identity port.IdentityProvider
	catalog  *catalog.Store
	ledger   *ledger.Ledger
	splitter *payment.Splitter
	notifier SettlementNotifier
	tracer   trace.Tracer
}

func NewMarketplaceService(store port.Store, identity port.IdentityProvider, notifier SettlementNotifier) *MarketplaceService {
	return &MarketplaceService{
		store:    store,
		identity: identity,
		catalog:  catalog.New(),
		ledger:   ledger.New(),
		splitter: payment.NewSplitter(),
		notifier: notifier,
		tracer:   otel.Tracer(tracerName),
	}
}

func (s *MarketplaceService) PublishApp(ctx context.Context, in PublishAppInput) (PublishAppResult, error) {
	ctx, span := s.tracer.Start(ctx, "Marketplace.PublishApp")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	caller, err := s.identity.CallerIdentity(ctx)
	if err != nil {
		return PublishAppResult{}, fail(span, err)
	}
	service := s.identity.ServiceIdentity()
	if caller == service {
		return PublishAppResult{}, fail(span, domain.ErrSelfDealing)
	}

	var id domain.ItemID
	err = s.store.Update(ctx, func(tx port.Tx) error {
		var err error
		id, err = s.catalog.Publish(ctx, tx.Catalog(), catalog.PublishInput{
			Title: in.Title,
			Genre: in.Genre,
			Price: in.Price,
		}, caller, service, s.identity.Now())
		return err
	})
	if err != nil {
		return PublishAppResult{}, fail(span, err)
	}

	span.SetAttributes(attribute.Int64("app.id", int64(id)))
	return PublishAppResult{Created: true, ID: id}, nil
}

// BuyApp charges the caller for item id. On success the returned settlement
// holds the scheduled transfers; they run after this call returns and their
// outcome never affects the recorded purchase.
func (s *MarketplaceService) BuyApp(ctx context.Context, id domain.ItemID) (domain.Settlement, error) {
	ctx, span := s.tracer.Start(ctx, "Marketplace.BuyApp", trace.WithAttributes(attribute.Int64("app.id", int64(id))))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	buyer, err := s.identity.CallerIdentity(ctx)
	if err != nil {
		return domain.Settlement{}, fail(span, err)
	}
	if buyer == s.identity.ServiceIdentity() {
		return domain.Settlement{}, fail(span, domain.ErrSelfPurchase)
	}
	attached := s.identity.AttachedValue(ctx)

	var settlement domain.Settlement
	err = s.store.Update(ctx, func(tx port.Tx) error {
		item, err := s.catalog.Get(ctx, tx.Catalog(), id)
		if err != nil {
			return err
		}
		bought, err := s.ledger.HasPurchased(ctx, tx.Ledger(), item.ID, buyer)
		if err != nil {
			return err
		}
		if bought {
			return fmt.Errorf("%w: %s already owns app %d", domain.ErrAlreadyPurchased, buyer, item.ID)
		}
		settlement, err = s.splitter.Plan(item, buyer, attached, s.identity.Now())
		if err != nil {
			return err
		}
		if err := s.splitter.Issue(ctx, tx.Outbox(), settlement); err != nil {
			return err
		}
		return s.ledger.RecordPurchase(ctx, tx.Ledger(), item.ID, buyer)
	})
	if err != nil {
		return domain.Settlement{}, fail(span, err)
	}

	span.SetAttributes(attribute.String("settlement.id", settlement.ID))
	if s.notifier != nil {
		s.notifier.Notify(settlement)
	}
	return settlement, nil
}

// ListApps returns every app in ascending id order.
func (s *MarketplaceService) ListApps(ctx context.Context) ([]domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []domain.Item
	err := s.store.View(ctx, func(tx port.Tx) error {
		var err error
		items, err = catalog.Collect(s.catalog.List(ctx, tx.Catalog()))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	return items, nil
}

func (s *MarketplaceService) GetApp(ctx context.Context, id domain.ItemID) (domain.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var item domain.Item
	err := s.store.View(ctx, func(tx port.Tx) error {
		var err error
		item, err = s.catalog.Get(ctx, tx.Catalog(), id)
		return err
	})
	return item, err
}

// ListBuyerApps returns the titles of the apps bought by buyer, in ascending
// app id order.
func (s *MarketplaceService) ListBuyerApps(ctx context.Context, buyer domain.Identity) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	titles := make([]string, 0)
	err := s.store.View(ctx, func(tx port.Tx) error {
		ids, err := s.ledger.PurchasesFor(ctx, tx.Ledger(), buyer)
		if err != nil {
			return err
		}
		for _, id := range ids {
			item, err := s.catalog.Get(ctx, tx.Catalog(), id)
			if err != nil {
				return err
			}
			titles = append(titles, item.Title)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return titles, nil
}

// ListAppBuyers returns the buyers of app id, first buyer first.
func (s *MarketplaceService) ListAppBuyers(ctx context.Context, id domain.ItemID) ([]domain.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buyers []domain.Identity
	err := s.store.View(ctx, func(tx port.Tx) error {
		if _, err := s.catalog.Get(ctx, tx.Catalog(), id); err != nil {
			return err
		}
		var err error
		buyers, err = s.ledger.Buyers(ctx, tx.Ledger(), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return buyers, nil
}

func (s *MarketplaceService) HasPurchased(ctx context.Context, id domain.ItemID, buyer domain.Identity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ok bool
	err := s.store.View(ctx, func(tx port.Tx) error {
		var err error
		ok, err = s.ledger.HasPurchased(ctx, tx.Ledger(), id, buyer)
		return err
	})
	return ok, err
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		span.SetStatus(codes.Error, string(domainErr.Category))
	} else {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
