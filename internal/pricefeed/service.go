package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paygate/internal/apperr"
	"paygate/internal/cache"
	"paygate/internal/resilience"
)

// Dependency is the breaker name of the price feed
const Dependency = "pricefeed"

const quoteKeyPrefix = "price:"

// lastKnownRetention bounds how old a last-known price may be
const lastKnownRetention = 24 * time.Hour

// Source fetches live prices
type Source interface {
	Price(ctx context.Context, symbol, fiat string) (decimal.Decimal, error)
}

// Quote is a cached price
type Quote struct {
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Service converts fiat amounts. Live prices come from the source; while the
// feed is degraded a quote younger than the freshness window is used, and as
// a last resort the last known quote.
type Service struct {
	source    Source
	store     cache.Store
	breakers  *resilience.Handler
	freshness time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a conversion service
func NewService(source Source, store cache.Store, breakers *resilience.Handler, freshness time.Duration, logger *zap.Logger) *Service {
	if freshness <= 0 {
		freshness = time.Minute
	}
	return &Service{
		source:    source,
		store:     store,
		breakers:  breakers,
		freshness: freshness,
		logger:    logger.Named("pricefeed"),
		now:       time.Now,
	}
}

// Convert returns fiatAmount expressed in symbol, rounded to 8 places
func (s *Service) Convert(ctx context.Context, fiatAmount decimal.Decimal, fiat, symbol string) (decimal.Decimal, error) {
	price, err := s.Price(ctx, symbol, fiat)
	if err != nil {
		return decimal.Zero, err
	}
	return fiatAmount.DivRound(price, 8), nil
}

// Price returns the unit price of symbol in fiat through the degradation tiers
func (s *Service) Price(ctx context.Context, symbol, fiat string) (decimal.Decimal, error) {
	symbol, fiat = strings.ToUpper(symbol), strings.ToUpper(fiat)
	key := quoteKeyPrefix + symbol + ":" + fiat

	var price decimal.Decimal
	live := func(ctx context.Context) error {
		p, err := s.source.Price(ctx, symbol, fiat)
		if err != nil {
			return err
		}
		price = p
		s.remember(ctx, key, p)
		return nil
	}
	cachedIfFresh := func(ctx context.Context) error {
		q, ok := s.quote(ctx, key)
		if !ok || s.now().Sub(q.FetchedAt) > s.freshness {
			return apperr.Wrap(apperr.KindTransient, "price_cache", fmt.Errorf("no fresh quote for %s/%s", symbol, fiat))
		}
		price = q.Price
		return nil
	}
	lastKnown := func(ctx context.Context) error {
		q, ok := s.quote(ctx, key)
		if !ok {
			return apperr.Unavailable("price_last_known", Dependency, 0)
		}
		s.logger.Warn("Using last known price",
			zap.String("symbol", symbol),
			zap.String("fiat", fiat),
			zap.Duration("age", s.now().Sub(q.FetchedAt)))
		price = q.Price
		return nil
	}

	if err := s.breakers.ExecuteWithGradualDegradation(ctx, Dependency, live, cachedIfFresh, lastKnown); err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

func (s *Service) quote(ctx context.Context, key string) (Quote, bool) {
	data, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("Failed to read cached price", zap.String("key", key), zap.Error(err))
		return Quote{}, false
	}
	if !ok {
		return Quote{}, false
	}
	var q Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return Quote{}, false
	}
	return q, true
}

func (s *Service) remember(ctx context.Context, key string, price decimal.Decimal) {
	data, err := json.Marshal(Quote{Price: price, FetchedAt: s.now().UTC()})
	if err == nil {
		err = s.store.Set(ctx, key, data, lastKnownRetention)
	}
	if err != nil {
		s.logger.Warn("Failed to cache price", zap.String("key", key), zap.Error(err))
	}
}
