// Package marketplace gathers and caches current listings for a product
// across supported marketplaces.
package marketplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/shoplens/internal/coordinator"
	"horse.fit/shoplens/internal/db"
	"horse.fit/shoplens/internal/discovery"
	"horse.fit/shoplens/internal/freshness"
	"horse.fit/shoplens/internal/globaltime"
	"horse.fit/shoplens/internal/product"
	"horse.fit/shoplens/internal/progress"
)

// ErrAllMarketplacesFailed means no marketplace could be searched.
var ErrAllMarketplacesFailed = errors.New("listing search failed on all marketplaces")

// Marketplaces scraped on every run.
var supportedMarketplaces = []string{"amazon", "ebay"}

// Store is the persistence surface the pipeline needs.
type Store interface {
	UpsertProduct(ctx context.Context, canonicalName, displayName string, aliases []string, now time.Time) (*db.ProductRecord, error)
	SetLastMarketplaceRefresh(ctx context.Context, productID int64, now time.Time) error
	UpsertListing(ctx context.Context, productID int64, listing db.NewListing, now time.Time) error
	ListProductListings(ctx context.Context, productID int64) ([]db.ListingRecord, error)
}

// Discoverer finds current listings on one marketplace.
type Discoverer interface {
	MarketplaceListings(ctx context.Context, productName, marketplace string) ([]discovery.FoundListing, error)
}

// Result summarizes one listing-gathering run.
type Result struct {
	Product      *db.ProductRecord  `json:"product"`
	FromCache    bool               `json:"from_cache"`
	Deduplicated bool               `json:"deduplicated"`
	Listings     []db.ListingRecord `json:"listings"`
	Upserted     int                `json:"upserted"`
	Failures     []string           `json:"failures,omitempty"`
}

// Pipeline gathers listings behind a single-flight guard.
type Pipeline struct {
	store      Store
	discoverer Discoverer
	flight     *coordinator.Flight[*Result]
	gate       freshness.Gate
	logger     zerolog.Logger
}

// NewPipeline builds a listing pipeline.
func NewPipeline(store Store, discoverer Discoverer, gate freshness.Gate, lockWaitMax time.Duration, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:      store,
		discoverer: discoverer,
		flight:     coordinator.NewFlight[*Result](lockWaitMax),
		gate:       gate,
		logger:     logger.With().Str("component", "marketplace").Logger(),
	}
}

// Gather refreshes listings for a product unless the cached set is fresh.
func (p *Pipeline) Gather(ctx context.Context, rawName string, force bool, sink progress.Sink) (*Result, error) {
	canonical := product.CanonicalName(rawName)
	if canonical == "" {
		return nil, fmt.Errorf("product name is required")
	}

	shared, leader, err := p.flight.Do(ctx, "marketplace:"+canonical, func(ctx context.Context) (*Result, error) {
		return p.gather(ctx, canonical, product.DisplayName(rawName), force, sink)
	})
	if err != nil {
		return nil, err
	}
	if leader {
		return shared, nil
	}

	follower := *shared
	follower.Deduplicated = true
	return &follower, nil
}

func (p *Pipeline) gather(ctx context.Context, canonical, display string, force bool, sink progress.Sink) (*Result, error) {
	now := globaltime.Now()

	record, err := p.store.UpsertProduct(ctx, canonical, display, nil, now)
	if err != nil {
		return nil, fmt.Errorf("resolve product: %w", err)
	}

	stored, err := p.store.ListProductListings(ctx, record.ProductID)
	if err != nil {
		return nil, fmt.Errorf("list stored listings: %w", err)
	}

	if len(stored) > 0 && !p.gate.NeedsRefresh(record.LastMarketplaceRefreshAt, freshness.ClassMarketplace, force, now) {
		progress.StepData(sink, "listings", "Using cached listings", progress.StatusFinished, map[string]any{
			"listings": len(stored),
		})
		return &Result{
			Product:   record,
			FromCache: true,
			Listings:  stored,
		}, nil
	}

	progress.Step(sink, "listings", "Searching marketplaces", progress.StatusStarted)

	type scrape struct {
		marketplace string
		listings    []discovery.FoundListing
		err         error
	}
	scrapes := make([]scrape, len(supportedMarketplaces))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, marketplace := range supportedMarketplaces {
		group.Go(func() error {
			listings, err := p.discoverer.MarketplaceListings(groupCtx, record.DisplayName, marketplace)
			scrapes[i] = scrape{marketplace: marketplace, listings: listings, err: err}
			return nil
		})
	}
	_ = group.Wait()

	result := &Result{Product: record}
	failed := 0
	for _, s := range scrapes {
		if s.err != nil {
			failed++
			p.logger.Warn().Err(s.err).Str("marketplace", s.marketplace).Msg("listing scrape failed")
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", s.marketplace, s.err))
			continue
		}
		for _, found := range s.listings {
			listing := normalizeListing(s.marketplace, found)
			if err := p.store.UpsertListing(ctx, record.ProductID, listing, globaltime.Now()); err != nil {
				result.Failures = append(result.Failures, fmt.Sprintf("%s: %v", found.URL, err))
				continue
			}
			result.Upserted++
		}
	}
	if failed == len(supportedMarketplaces) {
		progress.Step(sink, "listings", "Searching marketplaces", progress.StatusFailed)
		return nil, ErrAllMarketplacesFailed
	}

	if result.Upserted > 0 {
		finishedAt := globaltime.Now()
		if err := p.store.SetLastMarketplaceRefresh(ctx, record.ProductID, finishedAt); err != nil {
			return nil, fmt.Errorf("mark listings refreshed: %w", err)
		}
		record.LastMarketplaceRefreshAt = &finishedAt
	}

	result.Listings, err = p.store.ListProductListings(ctx, record.ProductID)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}

	progress.StepData(sink, "listings", "Searching marketplaces", progress.StatusFinished, map[string]any{
		"upserted": result.Upserted,
		"listings": len(result.Listings),
	})
	return result, nil
}

// normalizeListing converts one scraped listing to the stored shape. eBay
// shows seller feedback as a percentage, so ratings above the five-star
// scale are divided by twenty.
func normalizeListing(marketplace string, found discovery.FoundListing) db.NewListing {
	rating := found.SellerRating
	if rating != nil {
		value := *rating
		if value > 5 {
			value = value / 20
		}
		if value < 0 {
			value = 0
		}
		if value > 5 {
			value = 5
		}
		rating = &value
	}

	var sellerName *string
	if found.SellerName != "" {
		name := found.SellerName
		sellerName = &name
	}

	return db.NewListing{
		Marketplace:  marketplace,
		ListingURL:   found.URL,
		Title:        found.Title,
		Price:        found.Price,
		Currency:     found.Currency,
		SellerName:   sellerName,
		SellerRating: rating,
		ReviewCount:  found.ReviewCount,
		IsBestSeller: found.IsBestSeller,
	}
}
