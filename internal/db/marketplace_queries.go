package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewListing is the write model for one scraped marketplace listing.
type NewListing struct {
	Marketplace  string
	ListingURL   string
	Title        string
	Price        *float64
	Currency     string
	SellerName   *string
	SellerRating *float64
	ReviewCount  *int
	IsBestSeller bool
}

// ListingRecord is the read model for listing responses.
type ListingRecord struct {
	ListingID     int64     `json:"listing_id"`
	ListingUUID   string    `json:"listing_uuid"`
	ProductID     int64     `json:"product_id"`
	Marketplace   string    `json:"marketplace"`
	ListingURL    string    `json:"listing_url"`
	Title         string    `json:"title"`
	Price         *float64  `json:"price,omitempty"`
	Currency      string    `json:"currency"`
	SellerName    *string   `json:"seller_name,omitempty"`
	SellerRating  *float64  `json:"seller_rating,omitempty"`
	ReviewCount   *int      `json:"review_count,omitempty"`
	IsBestSeller  bool      `json:"is_best_seller"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// UpsertListing inserts or refreshes a listing keyed by
// (product_id, marketplace, listing_url). Rows not seen in a fresh scrape
// keep their previous last_checked_at.
func (p *Pool) UpsertListing(ctx context.Context, productID int64, listing NewListing, now time.Time) error {
	trimmedURL := strings.TrimSpace(listing.ListingURL)
	if trimmedURL == "" {
		return fmt.Errorf("listing URL is required")
	}
	marketplace := strings.TrimSpace(strings.ToLower(listing.Marketplace))
	if marketplace == "" {
		return fmt.Errorf("marketplace is required")
	}
	currency := strings.TrimSpace(strings.ToUpper(listing.Currency))
	if currency == "" {
		currency = "USD"
	}

	const q = `
INSERT INTO shoplens.marketplace_listings (
	listing_uuid,
	product_id,
	marketplace,
	listing_url,
	title,
	price,
	currency,
	seller_name,
	seller_rating,
	review_count,
	is_best_seller,
	last_checked_at,
	created_at
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
ON CONFLICT (product_id, marketplace, listing_url) DO UPDATE
SET
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	currency = EXCLUDED.currency,
	seller_name = EXCLUDED.seller_name,
	seller_rating = EXCLUDED.seller_rating,
	review_count = EXCLUDED.review_count,
	is_best_seller = EXCLUDED.is_best_seller,
	last_checked_at = EXCLUDED.last_checked_at
`

	if _, err := p.Exec(ctx, q,
		uuid.NewString(),
		productID,
		marketplace,
		trimmedURL,
		strings.TrimSpace(listing.Title),
		listing.Price,
		currency,
		listing.SellerName,
		listing.SellerRating,
		listing.ReviewCount,
		listing.IsBestSeller,
		now.UTC(),
	); err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// ListProductListings lists listings best first: best-seller flags, then
// seller rating, then price ascending.
func (p *Pool) ListProductListings(ctx context.Context, productID int64) ([]ListingRecord, error) {
	const q = `
SELECT
	l.listing_id,
	l.listing_uuid::text,
	l.product_id,
	l.marketplace,
	l.listing_url,
	l.title,
	l.price,
	l.currency,
	l.seller_name,
	l.seller_rating,
	l.review_count,
	l.is_best_seller,
	l.last_checked_at
FROM shoplens.marketplace_listings l
WHERE l.product_id = $1
ORDER BY
	l.is_best_seller DESC,
	l.seller_rating DESC NULLS LAST,
	l.price ASC NULLS LAST,
	l.listing_id ASC
`

	rows, err := p.Query(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("query product listings: %w", err)
	}
	defer rows.Close()

	items := make([]ListingRecord, 0, 8)
	for rows.Next() {
		var row ListingRecord
		if err := rows.Scan(
			&row.ListingID,
			&row.ListingUUID,
			&row.ProductID,
			&row.Marketplace,
			&row.ListingURL,
			&row.Title,
			&row.Price,
			&row.Currency,
			&row.SellerName,
			&row.SellerRating,
			&row.ReviewCount,
			&row.IsBestSeller,
			&row.LastCheckedAt,
		); err != nil {
			return nil, fmt.Errorf("scan listing row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listing rows: %w", err)
	}
	return items, nil
}
