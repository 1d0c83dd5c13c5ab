package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProductRecord is the read model shared by the cache gate and the pipelines.
type ProductRecord struct {
	ProductID                int64      `json:"product_id"`
	ProductUUID              string     `json:"product_uuid"`
	CanonicalName            string     `json:"canonical_name"`
	DisplayName              string     `json:"display_name"`
	Aliases                  []string   `json:"aliases"`
	LastReviewRefreshAt      *time.Time `json:"last_review_refresh_at,omitempty"`
	LastMarketplaceRefreshAt *time.Time `json:"last_marketplace_refresh_at,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

// GetProductByCanonicalName returns (nil, nil) when no product matches.
func (p *Pool) GetProductByCanonicalName(ctx context.Context, canonicalName string) (*ProductRecord, error) {
	trimmed := strings.TrimSpace(canonicalName)
	if trimmed == "" {
		return nil, fmt.Errorf("canonical name is required")
	}

	const q = `
SELECT
	pr.product_id,
	pr.product_uuid::text,
	pr.canonical_name,
	pr.display_name,
	pr.aliases,
	pr.last_review_refresh_at,
	pr.last_marketplace_refresh_at,
	pr.created_at,
	pr.updated_at
FROM shoplens.products pr
WHERE pr.canonical_name = $1
`

	record, err := scanProductRecord(p.QueryRow(ctx, q, trimmed))
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query product by canonical name: %w", err)
	}
	return record, nil
}

// GetProductByUUID returns ErrNoRows when no product matches.
func (p *Pool) GetProductByUUID(ctx context.Context, productUUID string) (*ProductRecord, error) {
	trimmed := strings.TrimSpace(productUUID)
	if trimmed == "" {
		return nil, fmt.Errorf("product UUID is required")
	}

	const q = `
SELECT
	pr.product_id,
	pr.product_uuid::text,
	pr.canonical_name,
	pr.display_name,
	pr.aliases,
	pr.last_review_refresh_at,
	pr.last_marketplace_refresh_at,
	pr.created_at,
	pr.updated_at
FROM shoplens.products pr
WHERE pr.product_uuid = $1::uuid
`

	record, err := scanProductRecord(p.QueryRow(ctx, q, trimmed))
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, ErrNoRows
		}
		return nil, fmt.Errorf("query product by uuid: %w", err)
	}
	return record, nil
}

// UpsertProduct inserts a product row keyed by canonical name, or refreshes
// the display name and alias list of an existing row.
func (p *Pool) UpsertProduct(ctx context.Context, canonicalName, displayName string, aliases []string, now time.Time) (*ProductRecord, error) {
	trimmedCanonical := strings.TrimSpace(canonicalName)
	if trimmedCanonical == "" {
		return nil, fmt.Errorf("canonical name is required")
	}
	trimmedDisplay := strings.TrimSpace(displayName)
	if trimmedDisplay == "" {
		trimmedDisplay = trimmedCanonical
	}
	if aliases == nil {
		aliases = []string{}
	}
	aliasesJSON, err := json.Marshal(aliases)
	if err != nil {
		return nil, fmt.Errorf("marshal aliases: %w", err)
	}

	const q = `
INSERT INTO shoplens.products (
	product_uuid,
	canonical_name,
	display_name,
	aliases,
	created_at,
	updated_at
)
VALUES ($1::uuid, $2, $3, $4::jsonb, $5, $5)
ON CONFLICT (canonical_name) DO UPDATE
SET
	display_name = EXCLUDED.display_name,
	aliases = EXCLUDED.aliases,
	updated_at = EXCLUDED.updated_at
RETURNING
	product_id,
	product_uuid::text,
	canonical_name,
	display_name,
	aliases,
	last_review_refresh_at,
	last_marketplace_refresh_at,
	created_at,
	updated_at
`

	record, err := scanProductRecord(p.QueryRow(ctx, q, uuid.NewString(), trimmedCanonical, trimmedDisplay, string(aliasesJSON), now.UTC()))
	if err != nil {
		return nil, fmt.Errorf("upsert product: %w", err)
	}
	return record, nil
}

// SetLastReviewRefresh advances the review freshness marker. It is only
// called after a gathering run that persisted at least one review.
func (p *Pool) SetLastReviewRefresh(ctx context.Context, productID int64, now time.Time) error {
	const q = `
UPDATE shoplens.products
SET
	last_review_refresh_at = $2,
	updated_at = $2
WHERE product_id = $1
`

	tag, err := p.Exec(ctx, q, productID, now.UTC())
	if err != nil {
		return fmt.Errorf("set last review refresh: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

// SetLastMarketplaceRefresh advances the marketplace freshness marker.
func (p *Pool) SetLastMarketplaceRefresh(ctx context.Context, productID int64, now time.Time) error {
	const q = `
UPDATE shoplens.products
SET
	last_marketplace_refresh_at = $2,
	updated_at = $2
WHERE product_id = $1
`

	tag, err := p.Exec(ctx, q, productID, now.UTC())
	if err != nil {
		return fmt.Errorf("set last marketplace refresh: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRows
	}
	return nil
}

func scanProductRecord(row *Row) (*ProductRecord, error) {
	var (
		record      ProductRecord
		aliasesJSON []byte
	)
	if err := row.Scan(
		&record.ProductID,
		&record.ProductUUID,
		&record.CanonicalName,
		&record.DisplayName,
		&aliasesJSON,
		&record.LastReviewRefreshAt,
		&record.LastMarketplaceRefreshAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(aliasesJSON) > 0 {
		if err := json.Unmarshal(aliasesJSON, &record.Aliases); err != nil {
			return nil, fmt.Errorf("decode product aliases: %w", err)
		}
	}
	if record.Aliases == nil {
		record.Aliases = []string{}
	}
	return &record, nil
}
