package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReviewerRecord identifies a review author across sources.
type ReviewerRecord struct {
	ReviewerID      int64  `json:"reviewer_id"`
	ReviewerUUID    string `json:"reviewer_uuid"`
	Name            string `json:"name"`
	Platform        string `json:"platform"`
	ChannelOrDomain string `json:"channel_or_domain"`
}

// NewReview is the write model for one ingested review and its opinions.
type NewReview struct {
	ReviewerName    string
	Platform        string
	ChannelOrDomain string
	SourceURL       string
	Title           string
	RawLength       int
	QualityScore    float64
	Opinions        []NewOpinion
}

// NewOpinion is one aspect-level judgment inside a review.
type NewOpinion struct {
	Aspect    string
	Sentiment float64
	Quote     string
}

// ReviewRecord is the read model for summary composition.
type ReviewRecord struct {
	ReviewID     int64     `json:"review_id"`
	ReviewUUID   string    `json:"review_uuid"`
	ProductID    int64     `json:"product_id"`
	ReviewerID   int64     `json:"reviewer_id"`
	ReviewerName string    `json:"reviewer_name"`
	Platform     string    `json:"platform"`
	SourceURL    string    `json:"source_url"`
	Title        string    `json:"title"`
	RawLength    int       `json:"raw_length"`
	QualityScore float64   `json:"quality_score"`
	IngestedAt   time.Time `json:"ingested_at"`
}

// OpinionRecord is an opinion row joined with its review's reviewer.
type OpinionRecord struct {
	OpinionID  int64   `json:"opinion_id"`
	ReviewID   int64   `json:"review_id"`
	ReviewerID int64   `json:"reviewer_id"`
	Aspect     string  `json:"aspect"`
	Sentiment  float64 `json:"sentiment"`
	Quote      string  `json:"quote"`
}

// GetOrCreateReviewer resolves a reviewer by (platform, channel/domain),
// inserting on first sight and refreshing the display name otherwise.
func (p *Pool) GetOrCreateReviewer(ctx context.Context, name, platform, channelOrDomain string, now time.Time) (*ReviewerRecord, error) {
	trimmedPlatform := strings.TrimSpace(strings.ToLower(platform))
	if trimmedPlatform == "" {
		return nil, fmt.Errorf("platform is required")
	}
	trimmedChannel := strings.TrimSpace(strings.ToLower(channelOrDomain))
	if trimmedChannel == "" {
		return nil, fmt.Errorf("channel or domain is required")
	}
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		trimmedName = trimmedChannel
	}

	const q = `
INSERT INTO shoplens.reviewers (
	reviewer_uuid,
	name,
	platform,
	channel_or_domain,
	created_at
)
VALUES ($1::uuid, $2, $3, $4, $5)
ON CONFLICT (platform, channel_or_domain) DO UPDATE
SET name = EXCLUDED.name
RETURNING
	reviewer_id,
	reviewer_uuid::text,
	name,
	platform,
	channel_or_domain
`

	var record ReviewerRecord
	if err := p.QueryRow(ctx, q, uuid.NewString(), trimmedName, trimmedPlatform, trimmedChannel, now.UTC()).Scan(
		&record.ReviewerID,
		&record.ReviewerUUID,
		&record.Name,
		&record.Platform,
		&record.ChannelOrDomain,
	); err != nil {
		return nil, fmt.Errorf("upsert reviewer: %w", err)
	}
	return &record, nil
}

// InsertReview stores one review with its opinions in a single transaction.
// A duplicate (product_id, source_url) pair is reported as inserted=false
// and leaves the existing row untouched.
func (p *Pool) InsertReview(ctx context.Context, productID, reviewerID int64, review NewReview, now time.Time) (inserted bool, err error) {
	trimmedURL := strings.TrimSpace(review.SourceURL)
	if trimmedURL == "" {
		return false, fmt.Errorf("source URL is required")
	}

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const reviewQuery = `
INSERT INTO shoplens.reviews (
	review_uuid,
	product_id,
	reviewer_id,
	source_url,
	title,
	raw_length,
	quality_score,
	ingested_at
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (product_id, source_url) DO NOTHING
RETURNING review_id
`

	var reviewID int64
	if err := tx.QueryRow(ctx, reviewQuery,
		uuid.NewString(),
		productID,
		reviewerID,
		trimmedURL,
		strings.TrimSpace(review.Title),
		review.RawLength,
		review.QualityScore,
		now.UTC(),
	).Scan(&reviewID); err != nil {
		if errors.Is(err, ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("insert review: %w", err)
	}

	const opinionQuery = `
INSERT INTO shoplens.opinions (review_id, aspect, sentiment, quote)
VALUES ($1, $2, $3, $4)
`

	for _, opinion := range review.Opinions {
		aspect := strings.TrimSpace(strings.ToLower(opinion.Aspect))
		if aspect == "" {
			continue
		}
		if _, err := tx.Exec(ctx, opinionQuery, reviewID, aspect, clampSentiment(opinion.Sentiment), strings.TrimSpace(opinion.Quote)); err != nil {
			return false, fmt.Errorf("insert opinion: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}
	return true, nil
}

// ListReviewSourceURLs returns the set of source URLs already ingested for a
// product, used to skip known URLs before scraping.
func (p *Pool) ListReviewSourceURLs(ctx context.Context, productID int64) (map[string]struct{}, error) {
	const q = `
SELECT r.source_url
FROM shoplens.reviews r
WHERE r.product_id = $1
`

	rows, err := p.Query(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("query review source urls: %w", err)
	}
	defer rows.Close()

	urls := make(map[string]struct{}, 16)
	for rows.Next() {
		var sourceURL string
		if err := rows.Scan(&sourceURL); err != nil {
			return nil, fmt.Errorf("scan review source url: %w", err)
		}
		urls[sourceURL] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review source urls: %w", err)
	}
	return urls, nil
}

// ListProductReviews lists a product's reviews newest first.
func (p *Pool) ListProductReviews(ctx context.Context, productID int64) ([]ReviewRecord, error) {
	const q = `
SELECT
	r.review_id,
	r.review_uuid::text,
	r.product_id,
	r.reviewer_id,
	rv.name,
	rv.platform,
	r.source_url,
	r.title,
	r.raw_length,
	r.quality_score,
	r.ingested_at
FROM shoplens.reviews r
JOIN shoplens.reviewers rv
	ON rv.reviewer_id = r.reviewer_id
WHERE r.product_id = $1
ORDER BY r.ingested_at DESC, r.review_id DESC
`

	rows, err := p.Query(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("query product reviews: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewRecord, 0, 16)
	for rows.Next() {
		var row ReviewRecord
		if err := rows.Scan(
			&row.ReviewID,
			&row.ReviewUUID,
			&row.ProductID,
			&row.ReviewerID,
			&row.ReviewerName,
			&row.Platform,
			&row.SourceURL,
			&row.Title,
			&row.RawLength,
			&row.QualityScore,
			&row.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("scan review row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review rows: %w", err)
	}
	return items, nil
}

// ListProductOpinions returns every opinion for a product with the owning
// reviewer, the input for consensus recomputation.
func (p *Pool) ListProductOpinions(ctx context.Context, productID int64) ([]OpinionRecord, error) {
	const q = `
SELECT
	o.opinion_id,
	o.review_id,
	r.reviewer_id,
	o.aspect,
	o.sentiment,
	o.quote
FROM shoplens.opinions o
JOIN shoplens.reviews r
	ON r.review_id = o.review_id
WHERE r.product_id = $1
ORDER BY o.aspect ASC, o.opinion_id ASC
`

	rows, err := p.Query(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("query product opinions: %w", err)
	}
	defer rows.Close()

	items := make([]OpinionRecord, 0, 32)
	for rows.Next() {
		var row OpinionRecord
		if err := rows.Scan(
			&row.OpinionID,
			&row.ReviewID,
			&row.ReviewerID,
			&row.Aspect,
			&row.Sentiment,
			&row.Quote,
		); err != nil {
			return nil, fmt.Errorf("scan opinion row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate opinion rows: %w", err)
	}
	return items, nil
}

// CountProductReviews returns the number of stored reviews for a product.
func (p *Pool) CountProductReviews(ctx context.Context, productID int64) (int, error) {
	const q = `
SELECT COUNT(*)::int
FROM shoplens.reviews r
WHERE r.product_id = $1
`

	var count int
	if err := p.QueryRow(ctx, q, productID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count product reviews: %w", err)
	}
	return count, nil
}

func clampSentiment(value float64) float64 {
	if value > 1 {
		return 1
	}
	if value < -1 {
		return -1
	}
	return value
}
