package reviews

import (
	"context"
	"fmt"
	"sort"

	"horse.fit/shoplens/internal/db"
	"horse.fit/shoplens/internal/product"
)

// At most this many reviewer cards ride along with a summary.
const maxReviewerCards = 5

// ReviewerCard is a compact attachment describing one ingested review.
type ReviewerCard struct {
	ReviewerName string  `json:"reviewer_name"`
	Platform     string  `json:"platform"`
	Title        string  `json:"title"`
	SourceURL    string  `json:"source_url"`
	QualityScore float64 `json:"quality_score"`
}

// ProductSummary is the stored view of a product's reviews and consensus.
type ProductSummary struct {
	Product       *db.ProductRecord    `json:"product"`
	Reviews       []db.ReviewRecord    `json:"reviews"`
	Consensus     []db.ConsensusRecord `json:"consensus"`
	ReviewerCards []ReviewerCard       `json:"reviewer_cards"`
}

// Summary loads everything stored for a product. A nil summary means the
// product has never been gathered.
func (p *Pipeline) Summary(ctx context.Context, rawName string) (*ProductSummary, error) {
	canonical := product.CanonicalName(rawName)
	if canonical == "" {
		return nil, fmt.Errorf("product name is required")
	}

	record, err := p.store.GetProductByCanonicalName(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}

	reviewRecords, err := p.store.ListProductReviews(ctx, record.ProductID)
	if err != nil {
		return nil, err
	}
	consensusRecords, err := p.store.ListProductConsensus(ctx, record.ProductID)
	if err != nil {
		return nil, err
	}

	return &ProductSummary{
		Product:       record,
		Reviews:       reviewRecords,
		Consensus:     consensusRecords,
		ReviewerCards: BuildReviewerCards(reviewRecords),
	}, nil
}

// BuildReviewerCards picks the highest-quality reviews as attachments.
func BuildReviewerCards(reviewRecords []db.ReviewRecord) []ReviewerCard {
	ranked := make([]db.ReviewRecord, len(reviewRecords))
	copy(ranked, reviewRecords)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].QualityScore > ranked[j].QualityScore
	})

	limit := len(ranked)
	if limit > maxReviewerCards {
		limit = maxReviewerCards
	}

	cards := make([]ReviewerCard, 0, limit)
	for _, record := range ranked[:limit] {
		cards = append(cards, ReviewerCard{
			ReviewerName: record.ReviewerName,
			Platform:     record.Platform,
			Title:        record.Title,
			SourceURL:    record.SourceURL,
			QualityScore: record.QualityScore,
		})
	}
	return cards
}
