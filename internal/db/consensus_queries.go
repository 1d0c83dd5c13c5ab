package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ConsensusRecord is one aspect-level consensus row for a product.
type ConsensusRecord struct {
	ProductID             int64     `json:"product_id"`
	Aspect                string    `json:"aspect"`
	AgreementRatio        float64   `json:"agreement_ratio"`
	MajoritySentiment     float64   `json:"majority_sentiment"`
	DissentingReviewerIDs []int64   `json:"dissenting_reviewer_ids"`
	ComputedAt            time.Time `json:"computed_at"`
}

// ReplaceConsensus swaps the product's consensus table contents in one
// transaction so readers never observe a half-recomputed state.
func (p *Pool) ReplaceConsensus(ctx context.Context, productID int64, entries []ConsensusRecord, now time.Time) error {
	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	const deleteQuery = `
DELETE FROM shoplens.consensus
WHERE product_id = $1
`
	if _, err := tx.Exec(ctx, deleteQuery, productID); err != nil {
		return fmt.Errorf("delete consensus: %w", err)
	}

	const insertQuery = `
INSERT INTO shoplens.consensus (
	product_id,
	aspect,
	agreement_ratio,
	majority_sentiment,
	dissenting_reviewer_ids,
	computed_at
)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
`

	computedAt := now.UTC()
	for _, entry := range entries {
		dissenting := entry.DissentingReviewerIDs
		if dissenting == nil {
			dissenting = []int64{}
		}
		dissentingJSON, err := json.Marshal(dissenting)
		if err != nil {
			return fmt.Errorf("marshal dissenting reviewer ids: %w", err)
		}
		if _, err := tx.Exec(ctx, insertQuery,
			productID,
			entry.Aspect,
			entry.AgreementRatio,
			entry.MajoritySentiment,
			string(dissentingJSON),
			computedAt,
		); err != nil {
			return fmt.Errorf("insert consensus entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ListProductConsensus lists consensus entries ordered by aspect.
func (p *Pool) ListProductConsensus(ctx context.Context, productID int64) ([]ConsensusRecord, error) {
	const q = `
SELECT
	c.product_id,
	c.aspect,
	c.agreement_ratio,
	c.majority_sentiment,
	c.dissenting_reviewer_ids,
	c.computed_at
FROM shoplens.consensus c
WHERE c.product_id = $1
ORDER BY c.aspect ASC
`

	rows, err := p.Query(ctx, q, productID)
	if err != nil {
		return nil, fmt.Errorf("query product consensus: %w", err)
	}
	defer rows.Close()

	items := make([]ConsensusRecord, 0, 8)
	for rows.Next() {
		var (
			row            ConsensusRecord
			dissentingJSON []byte
		)
		if err := rows.Scan(
			&row.ProductID,
			&row.Aspect,
			&row.AgreementRatio,
			&row.MajoritySentiment,
			&dissentingJSON,
			&row.ComputedAt,
		); err != nil {
			return nil, fmt.Errorf("scan consensus row: %w", err)
		}
		if len(dissentingJSON) > 0 {
			if err := json.Unmarshal(dissentingJSON, &row.DissentingReviewerIDs); err != nil {
				return nil, fmt.Errorf("decode dissenting reviewer ids: %w", err)
			}
		}
		if row.DissentingReviewerIDs == nil {
			row.DissentingReviewerIDs = []int64{}
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consensus rows: %w", err)
	}
	return items, nil
}
