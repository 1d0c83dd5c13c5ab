// Package consensus aggregates aspect-level opinions across reviewers into
// per-aspect agreement entries.
package consensus

import (
	"sort"

	"horse.fit/shoplens/internal/db"
)

// An aspect needs judgments from at least this many opinions before a
// consensus entry is worth reporting.
const minOpinionsPerAspect = 2

// Compute groups opinions by aspect and derives, for each aspect with enough
// coverage, the majority sentiment (mean), the share of opinions agreeing
// with its direction, and the reviewers holding out against it. Entries come
// back sorted by aspect.
func Compute(opinions []db.OpinionRecord) []db.ConsensusRecord {
	byAspect := make(map[string][]db.OpinionRecord, 8)
	for _, opinion := range opinions {
		byAspect[opinion.Aspect] = append(byAspect[opinion.Aspect], opinion)
	}

	entries := make([]db.ConsensusRecord, 0, len(byAspect))
	for aspect, group := range byAspect {
		if len(group) < minOpinionsPerAspect {
			continue
		}

		var sum float64
		for _, opinion := range group {
			sum += opinion.Sentiment
		}
		mean := sum / float64(len(group))

		agreeing := 0
		dissenters := make(map[int64]struct{}, 4)
		for _, opinion := range group {
			if sameDirection(opinion.Sentiment, mean) {
				agreeing++
				continue
			}
			dissenters[opinion.ReviewerID] = struct{}{}
		}

		dissenting := make([]int64, 0, len(dissenters))
		for reviewerID := range dissenters {
			dissenting = append(dissenting, reviewerID)
		}
		sort.Slice(dissenting, func(i, j int) bool { return dissenting[i] < dissenting[j] })

		entries = append(entries, db.ConsensusRecord{
			Aspect:                aspect,
			AgreementRatio:        float64(agreeing) / float64(len(group)),
			MajoritySentiment:     mean,
			DissentingReviewerIDs: dissenting,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Aspect < entries[j].Aspect })
	return entries
}

// sameDirection treats non-negative sentiment as positive so neutral
// judgments side with a positive majority instead of dissenting.
func sameDirection(sentiment, mean float64) bool {
	return (sentiment >= 0) == (mean >= 0)
}
