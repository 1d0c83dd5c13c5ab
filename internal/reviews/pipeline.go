// Package reviews runs the end-to-end gathering pipeline: resolve product,
// check freshness, discover sources, ingest them and recompute consensus.
package reviews

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/shoplens/internal/consensus"
	"horse.fit/shoplens/internal/coordinator"
	"horse.fit/shoplens/internal/db"
	"horse.fit/shoplens/internal/discovery"
	"horse.fit/shoplens/internal/freshness"
	"horse.fit/shoplens/internal/globaltime"
	"horse.fit/shoplens/internal/ingest"
	"horse.fit/shoplens/internal/product"
	"horse.fit/shoplens/internal/progress"
)

// ErrDiscoveryFailed means every discovery channel failed and the run
// produced nothing to ingest.
var ErrDiscoveryFailed = errors.New("review discovery failed on all channels")

// Failure reasons attached to per-source outcomes.
const (
	ReasonScrapeFailed        = "scrape_failed"
	ReasonExtractionFailed    = "extraction_failed"
	ReasonUnsupportedLanguage = "unsupported_language"
	ReasonDiscoveryFailed     = "discovery_failed"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetProductByCanonicalName(ctx context.Context, canonicalName string) (*db.ProductRecord, error)
	UpsertProduct(ctx context.Context, canonicalName, displayName string, aliases []string, now time.Time) (*db.ProductRecord, error)
	SetLastReviewRefresh(ctx context.Context, productID int64, now time.Time) error
	GetOrCreateReviewer(ctx context.Context, name, platform, channelOrDomain string, now time.Time) (*db.ReviewerRecord, error)
	InsertReview(ctx context.Context, productID, reviewerID int64, review db.NewReview, now time.Time) (bool, error)
	ListReviewSourceURLs(ctx context.Context, productID int64) (map[string]struct{}, error)
	ListProductReviews(ctx context.Context, productID int64) ([]db.ReviewRecord, error)
	ListProductOpinions(ctx context.Context, productID int64) ([]db.OpinionRecord, error)
	ReplaceConsensus(ctx context.Context, productID int64, entries []db.ConsensusRecord, now time.Time) error
	ListProductConsensus(ctx context.Context, productID int64) ([]db.ConsensusRecord, error)
	CountProductReviews(ctx context.Context, productID int64) (int, error)
}

// Discoverer finds candidate review sources.
type Discoverer interface {
	VideoReviews(ctx context.Context, productName string) ([]discovery.Source, error)
	BlogReviews(ctx context.Context, productName string) ([]discovery.Source, error)
}

// Ingester extracts one source into a structured review.
type Ingester interface {
	Ingest(ctx context.Context, productName string, source discovery.Source) (*ingest.ExtractedReview, error)
}

// ItemFailure records one source that could not be ingested.
type ItemFailure struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Result summarizes one gathering run.
type Result struct {
	Product      *db.ProductRecord `json:"product"`
	FromCache    bool              `json:"from_cache"`
	Deduplicated bool              `json:"deduplicated"`
	NewReviews   int               `json:"new_reviews"`
	SkippedKnown int               `json:"skipped_known"`
	TotalReviews int               `json:"total_reviews"`
	Reviews      []db.ReviewRecord `json:"reviews,omitempty"`
	Failures     []ItemFailure     `json:"failures,omitempty"`
}

// Pipeline wires discovery, ingestion and persistence behind a single-flight
// guard so identical concurrent gathers run once.
type Pipeline struct {
	store       Store
	discoverer  Discoverer
	ingester    Ingester
	flight      *coordinator.Flight[*Result]
	gate        freshness.Gate
	concurrency int
	callTimeout time.Duration
	logger      zerolog.Logger
}

// Options bounds pipeline fan-out.
type Options struct {
	Gate        freshness.Gate
	Concurrency int
	CallTimeout time.Duration
	LockWaitMax time.Duration
}

// NewPipeline builds a gathering pipeline.
func NewPipeline(store Store, discoverer Discoverer, ingester Ingester, opts Options, logger zerolog.Logger) *Pipeline {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Pipeline{
		store:       store,
		discoverer:  discoverer,
		ingester:    ingester,
		flight:      coordinator.NewFlight[*Result](opts.LockWaitMax),
		gate:        opts.Gate,
		concurrency: concurrency,
		callTimeout: opts.CallTimeout,
		logger:      logger.With().Str("component", "reviews").Logger(),
	}
}

// Gather runs the pipeline for one product name. Concurrent calls with the
// same canonical name collapse into a single run; followers receive the
// leader's result marked Deduplicated.
func (p *Pipeline) Gather(ctx context.Context, rawName string, force bool, sink progress.Sink) (*Result, error) {
	canonical := product.CanonicalName(rawName)
	if canonical == "" {
		return nil, fmt.Errorf("product name is required")
	}

	shared, leader, err := p.flight.Do(ctx, "reviews:"+canonical, func(ctx context.Context) (*Result, error) {
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

// CheckCache reports the cached state of a product without gathering.
func (p *Pipeline) CheckCache(ctx context.Context, rawName string) (*db.ProductRecord, bool, int, error) {
	canonical := product.CanonicalName(rawName)
	if canonical == "" {
		return nil, false, 0, fmt.Errorf("product name is required")
	}

	record, err := p.store.GetProductByCanonicalName(ctx, canonical)
	if err != nil {
		return nil, false, 0, err
	}
	if record == nil {
		return nil, false, 0, nil
	}

	count, err := p.store.CountProductReviews(ctx, record.ProductID)
	if err != nil {
		return nil, false, 0, err
	}
	fresh := !p.gate.NeedsRefresh(record.LastReviewRefreshAt, freshness.ClassReview, false, globaltime.Now()) && count > 0
	return record, fresh, count, nil
}

func (p *Pipeline) gather(ctx context.Context, canonical, display string, force bool, sink progress.Sink) (*Result, error) {
	now := globaltime.Now()

	progress.Step(sink, "resolve", "Resolving product", progress.StatusStarted)
	record, err := p.store.UpsertProduct(ctx, canonical, display, nil, now)
	if err != nil {
		progress.Step(sink, "resolve", "Resolving product", progress.StatusFailed)
		return nil, fmt.Errorf("resolve product: %w", err)
	}
	progress.Step(sink, "resolve", "Resolving product", progress.StatusFinished)

	totalBefore, err := p.store.CountProductReviews(ctx, record.ProductID)
	if err != nil {
		return nil, fmt.Errorf("count existing reviews: %w", err)
	}

	if totalBefore > 0 && !p.gate.NeedsRefresh(record.LastReviewRefreshAt, freshness.ClassReview, force, now) {
		cached, err := p.store.ListProductReviews(ctx, record.ProductID)
		if err != nil {
			return nil, fmt.Errorf("list cached reviews: %w", err)
		}
		progress.StepData(sink, "cache", "Using cached reviews", progress.StatusFinished, map[string]any{
			"total_reviews": totalBefore,
		})
		return &Result{
			Product:      record,
			FromCache:    true,
			TotalReviews: totalBefore,
			Reviews:      cached,
		}, nil
	}

	result := &Result{Product: record}

	progress.Step(sink, "discover", "Searching for reviews", progress.StatusStarted)
	sources, discoveryFailures := p.discover(ctx, record.DisplayName)
	result.Failures = append(result.Failures, discoveryFailures...)
	if len(sources) == 0 && len(discoveryFailures) > 0 {
		progress.Step(sink, "discover", "Searching for reviews", progress.StatusFailed)
		return nil, ErrDiscoveryFailed
	}
	progress.StepData(sink, "discover", "Searching for reviews", progress.StatusFinished, map[string]any{
		"sources": len(sources),
	})

	known, err := p.store.ListReviewSourceURLs(ctx, record.ProductID)
	if err != nil {
		return nil, fmt.Errorf("list known source urls: %w", err)
	}

	fresh := make([]discovery.Source, 0, len(sources))
	for _, source := range sources {
		if _, ok := known[source.URL]; ok {
			result.SkippedKnown++
			continue
		}
		fresh = append(fresh, source)
	}

	progress.StepData(sink, "ingest", "Reading reviews", progress.StatusStarted, map[string]any{
		"sources": len(fresh),
	})
	p.ingestAll(ctx, record, fresh, result)
	progress.StepData(sink, "ingest", "Reading reviews", progress.StatusFinished, map[string]any{
		"new_reviews": result.NewReviews,
		"failures":    len(result.Failures),
	})

	if result.NewReviews > 0 {
		progress.Step(sink, "consensus", "Computing consensus", progress.StatusStarted)
		if err := p.recomputeConsensus(ctx, record.ProductID); err != nil {
			progress.Step(sink, "consensus", "Computing consensus", progress.StatusFailed)
			return nil, err
		}
		progress.Step(sink, "consensus", "Computing consensus", progress.StatusFinished)
	} else {
		progress.Step(sink, "consensus", "Computing consensus", progress.StatusSkipped)
	}

	stored, err := p.store.ListProductReviews(ctx, record.ProductID)
	if err != nil {
		return nil, fmt.Errorf("list stored reviews: %w", err)
	}
	result.TotalReviews = len(stored)
	result.Reviews = stored

	if result.TotalReviews > 0 {
		finishedAt := globaltime.Now()
		if err := p.store.SetLastReviewRefresh(ctx, record.ProductID, finishedAt); err != nil {
			return nil, fmt.Errorf("mark reviews refreshed: %w", err)
		}
		record.LastReviewRefreshAt = &finishedAt
	}

	p.logger.Info().
		Str("product", canonical).
		Int("new_reviews", result.NewReviews).
		Int("skipped_known", result.SkippedKnown).
		Int("failures", len(result.Failures)).
		Msg("gathering run finished")
	return result, nil
}

// discover runs the video and blog searches in parallel. Either channel may
// fail on its own; the run only aborts when both do.
func (p *Pipeline) discover(ctx context.Context, displayName string) ([]discovery.Source, []ItemFailure) {
	var (
		videoSources []discovery.Source
		blogSources  []discovery.Source
		videoErr     error
		blogErr      error
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		videoSources, videoErr = p.discoverer.VideoReviews(groupCtx, displayName)
		return nil
	})
	group.Go(func() error {
		blogSources, blogErr = p.discoverer.BlogReviews(groupCtx, displayName)
		return nil
	})
	_ = group.Wait()

	var failures []ItemFailure
	if videoErr != nil {
		p.logger.Warn().Err(videoErr).Msg("video discovery failed")
		failures = append(failures, ItemFailure{Reason: ReasonDiscoveryFailed, Detail: "video: " + videoErr.Error()})
	}
	if blogErr != nil {
		p.logger.Warn().Err(blogErr).Msg("blog discovery failed")
		failures = append(failures, ItemFailure{Reason: ReasonDiscoveryFailed, Detail: "blog: " + blogErr.Error()})
	}

	return append(videoSources, blogSources...), failures
}

func (p *Pipeline) ingestAll(ctx context.Context, record *db.ProductRecord, sources []discovery.Source, result *Result) {
	outcomes := coordinator.RunBounded(ctx, sources, p.concurrency, p.callTimeout,
		func(ctx context.Context, source discovery.Source) (*ingest.ExtractedReview, error) {
			return p.ingester.Ingest(ctx, record.DisplayName, source)
		})

	for _, outcome := range outcomes {
		if outcome.Err != nil {
			result.Failures = append(result.Failures, classifyFailure(outcome.Item, outcome.Err))
			continue
		}

		now := globaltime.Now()
		extracted := outcome.Result
		reviewer, err := p.store.GetOrCreateReviewer(ctx, extracted.Source.ReviewerName, extracted.Source.Platform, extracted.Source.ChannelOrDomain, now)
		if err != nil {
			result.Failures = append(result.Failures, ItemFailure{URL: extracted.Source.URL, Reason: ReasonExtractionFailed, Detail: err.Error()})
			continue
		}

		opinions := make([]db.NewOpinion, 0, len(extracted.Opinions))
		for _, opinion := range extracted.Opinions {
			opinions = append(opinions, db.NewOpinion{
				Aspect:    opinion.Aspect,
				Sentiment: opinion.Sentiment,
				Quote:     opinion.Quote,
			})
		}

		inserted, err := p.store.InsertReview(ctx, record.ProductID, reviewer.ReviewerID, db.NewReview{
			ReviewerName:    extracted.Source.ReviewerName,
			Platform:        extracted.Source.Platform,
			ChannelOrDomain: extracted.Source.ChannelOrDomain,
			SourceURL:       extracted.Source.URL,
			Title:           extracted.Title,
			RawLength:       extracted.RawLength,
			QualityScore:    extracted.QualityScore,
			Opinions:        opinions,
		}, now)
		if err != nil {
			result.Failures = append(result.Failures, ItemFailure{URL: extracted.Source.URL, Reason: ReasonExtractionFailed, Detail: err.Error()})
			continue
		}
		if inserted {
			result.NewReviews++
		} else {
			result.SkippedKnown++
		}
	}
}

func (p *Pipeline) recomputeConsensus(ctx context.Context, productID int64) error {
	opinions, err := p.store.ListProductOpinions(ctx, productID)
	if err != nil {
		return fmt.Errorf("list opinions: %w", err)
	}
	entries := consensus.Compute(opinions)
	if err := p.store.ReplaceConsensus(ctx, productID, entries, globaltime.Now()); err != nil {
		return fmt.Errorf("replace consensus: %w", err)
	}
	return nil
}

func classifyFailure(source discovery.Source, err error) ItemFailure {
	reason := ReasonScrapeFailed
	if errors.Is(err, ingest.ErrUnsupportedLanguage) {
		reason = ReasonUnsupportedLanguage
	} else if errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonScrapeFailed
	}
	return ItemFailure{URL: source.URL, Reason: reason, Detail: err.Error()}
}
