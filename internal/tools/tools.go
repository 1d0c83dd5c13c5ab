// Package tools exposes the closed set of operations the model may invoke
// during a chat turn, with schema-validated arguments.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/coordinator"
	"horse.fit/shoplens/internal/discovery"
	"horse.fit/shoplens/internal/marketplace"
	"horse.fit/shoplens/internal/progress"
	"horse.fit/shoplens/internal/reviews"
)

// Kind names one invocable tool. The set is closed; unknown names are
// rejected before any work happens.
type Kind string

const (
	KindCheckProductCache       Kind = "check_product_cache"
	KindSearchVideoReviews      Kind = "search_video_reviews"
	KindSearchBlogReviews       Kind = "search_blog_reviews"
	KindGatherProductReviews    Kind = "gather_product_reviews"
	KindGetReviewsSummary       Kind = "get_reviews_summary"
	KindFindMarketplaceListings Kind = "find_marketplace_listings"
	KindCompareProducts         Kind = "compare_products"
)

// Error kinds reported back to the model.
const (
	ErrorValidation      = "validation_error"
	ErrorExternalService = "external_service_error"
	ErrorNoData          = "no_data_found"
	ErrorLockTimeout     = "lock_timeout"
	ErrorInternal        = "internal_error"
)

// ToolError is the structured failure handed back to the model so it can
// react instead of hallucinating a result.
type ToolError struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Registry dispatches tool calls to the pipelines.
type Registry struct {
	reviews     *reviews.Pipeline
	marketplace *marketplace.Pipeline
	discoverer  reviews.Discoverer
	logger      zerolog.Logger
}

// NewRegistry builds the registry over the two pipelines and the discovery
// adapter used by the raw search tools.
func NewRegistry(reviewPipeline *reviews.Pipeline, marketplacePipeline *marketplace.Pipeline, discoverer reviews.Discoverer, logger zerolog.Logger) *Registry {
	return &Registry{
		reviews:     reviewPipeline,
		marketplace: marketplacePipeline,
		discoverer:  discoverer,
		logger:      logger.With().Str("component", "tools").Logger(),
	}
}

// Definitions returns the tool declarations offered to the model.
func Definitions() []openai.ChatCompletionToolParam {
	declare := func(kind Kind, description string) openai.ChatCompletionToolParam {
		return openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        string(kind),
				Description: openai.String(description),
				Parameters:  openai.FunctionParameters(schemaParameters(kind)),
			},
		}
	}

	return []openai.ChatCompletionToolParam{
		declare(KindCheckProductCache,
			"Check whether reviews for a product are already gathered and still fresh. Always call this before gathering."),
		declare(KindSearchVideoReviews,
			"Search for video reviews of a product. Returns candidate sources without ingesting them."),
		declare(KindSearchBlogReviews,
			"Search for written reviews of a product on blogs and review sites. Returns candidate sources without ingesting them."),
		declare(KindGatherProductReviews,
			"Run the full gathering pipeline for a product: discover review sources, read them and store structured opinions with consensus."),
		declare(KindGetReviewsSummary,
			"Load the stored reviews, per-aspect consensus and reviewer cards for a product that has already been gathered."),
		declare(KindFindMarketplaceListings,
			"Find current marketplace listings with prices and seller ratings for a product."),
		declare(KindCompareProducts,
			"Compare two or three products using their stored reviews and consensus. Products must be gathered first."),
	}
}

type productArgs struct {
	ProductName string `json:"product_name"`
}

type gatherArgs struct {
	ProductName string `json:"product_name"`
	Force       bool   `json:"force"`
}

type compareArgs struct {
	ProductNames []string `json:"product_names"`
}

// Invoke validates arguments against the tool's schema and dispatches. The
// returned value is JSON-serializable; a non-nil ToolError describes the
// failure in terms the model can act on.
func (r *Registry) Invoke(ctx context.Context, name string, rawArgs json.RawMessage, sink progress.Sink) (any, *ToolError) {
	kind := Kind(name)
	if _, known := argumentSchemas[kind]; !known {
		return nil, &ToolError{Kind: ErrorValidation, Message: fmt.Sprintf("unknown tool %q", name)}
	}

	validated, err := validateArguments(kind, rawArgs)
	if err != nil {
		return nil, &ToolError{Kind: ErrorValidation, Message: err.Error()}
	}

	r.logger.Debug().Str("tool", name).Msg("invoking tool")

	switch kind {
	case KindCheckProductCache:
		return r.checkProductCache(ctx, decodeArgs[productArgs](validated))
	case KindSearchVideoReviews:
		return r.searchSources(ctx, decodeArgs[productArgs](validated), discovery.PlatformVideo)
	case KindSearchBlogReviews:
		return r.searchSources(ctx, decodeArgs[productArgs](validated), discovery.PlatformBlog)
	case KindGatherProductReviews:
		return r.gatherReviews(ctx, decodeArgs[gatherArgs](validated), sink)
	case KindGetReviewsSummary:
		return r.reviewsSummary(ctx, decodeArgs[productArgs](validated))
	case KindFindMarketplaceListings:
		return r.findListings(ctx, decodeArgs[gatherArgs](validated), sink)
	case KindCompareProducts:
		return r.compareProducts(ctx, decodeArgs[compareArgs](validated), sink)
	default:
		return nil, &ToolError{Kind: ErrorInternal, Message: fmt.Sprintf("tool %q has no handler", name)}
	}
}

func decodeArgs[T any](validated any) T {
	var out T
	raw, _ := json.Marshal(validated)
	_ = json.Unmarshal(raw, &out)
	return out
}

type cacheStatus struct {
	Known        bool   `json:"known"`
	Fresh        bool   `json:"fresh"`
	TotalReviews int    `json:"total_reviews"`
	LastRefresh  string `json:"last_refresh,omitempty"`
}

func (r *Registry) checkProductCache(ctx context.Context, args productArgs) (any, *ToolError) {
	record, fresh, count, err := r.reviews.CheckCache(ctx, args.ProductName)
	if err != nil {
		return nil, classify(err)
	}
	status := cacheStatus{Known: record != nil, Fresh: fresh, TotalReviews: count}
	if record != nil && record.LastReviewRefreshAt != nil {
		status.LastRefresh = record.LastReviewRefreshAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return status, nil
}

func (r *Registry) searchSources(ctx context.Context, args productArgs, platform string) (any, *ToolError) {
	var (
		sources []discovery.Source
		err     error
	)
	if platform == discovery.PlatformVideo {
		sources, err = r.discoverer.VideoReviews(ctx, args.ProductName)
	} else {
		sources, err = r.discoverer.BlogReviews(ctx, args.ProductName)
	}
	if err != nil {
		return nil, &ToolError{Kind: ErrorExternalService, Message: err.Error()}
	}
	if len(sources) == 0 {
		return nil, &ToolError{Kind: ErrorNoData, Message: fmt.Sprintf("no %s reviews found for %q", platform, args.ProductName)}
	}
	return map[string]any{"sources": sources}, nil
}

func (r *Registry) gatherReviews(ctx context.Context, args gatherArgs, sink progress.Sink) (any, *ToolError) {
	result, err := r.reviews.Gather(ctx, args.ProductName, args.Force, sink)
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (r *Registry) reviewsSummary(ctx context.Context, args productArgs) (any, *ToolError) {
	summary, err := r.reviews.Summary(ctx, args.ProductName)
	if err != nil {
		return nil, classify(err)
	}
	if summary == nil || len(summary.Reviews) == 0 {
		return nil, &ToolError{Kind: ErrorNoData, Message: fmt.Sprintf("no stored reviews for %q; gather first", args.ProductName)}
	}
	return summary, nil
}

func (r *Registry) findListings(ctx context.Context, args gatherArgs, sink progress.Sink) (any, *ToolError) {
	result, err := r.marketplace.Gather(ctx, args.ProductName, args.Force, sink)
	if err != nil {
		return nil, classify(err)
	}
	if len(result.Listings) == 0 {
		return nil, &ToolError{Kind: ErrorNoData, Message: fmt.Sprintf("no listings found for %q", args.ProductName)}
	}
	return result, nil
}

// Comparison is the result of compare_products.
type Comparison struct {
	Products      []*reviews.ProductSummary `json:"products"`
	CommonAspects []string                  `json:"common_aspects"`
}

func (r *Registry) compareProducts(ctx context.Context, args compareArgs, sink progress.Sink) (any, *ToolError) {
	summaries := make([]*reviews.ProductSummary, 0, len(args.ProductNames))
	for _, name := range args.ProductNames {
		summary, err := r.reviews.Summary(ctx, name)
		if err != nil {
			return nil, classify(err)
		}
		if summary == nil || len(summary.Reviews) == 0 {
			return nil, &ToolError{Kind: ErrorNoData, Message: fmt.Sprintf("no stored reviews for %q; gather it before comparing", name)}
		}
		summaries = append(summaries, summary)
	}

	return Comparison{
		Products:      summaries,
		CommonAspects: commonAspects(summaries),
	}, nil
}

func commonAspects(summaries []*reviews.ProductSummary) []string {
	if len(summaries) == 0 {
		return nil
	}

	counts := make(map[string]int, 16)
	for _, summary := range summaries {
		seen := make(map[string]struct{}, len(summary.Consensus))
		for _, entry := range summary.Consensus {
			if _, ok := seen[entry.Aspect]; ok {
				continue
			}
			seen[entry.Aspect] = struct{}{}
			counts[entry.Aspect]++
		}
	}

	shared := make([]string, 0, len(counts))
	for _, entry := range summaries[0].Consensus {
		if counts[entry.Aspect] == len(summaries) {
			shared = append(shared, entry.Aspect)
		}
	}
	return shared
}

func classify(err error) *ToolError {
	switch {
	case errors.Is(err, coordinator.ErrLockTimeout):
		return &ToolError{Kind: ErrorLockTimeout, Message: err.Error()}
	case errors.Is(err, reviews.ErrDiscoveryFailed),
		errors.Is(err, marketplace.ErrAllMarketplacesFailed),
		errors.Is(err, coordinator.ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded):
		return &ToolError{Kind: ErrorExternalService, Message: err.Error()}
	default:
		return &ToolError{Kind: ErrorInternal, Message: err.Error()}
	}
}
