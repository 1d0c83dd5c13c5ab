// Package discovery finds candidate review sources and marketplace listings
// for a product through web-search-capable model calls.
package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/llm"
)

// Source is one candidate review to ingest.
type Source struct {
	URL             string `json:"url"`
	Title           string `json:"title"`
	ReviewerName    string `json:"reviewer_name"`
	ChannelOrDomain string `json:"channel_or_domain"`
	Platform        string `json:"platform"`
}

// FoundListing is one candidate marketplace listing before normalization.
type FoundListing struct {
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Price        *float64 `json:"price,omitempty"`
	Currency     string   `json:"currency,omitempty"`
	SellerName   string   `json:"seller_name,omitempty"`
	SellerRating *float64 `json:"seller_rating,omitempty"`
	ReviewCount  *int     `json:"review_count,omitempty"`
	IsBestSeller bool     `json:"is_best_seller,omitempty"`
}

const (
	PlatformVideo = "video"
	PlatformBlog  = "blog"
)

type completer interface {
	ExtractJSON(ctx context.Context, system, user string, out any) error
}

// Adapter performs discovery calls bounded by a per-category result limit.
type Adapter struct {
	llm    completer
	limit  int
	logger zerolog.Logger
}

// NewAdapter builds an adapter. limit <= 0 falls back to 5.
func NewAdapter(client *llm.Client, limit int, logger zerolog.Logger) *Adapter {
	if limit <= 0 {
		limit = 5
	}
	return &Adapter{
		llm:    client,
		limit:  limit,
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

const sourceSearchSystem = `You are a product research assistant with web search.
Find real, currently reachable URLs. Never invent URLs. Respond with a JSON
object of the form {"results": [{"url": "...", "title": "...",
"reviewer_name": "...", "channel_or_domain": "..."}]} and nothing else.`

// VideoReviews finds video reviews of the product.
func (a *Adapter) VideoReviews(ctx context.Context, productName string) ([]Source, error) {
	prompt := fmt.Sprintf(
		"Find up to %d video reviews of the consumer product %q on video platforms. "+
			"Only include dedicated reviews of this exact product, not shorts or unboxings. "+
			"For each result set channel_or_domain to the channel name.",
		a.limit, productName,
	)
	return a.searchSources(ctx, prompt, PlatformVideo)
}

// BlogReviews finds written reviews of the product on blogs and review sites.
func (a *Adapter) BlogReviews(ctx context.Context, productName string) ([]Source, error) {
	prompt := fmt.Sprintf(
		"Find up to %d in-depth written reviews of the consumer product %q on blogs, "+
			"tech publications or review sites. Exclude store pages and forums. "+
			"For each result set channel_or_domain to the site's domain name.",
		a.limit, productName,
	)
	return a.searchSources(ctx, prompt, PlatformBlog)
}

func (a *Adapter) searchSources(ctx context.Context, prompt, platform string) ([]Source, error) {
	var response struct {
		Results []Source `json:"results"`
	}
	if err := a.llm.ExtractJSON(ctx, sourceSearchSystem, prompt, &response); err != nil {
		return nil, fmt.Errorf("discover %s reviews: %w", platform, err)
	}

	sources := make([]Source, 0, len(response.Results))
	seen := make(map[string]struct{}, len(response.Results))
	for _, result := range response.Results {
		trimmedURL := strings.TrimSpace(result.URL)
		if !isHTTPURL(trimmedURL) {
			a.logger.Debug().Str("url", result.URL).Msg("dropping non-http discovery result")
			continue
		}
		if _, ok := seen[trimmedURL]; ok {
			continue
		}
		seen[trimmedURL] = struct{}{}

		result.URL = trimmedURL
		result.Title = strings.TrimSpace(result.Title)
		result.ReviewerName = strings.TrimSpace(result.ReviewerName)
		result.ChannelOrDomain = strings.TrimSpace(strings.ToLower(result.ChannelOrDomain))
		result.Platform = platform
		sources = append(sources, result)
		if len(sources) == a.limit {
			break
		}
	}
	return sources, nil
}

const listingSearchSystem = `You are a shopping research assistant with web
search. Find real, currently reachable listing URLs on the requested
marketplace. Never invent URLs or prices. Respond with a JSON object of the
form {"results": [{"url": "...", "title": "...", "price": 0, "currency":
"USD", "seller_name": "...", "seller_rating": 0, "review_count": 0,
"is_best_seller": false}]} and nothing else. Omit fields you cannot verify.`

// MarketplaceListings finds current listings on one marketplace.
func (a *Adapter) MarketplaceListings(ctx context.Context, productName, marketplace string) ([]FoundListing, error) {
	prompt := fmt.Sprintf(
		"Find up to %d current listings for the consumer product %q on %s. "+
			"Only include listings for this exact product and report seller ratings "+
			"exactly as the marketplace displays them.",
		a.limit, productName, marketplace,
	)

	var response struct {
		Results []FoundListing `json:"results"`
	}
	if err := a.llm.ExtractJSON(ctx, listingSearchSystem, prompt, &response); err != nil {
		return nil, fmt.Errorf("discover %s listings: %w", marketplace, err)
	}

	listings := make([]FoundListing, 0, len(response.Results))
	seen := make(map[string]struct{}, len(response.Results))
	for _, result := range response.Results {
		trimmedURL := strings.TrimSpace(result.URL)
		if !isHTTPURL(trimmedURL) {
			continue
		}
		if _, ok := seen[trimmedURL]; ok {
			continue
		}
		seen[trimmedURL] = struct{}{}

		result.URL = trimmedURL
		result.Title = strings.TrimSpace(result.Title)
		listings = append(listings, result)
		if len(listings) == a.limit {
			break
		}
	}
	return listings, nil
}

func isHTTPURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}
