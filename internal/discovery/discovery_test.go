package discovery

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

type stubCompleter struct {
	payload string
	err     error
}

func (s *stubCompleter) ExtractJSON(_ context.Context, _, _ string, out any) error {
	if s.err != nil {
		return s.err
	}
	return json.Unmarshal([]byte(s.payload), out)
}

func TestVideoReviewsFiltersAndCaps(t *testing.T) {
	t.Parallel()

	adapter := &Adapter{
		llm: &stubCompleter{payload: `{"results": [
			{"url": "https://video.example/watch?v=1", "title": "First", "reviewer_name": "Alice", "channel_or_domain": "AliceReviews"},
			{"url": "ftp://bad.example/file", "title": "Bad scheme"},
			{"url": "https://video.example/watch?v=1", "title": "Duplicate"},
			{"url": "https://video.example/watch?v=2", "title": "Second", "channel_or_domain": "OtherChannel"},
			{"url": "https://video.example/watch?v=3", "title": "Third"}
		]}`},
		limit:  2,
		logger: zerolog.Nop(),
	}

	sources, err := adapter.VideoReviews(context.Background(), "sony wh-1000xm5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("expected two sources, got %d", len(sources))
	}
	if sources[0].URL != "https://video.example/watch?v=1" {
		t.Fatalf("unexpected first source: %+v", sources[0])
	}
	if sources[0].Platform != PlatformVideo {
		t.Fatalf("expected video platform, got %q", sources[0].Platform)
	}
	if sources[0].ChannelOrDomain != "alicereviews" {
		t.Fatalf("expected lowercased channel, got %q", sources[0].ChannelOrDomain)
	}
	if sources[1].URL != "https://video.example/watch?v=2" {
		t.Fatalf("unexpected second source: %+v", sources[1])
	}
}

func TestMarketplaceListingsKeepsRawRatings(t *testing.T) {
	t.Parallel()

	adapter := &Adapter{
		llm: &stubCompleter{payload: `{"results": [
			{"url": "https://shop.example/item/1", "title": "Listing", "price": 199.99, "currency": "USD", "seller_rating": 98.5},
			{"url": "not-a-url", "title": "Broken"}
		]}`},
		limit:  5,
		logger: zerolog.Nop(),
	}

	listings, err := adapter.MarketplaceListings(context.Background(), "sony wh-1000xm5", "ebay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("expected one listing, got %d", len(listings))
	}
	if listings[0].SellerRating == nil || *listings[0].SellerRating != 98.5 {
		t.Fatalf("expected rating to be passed through unnormalized, got %+v", listings[0].SellerRating)
	}
}
