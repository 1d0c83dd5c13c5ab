package reviews

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/db"
	"horse.fit/shoplens/internal/discovery"
	"horse.fit/shoplens/internal/freshness"
	"horse.fit/shoplens/internal/ingest"
	"horse.fit/shoplens/internal/progress"
)

type stubStore struct {
	mu sync.Mutex

	products      map[string]*db.ProductRecord
	reviewers     map[string]*db.ReviewerRecord
	reviewURLs    map[int64]map[string]struct{}
	reviews       []db.ReviewRecord
	opinions      []db.OpinionRecord
	consensusRows []db.ConsensusRecord

	nextProductID  int64
	nextReviewerID int64
	nextReviewID   int64

	refreshedAt *time.Time
}

func newStubStore() *stubStore {
	return &stubStore{
		products:   make(map[string]*db.ProductRecord),
		reviewers:  make(map[string]*db.ReviewerRecord),
		reviewURLs: make(map[int64]map[string]struct{}),
	}
}

func (s *stubStore) GetProductByCanonicalName(_ context.Context, canonicalName string) (*db.ProductRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.products[canonicalName]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (s *stubStore) UpsertProduct(_ context.Context, canonicalName, displayName string, _ []string, now time.Time) (*db.ProductRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record, ok := s.products[canonicalName]; ok {
		record.DisplayName = displayName
		clone := *record
		return &clone, nil
	}
	s.nextProductID++
	record := &db.ProductRecord{
		ProductID:     s.nextProductID,
		CanonicalName: canonicalName,
		DisplayName:   displayName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.products[canonicalName] = record
	clone := *record
	return &clone, nil
}

func (s *stubStore) SetLastReviewRefresh(_ context.Context, productID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.products {
		if record.ProductID == productID {
			stamp := now
			record.LastReviewRefreshAt = &stamp
			s.refreshedAt = &stamp
			return nil
		}
	}
	return db.ErrNoRows
}

func (s *stubStore) GetOrCreateReviewer(_ context.Context, name, platform, channelOrDomain string, _ time.Time) (*db.ReviewerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := platform + "/" + channelOrDomain
	if record, ok := s.reviewers[key]; ok {
		return record, nil
	}
	s.nextReviewerID++
	record := &db.ReviewerRecord{
		ReviewerID:      s.nextReviewerID,
		Name:            name,
		Platform:        platform,
		ChannelOrDomain: channelOrDomain,
	}
	s.reviewers[key] = record
	return record, nil
}

func (s *stubStore) InsertReview(_ context.Context, productID, reviewerID int64, review db.NewReview, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls, ok := s.reviewURLs[productID]
	if !ok {
		urls = make(map[string]struct{})
		s.reviewURLs[productID] = urls
	}
	if _, exists := urls[review.SourceURL]; exists {
		return false, nil
	}
	urls[review.SourceURL] = struct{}{}

	s.nextReviewID++
	s.reviews = append(s.reviews, db.ReviewRecord{
		ReviewID:     s.nextReviewID,
		ProductID:    productID,
		ReviewerID:   reviewerID,
		ReviewerName: review.ReviewerName,
		Platform:     review.Platform,
		SourceURL:    review.SourceURL,
		Title:        review.Title,
		RawLength:    review.RawLength,
		QualityScore: review.QualityScore,
		IngestedAt:   now,
	})
	for _, opinion := range review.Opinions {
		s.opinions = append(s.opinions, db.OpinionRecord{
			ReviewID:   s.nextReviewID,
			ReviewerID: reviewerID,
			Aspect:     opinion.Aspect,
			Sentiment:  opinion.Sentiment,
			Quote:      opinion.Quote,
		})
	}
	return true, nil
}

func (s *stubStore) ListReviewSourceURLs(_ context.Context, productID int64) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make(map[string]struct{}, len(s.reviewURLs[productID]))
	for url := range s.reviewURLs[productID] {
		urls[url] = struct{}{}
	}
	return urls, nil
}

func (s *stubStore) ListProductReviews(_ context.Context, productID int64) ([]db.ReviewRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]db.ReviewRecord, 0, len(s.reviews))
	for _, review := range s.reviews {
		if review.ProductID == productID {
			items = append(items, review)
		}
	}
	return items, nil
}

func (s *stubStore) ListProductOpinions(_ context.Context, productID int64) ([]db.OpinionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reviewIDs := make(map[int64]struct{})
	for _, review := range s.reviews {
		if review.ProductID == productID {
			reviewIDs[review.ReviewID] = struct{}{}
		}
	}
	items := make([]db.OpinionRecord, 0, len(s.opinions))
	for _, opinion := range s.opinions {
		if _, ok := reviewIDs[opinion.ReviewID]; ok {
			items = append(items, opinion)
		}
	}
	return items, nil
}

func (s *stubStore) ReplaceConsensus(_ context.Context, productID int64, entries []db.ConsensusRecord, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.consensusRows[:0]
	for _, row := range s.consensusRows {
		if row.ProductID != productID {
			kept = append(kept, row)
		}
	}
	s.consensusRows = kept
	for _, entry := range entries {
		entry.ProductID = productID
		s.consensusRows = append(s.consensusRows, entry)
	}
	return nil
}

func (s *stubStore) ListProductConsensus(_ context.Context, productID int64) ([]db.ConsensusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]db.ConsensusRecord, 0, len(s.consensusRows))
	for _, row := range s.consensusRows {
		if row.ProductID == productID {
			items = append(items, row)
		}
	}
	return items, nil
}

func (s *stubStore) CountProductReviews(_ context.Context, productID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, review := range s.reviews {
		if review.ProductID == productID {
			count++
		}
	}
	return count, nil
}

type stubDiscoverer struct {
	video    []discovery.Source
	blog     []discovery.Source
	videoErr error
	blogErr  error
}

func (s *stubDiscoverer) VideoReviews(context.Context, string) ([]discovery.Source, error) {
	return s.video, s.videoErr
}

func (s *stubDiscoverer) BlogReviews(context.Context, string) ([]discovery.Source, error) {
	return s.blog, s.blogErr
}

type blockingDiscoverer struct {
	started   chan struct{}
	block     chan struct{}
	sources   []discovery.Source
	calls     atomic.Int32
	startOnce sync.Once
}

func (b *blockingDiscoverer) VideoReviews(context.Context, string) ([]discovery.Source, error) {
	b.calls.Add(1)
	b.startOnce.Do(func() { close(b.started) })
	<-b.block
	return b.sources, nil
}

func (b *blockingDiscoverer) BlogReviews(context.Context, string) ([]discovery.Source, error) {
	<-b.block
	return nil, nil
}

type stubIngester struct {
	failures map[string]error
}

func (s *stubIngester) Ingest(_ context.Context, _ string, source discovery.Source) (*ingest.ExtractedReview, error) {
	if err, ok := s.failures[source.URL]; ok {
		return nil, err
	}
	return &ingest.ExtractedReview{
		Source:       source,
		Title:        source.Title,
		RawLength:    5000,
		QualityScore: 0.5,
		Opinions: []ingest.ExtractedOpinion{
			{Aspect: "battery life", Sentiment: 0.8, Quote: "great battery"},
			{Aspect: "comfort", Sentiment: 0.4, Quote: "fits well"},
		},
	}, nil
}

func testPipeline(store Store, discoverer Discoverer, ingester Ingester) *Pipeline {
	return NewPipeline(store, discoverer, ingester, Options{
		Gate:        freshness.NewGate(168*time.Hour, 24*time.Hour),
		Concurrency: 2,
		CallTimeout: time.Second,
		LockWaitMax: time.Second,
	}, zerolog.Nop())
}

func TestGatherFirstRunPersistsReviewsAndConsensus(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	pipeline := testPipeline(store, &stubDiscoverer{
		video: []discovery.Source{
			{URL: "https://video.example/1", Title: "Video review", ReviewerName: "Alice", ChannelOrDomain: "alice", Platform: discovery.PlatformVideo},
		},
		blog: []discovery.Source{
			{URL: "https://blog.example/1", Title: "Blog review", ChannelOrDomain: "blog.example", Platform: discovery.PlatformBlog},
		},
	}, &stubIngester{})

	result, err := pipeline.Gather(context.Background(), " Sony  WH-1000XM5 ", false, progress.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.FromCache {
		t.Fatalf("did not expect a cache hit on first run")
	}
	if result.NewReviews != 2 {
		t.Fatalf("expected two new reviews, got %d", result.NewReviews)
	}
	if result.TotalReviews != 2 {
		t.Fatalf("expected two total reviews, got %d", result.TotalReviews)
	}
	if len(result.Reviews) != 2 {
		t.Fatalf("expected the gathered reviews in the result, got %d", len(result.Reviews))
	}
	for _, review := range result.Reviews {
		if review.SourceURL == "" {
			t.Fatalf("expected review records with source urls, got %+v", review)
		}
	}
	if result.Product.CanonicalName != "sony wh-1000xm5" {
		t.Fatalf("unexpected canonical name: %q", result.Product.CanonicalName)
	}
	if store.refreshedAt == nil {
		t.Fatalf("expected refresh marker to advance")
	}
	if len(store.consensusRows) == 0 {
		t.Fatalf("expected consensus to be recomputed")
	}
}

func TestGatherUsesCacheWhenFresh(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	discoverer := &stubDiscoverer{
		video: []discovery.Source{
			{URL: "https://video.example/1", Title: "Video review", ChannelOrDomain: "alice", Platform: discovery.PlatformVideo},
		},
	}
	pipeline := testPipeline(store, discoverer, &stubIngester{})

	if _, err := pipeline.Gather(context.Background(), "sony wh-1000xm5", false, progress.Nop{}); err != nil {
		t.Fatalf("first gather failed: %v", err)
	}

	second, err := pipeline.Gather(context.Background(), "sony wh-1000xm5", false, progress.Nop{})
	if err != nil {
		t.Fatalf("second gather failed: %v", err)
	}
	if !second.FromCache {
		t.Fatalf("expected cache hit within TTL")
	}
	if second.NewReviews != 0 {
		t.Fatalf("expected no new reviews on cache hit, got %d", second.NewReviews)
	}
	if len(second.Reviews) != 1 || second.Reviews[0].SourceURL != "https://video.example/1" {
		t.Fatalf("expected cached reviews in the result, got %+v", second.Reviews)
	}
}

func TestGatherForceBypassesCache(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	discoverer := &stubDiscoverer{
		video: []discovery.Source{
			{URL: "https://video.example/1", Title: "Video review", ChannelOrDomain: "alice", Platform: discovery.PlatformVideo},
		},
	}
	pipeline := testPipeline(store, discoverer, &stubIngester{})

	if _, err := pipeline.Gather(context.Background(), "sony wh-1000xm5", false, progress.Nop{}); err != nil {
		t.Fatalf("first gather failed: %v", err)
	}

	discoverer.video = append(discoverer.video, discovery.Source{
		URL: "https://video.example/2", Title: "Newer review", ChannelOrDomain: "bob", Platform: discovery.PlatformVideo,
	})

	forced, err := pipeline.Gather(context.Background(), "sony wh-1000xm5", true, progress.Nop{})
	if err != nil {
		t.Fatalf("forced gather failed: %v", err)
	}
	if forced.FromCache {
		t.Fatalf("expected forced gather to bypass cache")
	}
	if forced.SkippedKnown != 1 {
		t.Fatalf("expected the known URL to be skipped, got %d", forced.SkippedKnown)
	}
	if forced.NewReviews != 1 {
		t.Fatalf("expected one new review, got %d", forced.NewReviews)
	}
}

func TestGatherToleratesPartialFailures(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	pipeline := testPipeline(store, &stubDiscoverer{
		video: []discovery.Source{
			{URL: "https://video.example/ok", Title: "Good", ChannelOrDomain: "alice", Platform: discovery.PlatformVideo},
			{URL: "https://video.example/broken", Title: "Broken", ChannelOrDomain: "bob", Platform: discovery.PlatformVideo},
			{URL: "https://blog.example/german", Title: "German", ChannelOrDomain: "blog.de", Platform: discovery.PlatformBlog},
		},
	}, &stubIngester{failures: map[string]error{
		"https://video.example/broken": errors.New("fetch status 404"),
		"https://blog.example/german":  ingest.ErrUnsupportedLanguage,
	}})

	result, err := pipeline.Gather(context.Background(), "sony wh-1000xm5", false, progress.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NewReviews != 1 {
		t.Fatalf("expected one successful review, got %d", result.NewReviews)
	}
	if len(result.Failures) != 2 {
		t.Fatalf("expected two failures, got %d", len(result.Failures))
	}
	reasons := map[string]string{}
	for _, failure := range result.Failures {
		reasons[failure.URL] = failure.Reason
	}
	if reasons["https://video.example/broken"] != ReasonScrapeFailed {
		t.Fatalf("unexpected reason for broken source: %q", reasons["https://video.example/broken"])
	}
	if reasons["https://blog.example/german"] != ReasonUnsupportedLanguage {
		t.Fatalf("unexpected reason for non-English source: %q", reasons["https://blog.example/german"])
	}
}

func TestGatherFailsWhenAllDiscoveryFails(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	pipeline := testPipeline(store, &stubDiscoverer{
		videoErr: errors.New("search unavailable"),
		blogErr:  errors.New("search unavailable"),
	}, &stubIngester{})

	if _, err := pipeline.Gather(context.Background(), "sony wh-1000xm5", false, progress.Nop{}); err == nil {
		t.Fatalf("expected an error when every discovery channel fails")
	}
	if store.refreshedAt != nil {
		t.Fatalf("did not expect refresh marker to advance after a failed run")
	}
}

func TestGatherNoSourcesLeavesMarkerUntouched(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	pipeline := testPipeline(store, &stubDiscoverer{}, &stubIngester{})

	result, err := pipeline.Gather(context.Background(), "obscure gadget", false, progress.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalReviews != 0 {
		t.Fatalf("expected no reviews, got %d", result.TotalReviews)
	}
	if store.refreshedAt != nil {
		t.Fatalf("expected refresh marker to stay unset when nothing was persisted")
	}
}

func TestGatherDeduplicatesConcurrentRuns(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	block := make(chan struct{})
	started := make(chan struct{})
	discoverer := &blockingDiscoverer{
		started: started,
		block:   block,
		sources: []discovery.Source{
			{URL: "https://video.example/1", Title: "Video review", ChannelOrDomain: "alice", Platform: discovery.PlatformVideo},
		},
	}
	pipeline := testPipeline(store, discoverer, &stubIngester{})

	var (
		wg      sync.WaitGroup
		results [2]*Result
		errs    [2]error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = pipeline.Gather(context.Background(), "sony wh-1000xm5", false, progress.Nop{})
	}()

	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = pipeline.Gather(context.Background(), "Sony WH-1000XM5", false, progress.Nop{})
	}()

	time.Sleep(10 * time.Millisecond)
	close(block)
	wg.Wait()

	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("unexpected errors: %v %v", errs[0], errs[1])
	}
	if discoverer.calls.Load() != 1 {
		t.Fatalf("expected one discovery pass, got %d", discoverer.calls.Load())
	}
	if !results[1].Deduplicated && !results[0].Deduplicated {
		t.Fatalf("expected one caller to be marked deduplicated")
	}
}

func TestSummaryUnknownProduct(t *testing.T) {
	t.Parallel()

	pipeline := testPipeline(newStubStore(), &stubDiscoverer{}, &stubIngester{})
	summary, err := pipeline.Summary(context.Background(), "never gathered")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary != nil {
		t.Fatalf("expected nil summary for unknown product")
	}
}
