// Package ingest turns discovered review sources into structured reviews
// with aspect-level opinions.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/discovery"
	"horse.fit/shoplens/internal/llm"
)

// ErrUnsupportedLanguage marks a source whose content is not English. The
// source is skipped, not treated as a scrape failure.
var ErrUnsupportedLanguage = errors.New("review content is not in a supported language")

// ExtractedOpinion is one aspect-level judgment pulled out of a review.
type ExtractedOpinion struct {
	Aspect    string  `json:"aspect"`
	Sentiment float64 `json:"sentiment"`
	Quote     string  `json:"quote"`
}

// ExtractedReview is the structured form of one ingested source.
type ExtractedReview struct {
	Source       discovery.Source
	Title        string
	RawLength    int
	QualityScore float64
	Opinions     []ExtractedOpinion
}

type completer interface {
	ExtractJSON(ctx context.Context, system, user string, out any) error
}

// Adapter extracts structured reviews from blog pages and video URLs.
type Adapter struct {
	llm    completer
	fetch  FetchOptions
	logger zerolog.Logger
}

// NewAdapter builds an ingestion adapter with default fetch options.
func NewAdapter(client *llm.Client, logger zerolog.Logger) *Adapter {
	return &Adapter{
		llm:    client,
		logger: logger.With().Str("component", "ingest").Logger(),
	}
}

const extractionSystem = `You analyze a single product review and extract the
reviewer's judgments. Respond with a JSON object of the form {"title": "...",
"opinions": [{"aspect": "...", "sentiment": 0.0, "quote": "..."}]} and
nothing else. Aspects are short lowercase nouns like "battery life" or
"comfort". Sentiment is a number in [-1, 1]. Quotes are verbatim short
excerpts supporting the judgment. Only report judgments actually present in
the review.`

// The extraction prompt caps content so one long page cannot blow the
// context window.
const maxExtractChars = 24000

// Ingest extracts one source. Blog sources are fetched and read locally;
// video sources are analyzed by the model from the URL.
func (a *Adapter) Ingest(ctx context.Context, productName string, source discovery.Source) (*ExtractedReview, error) {
	switch source.Platform {
	case discovery.PlatformBlog:
		return a.ingestBlog(ctx, productName, source)
	case discovery.PlatformVideo:
		return a.ingestVideo(ctx, productName, source)
	default:
		return nil, fmt.Errorf("unknown source platform %q", source.Platform)
	}
}

func (a *Adapter) ingestBlog(ctx context.Context, productName string, source discovery.Source) (*ExtractedReview, error) {
	text, err := FetchReviewText(ctx, source.URL, a.fetch)
	if err != nil {
		return nil, fmt.Errorf("fetch review page: %w", err)
	}
	if !IsEnglish(text) {
		return nil, ErrUnsupportedLanguage
	}

	rawLength := len(text)
	clipped, _ := TruncateText(text, maxExtractChars)

	prompt := fmt.Sprintf(
		"This is the text of a written review of the product %q from %s.\n\n%s",
		productName, source.URL, clipped,
	)
	return a.extract(ctx, source, prompt, rawLength)
}

func (a *Adapter) ingestVideo(ctx context.Context, productName string, source discovery.Source) (*ExtractedReview, error) {
	prompt := fmt.Sprintf(
		"Watch or research the video review of the product %q at %s "+
			"(title: %q, channel: %q) and extract the reviewer's judgments. "+
			"If you cannot access the video, respond with an empty opinions list.",
		productName, source.URL, source.Title, source.ChannelOrDomain,
	)
	return a.extract(ctx, source, prompt, 0)
}

func (a *Adapter) extract(ctx context.Context, source discovery.Source, prompt string, rawLength int) (*ExtractedReview, error) {
	var response struct {
		Title    string             `json:"title"`
		Opinions []ExtractedOpinion `json:"opinions"`
	}
	if err := a.llm.ExtractJSON(ctx, extractionSystem, prompt, &response); err != nil {
		return nil, fmt.Errorf("extract opinions: %w", err)
	}

	opinions := make([]ExtractedOpinion, 0, len(response.Opinions))
	for _, opinion := range response.Opinions {
		aspect := strings.TrimSpace(strings.ToLower(opinion.Aspect))
		if aspect == "" {
			continue
		}
		opinion.Aspect = aspect
		opinion.Quote = strings.TrimSpace(opinion.Quote)
		opinions = append(opinions, opinion)
	}
	if len(opinions) == 0 {
		return nil, fmt.Errorf("review yielded no opinions")
	}

	title := strings.TrimSpace(response.Title)
	if title == "" {
		title = source.Title
	}

	review := &ExtractedReview{
		Source:       source,
		Title:        title,
		RawLength:    rawLength,
		QualityScore: qualityScore(len(opinions), rawLength),
		Opinions:     opinions,
	}
	a.logger.Debug().
		Str("url", source.URL).
		Int("opinions", len(opinions)).
		Float64("quality", review.QualityScore).
		Msg("ingested review")
	return review, nil
}

// qualityScore favors reviews with many distinct judgments and substantial
// source text, normalized into [0, 1].
func qualityScore(opinionCount, rawLength int) float64 {
	opinionPart := float64(opinionCount) / 10
	if opinionPart > 1 {
		opinionPart = 1
	}
	lengthPart := float64(rawLength) / 20000
	if lengthPart > 1 {
		lengthPart = 1
	}
	return 0.7*opinionPart + 0.3*lengthPart
}
