// Package chat runs the tool-calling loop that answers product questions
// from gathered data only.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/coordinator"
	"horse.fit/shoplens/internal/db"
	"horse.fit/shoplens/internal/globaltime"
	"horse.fit/shoplens/internal/marketplace"
	"horse.fit/shoplens/internal/progress"
	"horse.fit/shoplens/internal/reviews"
	"horse.fit/shoplens/internal/tools"
)

// The model answers from tool results only. Prior product knowledge is off
// limits so every claim traces back to a gathered review or listing.
const systemDirective = `You are ShopLens, a product research assistant.
You know nothing about any product from memory. Every factual claim about a
product must come from data returned by your tools in this conversation.
Before gathering reviews for a product, call check_product_cache first. When
the cache is fresh, use get_reviews_summary instead of regathering. When a
tool reports an error, tell the user what failed instead of inventing a
result. Cite reviewer names and sources when summarizing opinions. If you
lack data to answer, say so and gather it.`

const (
	defaultHistoryWindow = 20
	autoTitleMaxChars    = 50
	maxToolConcurrency   = 5
)

// Store is the conversation persistence surface.
type Store interface {
	CreateConversation(ctx context.Context, title string, now time.Time) (*db.ConversationRecord, error)
	GetConversationByUUID(ctx context.Context, conversationUUID string) (*db.ConversationRecord, error)
	AddMessage(ctx context.Context, conversationID int64, role, content string, sources, attachments json.RawMessage, now time.Time) (*db.MessageRecord, error)
	ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]db.MessageRecord, error)
}

// Invoker dispatches one validated tool call.
type Invoker interface {
	Invoke(ctx context.Context, name string, rawArgs json.RawMessage, sink progress.Sink) (any, *tools.ToolError)
}

// Completer performs one chat completion.
type Completer interface {
	Complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, toolDefs []openai.ChatCompletionToolParam) (*openai.ChatCompletion, error)
}

// ToolCallRecord is the audit entry for one dispatched tool call.
type ToolCallRecord struct {
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
	Failed    bool   `json:"failed"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// Source is one URL the answer draws on.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Kind  string `json:"kind"`
}

// Attachments carries the structured payloads shown alongside an answer.
type Attachments struct {
	ReviewerCards       []reviews.ReviewerCard `json:"reviewer_cards,omitempty"`
	MarketplaceListings []db.ListingRecord     `json:"marketplace_listings,omitempty"`
}

// TurnResult is the outcome of one user turn.
type TurnResult struct {
	ConversationUUID string           `json:"conversation_uuid"`
	Answer           string           `json:"answer"`
	Caveat           bool             `json:"caveat"`
	Sources          []Source         `json:"sources,omitempty"`
	Attachments      Attachments      `json:"attachments"`
	ToolCalls        []ToolCallRecord `json:"tool_calls,omitempty"`
	Rounds           int              `json:"rounds"`
}

// Options bounds the loop.
type Options struct {
	RoundBudget   int
	GuardRetries  int
	TurnDeadline  time.Duration
	HistoryWindow int
}

// Service owns the orchestration loop.
type Service struct {
	store    Store
	llm      Completer
	registry Invoker
	opts     Options
	logger   zerolog.Logger
}

// NewService builds a chat service.
func NewService(store Store, llm Completer, registry Invoker, opts Options, logger zerolog.Logger) *Service {
	if opts.RoundBudget <= 0 {
		opts.RoundBudget = 8
	}
	if opts.GuardRetries < 0 {
		opts.GuardRetries = 0
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = defaultHistoryWindow
	}
	return &Service{
		store:    store,
		llm:      llm,
		registry: registry,
		opts:     opts,
		logger:   logger.With().Str("component", "chat").Logger(),
	}
}

// Handle runs one user turn. An empty conversationUUID starts a new
// conversation titled after the message. Any failure is also published to
// the sink so streaming clients see it before the connection closes.
func (s *Service) Handle(ctx context.Context, conversationUUID, userMessage string, sink progress.Sink) (*TurnResult, error) {
	result, err := s.handle(ctx, conversationUUID, userMessage, sink)
	if err != nil {
		sink.Publish(progress.Event{Type: progress.TypeError, Message: err.Error()})
		return nil, err
	}
	return result, nil
}

func (s *Service) handle(ctx context.Context, conversationUUID, userMessage string, sink progress.Sink) (*TurnResult, error) {
	trimmed := strings.TrimSpace(userMessage)
	if trimmed == "" {
		return nil, fmt.Errorf("message is required")
	}

	if s.opts.TurnDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TurnDeadline)
		defer cancel()
	}

	conversation, err := s.resolveConversation(ctx, conversationUUID, trimmed)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.AddMessage(ctx, conversation.ConversationID, "user", trimmed, nil, nil, globaltime.Now()); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	history, err := s.loadHistory(ctx, conversation.ConversationID)
	if err != nil {
		return nil, err
	}

	turn := &turnState{sink: sink}
	answer, err := s.runLoop(ctx, history, turn)
	if err != nil {
		return nil, err
	}

	result := &TurnResult{
		ConversationUUID: conversation.ConversationUUID,
		Answer:           answer,
		Caveat:           turn.caveat,
		Sources:          turn.sources,
		Attachments:      turn.attachments,
		ToolCalls:        turn.audit,
		Rounds:           turn.rounds,
	}

	sourcesJSON, attachmentsJSON := marshalTurnPayloads(result)
	if _, err := s.store.AddMessage(ctx, conversation.ConversationID, "assistant", answer, sourcesJSON, attachmentsJSON, globaltime.Now()); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	sink.Publish(progress.Event{Type: progress.TypeAnswer, Message: answer})
	return result, nil
}

type turnState struct {
	sink        progress.Sink
	rounds      int
	guardUses   int
	caveat      bool
	dataRounds  int
	sources     []Source
	attachments Attachments
	audit       []ToolCallRecord
}

func (s *Service) runLoop(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, turn *turnState) (string, error) {
	for turn.rounds < s.opts.RoundBudget {
		turn.rounds++

		completion, err := s.llm.Complete(ctx, messages, tools.Definitions())
		if err != nil {
			return "", fmt.Errorf("completion round %d: %w", turn.rounds, err)
		}

		message := completion.Choices[0].Message
		if len(message.ToolCalls) > 0 {
			messages = append(messages, message.ToParam())
			messages = append(messages, s.dispatch(ctx, message.ToolCalls, turn)...)
			continue
		}

		answer := strings.TrimSpace(message.Content)
		if answer == "" {
			return "", fmt.Errorf("model returned an empty answer")
		}

		if s.guardTriggers(answer, turn) {
			turn.guardUses++
			s.logger.Warn().Int("round", turn.rounds).Msg("ungrounded answer rejected")
			messages = append(messages, message.ToParam(), openai.SystemMessage(
				"Your answer makes product claims but no tool returned data this turn. "+
					"Do not answer from memory. Call the tools to gather data, or say you cannot answer."))
			continue
		}

		return answer, nil
	}

	return s.forcedSummary(ctx, messages, turn)
}

// forcedSummary produces a best-effort answer after the round budget is
// spent, flagged so the caller can caveat it.
func (s *Service) forcedSummary(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, turn *turnState) (string, error) {
	turn.caveat = true
	messages = append(messages, openai.SystemMessage(
		"Research time is up. Answer the user's question now using only the tool "+
			"results above. State explicitly that the research was cut short and "+
			"which parts are incomplete."))

	completion, err := s.llm.Complete(ctx, messages, nil)
	if err != nil {
		return "", fmt.Errorf("forced summary: %w", err)
	}
	answer := strings.TrimSpace(completion.Choices[0].Message.Content)
	if answer == "" {
		return "", fmt.Errorf("model returned an empty forced summary")
	}
	return answer, nil
}

type toolOutcome struct {
	payload string
	record  ToolCallRecord
	result  any
}

// dispatch runs a round's tool calls through the bounded pool and returns
// their tool messages in call order.
func (s *Service) dispatch(ctx context.Context, calls []openai.ChatCompletionMessageToolCall, turn *turnState) []openai.ChatCompletionMessageParamUnion {
	outcomes := coordinator.RunBounded(ctx, calls, maxToolConcurrency, 0,
		func(ctx context.Context, call openai.ChatCompletionMessageToolCall) (toolOutcome, error) {
			name := call.Function.Name
			args := json.RawMessage(call.Function.Arguments)
			turn.sink.Publish(progress.Event{Type: progress.TypeToolCall, Step: name, Status: progress.StatusStarted})

			result, toolErr := s.registry.Invoke(ctx, name, args, turn.sink)
			record := ToolCallRecord{Tool: name, Arguments: call.Function.Arguments}

			var payload []byte
			if toolErr != nil {
				record.Failed = true
				record.ErrorKind = toolErr.Kind
				payload, _ = json.Marshal(toolErr)
				turn.sink.Publish(progress.Event{Type: progress.TypeToolResult, Step: name, Status: progress.StatusFailed, Message: toolErr.Message})
			} else {
				payload, _ = json.Marshal(result)
				turn.sink.Publish(progress.Event{Type: progress.TypeToolResult, Step: name, Status: progress.StatusFinished})
			}

			return toolOutcome{payload: string(payload), record: record, result: result}, nil
		})

	replies := make([]openai.ChatCompletionMessageParamUnion, 0, len(calls))
	for i, call := range calls {
		outcome := outcomes[i].Result
		turn.audit = append(turn.audit, outcome.record)
		if !outcome.record.Failed {
			turn.dataRounds++
			s.collect(outcome.result, turn)
		}
		replies = append(replies, openai.ToolMessage(outcome.payload, call.ID))
	}
	return replies
}

// collect harvests sources and attachments from successful tool results.
func (s *Service) collect(result any, turn *turnState) {
	switch value := result.(type) {
	case *reviews.Result:
		if len(value.Reviews) > 0 {
			turn.attachments.ReviewerCards = reviews.BuildReviewerCards(value.Reviews)
		}
		for _, review := range value.Reviews {
			turn.addSource(Source{URL: review.SourceURL, Title: review.Title, Kind: "review"})
		}
	case *reviews.ProductSummary:
		turn.attachments.ReviewerCards = value.ReviewerCards
		for _, review := range value.Reviews {
			turn.addSource(Source{URL: review.SourceURL, Title: review.Title, Kind: "review"})
		}
	case *marketplace.Result:
		turn.attachments.MarketplaceListings = value.Listings
		for _, listing := range value.Listings {
			turn.addSource(Source{URL: listing.ListingURL, Title: listing.Title, Kind: "listing"})
		}
	case tools.Comparison:
		for _, summary := range value.Products {
			for _, review := range summary.Reviews {
				turn.addSource(Source{URL: review.SourceURL, Title: review.Title, Kind: "review"})
			}
		}
	}
}

func (t *turnState) addSource(source Source) {
	for _, existing := range t.sources {
		if existing.URL == source.URL {
			return
		}
	}
	t.sources = append(t.sources, source)
}

// guardTriggers reports whether an answer makes product claims without any
// tool having returned data this turn.
func (s *Service) guardTriggers(answer string, turn *turnState) bool {
	if turn.dataRounds > 0 {
		return false
	}
	if turn.guardUses >= s.opts.GuardRetries {
		return false
	}
	return containsProductClaims(answer)
}

var claimMarkers = []string{
	"review", "reviewer", "rating", "stars", "consensus",
	"price", "$", "listing", "seller", "best seller",
	"battery", "according to",
}

func containsProductClaims(answer string) bool {
	lowered := strings.ToLower(answer)
	for _, marker := range claimMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func (s *Service) resolveConversation(ctx context.Context, conversationUUID, firstMessage string) (*db.ConversationRecord, error) {
	if strings.TrimSpace(conversationUUID) != "" {
		conversation, err := s.store.GetConversationByUUID(ctx, conversationUUID)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		return conversation, nil
	}

	conversation, err := s.store.CreateConversation(ctx, autoTitle(firstMessage), globaltime.Now())
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conversation, nil
}

func (s *Service) loadHistory(ctx context.Context, conversationID int64) ([]openai.ChatCompletionMessageParamUnion, error) {
	stored, err := s.store.ListRecentMessages(ctx, conversationID, s.opts.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(stored)+1)
	messages = append(messages, openai.SystemMessage(systemDirective))
	for _, message := range stored {
		switch message.Role {
		case "user":
			messages = append(messages, openai.UserMessage(message.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(message.Content))
		}
	}
	return messages, nil
}

// autoTitle derives a conversation title from the opening message.
func autoTitle(message string) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) <= autoTitleMaxChars {
		return string(runes)
	}
	return string(runes[:autoTitleMaxChars]) + "..."
}

func marshalTurnPayloads(result *TurnResult) (json.RawMessage, json.RawMessage) {
	var sourcesJSON json.RawMessage
	if len(result.Sources) > 0 {
		sourcesJSON, _ = json.Marshal(result.Sources)
	}

	var attachmentsJSON json.RawMessage
	if len(result.Attachments.ReviewerCards) > 0 || len(result.Attachments.MarketplaceListings) > 0 {
		attachmentsJSON, _ = json.Marshal(result.Attachments)
	}
	return sourcesJSON, attachmentsJSON
}
