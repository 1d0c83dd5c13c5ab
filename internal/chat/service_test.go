package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/db"
	"horse.fit/shoplens/internal/progress"
	"horse.fit/shoplens/internal/reviews"
	"horse.fit/shoplens/internal/tools"
)

type stubStore struct {
	mu            sync.Mutex
	conversations map[string]*db.ConversationRecord
	messages      map[int64][]db.MessageRecord
	nextID        int64
}

func newStubStore() *stubStore {
	return &stubStore{
		conversations: make(map[string]*db.ConversationRecord),
		messages:      make(map[int64][]db.MessageRecord),
	}
}

func (s *stubStore) CreateConversation(_ context.Context, title string, now time.Time) (*db.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	record := &db.ConversationRecord{
		ConversationID:   s.nextID,
		ConversationUUID: fmt.Sprintf("conv-%d", s.nextID),
		Title:            title,
		CreatedAt:        now,
	}
	s.conversations[record.ConversationUUID] = record
	return record, nil
}

func (s *stubStore) GetConversationByUUID(_ context.Context, conversationUUID string) (*db.ConversationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.conversations[conversationUUID]
	if !ok {
		return nil, db.ErrNoRows
	}
	return record, nil
}

func (s *stubStore) AddMessage(_ context.Context, conversationID int64, role, content string, sources, attachments json.RawMessage, now time.Time) (*db.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := db.MessageRecord{
		Role:        role,
		Content:     content,
		Sources:     sources,
		Attachments: attachments,
		CreatedAt:   now,
	}
	s.messages[conversationID] = append(s.messages[conversationID], record)
	return &record, nil
}

func (s *stubStore) ListRecentMessages(_ context.Context, conversationID int64, limit int) ([]db.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.messages[conversationID]
	if len(stored) > limit {
		stored = stored[len(stored)-limit:]
	}
	return append([]db.MessageRecord(nil), stored...), nil
}

type scriptedCompleter struct {
	mu        sync.Mutex
	responses []*openai.ChatCompletion
	calls     int
	toolless  []bool
}

func (c *scriptedCompleter) Complete(_ context.Context, _ []openai.ChatCompletionMessageParamUnion, toolDefs []openai.ChatCompletionToolParam) (*openai.ChatCompletion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls >= len(c.responses) {
		return nil, fmt.Errorf("no scripted response for call %d", c.calls+1)
	}
	response := c.responses[c.calls]
	c.calls++
	c.toolless = append(c.toolless, len(toolDefs) == 0)
	return response, nil
}

type stubInvoker struct {
	mu      sync.Mutex
	results map[string]any
	errs    map[string]*tools.ToolError
	invoked []string
}

func (s *stubInvoker) Invoke(_ context.Context, name string, _ json.RawMessage, _ progress.Sink) (any, *tools.ToolError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoked = append(s.invoked, name)
	if toolErr, ok := s.errs[name]; ok {
		return nil, toolErr
	}
	return s.results[name], nil
}

func answerCompletion(text string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Content: text},
		}},
	}
}

func toolCallCompletion(id, name, args string) *openai.ChatCompletion {
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				ToolCalls: []openai.ChatCompletionMessageToolCall{{
					ID: id,
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      name,
						Arguments: args,
					},
				}},
			},
		}},
	}
}

func testService(store Store, completer Completer, invoker Invoker, opts Options) *Service {
	return NewService(store, completer, invoker, opts, zerolog.Nop())
}

func TestHandleToolCallThenAnswer(t *testing.T) {
	t.Parallel()

	summary := &reviews.ProductSummary{
		Reviews: []db.ReviewRecord{
			{SourceURL: "https://video.example/1", Title: "XM5 review", ReviewerName: "Alice"},
		},
		ReviewerCards: []reviews.ReviewerCard{
			{ReviewerName: "Alice", Platform: "video", SourceURL: "https://video.example/1"},
		},
	}

	store := newStubStore()
	completer := &scriptedCompleter{responses: []*openai.ChatCompletion{
		toolCallCompletion("call-1", "get_reviews_summary", `{"product_name": "Sony WH-1000XM5"}`),
		answerCompletion("Reviewers praise the battery life, according to Alice."),
	}}
	invoker := &stubInvoker{results: map[string]any{"get_reviews_summary": summary}}

	service := testService(store, completer, invoker, Options{RoundBudget: 8, GuardRetries: 1})
	result, err := service.Handle(context.Background(), "", "What do reviewers say about the Sony WH-1000XM5?", progress.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Caveat {
		t.Fatalf("did not expect a caveat")
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Tool != "get_reviews_summary" {
		t.Fatalf("unexpected tool call audit: %+v", result.ToolCalls)
	}
	if len(result.Sources) != 1 || result.Sources[0].URL != "https://video.example/1" {
		t.Fatalf("unexpected sources: %+v", result.Sources)
	}
	if len(result.Attachments.ReviewerCards) != 1 {
		t.Fatalf("expected reviewer cards attachment, got %+v", result.Attachments)
	}

	stored := store.messages[1]
	if len(stored) != 2 {
		t.Fatalf("expected user and assistant messages persisted, got %d", len(stored))
	}
	if stored[1].Role != "assistant" || len(stored[1].Sources) == 0 {
		t.Fatalf("expected assistant message with sources, got %+v", stored[1])
	}
}

func TestHandleGatherTurnAttributesSources(t *testing.T) {
	t.Parallel()

	gathered := &reviews.Result{
		NewReviews:   3,
		TotalReviews: 3,
		Reviews: []db.ReviewRecord{
			{SourceURL: "https://video.example/1", Title: "XM5 deep dive", ReviewerName: "Alice", Platform: "video", QualityScore: 0.9},
			{SourceURL: "https://blog.example/1", Title: "XM5 long term", ReviewerName: "Bob", Platform: "blog", QualityScore: 0.7},
			{SourceURL: "https://video.example/2", Title: "XM5 vs XM4", ReviewerName: "Cara", Platform: "video", QualityScore: 0.6},
		},
	}

	store := newStubStore()
	completer := &scriptedCompleter{responses: []*openai.ChatCompletion{
		toolCallCompletion("call-1", "gather_product_reviews", `{"product_name": "Sony WH-1000XM5"}`),
		answerCompletion("Reviewers praise the battery life and comfort, according to Alice and Bob."),
	}}
	invoker := &stubInvoker{results: map[string]any{"gather_product_reviews": gathered}}

	service := testService(store, completer, invoker, Options{RoundBudget: 8, GuardRetries: 1})
	result, err := service.Handle(context.Background(), "", "Gather reviews for the Sony WH-1000XM5 and summarize.", progress.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(result.Sources) != 3 {
		t.Fatalf("expected every gathered review to be attributed, got %+v", result.Sources)
	}
	for _, source := range result.Sources {
		if source.Kind != "review" || source.URL == "" {
			t.Fatalf("unexpected source: %+v", source)
		}
	}
	if len(result.Attachments.ReviewerCards) != 3 {
		t.Fatalf("expected reviewer cards from the gathered reviews, got %+v", result.Attachments)
	}
	if result.Attachments.ReviewerCards[0].ReviewerName != "Alice" {
		t.Fatalf("expected cards ranked by quality, got %+v", result.Attachments.ReviewerCards)
	}
}

func TestHandleParallelToolCallsKeepOrder(t *testing.T) {
	t.Parallel()

	round := &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				ToolCalls: []openai.ChatCompletionMessageToolCall{
					{ID: "call-1", Function: openai.ChatCompletionMessageToolCallFunction{Name: "check_product_cache", Arguments: `{"product_name": "a"}`}},
					{ID: "call-2", Function: openai.ChatCompletionMessageToolCallFunction{Name: "get_marketplace_listings", Arguments: `{"product_name": "a"}`}},
				},
			},
		}},
	}

	store := newStubStore()
	completer := &scriptedCompleter{responses: []*openai.ChatCompletion{
		round,
		answerCompletion("I have no stored data on that product yet."),
	}}

	service := testService(store, completer, &stubInvoker{}, Options{RoundBudget: 4, GuardRetries: 1})
	result, err := service.Handle(context.Background(), "", "Check a", progress.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ToolCalls) != 2 {
		t.Fatalf("expected two audited tool calls, got %+v", result.ToolCalls)
	}
	if result.ToolCalls[0].Tool != "check_product_cache" || result.ToolCalls[1].Tool != "get_marketplace_listings" {
		t.Fatalf("unexpected audit order: %+v", result.ToolCalls)
	}
}

func TestHandleAutoTitlesNewConversation(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	completer := &scriptedCompleter{responses: []*openai.ChatCompletion{
		answerCompletion("I have no stored data on that product yet. Want me to gather it?"),
	}}

	service := testService(store, completer, &stubInvoker{}, Options{RoundBudget: 4, GuardRetries: 1})
	long := "What do people think about the Sony WH-1000XM5 noise cancelling headphones overall?"
	result, err := service.Handle(context.Background(), "", long, progress.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conversation := store.conversations[result.ConversationUUID]
	if conversation == nil {
		t.Fatalf("expected conversation to be created")
	}
	wantTitle := string([]rune(long)[:50]) + "..."
	if conversation.Title != wantTitle {
		t.Fatalf("unexpected title: %q want %q", conversation.Title, wantTitle)
	}
}

func TestHandleRoundBudgetForcesCaveatedSummary(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	completer := &scriptedCompleter{responses: []*openai.ChatCompletion{
		toolCallCompletion("call-1", "gather_product_reviews", `{"product_name": "a"}`),
		toolCallCompletion("call-2", "gather_product_reviews", `{"product_name": "b"}`),
		answerCompletion("Research was cut short; here is what I have so far."),
	}}
	invoker := &stubInvoker{results: map[string]any{"gather_product_reviews": &reviews.Result{}}}

	service := testService(store, completer, invoker, Options{RoundBudget: 2, GuardRetries: 1})
	result, err := service.Handle(context.Background(), "", "Compare a and b", progress.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.Caveat {
		t.Fatalf("expected a caveated answer after the round budget")
	}
	if result.Rounds != 2 {
		t.Fatalf("expected two rounds, got %d", result.Rounds)
	}
	if len(completer.toolless) != 3 || !completer.toolless[2] {
		t.Fatalf("expected the forced summary call to offer no tools: %v", completer.toolless)
	}
}

func TestHandleGuardRejectsUngroundedClaims(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	completer := &scriptedCompleter{responses: []*openai.ChatCompletion{
		answerCompletion("The Sony WH-1000XM5 has a 4.8 rating and reviewers love the battery."),
		answerCompletion("I have not gathered any data yet, so I cannot answer that."),
	}}

	service := testService(store, completer, &stubInvoker{}, Options{RoundBudget: 4, GuardRetries: 1})
	result, err := service.Handle(context.Background(), "", "Is the XM5 good?", progress.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Answer != "I have not gathered any data yet, so I cannot answer that." {
		t.Fatalf("expected the guarded retry answer, got %q", result.Answer)
	}
	if completer.calls != 2 {
		t.Fatalf("expected two completions, got %d", completer.calls)
	}
}

func TestHandleGuardRetriesAreBounded(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	completer := &scriptedCompleter{responses: []*openai.ChatCompletion{
		answerCompletion("Reviewers rate it five stars."),
		answerCompletion("Reviewers rate it five stars, truly."),
	}}

	service := testService(store, completer, &stubInvoker{}, Options{RoundBudget: 6, GuardRetries: 1})
	result, err := service.Handle(context.Background(), "", "Is it good?", progress.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Answer != "Reviewers rate it five stars, truly." {
		t.Fatalf("expected the second answer to pass once retries were spent, got %q", result.Answer)
	}
}

func TestHandleToolErrorIsFedBack(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	completer := &scriptedCompleter{responses: []*openai.ChatCompletion{
		toolCallCompletion("call-1", "get_reviews_summary", `{"product_name": "obscure"}`),
		answerCompletion("I could not find any stored reviews for that product."),
	}}
	invoker := &stubInvoker{errs: map[string]*tools.ToolError{
		"get_reviews_summary": {Kind: tools.ErrorNoData, Message: "no stored reviews"},
	}}

	service := testService(store, completer, invoker, Options{RoundBudget: 4, GuardRetries: 1})
	result, err := service.Handle(context.Background(), "", "What do reviews say about obscure?", progress.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ToolCalls) != 1 || !result.ToolCalls[0].Failed {
		t.Fatalf("expected a failed tool call in the audit: %+v", result.ToolCalls)
	}
	if result.ToolCalls[0].ErrorKind != tools.ErrorNoData {
		t.Fatalf("unexpected error kind: %q", result.ToolCalls[0].ErrorKind)
	}
}

func TestHandleContinuesExistingConversation(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	first := &scriptedCompleter{responses: []*openai.ChatCompletion{
		answerCompletion("I have no data yet. Want me to gather some?"),
	}}
	service := testService(store, first, &stubInvoker{}, Options{RoundBudget: 4, GuardRetries: 1})
	opening, err := service.Handle(context.Background(), "", "Hello", progress.Nop{})
	if err != nil {
		t.Fatalf("opening turn failed: %v", err)
	}

	second := &scriptedCompleter{responses: []*openai.ChatCompletion{
		answerCompletion("Still nothing gathered."),
	}}
	service = testService(store, second, &stubInvoker{}, Options{RoundBudget: 4, GuardRetries: 1})
	followup, err := service.Handle(context.Background(), opening.ConversationUUID, "And now?", progress.Nop{})
	if err != nil {
		t.Fatalf("followup turn failed: %v", err)
	}
	if followup.ConversationUUID != opening.ConversationUUID {
		t.Fatalf("expected the same conversation, got %q and %q", opening.ConversationUUID, followup.ConversationUUID)
	}
	if len(store.messages[1]) != 4 {
		t.Fatalf("expected four persisted messages, got %d", len(store.messages[1]))
	}
}

func TestAutoTitle(t *testing.T) {
	t.Parallel()

	if got := autoTitle("short question"); got != "short question" {
		t.Fatalf("unexpected title: %q", got)
	}
	long := "this message is definitely longer than fifty characters in total length"
	got := autoTitle(long)
	if len([]rune(got)) != 53 {
		t.Fatalf("expected 50 runes plus ellipsis, got %d", len([]rune(got)))
	}
}
