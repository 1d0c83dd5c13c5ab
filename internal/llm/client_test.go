package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/coordinator"
)

func TestCompleteRejectedWhileBreakerOpen(t *testing.T) {
	t.Parallel()

	breaker := coordinator.NewBreaker("llm", 1, time.Hour, zerolog.Nop())
	breaker.Failure()

	client := &Client{breaker: breaker, logger: zerolog.Nop()}
	_, err := client.Complete(context.Background(), nil, nil)
	if !errors.Is(err, coordinator.ErrCircuitOpen) {
		t.Fatalf("expected the open breaker to reject the call, got %v", err)
	}
}

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()

	payload, ok := ExtractJSONObject("Here you go:\n```json\n{\"results\": []}\n```")
	if !ok {
		t.Fatalf("expected a JSON object to be found")
	}
	if payload != `{"results": []}` {
		t.Fatalf("unexpected payload: %q", payload)
	}

	payload, ok = ExtractJSONObject(`{"a": {"b": 1}} trailing`)
	if !ok || payload != `{"a": {"b": 1}}` {
		t.Fatalf("unexpected nested payload: %q ok=%v", payload, ok)
	}

	if _, ok := ExtractJSONObject("no json here"); ok {
		t.Fatalf("did not expect a JSON object in plain text")
	}
	if _, ok := ExtractJSONObject("} backwards {"); ok {
		t.Fatalf("did not expect reversed braces to match")
	}
}
