package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"horse.fit/shoplens/internal/coordinator"
	"horse.fit/shoplens/internal/db"
	"horse.fit/shoplens/internal/progress"
	"horse.fit/shoplens/internal/reviews"
)

func TestInvokeRejectsUnknownTool(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil, nil, nil, zerolog.Nop())
	_, toolErr := registry.Invoke(context.Background(), "delete_everything", json.RawMessage(`{}`), progress.Nop{})
	if toolErr == nil {
		t.Fatalf("expected an error for an unknown tool")
	}
	if toolErr.Kind != ErrorValidation {
		t.Fatalf("expected validation error, got %q", toolErr.Kind)
	}
}

func TestInvokeRejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(nil, nil, nil, zerolog.Nop())

	cases := []struct {
		name string
		tool string
		args string
	}{
		{"missing product name", string(KindCheckProductCache), `{}`},
		{"empty product name", string(KindGatherProductReviews), `{"product_name": ""}`},
		{"unexpected property", string(KindGetReviewsSummary), `{"product_name": "x", "extra": true}`},
		{"not json", string(KindSearchBlogReviews), `product_name=x`},
		{"single product compare", string(KindCompareProducts), `{"product_names": ["only one"]}`},
		{"too many products", string(KindCompareProducts), `{"product_names": ["a", "b", "c", "d"]}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, toolErr := registry.Invoke(context.Background(), tc.tool, json.RawMessage(tc.args), progress.Nop{})
			if toolErr == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
			if toolErr.Kind != ErrorValidation {
				t.Fatalf("expected validation error kind, got %q", toolErr.Kind)
			}
		})
	}
}

func TestDefinitionsCoverEveryTool(t *testing.T) {
	t.Parallel()

	definitions := Definitions()
	if len(definitions) != len(argumentSchemas) {
		t.Fatalf("expected %d definitions, got %d", len(argumentSchemas), len(definitions))
	}

	declared := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		name := definition.Function.Name
		if _, dup := declared[name]; dup {
			t.Fatalf("duplicate tool definition %q", name)
		}
		declared[name] = struct{}{}
		if len(definition.Function.Parameters) == 0 {
			t.Fatalf("tool %q has no parameter schema", name)
		}
	}
	for kind := range argumentSchemas {
		if _, ok := declared[string(kind)]; !ok {
			t.Fatalf("tool %q missing from definitions", kind)
		}
	}
}

func TestValidateArgumentsAcceptsGoodInput(t *testing.T) {
	t.Parallel()

	if _, err := validateArguments(KindGatherProductReviews, json.RawMessage(`{"product_name": "Sony WH-1000XM5", "force": true}`)); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if _, err := validateArguments(KindCompareProducts, json.RawMessage(`{"product_names": ["a", "b"]}`)); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestCommonAspects(t *testing.T) {
	t.Parallel()

	summaries := []*reviews.ProductSummary{
		{Consensus: []db.ConsensusRecord{{Aspect: "battery life"}, {Aspect: "comfort"}}},
		{Consensus: []db.ConsensusRecord{{Aspect: "comfort"}, {Aspect: "price"}}},
	}

	shared := commonAspects(summaries)
	if len(shared) != 1 || shared[0] != "comfort" {
		t.Fatalf("unexpected common aspects: %v", shared)
	}

	if got := commonAspects(nil); got != nil {
		t.Fatalf("expected nil for no summaries, got %v", got)
	}
}

func TestClassifyMapsSentinelErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		kind string
	}{
		{coordinator.ErrLockTimeout, ErrorLockTimeout},
		{fmt.Errorf("chat completion: %w", coordinator.ErrCircuitOpen), ErrorExternalService},
		{reviews.ErrDiscoveryFailed, ErrorExternalService},
		{errors.New("boom"), ErrorInternal},
	}
	for _, tc := range cases {
		toolErr := classify(tc.err)
		if toolErr.Kind != tc.kind {
			t.Fatalf("classify(%v) = %q, want %q", tc.err, toolErr.Kind, tc.kind)
		}
	}
}

func TestToolErrorMessage(t *testing.T) {
	t.Parallel()

	toolErr := &ToolError{Kind: ErrorNoData, Message: "nothing stored"}
	if toolErr.Error() != "no_data_found: nothing stored" {
		t.Fatalf("unexpected error string: %q", toolErr.Error())
	}
}
