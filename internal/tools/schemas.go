package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const productNameSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"product_name": {
			"type": "string",
			"minLength": 1,
			"description": "The consumer product to look up, e.g. \"Sony WH-1000XM5\""
		}
	},
	"required": ["product_name"],
	"additionalProperties": false
}`

const gatherSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"product_name": {
			"type": "string",
			"minLength": 1,
			"description": "The consumer product to gather reviews for"
		},
		"force": {
			"type": "boolean",
			"description": "Regather even when the cache is still fresh"
		}
	},
	"required": ["product_name"],
	"additionalProperties": false
}`

const compareSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"product_names": {
			"type": "array",
			"items": {"type": "string", "minLength": 1},
			"minItems": 2,
			"maxItems": 3,
			"description": "The products to compare side by side"
		}
	},
	"required": ["product_names"],
	"additionalProperties": false
}`

var argumentSchemas = map[Kind]string{
	KindCheckProductCache:       productNameSchema,
	KindSearchVideoReviews:      productNameSchema,
	KindSearchBlogReviews:       productNameSchema,
	KindGatherProductReviews:    gatherSchema,
	KindGetReviewsSummary:       productNameSchema,
	KindFindMarketplaceListings: gatherSchema,
	KindCompareProducts:         compareSchema,
}

var (
	compileOnce     sync.Once
	compiledSchemas map[Kind]*jsonschema.Schema
	compileErr      error
)

func validateArguments(kind Kind, raw json.RawMessage) (any, error) {
	value, err := decodeStrictJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	schema, err := loadSchema(kind)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("arguments do not match schema: %w", err)
	}
	return value, nil
}

func loadSchema(kind Kind) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled := make(map[Kind]*jsonschema.Schema, len(argumentSchemas))
		for schemaKind, source := range argumentSchemas {
			compiler := jsonschema.NewCompiler()
			compiler.Draft = jsonschema.Draft2020

			resource := string(schemaKind) + ".schema.json"
			if err := compiler.AddResource(resource, strings.NewReader(source)); err != nil {
				compileErr = fmt.Errorf("add schema resource %s: %w", resource, err)
				return
			}
			schema, err := compiler.Compile(resource)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", resource, err)
				return
			}
			compiled[schemaKind] = schema
		}
		compiledSchemas = compiled
	})

	if compileErr != nil {
		return nil, compileErr
	}
	schema, ok := compiledSchemas[kind]
	if !ok {
		return nil, fmt.Errorf("no schema for tool %q", kind)
	}
	return schema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("arguments are empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("arguments contain trailing content")
	}
	return value, nil
}

func schemaParameters(kind Kind) map[string]any {
	var parameters map[string]any
	if err := json.Unmarshal([]byte(argumentSchemas[kind]), &parameters); err != nil {
		panic(fmt.Sprintf("invalid embedded schema for %s: %v", kind, err))
	}
	delete(parameters, "$schema")
	return parameters
}
