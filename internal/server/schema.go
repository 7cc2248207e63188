package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed aggregate_request.json
var aggregateRequestJSON string

var (
	compileOnce     sync.Once
	aggregateSchema *jsonschema.Schema
	aggregateErr    error
)

// AggregateSchema returns the compiled schema for aggregate request bodies.
func AggregateSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("aggregate_request.json", strings.NewReader(aggregateRequestJSON)); err != nil {
			aggregateErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("aggregate_request.json")
		if err != nil {
			aggregateErr = fmt.Errorf("compile aggregate schema: %w", err)
			return
		}
		aggregateSchema = schema
	})
	return aggregateSchema, aggregateErr
}

func validateAggregateRequest(data []byte) error {
	schema, err := AggregateSchema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("body is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("body does not match schema: %w", err)
	}
	return nil
}
