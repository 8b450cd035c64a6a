package tools

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/taskmill-ai/taskmill"
)

// SetupTools creates the built-in demo tools.
func SetupTools() map[string]taskmill.Tool {
	return map[string]taskmill.Tool{
		"search": NewGoToolAdapter(
			"search",
			PerformSearch,
			WithDescription("Performs a web search for a given query."),
			WithCategory("Web"),
			WithParameters(map[string]string{
				"query": "Search query string",
			}),
			WithReturns("Search results as a string."),
			WithExamples([]string{
				`search {"query": "golang concurrency patterns"}`,
				`search {"query": "weather in New York"}`,
			}),
			WithValidator(validateSearchInput),
		),
		"calculate": NewGoToolAdapter(
			"calculate",
			PerformCalculation,
			WithDescription("Evaluates a mathematical expression."),
			WithCategory("Math"),
			WithParameters(map[string]string{
				"expression": "Mathematical expression to evaluate (e.g., '5*9')",
			}),
			WithReturns("Calculation result as a number."),
			WithExamples([]string{
				`calculate {"expression": "5*9"}`,
				`calculate {"expression": "(1+2)*3"}`,
			}),
			WithValidator(validateCalculationInput),
		),
	}
}

// PerformSearch simulates a web search. It expects a "query" argument.
func PerformSearch(ctx context.Context, input map[string]any) (map[string]any, error) {
	query, ok := input["query"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid or missing query argument (expected string at key 'query')")
	}
	log.Printf("TOOL: Searching for '%s'...", query)

	// Simulate network delay
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(100+rand.Intn(200)) * time.Millisecond):
	}

	return map[string]any{
		"output": fmt.Sprintf("Simulated search results for query: %s", query),
	}, nil
}

// PerformCalculation evaluates an arithmetic expression. It expects an
// "expression" argument.
func PerformCalculation(ctx context.Context, input map[string]any) (map[string]any, error) {
	expression, ok := input["expression"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid or missing expression argument (expected string at key 'expression')")
	}
	log.Printf("TOOL: Calculating '%s'...", expression)

	evaluable, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression '%s': %w", expression, err)
	}
	result, err := evaluable.Evaluate(nil)
	if err != nil {
		return nil, fmt.Errorf("evaluation of '%s' failed: %w", expression, err)
	}

	return map[string]any{"output": result}, nil
}

func validateSearchInput(input map[string]any) error {
	query, ok := input["query"]
	if !ok {
		return fmt.Errorf("missing search query (expected at key 'query')")
	}
	queryStr, ok := query.(string)
	if !ok {
		return fmt.Errorf("search query must be a string, got %T", query)
	}
	if len(queryStr) == 0 {
		return fmt.Errorf("search query cannot be empty")
	}
	if len(queryStr) > 1000 {
		return fmt.Errorf("search query too long (max 1000 characters)")
	}
	return nil
}

func validateCalculationInput(input map[string]any) error {
	expr, ok := input["expression"]
	if !ok {
		return fmt.Errorf("missing expression (expected at key 'expression')")
	}
	exprStr, ok := expr.(string)
	if !ok {
		return fmt.Errorf("expression must be a string, got %T", expr)
	}
	if len(exprStr) == 0 {
		return fmt.Errorf("expression cannot be empty")
	}
	if len(exprStr) > 100 {
		return fmt.Errorf("expression too long (max 100 characters)")
	}
	return nil
}
