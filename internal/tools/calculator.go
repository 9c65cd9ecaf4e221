package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/quantfolio/researchd/internal/tool"
	"github.com/quantfolio/researchd/pkg/types"
)

// maxExpressionLength limits expression size for security.
const maxExpressionLength = 4096

var calculatorInputSchema = json.RawMessage(`{
	"type": "object",
	"required": ["expression"],
	"properties": {
		"expression": {
			"type": "string",
			"description": "The math expression to evaluate (supports +, -, *, /, %, ** and parentheses). Use . for decimal points."
		}
	}
}`)

// CalculatorTool safely evaluates arithmetic expressions. Expressions are
// compiled once and cached for reuse.
type CalculatorTool struct {
	mu       sync.RWMutex
	compiled map[string]*vm.Program
}

// NewCalculator creates the calculator tool.
func NewCalculator() *CalculatorTool {
	return &CalculatorTool{compiled: make(map[string]*vm.Program)}
}

func (t *CalculatorTool) Name() string { return "calculator" }

func (t *CalculatorTool) Description() string {
	return "Safely evaluate arithmetic expressions with operators +, -, *, /, %, ** and parentheses. Use . for decimal points."
}

func (t *CalculatorTool) InputSchema() json.RawMessage { return calculatorInputSchema }
func (t *CalculatorTool) Timeout() time.Duration       { return 5 * time.Second }

func (t *CalculatorTool) Invoke(ctx context.Context, args types.Record) (types.Record, error) {
	expression, ok := args["expression"].(string)
	if !ok || expression == "" {
		return nil, tool.Permanent(t.Name(), fmt.Errorf("missing expression argument"))
	}
	if len(expression) > maxExpressionLength {
		return nil, tool.Permanent(t.Name(), fmt.Errorf("expression exceeds maximum length of %d characters", maxExpressionLength))
	}

	prog, err := t.compile(expression)
	if err != nil {
		return nil, tool.Permanent(t.Name(), fmt.Errorf("invalid expression: %w", err))
	}

	result, err := expr.Run(prog, map[string]interface{}{})
	if err != nil {
		return nil, tool.Permanent(t.Name(), fmt.Errorf("evaluate expression: %w", err))
	}

	switch result.(type) {
	case int, int64, float64:
	default:
		return nil, tool.Permanent(t.Name(), fmt.Errorf("expression returned %T, expected a number", result))
	}

	return types.Record{"result": result}, nil
}

func (t *CalculatorTool) compile(expression string) (*vm.Program, error) {
	t.mu.RLock()
	prog, ok := t.compiled[expression]
	t.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.compiled[expression] = prog
	t.mu.Unlock()
	return prog, nil
}
