package tool

import (
	"fmt"
	"math"
	"math/big"

	"github.com/expr-lang/expr"

	"github.com/hupe1980/taskmesh/core"
)

// Names of the calculator tools.
const (
	ToolCalculate = "calculate"
	ToolFactorial = "factorial"
)

// MaxFactorial is the largest input accepted by the factorial tool.
const MaxFactorial = 1000

// CalculatorTools returns the calculate and factorial tools. Both are pure
// and may be registered as cacheable.
func CalculatorTools() []Tool {
	return []Tool{calculateTool(), factorialTool()}
}

// RegisterCalculatorTools adds the calculator tools to reg as cacheable
// tools.
func RegisterCalculatorTools(reg *Registry) error {
	for _, t := range CalculatorTools() {
		if err := reg.Register(t, WithCacheable()); err != nil {
			return err
		}
	}
	return nil
}

// mathEnv holds the constants visible to expressions.
var mathEnv = map[string]any{
	"pi": math.Pi,
	"e":  math.E,
}

// mathFuncs are the functions visible to expressions in addition to the
// expression language builtins (abs, ceil, floor, round, min, max).
var mathFuncs = []expr.Option{
	unary("sqrt", math.Sqrt),
	unary("sin", math.Sin),
	unary("cos", math.Cos),
	unary("tan", math.Tan),
	unary("log", math.Log),
	unary("log10", math.Log10),
	unary("exp", math.Exp),
	binary("pow", math.Pow),
}

func calculateTool() Tool {
	return NewFunctionTool(
		ToolCalculate,
		"Evaluate a mathematical expression such as '2+3*5' or 'sqrt(2)*pi'. "+
			"Supports + - * / % ** and sqrt, sin, cos, tan, log, log10, exp, pow, abs, ceil, floor, round, min, max, pi, e.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{"type": "string", "description": "The expression to evaluate"},
			},
			"required": []string{"expression"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			src, _ := args["expression"].(string)
			tc.Logger().Debug("tool.calculate", "expression", src)

			opts := append([]expr.Option{expr.Env(mathEnv)}, mathFuncs...)
			program, err := expr.Compile(src, opts...)
			if err != nil {
				return nil, NewToolError(ToolCalculate, fmt.Sprintf("invalid expression: %v", err), CodeValidation)
			}
			out, err := expr.Run(program, mathEnv)
			if err != nil {
				return nil, fmt.Errorf("evaluate %q: %w", src, err)
			}
			v, ok := number(out)
			if !ok {
				return nil, NewToolError(ToolCalculate, fmt.Sprintf("expression yields %T, not a number", out), CodeValidation)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("evaluate %q: result is not finite", src)
			}
			return map[string]any{"expression": src, "result": out}, nil
		},
	)
}

func factorialTool() Tool {
	return NewFunctionTool(
		ToolFactorial,
		fmt.Sprintf("Calculate the factorial of a non-negative integer up to %d.", MaxFactorial),
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"n": map[string]any{"type": "integer", "description": "The number to calculate the factorial of"},
			},
			"required": []string{"n"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			f, ok := number(args["n"])
			if !ok || f != math.Trunc(f) || f < 0 || f > MaxFactorial {
				return nil, NewToolError(ToolFactorial,
					fmt.Sprintf("n must be an integer between 0 and %d", MaxFactorial), CodeValidation)
			}
			n := int64(f)
			tc.Logger().Debug("tool.factorial", "n", n)

			r := big.NewInt(1)
			if n > 1 {
				r.MulRange(1, n)
			}
			return map[string]any{"input": n, "result": r.String()}, nil
		},
	)
}

func unary(name string, fn func(float64) float64) expr.Option {
	return expr.Function(name, func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%s takes 1 argument, got %d", name, len(params))
		}
		x, ok := number(params[0])
		if !ok {
			return nil, fmt.Errorf("%s: argument is %T, not a number", name, params[0])
		}
		return fn(x), nil
	})
}

func binary(name string, fn func(float64, float64) float64) expr.Option {
	return expr.Function(name, func(params ...any) (any, error) {
		if len(params) != 2 {
			return nil, fmt.Errorf("%s takes 2 arguments, got %d", name, len(params))
		}
		x, ok1 := number(params[0])
		y, ok2 := number(params[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s: arguments must be numbers", name)
		}
		return fn(x, y), nil
	})
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
