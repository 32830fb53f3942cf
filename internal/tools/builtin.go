package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// RegisterBuiltins installs the builtin tool set into the registry.
func RegisterBuiltins(r *Registry) error {
	builtins := []Definition{
		{
			Name:        "get_current_time",
			Description: "Returns the current date and time, optionally in a specific timezone and format.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name, e.g. America/New_York. Defaults to UTC.",
					},
					"format": map[string]any{
						"type":        "string",
						"description": "Go reference-time layout. Defaults to RFC 3339.",
					},
				},
			},
			Executor: currentTime,
		},
		{
			Name:        "calculate",
			Description: "Evaluates an arithmetic expression with + - * / // % ** and parentheses.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "The expression to evaluate, numeric constants only.",
					},
				},
				"required": []any{"expression"},
			},
			Executor: calculate,
		},
		{
			Name:        "echo",
			Description: "Returns its input text unchanged. Useful for wiring checks.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{"type": "string"},
				},
			},
			Executor: echo,
		},
	}

	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func currentTime(_ context.Context, args map[string]any) (any, error) {
	loc := time.UTC
	if tz, _ := args["timezone"].(string); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = parsed
	}
	layout := time.RFC3339
	if format, _ := args["format"].(string); format != "" {
		layout = format
	}
	now := time.Now().In(loc)
	return map[string]any{
		"time":     now.Format(layout),
		"timezone": loc.String(),
		"unix":     now.Unix(),
	}, nil
}

func echo(_ context.Context, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	return map[string]any{"text": text}, nil
}

func calculate(_ context.Context, args map[string]any) (any, error) {
	expr, _ := args["expression"].(string)
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression is empty")
	}
	value, err := evalExpression(expr)
	if err != nil {
		return nil, err
	}
	return map[string]any{"expression": expr, "result": value}, nil
}

// evalExpression evaluates via shunting-yard. Supported operators:
// + - * / // % ** and parentheses; operands are numeric literals.
func evalExpression(expr string) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	rpn, err := toRPN(tokens)
	if err != nil {
		return 0, err
	}
	return evalRPN(rpn)
}

type token struct {
	op    string // empty for numbers
	value float64
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			value, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", expr[i:j])
			}
			tokens = append(tokens, token{value: value})
			i = j
		case c == '*' && i+1 < len(expr) && expr[i+1] == '*':
			tokens = append(tokens, token{op: "**"})
			i += 2
		case c == '/' && i+1 < len(expr) && expr[i+1] == '/':
			tokens = append(tokens, token{op: "//"})
			i += 2
		case strings.ContainsRune("+-*/%()", rune(c)):
			op := string(c)
			// A minus in prefix position negates.
			if op == "-" && prefixPosition(tokens) {
				op = "neg"
			}
			tokens = append(tokens, token{op: op})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	if len(tokens) == 0 {
		return nil, errors.New("empty expression")
	}
	return tokens, nil
}

func prefixPosition(tokens []token) bool {
	if len(tokens) == 0 {
		return true
	}
	last := tokens[len(tokens)-1]
	return last.op != "" && last.op != ")"
}

var precedence = map[string]int{
	"**": 4, "neg": 3,
	"*": 2, "/": 2, "//": 2, "%": 2,
	"+": 1, "-": 1,
}

func rightAssociative(op string) bool { return op == "**" || op == "neg" }

func toRPN(tokens []token) ([]token, error) {
	var out, stack []token
	for _, tok := range tokens {
		switch {
		case tok.op == "":
			out = append(out, tok)
		case tok.op == "(":
			stack = append(stack, tok)
		case tok.op == ")":
			for {
				if len(stack) == 0 {
					return nil, errors.New("unbalanced parentheses")
				}
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if top.op == "(" {
					break
				}
				out = append(out, top)
			}
		default:
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				if top.op == "(" {
					break
				}
				if precedence[top.op] > precedence[tok.op] ||
					(precedence[top.op] == precedence[tok.op] && !rightAssociative(tok.op)) {
					out = append(out, top)
					stack = stack[:len(stack)-1]
					continue
				}
				break
			}
			stack = append(stack, tok)
		}
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.op == "(" {
			return nil, errors.New("unbalanced parentheses")
		}
		out = append(out, top)
	}
	return out, nil
}

func evalRPN(rpn []token) (float64, error) {
	var stack []float64
	pop := func() (float64, bool) {
		if len(stack) == 0 {
			return 0, false
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, true
	}

	for _, tok := range rpn {
		if tok.op == "" {
			stack = append(stack, tok.value)
			continue
		}
		if tok.op == "neg" {
			v, ok := pop()
			if !ok {
				return 0, errors.New("malformed expression")
			}
			stack = append(stack, -v)
			continue
		}
		b, okB := pop()
		a, okA := pop()
		if !okA || !okB {
			return 0, errors.New("malformed expression")
		}
		switch tok.op {
		case "+":
			stack = append(stack, a+b)
		case "-":
			stack = append(stack, a-b)
		case "*":
			stack = append(stack, a*b)
		case "/":
			if b == 0 {
				return 0, errors.New("division by zero")
			}
			stack = append(stack, a/b)
		case "//":
			if b == 0 {
				return 0, errors.New("division by zero")
			}
			stack = append(stack, math.Floor(a/b))
		case "%":
			if b == 0 {
				return 0, errors.New("division by zero")
			}
			stack = append(stack, math.Mod(a, b))
		case "**":
			stack = append(stack, math.Pow(a, b))
		default:
			return 0, fmt.Errorf("unknown operator %q", tok.op)
		}
	}
	if len(stack) != 1 {
		return 0, errors.New("malformed expression")
	}
	result := stack[0]
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return 0, errors.New("result is not a finite number")
	}
	return result, nil
}
