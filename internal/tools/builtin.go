package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/parleyvoice/parley/pkg/provider/llm"
)

// RegisterBuiltins adds the calculator and time helpers to the registry.
// These are always available regardless of the active node.
func RegisterBuiltins(r *Registry) error {
	builtins := []struct {
		def llm.ToolDefinition
		h   Handler
	}{
		{calculatorDef, calculatorHandler},
		{currentTimeDef, currentTimeHandler},
		{convertTimeDef, convertTimeHandler},
	}
	for _, b := range builtins {
		if err := r.Register(b.def, b.h); err != nil {
			return err
		}
	}
	return nil
}

// ---- calculator ----

var calculatorDef = llm.ToolDefinition{
	Name:        "calculator",
	Description: "Evaluate an arithmetic expression. Supports +, -, *, /, parentheses and decimal numbers.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "The arithmetic expression to evaluate, e.g. \"(120 * 0.85) + 40\".",
			},
		},
		"required": []any{"expression"},
	},
}

func calculatorHandler(_ context.Context, args map[string]any) (Result, error) {
	expr, _ := args["expression"].(string)
	if strings.TrimSpace(expr) == "" {
		return Result{}, fmt.Errorf("calculator: expression is required")
	}
	v, err := evalExpression(expr)
	if err != nil {
		return Result{}, fmt.Errorf("calculator: %w", err)
	}
	return Result{
		Value:  map[string]any{"expression": expr, "result": v},
		RunLLM: true,
	}, nil
}

// evalExpression evaluates an arithmetic expression with a small
// recursive-descent parser. Grammar:
//
//	expr   = term { ('+' | '-') term }
//	term   = factor { ('*' | '/') factor }
//	factor = number | '-' factor | '(' expr ')'
func evalExpression(s string) (float64, error) {
	p := &exprParser{input: s}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return v, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseExpr() (float64, error) {
	v, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v += rhs
		case '-':
			p.pos++
			rhs, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			v -= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	v, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			v *= rhs
		case '/':
			p.pos++
			rhs, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= rhs
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	switch c := p.peek(); {
	case c == '-':
		p.pos++
		v, err := p.parseFactor()
		return -v, err
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return p.parseNumber()
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(rune(p.input[p.pos])) || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected a number at position %d", start)
	}
	v, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return v, nil
}

// ---- current time ----

var currentTimeDef = llm.ToolDefinition{
	Name:        "current_time",
	Description: "Get the current date and time in a given IANA timezone.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, e.g. \"America/New_York\". Defaults to UTC.",
			},
		},
	},
}

// clock is swapped by tests for deterministic output.
var clock = time.Now

func currentTimeHandler(_ context.Context, args map[string]any) (Result, error) {
	tz, _ := args["timezone"].(string)
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return Result{}, fmt.Errorf("current_time: unknown timezone %q", tz)
		}
	}
	now := clock().In(loc)
	return Result{
		Value: map[string]any{
			"timezone": loc.String(),
			"datetime": now.Format(time.RFC3339),
			"weekday":  now.Weekday().String(),
		},
		RunLLM: true,
	}, nil
}

// ---- convert time ----

var convertTimeDef = llm.ToolDefinition{
	Name:        "convert_time",
	Description: "Convert a time of day from one IANA timezone to another.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"time": map[string]any{
				"type":        "string",
				"description": "Time of day in 24h HH:MM format, e.g. \"14:30\".",
			},
			"from_timezone": map[string]any{
				"type":        "string",
				"description": "Source IANA timezone name.",
			},
			"to_timezone": map[string]any{
				"type":        "string",
				"description": "Target IANA timezone name.",
			},
		},
		"required": []any{"time", "from_timezone", "to_timezone"},
	},
}

func convertTimeHandler(_ context.Context, args map[string]any) (Result, error) {
	timeStr, _ := args["time"].(string)
	fromTZ, _ := args["from_timezone"].(string)
	toTZ, _ := args["to_timezone"].(string)

	parsed, err := time.Parse("15:04", timeStr)
	if err != nil {
		return Result{}, fmt.Errorf("convert_time: time must be HH:MM, got %q", timeStr)
	}
	from, err := time.LoadLocation(fromTZ)
	if err != nil {
		return Result{}, fmt.Errorf("convert_time: unknown timezone %q", fromTZ)
	}
	to, err := time.LoadLocation(toTZ)
	if err != nil {
		return Result{}, fmt.Errorf("convert_time: unknown timezone %q", toTZ)
	}

	now := clock().In(from)
	src := time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, from)
	dst := src.In(to)

	return Result{
		Value: map[string]any{
			"from": map[string]any{"timezone": from.String(), "time": src.Format("15:04")},
			"to":   map[string]any{"timezone": to.String(), "time": dst.Format("15:04")},
		},
		RunLLM: true,
	}, nil
}
