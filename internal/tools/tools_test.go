package tools

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/parleyvoice/parley/pkg/provider/llm"
)

func newBuiltinRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return r
}

func TestRegistry_RegisterAndExecute(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	def := llm.ToolDefinition{Name: "echo", Description: "echoes"}
	err := r.Register(def, func(_ context.Context, args map[string]any) (Result, error) {
		return Result{Value: args["msg"], RunLLM: true}, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := r.Execute(context.Background(), "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "hi" || !res.RunLLM {
		t.Errorf("Result = %+v", res)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if _, err := r.Execute(context.Background(), "nope", nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t)
	defs := r.Definitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 builtins, got %d", len(defs))
	}
	want := []string{"calculator", "convert_time", "current_time"}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("defs[%d] = %q, want %q", i, d.Name, want[i])
		}
	}
}

func TestRegistry_Unregister(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t)
	r.Unregister("calculator")
	if _, ok := r.Definition("calculator"); ok {
		t.Error("calculator should be gone")
	}
	if len(r.Definitions()) != 2 {
		t.Errorf("expected 2 tools after Unregister")
	}
}

func TestCalculator(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t)

	cases := []struct {
		expr string
		want float64
	}{
		{"1+2", 3},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"-5 + 3", -2},
		{"(120 * 0.85) + 40", 142},
		{"-(2 + 3)", -5},
	}
	for _, tc := range cases {
		res, err := r.Execute(context.Background(), "calculator", map[string]any{"expression": tc.expr})
		if err != nil {
			t.Errorf("calculator(%q): %v", tc.expr, err)
			continue
		}
		out := res.Value.(map[string]any)
		got := out["result"].(float64)
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("calculator(%q) = %v, want %v", tc.expr, got, tc.want)
		}
		if !res.RunLLM {
			t.Errorf("calculator(%q): builtin results must set RunLLM", tc.expr)
		}
	}
}

func TestCalculator_Errors(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t)

	for _, expr := range []string{"", "1 +", "2 ** 3", "1 / 0", "(1 + 2", "abc"} {
		if _, err := r.Execute(context.Background(), "calculator", map[string]any{"expression": expr}); err == nil {
			t.Errorf("calculator(%q): expected error", expr)
		}
	}
}

func TestCurrentTime(t *testing.T) {
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock = func() time.Time { return fixed }
	defer func() { clock = time.Now }()

	r := newBuiltinRegistry(t)
	res, err := r.Execute(context.Background(), "current_time", map[string]any{"timezone": "America/New_York"})
	if err != nil {
		t.Fatalf("current_time: %v", err)
	}
	out := res.Value.(map[string]any)
	if out["timezone"] != "America/New_York" {
		t.Errorf("timezone = %v", out["timezone"])
	}
	// 12:00 UTC is 08:00 in New York during DST.
	if out["datetime"] != "2026-08-25T08:00:00-04:00" {
		t.Errorf("datetime = %v", out["datetime"])
	}
}

func TestCurrentTime_DefaultsToUTC(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t)
	res, err := r.Execute(context.Background(), "current_time", nil)
	if err != nil {
		t.Fatalf("current_time: %v", err)
	}
	out := res.Value.(map[string]any)
	if out["timezone"] != "UTC" {
		t.Errorf("timezone = %v, want UTC", out["timezone"])
	}
}

func TestConvertTime(t *testing.T) {
	fixed := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	clock = func() time.Time { return fixed }
	defer func() { clock = time.Now }()

	r := newBuiltinRegistry(t)
	res, err := r.Execute(context.Background(), "convert_time", map[string]any{
		"time":          "14:30",
		"from_timezone": "America/New_York",
		"to_timezone":   "Europe/Berlin",
	})
	if err != nil {
		t.Fatalf("convert_time: %v", err)
	}
	out := res.Value.(map[string]any)
	to := out["to"].(map[string]any)
	// New York is 6 hours behind Berlin in late August.
	if to["time"] != "20:30" {
		t.Errorf("converted time = %v, want 20:30", to["time"])
	}
}

func TestConvertTime_InvalidInput(t *testing.T) {
	t.Parallel()
	r := newBuiltinRegistry(t)

	cases := []map[string]any{
		{"time": "2pm", "from_timezone": "UTC", "to_timezone": "UTC"},
		{"time": "14:30", "from_timezone": "Nowhere/Land", "to_timezone": "UTC"},
		{"time": "14:30", "from_timezone": "UTC", "to_timezone": "Nowhere/Land"},
	}
	for _, args := range cases {
		if _, err := r.Execute(context.Background(), "convert_time", args); err == nil {
			t.Errorf("convert_time(%v): expected error", args)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	exe, args := splitCommand("/usr/bin/server --config /etc/x.json")
	if exe != "/usr/bin/server" || len(args) != 2 {
		t.Errorf("splitCommand = %q %v", exe, args)
	}
	exe, args = splitCommand("")
	if exe != "" || args != nil {
		t.Errorf("splitCommand empty = %q %v", exe, args)
	}
}
