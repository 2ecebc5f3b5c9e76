package workflow

import (
	"errors"
	"testing"
)

// validGraph builds the smallest passing graph: start → end.
func validGraph() *Graph {
	return &Graph{
		ID:   "wf-1",
		Name: "intro",
		Nodes: []Node{
			{ID: "start", Name: "Greeting", Prompt: "Greet the user.", IsStart: true},
			{ID: "end", Name: "Wrap up", Prompt: "Say goodbye.", IsEnd: true},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "end", Label: "User is done", Condition: "The user wants to finish."},
		},
	}
}

func TestValidate_ValidGraph(t *testing.T) {
	t.Parallel()
	g := validGraph()
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if g.StartNode() == nil || g.StartNode().ID != "start" {
		t.Error("expected start node 'start'")
	}
	if got := g.Outgoing("start"); len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("expected one outgoing edge e1, got %v", got)
	}
	if g.NodeByID("end") == nil {
		t.Error("expected NodeByID to find 'end'")
	}
}

func TestValidate_NoStartNode(t *testing.T) {
	t.Parallel()
	g := validGraph()
	g.Nodes[0].IsStart = false
	assertHasError(t, g.Validate(), "graph", "", "is_start")
}

func TestValidate_TwoStartNodes(t *testing.T) {
	t.Parallel()
	g := validGraph()
	g.Nodes[1].IsStart = true
	assertHasError(t, g.Validate(), "graph", "", "is_start")
}

func TestValidate_NoEndNode(t *testing.T) {
	t.Parallel()
	g := validGraph()
	g.Nodes[1].IsEnd = false
	// Removing is_end also leaves "end" without outgoing edges; both defects
	// must be reported.
	err := g.Validate()
	assertHasError(t, err, "graph", "", "is_end")
	assertHasError(t, err, "node", "end", "")
}

func TestValidate_StaticNodeRejected(t *testing.T) {
	t.Parallel()
	g := validGraph()
	g.Nodes[0].IsStatic = true
	assertHasError(t, g.Validate(), "node", "start", "is_static")
}

func TestValidate_DanglingEdge(t *testing.T) {
	t.Parallel()
	g := validGraph()
	g.Edges = append(g.Edges, Edge{ID: "e2", Source: "start", Target: "ghost", Label: "Other"})
	assertHasError(t, g.Validate(), "edge", "e2", "target")
}

func TestValidate_EdgeFromEndNode(t *testing.T) {
	t.Parallel()
	g := validGraph()
	g.Edges = append(g.Edges, Edge{ID: "e2", Source: "end", Target: "start", Label: "Loop back"})
	assertHasError(t, g.Validate(), "edge", "e2", "source")
}

func TestValidate_DuplicateFunctionName(t *testing.T) {
	t.Parallel()
	g := validGraph()
	g.Nodes = append(g.Nodes, Node{ID: "mid", Name: "Mid", Prompt: "p"})
	g.Edges = append(g.Edges,
		Edge{ID: "e2", Source: "start", Target: "mid", Label: "user is done!"},
	)
	// "User is done" and "user is done!" sanitize to the same function name.
	assertHasError(t, g.Validate(), "edge", "e2", "label")
}

func TestValidate_UnsupportedExtractionType(t *testing.T) {
	t.Parallel()
	g := validGraph()
	g.Nodes[0].Extraction = &ExtractionSpec{
		Prompt:    "extract",
		Variables: []Variable{{Name: "age", Type: "integer"}},
	}
	assertHasError(t, g.Validate(), "node", "start", "extraction")
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	t.Parallel()
	g := validGraph()
	g.Nodes = append(g.Nodes, Node{ID: "start", Name: "Dup", Prompt: "p"})
	assertHasError(t, g.Validate(), "node", "start", "id")
}

func TestFunctionName(t *testing.T) {
	t.Parallel()
	cases := []struct {
		label string
		id    string
		want  string
	}{
		{"User is interested", "e1", "user_is_interested"},
		{"  Needs   Callback!! ", "e2", "needs_callback"},
		{"já está decidido", "e3", "já_está_decidido"},
		{"42 reasons", "e4", "42_reasons"},
		{"!!!", "edge-5", "edge_5"},
		{"", "edge 6", "edge_6"},
	}
	for _, tc := range cases {
		e := Edge{ID: tc.id, Label: tc.label}
		if got := e.FunctionName(); got != tc.want {
			t.Errorf("FunctionName(%q, id=%q) = %q, want %q", tc.label, tc.id, got, tc.want)
		}
	}
}

// assertHasError fails unless err is a ValidationErrors containing an entry
// matching kind/id/field.
func assertHasError(t *testing.T, err error, kind, id, field string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected validation error {%s %s %s}, got nil", kind, id, field)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	for _, v := range verrs {
		if v.Kind == kind && v.ID == id && (field == "" || v.Field == field) {
			return
		}
	}
	t.Fatalf("no error matching {kind=%s id=%s field=%s} in %v", kind, id, field, verrs)
}
