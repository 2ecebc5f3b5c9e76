// Package workflow defines the call-flow graph model: agent nodes joined by
// condition-labelled edges, validated once at save time so the engine never
// runs against a malformed graph.
//
// A graph has exactly one start node, one or more end nodes, and an optional
// global node whose prompt is prepended to the system message of every node
// that opts in. Edges publish themselves to the language model as callable
// tools; FunctionName derives a stable tool identifier from the edge label.
package workflow

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Variable is one typed value an extraction spec collects.
type Variable struct {
	// Name identifies the variable inside gathered context.
	Name string `yaml:"name" json:"name"`

	// Type is one of "string", "number", "boolean".
	Type string `yaml:"type" json:"type"`

	// Description tells the extraction model what to look for.
	Description string `yaml:"description" json:"description"`
}

// ExtractionSpec configures post-node variable extraction.
type ExtractionSpec struct {
	// Prompt is the extraction instruction given to the model alongside the
	// conversation snapshot.
	Prompt string `yaml:"prompt" json:"prompt"`

	// Variables lists the values to extract.
	Variables []Variable `yaml:"variables" json:"variables"`
}

// Node is one state of the call flow. Immutable for the duration of a call.
type Node struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Prompt string `yaml:"prompt" json:"prompt"`

	IsStart  bool `yaml:"is_start" json:"is_start"`
	IsEnd    bool `yaml:"is_end" json:"is_end"`
	IsGlobal bool `yaml:"is_global" json:"is_global"`

	// IsStatic marks fixed-text nodes. The engine does not support them;
	// validation rejects any graph that contains one.
	IsStatic bool `yaml:"is_static" json:"is_static"`

	// AllowInterrupt lets the user barge in over this node's speech.
	AllowInterrupt bool `yaml:"allow_interrupt" json:"allow_interrupt"`

	// AddGlobalPrompt prepends the global node's prompt to this node's
	// system message.
	AddGlobalPrompt bool `yaml:"add_global_prompt" json:"add_global_prompt"`

	// WaitForUserResponse defers the context push after the user's next turn
	// until any pending transition has run.
	WaitForUserResponse bool `yaml:"wait_for_user_response" json:"wait_for_user_response"`

	// DetectVoicemail arms the voicemail detector when this is the start
	// node.
	DetectVoicemail bool `yaml:"detect_voicemail" json:"detect_voicemail"`

	// DelayedStart postpones the first speech by DelayedStartDuration.
	DelayedStart         bool          `yaml:"delayed_start" json:"delayed_start"`
	DelayedStartDuration time.Duration `yaml:"delayed_start_duration" json:"delayed_start_duration"`

	// Extraction, when non-nil, runs after the node is left (or, on end
	// nodes, after the final generation).
	Extraction *ExtractionSpec `yaml:"extraction,omitempty" json:"extraction,omitempty"`
}

// Edge is a directed, condition-labelled transition between two nodes.
type Edge struct {
	ID     string `yaml:"id" json:"id"`
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`

	// Label is the human-readable edge name shown in the flow editor.
	Label string `yaml:"label" json:"label"`

	// Condition describes, in natural language, when the model should take
	// this edge. It becomes the tool description.
	Condition string `yaml:"condition" json:"condition"`
}

// FunctionName returns the stable tool identifier for this edge: the label
// lowercased with every non-alphanumeric run collapsed to a single
// underscore. Falls back to the edge ID when the label has no usable
// characters.
func (e Edge) FunctionName() string {
	name := sanitizeName(e.Label)
	if name == "" {
		name = sanitizeName(e.ID)
	}
	return name
}

func sanitizeName(s string) string {
	var b strings.Builder
	lastUnderscore := true // trims leading separators
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// Graph is a validated call-flow definition.
type Graph struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Nodes []Node `yaml:"nodes" json:"nodes"`
	Edges []Edge `yaml:"edges" json:"edges"`

	nodesByID map[string]*Node
	outgoing  map[string][]Edge
}

// ValidationError describes one defect found in a graph.
type ValidationError struct {
	// Kind is "graph", "node", or "edge".
	Kind string

	// ID identifies the offending node or edge; empty for graph-level
	// defects.
	ID string

	// Field names the attribute at fault, when one applies.
	Field string

	// Message is the human-readable description.
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("workflow %s: %s", e.Kind, e.Message)
	}
	if e.Field == "" {
		return fmt.Sprintf("workflow %s %s: %s", e.Kind, e.ID, e.Message)
	}
	return fmt.Sprintf("workflow %s %s (%s): %s", e.Kind, e.ID, e.Field, e.Message)
}

// ValidationErrors is the full defect list for one graph.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("%d workflow validation errors: %s", len(e), strings.Join(msgs, "; "))
}

// Validate checks the graph's structural invariants and indexes it for
// lookup. It returns nil or a ValidationErrors listing every defect found,
// so the flow editor can surface all of them at once.
func (g *Graph) Validate() error {
	var errs ValidationErrors

	g.nodesByID = make(map[string]*Node, len(g.Nodes))
	g.outgoing = make(map[string][]Edge, len(g.Nodes))

	var startCount, endCount, globalCount int
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			errs = append(errs, ValidationError{Kind: "node", Field: "id", Message: "node has no id"})
			continue
		}
		if _, dup := g.nodesByID[n.ID]; dup {
			errs = append(errs, ValidationError{Kind: "node", ID: n.ID, Field: "id", Message: "duplicate node id"})
			continue
		}
		g.nodesByID[n.ID] = n

		if n.IsStart {
			startCount++
		}
		if n.IsEnd {
			endCount++
		}
		if n.IsGlobal {
			globalCount++
		}
		if n.IsStatic {
			errs = append(errs, ValidationError{Kind: "node", ID: n.ID, Field: "is_static",
				Message: "static nodes are not supported"})
		}
		if n.Prompt == "" && !n.IsGlobal {
			errs = append(errs, ValidationError{Kind: "node", ID: n.ID, Field: "prompt",
				Message: "node prompt must not be empty"})
		}
		if n.DelayedStart && n.DelayedStartDuration < 0 {
			errs = append(errs, ValidationError{Kind: "node", ID: n.ID, Field: "delayed_start_duration",
				Message: "delayed start duration must not be negative"})
		}
		if n.Extraction != nil {
			for _, v := range n.Extraction.Variables {
				switch v.Type {
				case "string", "number", "boolean":
				default:
					errs = append(errs, ValidationError{Kind: "node", ID: n.ID, Field: "extraction",
						Message: fmt.Sprintf("variable %q has unsupported type %q", v.Name, v.Type)})
				}
			}
		}
	}

	if startCount != 1 {
		errs = append(errs, ValidationError{Kind: "graph", Field: "is_start",
			Message: fmt.Sprintf("graph must have exactly one start node, found %d", startCount)})
	}
	if endCount == 0 {
		errs = append(errs, ValidationError{Kind: "graph", Field: "is_end",
			Message: "graph must have at least one end node"})
	}
	if globalCount > 1 {
		errs = append(errs, ValidationError{Kind: "graph", Field: "is_global",
			Message: fmt.Sprintf("graph may have at most one global node, found %d", globalCount)})
	}

	seenFunc := make(map[string]map[string]string) // source -> function name -> edge id
	for _, e := range g.Edges {
		if e.ID == "" {
			errs = append(errs, ValidationError{Kind: "edge", Field: "id", Message: "edge has no id"})
			continue
		}
		if _, ok := g.nodesByID[e.Source]; !ok {
			errs = append(errs, ValidationError{Kind: "edge", ID: e.ID, Field: "source",
				Message: fmt.Sprintf("source node %q does not exist", e.Source)})
			continue
		}
		if _, ok := g.nodesByID[e.Target]; !ok {
			errs = append(errs, ValidationError{Kind: "edge", ID: e.ID, Field: "target",
				Message: fmt.Sprintf("target node %q does not exist", e.Target)})
			continue
		}
		if src := g.nodesByID[e.Source]; src.IsEnd {
			errs = append(errs, ValidationError{Kind: "edge", ID: e.ID, Field: "source",
				Message: "end nodes must not have outgoing edges"})
			continue
		}

		fn := e.FunctionName()
		if fn == "" {
			errs = append(errs, ValidationError{Kind: "edge", ID: e.ID, Field: "label",
				Message: "edge label yields an empty function name"})
			continue
		}
		if seenFunc[e.Source] == nil {
			seenFunc[e.Source] = make(map[string]string)
		}
		if other, dup := seenFunc[e.Source][fn]; dup {
			errs = append(errs, ValidationError{Kind: "edge", ID: e.ID, Field: "label",
				Message: fmt.Sprintf("function name %q collides with edge %q", fn, other)})
			continue
		}
		seenFunc[e.Source][fn] = e.ID

		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}

	// Every non-end, non-global node needs a way out.
	for _, n := range g.Nodes {
		if n.ID == "" || n.IsEnd || n.IsGlobal {
			continue
		}
		if len(g.outgoing[n.ID]) == 0 {
			errs = append(errs, ValidationError{Kind: "node", ID: n.ID,
				Message: "non-end node has no outgoing edges"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// StartNode returns the unique start node. Valid only after Validate.
func (g *Graph) StartNode() *Node {
	for i := range g.Nodes {
		if g.Nodes[i].IsStart {
			return &g.Nodes[i]
		}
	}
	return nil
}

// GlobalNode returns the global node, or nil when the graph has none.
func (g *Graph) GlobalNode() *Node {
	for i := range g.Nodes {
		if g.Nodes[i].IsGlobal {
			return &g.Nodes[i]
		}
	}
	return nil
}

// NodeByID returns the node with the given id, or nil. Valid only after
// Validate.
func (g *Graph) NodeByID(id string) *Node {
	return g.nodesByID[id]
}

// Outgoing returns the outgoing edges of a node in definition order. Valid
// only after Validate.
func (g *Graph) Outgoing(nodeID string) []Edge {
	return g.outgoing[nodeID]
}
