// Package engine implements the workflow engine: the conversation's logical
// state machine. It walks the workflow graph node by node, composes the
// system prompt and tool schemas for each node, executes edge transitions
// requested by the model as tool calls, and decides the call's disposition
// at termination.
//
// The engine is driven entirely by pipeline callbacks and owns the LLM
// context exclusively. Background work it spawns (variable extraction,
// voicemail classification) writes only into the gathered context.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parleyvoice/parley/internal/dispo"
	"github.com/parleyvoice/parley/internal/tools"
	"github.com/parleyvoice/parley/internal/workflow"
	"github.com/parleyvoice/parley/pkg/frame"
	"github.com/parleyvoice/parley/pkg/provider/llm"
)

// Default engine timings and prompts.
const (
	defaultDelayedStart   = 2 * time.Second
	defaultIdleCheckIn    = "Just checking in to see if you're still there."
	defaultIdleGoodbye    = "It seems you're busy right now. I'll let you go, goodbye!"
	defaultClosingLine    = "We're out of time for today. Thank you for talking with me, goodbye!"
	extractionTimeout     = 15 * time.Second
	endNodeExtractTimeout = 10 * time.Second
)

// Extractor pulls typed variables out of a conversation snapshot. Implemented
// by the extract subpackage; faked in tests.
type Extractor interface {
	Extract(ctx context.Context, spec *workflow.ExtractionSpec, convo []llm.Message) (map[string]any, error)
}

// Config assembles an Engine.
type Config struct {
	// Graph is the validated workflow definition.
	Graph *workflow.Graph

	// Registry receives the built-in and per-edge transition tools.
	Registry *tools.Registry

	// Mapping is the tenant disposition mapping; may be nil.
	Mapping dispo.Mapping

	// Extractor runs variable extraction; may be nil to disable.
	Extractor Extractor

	// Emit pushes a frame into the pipeline on the engine's behalf.
	Emit func(frame.Frame)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// IdleCheckInLine, IdleGoodbyeLine, and MaxDurationLine override the
	// spoken defaults.
	IdleCheckInLine string
	IdleGoodbyeLine string
	MaxDurationLine string
}

// pendingTransition is a node change deferred until after a context push.
type pendingTransition struct {
	target   string
	prevNode *workflow.Node
}

// Engine is the per-call workflow state machine. Its mutable state is only
// touched from the pipeline task's goroutine plus the isolated background
// tasks documented on each method.
type Engine struct {
	graph     *workflow.Graph
	registry  *tools.Registry
	mapping   dispo.Mapping
	extractor Extractor
	emit      func(frame.Frame)
	log       *slog.Logger

	checkInLine string
	goodbyeLine string
	closingLine string

	convo    *Context
	gathered *Gathered

	mu                 sync.Mutex
	initialized        bool
	current            *workflow.Node
	generating         *workflow.Node   // node that produced the in-flight generation
	genNodes           []*workflow.Node // per-generation nodes, popped as completions arrive
	hearing            *workflow.Node // node whose speech the user currently hears
	botSpeaking        bool
	edgeToolNames      []string
	reference          strings.Builder
	transitionDone     bool // one transition max between user stop and next push
	pending            *pendingTransition
	userTurnOpen       bool
	endTaskSent        bool
	clientDisconnected bool
	startTime          time.Time

	// bg tracks fire-and-forget extraction tasks so Close can wait for them.
	bg sync.WaitGroup
}

// New creates an Engine. The graph must already be validated.
func New(cfg Config) (*Engine, error) {
	if cfg.Graph == nil {
		return nil, errors.New("engine: graph is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("engine: tool registry is required")
	}
	if cfg.Emit == nil {
		return nil, errors.New("engine: emit function is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		graph:       cfg.Graph,
		registry:    cfg.Registry,
		mapping:     cfg.Mapping,
		extractor:   cfg.Extractor,
		emit:        cfg.Emit,
		log:         log,
		checkInLine: cfg.IdleCheckInLine,
		goodbyeLine: cfg.IdleGoodbyeLine,
		closingLine: cfg.MaxDurationLine,
		convo:       NewContext(),
		gathered:    NewGathered(),
	}
	if e.checkInLine == "" {
		e.checkInLine = defaultIdleCheckIn
	}
	if e.goodbyeLine == "" {
		e.goodbyeLine = defaultIdleGoodbye
	}
	if e.closingLine == "" {
		e.closingLine = defaultClosingLine
	}
	return e, nil
}

// Context returns the engine-owned conversation context.
func (e *Engine) Context() *Context { return e.convo }

// Gathered returns the call's gathered context.
func (e *Engine) Gathered() *Gathered { return e.gathered }

// CurrentNode returns the active node; nil before Initialize.
func (e *Engine) CurrentNode() *workflow.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Initialize registers the built-in tools and enters the start node.
// Idempotent: repeated calls after a successful run are no-ops.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	start := e.graph.StartNode()
	if start == nil {
		e.mu.Unlock()
		return errors.New("engine: workflow graph has no start node")
	}
	e.startTime = time.Now()
	e.mu.Unlock()

	if err := tools.RegisterBuiltins(e.registry); err != nil {
		return fmt.Errorf("engine: register builtins: %w", err)
	}
	if err := e.SetNode(ctx, start.ID); err != nil {
		return err
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()
	return nil
}

// SetNode transitions to the named node: swaps the per-edge transition
// tools, recomposes the system message, and arranges the next generation.
func (e *Engine) SetNode(ctx context.Context, nodeID string) error {
	node := e.graph.NodeByID(nodeID)
	if node == nil {
		return fmt.Errorf("engine: node %q does not exist", nodeID)
	}

	e.mu.Lock()
	if e.endTaskSent {
		e.mu.Unlock()
		return nil
	}
	for _, name := range e.edgeToolNames {
		e.registry.Unregister(name)
	}
	e.edgeToolNames = e.edgeToolNames[:0]

	edges := e.graph.Outgoing(node.ID)
	for _, edge := range edges {
		e.edgeToolNames = append(e.edgeToolNames, edge.FunctionName())
	}
	prev := e.current
	e.current = node
	e.transitionDone = false
	delayed := node.DelayedStart && prev == nil
	e.mu.Unlock()

	for _, edge := range edges {
		if err := e.registerTransitionTool(edge); err != nil {
			return err
		}
	}

	e.convo.SetSystem(e.composeSystemMessage(node))
	e.convo.SetTools(e.registry.Definitions())

	if delayed {
		d := node.DelayedStartDuration
		if d <= 0 {
			d = defaultDelayedStart
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}

	// Nodes that wait for the user stay silent; the user's next completed
	// turn pushes the context and triggers generation.
	if !node.WaitForUserResponse {
		e.pushContext()
	}
	return nil
}

// registerTransitionTool publishes one outgoing edge as a parameter-less
// tool. Its handler marks the transition done, returns immediately with
// RunLLM false, and performs the node switch in the continuation once the
// tool result has been written into the context.
func (e *Engine) registerTransitionTool(edge workflow.Edge) error {
	def := llm.ToolDefinition{
		Name:        edge.FunctionName(),
		Description: edge.Condition,
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}
	target := edge.Target
	return e.registry.Register(def, func(_ context.Context, _ map[string]any) (tools.Result, error) {
		e.mu.Lock()
		if e.transitionDone || e.endTaskSent {
			e.mu.Unlock()
			return tools.Result{
				Value:  map[string]any{"status": "ignored"},
				RunLLM: false,
			}, nil
		}
		e.transitionDone = true
		prev := e.current
		deferred := e.userTurnOpen
		if deferred {
			e.pending = &pendingTransition{target: target, prevNode: prev}
		}
		e.mu.Unlock()

		res := tools.Result{Value: map[string]any{"status": "done"}, RunLLM: false}
		if !deferred {
			res.OnContextUpdated = func(ctx context.Context) {
				e.runTransition(ctx, target, prev)
			}
		}
		return res, nil
	})
}

// runTransition performs the deferred half of an edge transition: extraction
// on the node being left, then the node switch.
func (e *Engine) runTransition(ctx context.Context, target string, prev *workflow.Node) {
	if prev != nil && prev.Extraction != nil && e.extractor != nil {
		snapshot := e.convo.Messages()
		spec := prev.Extraction
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), extractionTimeout)
			defer cancel()
			values, err := e.extractor.Extract(exCtx, spec, snapshot)
			if err != nil {
				e.log.Warn("variable extraction failed", "node", prev.ID, "error", err)
				return
			}
			e.gathered.SetAll(values)
		}()
	}

	if err := e.SetNode(ctx, target); err != nil {
		e.log.Error("transition failed", "target", target, "error", err)
	}
}

// composeSystemMessage builds the node's system prompt: the global prompt
// when opted in, then the node prompt.
func (e *Engine) composeSystemMessage(node *workflow.Node) string {
	var parts []string
	if node.AddGlobalPrompt {
		if global := e.graph.GlobalNode(); global != nil && global.Prompt != "" {
			parts = append(parts, global.Prompt)
		}
	}
	parts = append(parts, node.Prompt)
	return strings.Join(parts, "\n\n")
}

// pushContext emits the frame that triggers the next LLM generation.
func (e *Engine) pushContext() {
	f := &frame.LLMContextFrame{}
	f.SetDirection(frame.Downstream)
	e.emit(f)
}

// HandleLLMTextFrame accumulates the model's own token text as the reference
// for aggregation repair.
func (e *Engine) HandleLLMTextFrame(text string) {
	e.mu.Lock()
	e.reference.WriteString(text)
	e.mu.Unlock()
}

// HandleToolCall executes one tool call requested by the model. It writes
// the tool exchange into the context, emits the ToolResultFrame, and invokes
// the transition continuation when one is present.
func (e *Engine) HandleToolCall(ctx context.Context, call llm.ToolCall) {
	var args map[string]any
	if strings.TrimSpace(call.Arguments) != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			e.finishToolCall(ctx, call, map[string]any{
				"status": "error",
				"error":  fmt.Sprintf("invalid arguments: %v", err),
			}, true, nil)
			return
		}
	}

	res, err := e.registry.Execute(ctx, call.Name, args)
	if err != nil {
		// Tool failures go back to the model, which decides how to recover.
		e.finishToolCall(ctx, call, map[string]any{
			"status": "error",
			"error":  err.Error(),
		}, true, nil)
		return
	}
	e.finishToolCall(ctx, call, res.Value, res.RunLLM, res.OnContextUpdated)
}

// finishToolCall writes the exchange into context, emits the result frame,
// and then runs the continuation, matching the ordering the transition
// protocol requires.
func (e *Engine) finishToolCall(ctx context.Context, call llm.ToolCall, value any, runLLM bool, continuation func(context.Context)) {
	payload, err := json.Marshal(value)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprint(value)))
	}
	e.convo.AppendToolExchange(call, string(payload))

	f := &frame.ToolResultFrame{ID: call.ID, Name: call.Name, Result: string(payload), RunLLM: runLLM}
	f.SetDirection(frame.Downstream)
	e.emit(f)

	if continuation != nil {
		continuation(ctx)
	}
}

// CommitUserTurn appends a completed user turn to the context and triggers
// the next generation. Pending transitions deferred behind the push are
// flushed afterwards.
func (e *Engine) CommitUserTurn(ctx context.Context, text string) {
	e.mu.Lock()
	if e.endTaskSent {
		e.mu.Unlock()
		return
	}
	e.userTurnOpen = false
	e.transitionDone = false
	e.mu.Unlock()

	e.convo.AppendUser(text)
	e.pushContext()
	e.FlushPendingTransitions(ctx, "user_turn")
}

// CommitAssistantTurn appends a completed (repaired) assistant turn.
func (e *Engine) CommitAssistantTurn(text string) {
	e.convo.AppendAssistant(text)
}

// FlushPendingTransitions executes any transition deferred until after a
// context push. source names the trigger for logs.
func (e *Engine) FlushPendingTransitions(ctx context.Context, source string) {
	e.mu.Lock()
	p := e.pending
	e.pending = nil
	e.mu.Unlock()
	if p == nil {
		return
	}
	e.log.Debug("flushing deferred transition", "target", p.target, "source", source)
	e.runTransition(ctx, p.target, p.prevNode)
}

// OnGenerationStarted resets the reference accumulator for the new
// generation and records which node produced it. Generations run serially
// and their response brackets arrive in order, so the node queue pairs each
// completion with the node that was current when its generation began.
func (e *Engine) OnGenerationStarted() {
	e.mu.Lock()
	e.reference.Reset()
	e.generating = e.current
	e.genNodes = append(e.genNodes, e.current)
	e.mu.Unlock()
}

// OnGenerationComplete finishes end-node handling: once the end node's own
// generation has its text committed, the engine runs extraction for the end
// node and terminates the call as qualified. The node is taken from the
// generation queue, not from the current node: a transition into an end node
// may already have executed before the previous node's response bracket
// closes.
func (e *Engine) OnGenerationComplete(ctx context.Context) {
	e.mu.Lock()
	var node *workflow.Node
	if len(e.genNodes) > 0 {
		node = e.genNodes[0]
		e.genNodes = e.genNodes[1:]
	} else {
		node = e.current
	}
	done := e.endTaskSent
	e.mu.Unlock()
	if done || node == nil || !node.IsEnd {
		return
	}

	if node.Extraction != nil && e.extractor != nil {
		exCtx, cancel := context.WithTimeout(ctx, endNodeExtractTimeout)
		values, err := e.extractor.Extract(exCtx, node.Extraction, e.convo.Messages())
		cancel()
		if err != nil {
			e.log.Warn("end-node extraction failed", "node", node.ID, "error", err)
		} else {
			e.gathered.SetAll(values)
		}
	}
	e.SendEndTaskFrame(dispo.UserQualified, false)
}

// TakeReference returns and clears the accumulated reference text for the
// current generation.
func (e *Engine) TakeReference() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref := e.reference.String()
	e.reference.Reset()
	return ref
}

// NotifyClientDisconnected records that the remote peer went away before the
// engine initiated termination, then terminates the call. The disposition
// resolution downgrades this to USER_HANGUP or NIBP by call age.
func (e *Engine) NotifyClientDisconnected(reason string) {
	e.mu.Lock()
	if !e.endTaskSent {
		e.clientDisconnected = true
	}
	e.mu.Unlock()
	if reason == "" {
		reason = string(dispo.HU)
	}
	e.SendEndTaskFrame(dispo.Code(reason), true)
}

// SendEndTaskFrame terminates the call with a disposition. Idempotent: only
// the first invocation emits a frame and resolves the disposition.
func (e *Engine) SendEndTaskFrame(reason dispo.Code, abortImmediately bool) {
	e.mu.Lock()
	if e.endTaskSent {
		e.mu.Unlock()
		return
	}
	e.endTaskSent = true
	disconnected := e.clientDisconnected
	duration := time.Since(e.startTime)
	e.mu.Unlock()

	extracted := dispo.Code(e.gathered.GetString(KeyCallDisposition))
	raw := dispo.Resolve(extracted, reason, disconnected, duration)
	mapped := e.mapping.Apply(raw)

	e.gathered.Set(KeyCallDisposition, string(raw))
	e.gathered.Set(KeyMappedDisposition, mapped)

	e.log.Info("call terminating",
		"disposition", raw, "mapped", mapped,
		"abort", abortImmediately, "duration", duration.Round(time.Millisecond))

	f := &frame.EndTaskFrame{Reason: string(raw), Abort: abortImmediately}
	f.SetDirection(frame.Upstream)
	e.emit(f)
}

// Ended reports whether termination has been initiated.
func (e *Engine) Ended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endTaskSent
}

// Close waits for background extraction tasks to settle. Call after the
// pipeline has stopped.
func (e *Engine) Close() error {
	e.bg.Wait()
	return nil
}
