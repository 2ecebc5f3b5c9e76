package engine

import (
	"sync"

	"github.com/parleyvoice/parley/pkg/provider/llm"
)

// Context is the engine-owned conversation state handed to the LLM on every
// generation. It maintains the invariant that index 0 is always the single
// system message reflecting the currently active node.
//
// Aggregators and tool plumbing append through the engine; nothing outside
// this package mutates the message list directly.
type Context struct {
	mu       sync.Mutex
	messages []llm.Message
	tools    []llm.ToolDefinition
}

// NewContext creates a context seeded with an empty system message.
func NewContext() *Context {
	return &Context{
		messages: []llm.Message{{Role: llm.RoleSystem}},
	}
}

// SetSystem replaces the system message at index 0.
func (c *Context) SetSystem(content string) {
	c.mu.Lock()
	c.messages[0] = llm.Message{Role: llm.RoleSystem, Content: content}
	c.mu.Unlock()
}

// SetTools replaces the tool definitions offered to the model.
func (c *Context) SetTools(tools []llm.ToolDefinition) {
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
}

// AppendUser appends a completed user turn.
func (c *Context) AppendUser(content string) {
	c.mu.Lock()
	c.messages = append(c.messages, llm.Message{Role: llm.RoleUser, Content: content})
	c.mu.Unlock()
}

// AppendAssistant appends a completed assistant turn.
func (c *Context) AppendAssistant(content string) {
	c.mu.Lock()
	c.messages = append(c.messages, llm.Message{Role: llm.RoleAssistant, Content: content})
	c.mu.Unlock()
}

// AppendToolExchange appends the assistant's tool invocation and its result
// as the adjacent message pair the chat protocol requires.
func (c *Context) AppendToolExchange(call llm.ToolCall, result string) {
	c.mu.Lock()
	c.messages = append(c.messages,
		llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{call}},
		llm.Message{Role: llm.RoleTool, Content: result, Name: call.Name, ToolCallID: call.ID},
	)
	c.mu.Unlock()
}

// Messages returns a snapshot of the conversation.
func (c *Context) Messages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Tools returns a snapshot of the current tool definitions.
func (c *Context) Tools() []llm.ToolDefinition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.ToolDefinition, len(c.tools))
	copy(out, c.tools)
	return out
}

// CompletionRequest builds the request for the next generation.
func (c *Context) CompletionRequest() llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages: c.Messages(),
		Tools:    c.Tools(),
	}
}

// Len returns the number of messages including the system message.
func (c *Context) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}
