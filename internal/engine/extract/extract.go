// Package extract implements the variable-extraction helper: a non-streaming
// LLM call that pulls typed values out of a conversation snapshot according
// to a node's extraction spec.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/parleyvoice/parley/internal/workflow"
	"github.com/parleyvoice/parley/pkg/provider/llm"
)

// Extractor runs extraction requests against an LLM provider.
type Extractor struct {
	provider    llm.Provider
	temperature float64
}

// New creates an Extractor. Extraction runs at temperature 0 so repeated
// runs over the same transcript agree.
func New(provider llm.Provider) (*Extractor, error) {
	if provider == nil {
		return nil, errors.New("extract: provider is required")
	}
	return &Extractor{provider: provider}, nil
}

// Extract asks the model for the requested variables and returns them keyed by
// name. Variables the model could not determine are omitted; values are
// coerced to the declared type.
func (x *Extractor) Extract(ctx context.Context, spec *workflow.ExtractionSpec, convo []llm.Message) (map[string]any, error) {
	if spec == nil || len(spec.Variables) == 0 {
		return map[string]any{}, nil
	}

	resp, err := x.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    buildMessages(spec, convo),
		Temperature: x.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: completion: %w", err)
	}

	raw, err := parseJSONObject(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("extract: parse response: %w", err)
	}

	out := make(map[string]any, len(spec.Variables))
	for _, v := range spec.Variables {
		value, ok := raw[v.Name]
		if !ok || value == nil {
			continue
		}
		coerced, ok := coerce(value, v.Type)
		if !ok {
			continue
		}
		out[v.Name] = coerced
	}
	return out, nil
}

// buildMessages composes the extraction request: the instruction as system
// message, then the transcript rendered as plain text.
func buildMessages(spec *workflow.ExtractionSpec, convo []llm.Message) []llm.Message {
	var sb strings.Builder
	sb.WriteString(spec.Prompt)
	sb.WriteString("\n\nReturn a single JSON object with exactly these keys; use null for values the conversation does not establish:\n")
	for _, v := range spec.Variables {
		fmt.Fprintf(&sb, "- %q (%s): %s\n", v.Name, v.Type, v.Description)
	}
	sb.WriteString("\nRespond with the JSON object only.")

	var transcript strings.Builder
	for _, m := range convo {
		switch m.Role {
		case llm.RoleUser:
			transcript.WriteString("User: " + m.Content + "\n")
		case llm.RoleAssistant:
			if m.Content != "" {
				transcript.WriteString("Assistant: " + m.Content + "\n")
			}
		}
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: sb.String()},
		{Role: llm.RoleUser, Content: transcript.String()},
	}
}

// parseJSONObject tolerates code fences and prose around the JSON object.
func parseJSONObject(content string) (map[string]any, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object in %q", content)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(content[start:end+1]), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// coerce converts a decoded JSON value to the declared variable type.
func coerce(value any, typ string) (any, bool) {
	switch typ {
	case "string":
		switch v := value.(type) {
		case string:
			return v, true
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(v), true
		}
	case "number":
		switch v := value.(type) {
		case float64:
			return v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	case "boolean":
		switch v := value.(type) {
		case bool:
			return v, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				return b, true
			}
		}
	}
	return nil, false
}
