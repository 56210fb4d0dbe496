package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

// Shape tags which encoding a ToolRequest arrived in.
type Shape int

const (
	// ShapeToolCall is an eino schema.ToolCall: Function.Name / Function.Arguments.
	ShapeToolCall Shape = iota + 1
	// ShapeMapping is a flat mapping such as {"name": ..., "args": {...}}.
	ShapeMapping
	// ShapeFunctionEnvelope is the OpenAI wire form {"id": ..., "function": {"name": ..., "arguments": "..."}}.
	ShapeFunctionEnvelope
)

func (s Shape) String() string {
	switch s {
	case ShapeToolCall:
		return "tool_call"
	case ShapeMapping:
		return "mapping"
	case ShapeFunctionEnvelope:
		return "function_envelope"
	}
	return "unknown"
}

// Field names probed per variant, highest precedence first.
var (
	nameKeys = []string{"name", "tool_name", "tool"}
	argsKeys = []string{"args", "arguments", "input", "kwargs"}
	idKeys   = []string{"id", "tool_call_id", "call_id"}
)

// ToolRequest is one model-emitted tool invocation in any supported shape.
type ToolRequest struct {
	Shape  Shape
	Call   schema.ToolCall
	Fields map[string]any
}

func FromToolCall(tc schema.ToolCall) ToolRequest {
	return ToolRequest{Shape: ShapeToolCall, Call: tc}
}

// FromMapping classifies m as a function envelope when it nests a "function"
// mapping, as a flat mapping otherwise.
func FromMapping(m map[string]any) ToolRequest {
	if fn, ok := m["function"].(map[string]any); ok && len(fn) > 0 {
		return ToolRequest{Shape: ShapeFunctionEnvelope, Fields: m}
	}
	return ToolRequest{Shape: ShapeMapping, Fields: m}
}

// Name returns the requested tool name, or "" when none is present.
func (r ToolRequest) Name() string {
	switch r.Shape {
	case ShapeToolCall:
		return r.Call.Function.Name
	case ShapeMapping:
		return firstString(r.Fields, nameKeys)
	case ShapeFunctionEnvelope:
		fn, _ := r.Fields["function"].(map[string]any)
		if name := firstString(fn, nameKeys); name != "" {
			return name
		}
		return firstString(r.Fields, nameKeys)
	}
	return ""
}

// ID returns the correlation id, or "" when the model sent none.
func (r ToolRequest) ID() string {
	switch r.Shape {
	case ShapeToolCall:
		return r.Call.ID
	case ShapeMapping, ShapeFunctionEnvelope:
		return firstString(r.Fields, idKeys)
	}
	return ""
}

// RawArgs returns the argument payload as sent, nil when absent.
func (r ToolRequest) RawArgs() any {
	switch r.Shape {
	case ShapeToolCall:
		if r.Call.Function.Arguments == "" {
			return nil
		}
		return r.Call.Function.Arguments
	case ShapeMapping:
		return firstValue(r.Fields, argsKeys)
	case ShapeFunctionEnvelope:
		fn, _ := r.Fields["function"].(map[string]any)
		if v := firstValue(fn, argsKeys); v != nil {
			return v
		}
		return firstValue(r.Fields, argsKeys)
	}
	return nil
}

// ToolStatus is the structured outcome carried next to the result text.
type ToolStatus string

const (
	ToolStatusOK       ToolStatus = "ok"
	ToolStatusError    ToolStatus = "tool_error"
	ToolStatusNotFound ToolStatus = "not_found"
	ToolStatusRaised   ToolStatus = "raised"
)

// toolStatusExtra is the schema.Message.Extra key holding the ToolStatus.
const toolStatusExtra = "tool_status"

type ToolResult struct {
	CallID  string
	Name    string
	Content string
	Status  ToolStatus
}

// Message renders the result as a tool-role message correlated to its call.
func (r ToolResult) Message() *schema.Message {
	return &schema.Message{
		Role:       schema.Tool,
		Content:    r.Content,
		ToolCallID: r.CallID,
		ToolName:   r.Name,
		Extra:      map[string]any{toolStatusExtra: string(r.Status)},
	}
}

// Normalizer resolves ToolRequests against a Registry and runs them.
type Normalizer struct {
	registry *Registry
	logger   *zap.Logger
}

func NewNormalizer(registry *Registry, logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{registry: registry, logger: logger.Named("normalizer")}
}

// Execute always yields a result; tool faults and panics become text.
func (n *Normalizer) Execute(ctx context.Context, req ToolRequest) ToolResult {
	name := req.Name()
	res := ToolResult{CallID: req.ID(), Name: name}

	t, ok := n.registry.Lookup(name)
	if !ok {
		n.logger.Warn("unknown tool requested", zap.String("tool", name), zap.Stringer("shape", req.Shape))
		res.Content = fmt.Sprintf("Tool '%s' not found", name)
		res.Status = ToolStatusNotFound
		return res
	}

	args := CoerceArgs(req.RawArgs())
	payload, err := json.Marshal(args)
	if err != nil {
		res.Content = fmt.Sprintf("Tool '%s' raised: encode arguments: %v", name, err)
		res.Status = ToolStatusRaised
		return res
	}

	out, err := invokeSafely(ctx, t, string(payload))
	if err != nil {
		n.logger.Warn("tool raised", zap.String("tool", name), zap.Error(err))
		res.Content = fmt.Sprintf("Tool '%s' raised: %v", name, err)
		res.Status = ToolStatusRaised
		return res
	}
	res.Content = out
	res.Status = ToolStatusOK
	if strings.HasPrefix(out, "Error") {
		res.Status = ToolStatusError
	}
	return res
}

func invokeSafely(ctx context.Context, t tool.InvokableTool, args string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.InvokableRun(ctx, args)
}

// CoerceArgs turns a raw argument payload into a name to value mapping.
// Text is JSON-decoded when possible; anything that is not a mapping is
// wrapped as {"input": value}.
func CoerceArgs(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case json.RawMessage:
		return coerceText(string(v))
	case []byte:
		return coerceText(string(v))
	case string:
		return coerceText(v)
	default:
		return map[string]any{"input": v}
	}
}

func coerceText(text string) map[string]any {
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return map[string]any{"input": text}
	}
	switch d := decoded.(type) {
	case map[string]any:
		return d
	default:
		return map[string]any{"input": d}
	}
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// firstValue skips nil, empty strings and empty mappings.
func firstValue(m map[string]any, keys []string) any {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t == "" {
				continue
			}
		case map[string]any:
			if len(t) == 0 {
				continue
			}
		}
		return v
	}
	return nil
}
