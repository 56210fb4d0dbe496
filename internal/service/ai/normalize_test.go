package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskmate/internal/models"
)

type echoParams struct {
	Title    string `json:"title"`
	Priority string `json:"priority"`
	Input    any    `json:"input"`
}

func newEchoRegistry(t *testing.T) *Registry {
	t.Helper()
	echo := utils.NewTool(&schema.ToolInfo{Name: "echo", Desc: "echo"},
		func(ctx context.Context, p *echoParams) (string, error) {
			return fmt.Sprintf("title=%s priority=%s input=%v", p.Title, p.Priority, p.Input), nil
		})
	failing := utils.NewTool(&schema.ToolInfo{Name: "failing", Desc: "always fails"},
		func(ctx context.Context, p *echoParams) (string, error) {
			return "", errors.New("disk on fire")
		})
	panicking := utils.NewTool(&schema.ToolInfo{Name: "panicking", Desc: "panics"},
		func(ctx context.Context, p *echoParams) (string, error) {
			panic("nil map write")
		})
	reg, err := NewRegistry(context.Background(), echo, failing, panicking)
	require.NoError(t, err)
	return reg
}

func TestNormalizerEnvelopeShapesAgree(t *testing.T) {
	n := NewNormalizer(newEchoRegistry(t), zap.NewNop())
	ctx := context.Background()

	canonical := n.Execute(ctx, FromMapping(map[string]any{
		"name": "echo",
		"args": map[string]any{"title": "buy milk", "priority": "high"},
		"id":   "c1",
	}))
	require.Equal(t, ToolStatusOK, canonical.Status)
	require.Equal(t, "title=buy milk priority=high input=<nil>", canonical.Content)

	requests := map[string]ToolRequest{
		"tool call with json text": FromToolCall(call("c1", "echo", `{"title":"buy milk","priority":"high"}`)),
		"mapping with arguments text": FromMapping(map[string]any{
			"tool_name": "echo",
			"arguments": `{"title":"buy milk","priority":"high"}`,
			"call_id":   "c1",
		}),
		"mapping with kwargs": FromMapping(map[string]any{
			"tool":         "echo",
			"kwargs":       map[string]any{"title": "buy milk", "priority": "high"},
			"tool_call_id": "c1",
		}),
		"mapping with input": FromMapping(map[string]any{
			"name":  "echo",
			"args":  map[string]any{},
			"input": map[string]any{"title": "buy milk", "priority": "high"},
			"id":    "c1",
		}),
		"function envelope": FromMapping(map[string]any{
			"id":   "c1",
			"type": "function",
			"function": map[string]any{
				"name":      "echo",
				"arguments": `{"title":"buy milk","priority":"high"}`,
			},
		}),
	}
	for name, req := range requests {
		t.Run(name, func(t *testing.T) {
			got := n.Execute(ctx, req)
			assert.Equal(t, canonical, got)
		})
	}
}

func TestFromMappingClassifiesShape(t *testing.T) {
	assert.Equal(t, ShapeMapping, FromMapping(map[string]any{"name": "echo"}).Shape)
	assert.Equal(t, ShapeFunctionEnvelope, FromMapping(map[string]any{"function": map[string]any{"name": "echo"}}).Shape)
	assert.Equal(t, ShapeToolCall, FromToolCall(call("", "echo", "")).Shape)
}

func TestNormalizerArgumentEncodings(t *testing.T) {
	n := NewNormalizer(newEchoRegistry(t), zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name string
		req  ToolRequest
		want string
	}{
		{"native mapping", FromMapping(map[string]any{"name": "echo", "args": map[string]any{"title": "a"}}), "title=a priority= input=<nil>"},
		{"json text", FromToolCall(call("x", "echo", `{"title":"a"}`)), "title=a priority= input=<nil>"},
		{"plain text", FromToolCall(call("x", "echo", "just words")), "title= priority= input=just words"},
		{"json scalar", FromToolCall(call("x", "echo", `"quoted"`)), "title= priority= input=quoted"},
		{"json list", FromMapping(map[string]any{"name": "echo", "args": `[1,2]`}), "title= priority= input=[1 2]"},
		{"non-string value", FromMapping(map[string]any{"name": "echo", "args": 42}), "title= priority= input=42"},
		{"absent", FromToolCall(call("x", "echo", "")), "title= priority= input=<nil>"},
		{"blank text", FromMapping(map[string]any{"name": "echo", "args": "   "}), "title= priority= input=   "},
		{"json null", FromToolCall(call("x", "echo", "null")), "title= priority= input=<nil>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := n.Execute(ctx, tt.req)
			assert.Equal(t, ToolStatusOK, got.Status)
			assert.Equal(t, tt.want, got.Content)
		})
	}
}

func TestNormalizerUnknownTool(t *testing.T) {
	n := NewNormalizer(newEchoRegistry(t), zap.NewNop())

	got := n.Execute(context.Background(), FromToolCall(call("c9", "launch_rocket", `{}`)))
	assert.Equal(t, "Tool 'launch_rocket' not found", got.Content)
	assert.Equal(t, ToolStatusNotFound, got.Status)
	assert.Equal(t, "c9", got.CallID)

	// Names are matched exactly.
	got = n.Execute(context.Background(), FromMapping(map[string]any{"name": "Echo"}))
	assert.Contains(t, got.Content, "not found")

	got = n.Execute(context.Background(), FromToolCall(call("c10", " echo ", `{}`)))
	assert.Equal(t, "Tool ' echo ' not found", got.Content)
	assert.Equal(t, ToolStatusNotFound, got.Status)

	got = n.Execute(context.Background(), FromMapping(map[string]any{"name": "echo\n"}))
	assert.Equal(t, ToolStatusNotFound, got.Status)
}

func TestNormalizerToolFaultsBecomeText(t *testing.T) {
	n := NewNormalizer(newEchoRegistry(t), zap.NewNop())

	got := n.Execute(context.Background(), FromMapping(map[string]any{"name": "failing"}))
	assert.Equal(t, ToolStatusRaised, got.Status)
	assert.Contains(t, got.Content, "Tool 'failing' raised: ")
	assert.Contains(t, got.Content, "disk on fire")

	require.NotPanics(t, func() {
		got = n.Execute(context.Background(), FromMapping(map[string]any{"name": "panicking"}))
	})
	assert.Equal(t, ToolStatusRaised, got.Status)
	assert.Contains(t, got.Content, "Tool 'panicking' raised: ")
}

func TestNormalizerJSONTextUpdate(t *testing.T) {
	reg, store := newTestRegistry(t)
	n := NewNormalizer(reg, zap.NewNop())
	ctx := context.Background()

	assert.Equal(t, map[string]any{"status": "done"}, CoerceArgs("{\"status\": \"done\"}"))

	_, err := store.Create(ctx, models.NewTask{Title: "buy milk"})
	require.NoError(t, err)

	got := n.Execute(ctx, FromToolCall(call("u1", ToolUpdateTask, "{\"task_id\": 1, \"status\": \"done\"}")))
	assert.Equal(t, ToolStatusOK, got.Status)
	assert.Equal(t, "Task updated successfully: 'buy milk' (Task ID: 1)", got.Content)

	task, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, task.Status)

	got = n.Execute(ctx, FromToolCall(call("u2", ToolUpdateTask, "{\"status\": \"done\"}")))
	assert.Equal(t, ToolStatusError, got.Status)
	assert.Equal(t, "Error: Please provide either task_id or title_match", got.Content)
}

func TestToolResultMessage(t *testing.T) {
	msg := ToolResult{CallID: "c1", Name: "echo", Content: "ok", Status: ToolStatusOK}.Message()
	assert.Equal(t, schema.Tool, msg.Role)
	assert.Equal(t, "c1", msg.ToolCallID)
	assert.Equal(t, "echo", msg.ToolName)
	assert.Equal(t, "ok", msg.Extra[toolStatusExtra])
}

func TestCoerceArgs(t *testing.T) {
	assert.Equal(t, map[string]any{}, CoerceArgs(nil))
	assert.Equal(t, map[string]any{"input": ""}, CoerceArgs(""))
	assert.Equal(t, map[string]any{"input": "  "}, CoerceArgs("  "))
	assert.Equal(t, map[string]any{"input": nil}, CoerceArgs("null"))
	assert.Equal(t, map[string]any{"a": "b"}, CoerceArgs(map[string]any{"a": "b"}))
	assert.Equal(t, map[string]any{"a": "b"}, CoerceArgs([]byte(`{"a":"b"}`)))
	assert.Equal(t, map[string]any{"input": "not json {"}, CoerceArgs("not json {"))
	assert.Equal(t, map[string]any{"input": float64(7)}, CoerceArgs("7"))
	assert.Equal(t, map[string]any{"input": true}, CoerceArgs(true))
}
