package ai

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"taskmate/internal/config"
	"taskmate/internal/service/tasks"
	"taskmate/internal/storage"
)

// step is one scripted model response. A nil msg with nil err means
// "return an empty assistant message".
type step struct {
	msg       *schema.Message
	err       error
	streamMsg *schema.Message
	streamErr error
}

// scriptedModel replays steps in order and repeats the last one when exhausted.
type scriptedModel struct {
	mu          sync.Mutex
	steps       []step
	next        int
	inputs      [][]*schema.Message
	tools       []*schema.ToolInfo
	generates   int
	streams     int
	lastStepIdx int
}

func newScriptedModel(steps ...step) *scriptedModel {
	return &scriptedModel{steps: steps}
}

func (m *scriptedModel) current() step {
	idx := m.next
	if idx >= len(m.steps) {
		idx = len(m.steps) - 1
	}
	m.lastStepIdx = idx
	m.next++
	return m.steps[idx]
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generates++
	m.inputs = append(m.inputs, input)
	s := m.current()
	if s.err != nil {
		return nil, s.err
	}
	return cloneMessage(s.msg), nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams++
	s := m.steps[m.lastStepIdx]
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	if s.streamMsg == nil {
		return nil, errors.New("stream not scripted")
	}
	return schema.StreamReaderFromArray([]*schema.Message{cloneMessage(s.streamMsg)}), nil
}

func (m *scriptedModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.mu.Lock()
	m.tools = tools
	m.mu.Unlock()
	return m, nil
}

func (m *scriptedModel) generateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generates
}

func cloneMessage(msg *schema.Message) *schema.Message {
	if msg == nil {
		return schema.AssistantMessage("", nil)
	}
	c := *msg
	c.ToolCalls = append([]schema.ToolCall(nil), msg.ToolCalls...)
	return &c
}

func toolCallMsg(text string, calls ...schema.ToolCall) *schema.Message {
	return schema.AssistantMessage(text, calls)
}

func call(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Type: "function", Function: schema.FunctionCall{Name: name, Arguments: args}}
}

// factoryFor returns a ChatModelFactory serving m and recording the keys used.
func factoryFor(m *scriptedModel, keys *[]string) ChatModelFactory {
	var mu sync.Mutex
	return func(ctx context.Context, apiKey string) (model.ToolCallingChatModel, error) {
		mu.Lock()
		defer mu.Unlock()
		if keys != nil {
			*keys = append(*keys, apiKey)
		}
		return m, nil
	}
}

func newTestStore(t *testing.T) *tasks.Service {
	t.Helper()
	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "agent.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, "sqlite3"))
	svc, err := tasks.NewService(db, "sqlite3", zap.NewNop())
	require.NoError(t, err)
	return svc
}

func newTestRegistry(t *testing.T) (*Registry, *tasks.Service) {
	t.Helper()
	store := newTestStore(t)
	reg, err := NewTaskRegistry(context.Background(), store, zap.NewNop())
	require.NoError(t, err)
	return reg, store
}
