package ai

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskmate/internal/logging"
	"taskmate/internal/models"
	"taskmate/internal/service/apikeys"
)

// KeyPool hands out API keys and records their failures.
type KeyPool interface {
	ActiveKey() (string, bool)
	MarkExhausted(key, errText string)
	RecordRequest(key string)
}

// ErrNoCredentials means no API key is configured at all. Not retryable.
var ErrNoCredentials = errors.New("no api keys configured")

const DefaultMaxRoundTrips = 8

// MsgStepLimit is the reply when a turn hits the round-trip cap.
const MsgStepLimit = "I wasn't able to complete that request within the allowed number of steps. Please try again or simplify the request."

type AgentConfig struct {
	Keys          KeyPool
	Registry      *Registry
	NewModel      ChatModelFactory
	MaxRoundTrips int
	Logger        *zap.Logger
	// Now stamps the system prompt; defaults to time.Now.
	Now func() time.Time
}

// Agent drives single conversation turns: model call, tool calls, repeat.
// It is safe for concurrent use by independent turns.
type Agent struct {
	keys          KeyPool
	registry      *Registry
	normalizer    *Normalizer
	newModel      ChatModelFactory
	maxRoundTrips int
	logger        *zap.Logger
	now           func() time.Time

	mu     sync.Mutex
	models map[string]model.ToolCallingChatModel
}

func NewAgent(cfg AgentConfig) (*Agent, error) {
	if cfg.Keys == nil {
		return nil, errors.New("key pool is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if cfg.NewModel == nil {
		return nil, errors.New("chat model factory is required")
	}
	if cfg.MaxRoundTrips <= 0 {
		cfg.MaxRoundTrips = DefaultMaxRoundTrips
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Agent{
		keys:          cfg.Keys,
		registry:      cfg.Registry,
		normalizer:    NewNormalizer(cfg.Registry, cfg.Logger),
		newModel:      cfg.NewModel,
		maxRoundTrips: cfg.MaxRoundTrips,
		logger:        cfg.Logger.Named("agent"),
		now:           cfg.Now,
		models:        make(map[string]model.ToolCallingChatModel),
	}, nil
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	// Messages is the turn history after the loop, without the system prompt.
	Messages []*schema.Message
	// Reply is the user-visible text. Never empty.
	Reply string
	// ErrorType is models.ErrorTypeQuota or models.ErrorTypeAgent when the
	// model could not be reached, empty otherwise.
	ErrorType string
	ModelErr  error
	// Key is the credential used by the last model call.
	Key        string
	RoundTrips int
	Truncated  bool
}

// Run executes one turn over history. Model failures are reported on the
// result; only missing credentials and cancellation return an error.
func (a *Agent) Run(ctx context.Context, history []*schema.Message) (*TurnResult, error) {
	msgs := make([]*schema.Message, 0, len(history)+4)
	msgs = append(msgs, history...)
	res := &TurnResult{}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key, ok := a.keys.ActiveKey()
		if !ok {
			return nil, ErrNoCredentials
		}
		res.Key = key

		input := make([]*schema.Message, 0, len(msgs)+1)
		input = append(input, schema.SystemMessage(SystemPrompt(a.now())))
		input = append(input, msgs...)

		reply, err := a.generate(ctx, key, input)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			errText := logging.SanitizeError(err)
			res.ModelErr = err
			res.ErrorType = models.ErrorTypeAgent
			if apikeys.IsQuotaError(errText) {
				a.keys.MarkExhausted(key, errText)
				res.ErrorType = models.ErrorTypeQuota
			}
			a.logger.Warn("model invocation failed",
				zap.String("error_type", res.ErrorType),
				zap.String("error", errText),
			)
			msgs = append(msgs, schema.AssistantMessage("Error invoking model: "+errText, nil))
			res.Reply = apikeys.FriendlyError(errText)
			break
		}
		res.RoundTrips++
		assignCallIDs(reply)
		msgs = append(msgs, reply)

		if len(reply.ToolCalls) == 0 {
			break
		}
		for _, tc := range reply.ToolCalls {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			result := a.normalizer.Execute(ctx, FromToolCall(tc))
			a.logger.Debug("tool executed",
				zap.String("tool", result.Name),
				zap.String("status", string(result.Status)),
			)
			msgs = append(msgs, result.Message())
		}
		if res.RoundTrips >= a.maxRoundTrips {
			a.logger.Warn("round trip cap reached", zap.Int("round_trips", res.RoundTrips))
			res.Truncated = true
			msgs = append(msgs, schema.AssistantMessage(MsgStepLimit, nil))
			break
		}
	}

	res.Messages = msgs
	if res.Reply == "" {
		res.Reply = SynthesizeReply(msgs)
	}
	return res, nil
}

// generate calls the model once, falling back to a streamed call on failure.
func (a *Agent) generate(ctx context.Context, key string, input []*schema.Message) (*schema.Message, error) {
	cm, err := a.chatModel(ctx, key)
	if err != nil {
		return nil, err
	}

	a.keys.RecordRequest(key)
	out, genErr := cm.Generate(ctx, input)
	if genErr == nil {
		return nonNil(out), nil
	}
	if ctx.Err() != nil {
		return nil, genErr
	}
	a.logger.Info("generate failed, retrying with stream", zap.String("error", logging.SanitizeError(genErr)))

	a.keys.RecordRequest(key)
	sr, err := cm.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%w; stream fallback: %w", genErr, err)
	}
	defer sr.Close()
	out, err = schema.ConcatMessageStream(sr)
	if err != nil {
		return nil, fmt.Errorf("%w; stream fallback: %w", genErr, err)
	}
	return nonNil(out), nil
}

// chatModel returns the tool-bound model for key, building it on first use.
func (a *Agent) chatModel(ctx context.Context, key string) (model.ToolCallingChatModel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cm, ok := a.models[key]; ok {
		return cm, nil
	}
	base, err := a.newModel(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("build chat model: %w", err)
	}
	bound, err := base.WithTools(a.registry.Infos())
	if err != nil {
		return nil, fmt.Errorf("bind tools: %w", err)
	}
	a.models[key] = bound
	return bound, nil
}

// assignCallIDs gives every tool call an id so its result can be correlated.
func assignCallIDs(msg *schema.Message) {
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].ID == "" {
			msg.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
	}
}

func nonNil(msg *schema.Message) *schema.Message {
	if msg == nil {
		return schema.AssistantMessage("", nil)
	}
	if msg.Role == "" {
		msg.Role = schema.Assistant
	}
	return msg
}
